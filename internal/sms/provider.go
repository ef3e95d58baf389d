// Package sms sends outbound notification messages to customers. Delivery is
// best effort: payment flows never block or fail on provider errors.
package sms

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider sends a single text message.
type Provider interface {
	Send(ctx context.Context, phone, message string) error
}

// Fast2SMSProvider talks to the Fast2SMS bulk API.
type Fast2SMSProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewFast2SMSProvider() *Fast2SMSProvider {
	baseURL := viper.GetString("sms.base_url")
	if baseURL == "" {
		baseURL = "https://www.fast2sms.com/dev/bulkV2"
	}
	return &Fast2SMSProvider{
		apiKey:  viper.GetString("sms.api_key"),
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *Fast2SMSProvider) Send(ctx context.Context, phone, message string) error {
	if p.apiKey == "" {
		return fmt.Errorf("sms api key not configured")
	}

	form := url.Values{}
	form.Set("route", "q")
	form.Set("numbers", phone)
	form.Set("message", message)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", p.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sms provider returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// NoopProvider logs instead of sending. Used when no provider is configured.
type NoopProvider struct{}

func (NoopProvider) Send(_ context.Context, phone, message string) error {
	log.Printf("[SMS] (noop) to %s: %s", phone, message)
	return nil
}

// FromConfig picks the configured provider, falling back to noop.
func FromConfig() Provider {
	if viper.GetString("sms.api_key") != "" {
		return NewFast2SMSProvider()
	}
	log.Println("[SMS] No provider configured, outbound messages will be logged only")
	return NoopProvider{}
}
