package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/merchantmitra/backend/internal/services"
)

// SMSWebhookHandler receives inbound SMS deliveries from the provider and
// feeds them to the reconciler. Providers retry on slow responses, so
// deliveries are deduplicated through a short-lived replay cache; the cached
// first outcome is replayed on duplicates.
type SMSWebhookHandler struct {
	reconciler *services.SMSReconciler
	redis      *redis.Client
}

func NewSMSWebhookHandler(reconciler *services.SMSReconciler, redisClient *redis.Client) *SMSWebhookHandler {
	return &SMSWebhookHandler{
		reconciler: reconciler,
		redis:      redisClient,
	}
}

// webhookBody accepts the field spellings used by common SMS providers.
type webhookBody struct {
	Text    string `json:"text"`
	Body    string `json:"Body"`
	Message string `json:"message"`

	From   string `json:"from"`
	FromUC string `json:"From"`
	Sender string `json:"sender"`

	MerchantID string `json:"merchantId"`
}

func (b *webhookBody) smsText() string {
	if b.Text != "" {
		return b.Text
	}
	if b.Body != "" {
		return b.Body
	}
	return b.Message
}

func (b *webhookBody) sender() string {
	if b.From != "" {
		return b.From
	}
	if b.FromUC != "" {
		return b.FromUC
	}
	return b.Sender
}

// Receive handles one provider delivery
// @Summary Inbound SMS webhook
// @Description Accepts an SMS delivery from the provider and matches it against open payments
// @Tags sms
// @Accept json
// @Produce json
// @Param request body webhookBody true "Provider delivery"
// @Success 200 {object} services.ReconcileResult
// @Failure 400 {object} services.ErrorResponse
// @Router /sms-webhook [post]
func (h *SMSWebhookHandler) Receive(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)

	var body webhookBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	text := body.smsText()
	if text == "" {
		services.SendErrorResponse(w, "No SMS text provided", http.StatusBadRequest, nil)
		return
	}

	merchantID := body.MerchantID
	if merchantID == "" {
		merchantID = r.URL.Query().Get("merchantId")
	}
	if merchantID == "" {
		services.SendErrorResponse(w, "Merchant ID required", http.StatusBadRequest, nil)
		return
	}

	log.Printf("[SMS] Webhook delivery for merchant %s from %s", merchantID, body.sender())

	if cached, ok := h.replayLookup(r, merchantID, text); ok {
		log.Printf("[SMS] Duplicate delivery for merchant %s, replaying cached outcome", merchantID)
		w.Header().Set("Content-Type", "application/json")
		w.Write(cached)
		return
	}

	result, err := h.reconciler.Process(r.Context(), merchantID, text, time.Now())
	if err != nil {
		log.Printf("[SMS] Reconciliation failed for merchant %s: %v", merchantID, err)
		services.SendErrorResponse(w, "Failed to process SMS", http.StatusInternalServerError, nil)
		return
	}

	payload, err := json.Marshal(result)
	if err != nil {
		services.SendErrorResponse(w, "Failed to process SMS", http.StatusInternalServerError, nil)
		return
	}
	h.replayStore(r, merchantID, text, payload)

	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

func replayKey(merchantID, text string) string {
	sum := sha256.Sum256([]byte(merchantID + "\x00" + text))
	return "sms:replay:" + hex.EncodeToString(sum[:])
}

func (h *SMSWebhookHandler) replayLookup(r *http.Request, merchantID, text string) ([]byte, bool) {
	if h.redis == nil {
		return nil, false
	}
	cached, err := h.redis.Get(r.Context(), replayKey(merchantID, text)).Bytes()
	if err != nil {
		return nil, false
	}
	return cached, true
}

func (h *SMSWebhookHandler) replayStore(r *http.Request, merchantID, text string, payload []byte) {
	if h.redis == nil {
		return
	}
	// TTL covers the matching window; a retry after that can safely reprocess
	// since transitions are conditional.
	if err := h.redis.Set(r.Context(), replayKey(merchantID, text), payload, 10*time.Minute).Err(); err != nil {
		log.Printf("[SMS] Failed to cache webhook outcome: %v", err)
	}
}
