package services

import (
	"bytes"
	"encoding/base64"
	"image/png"
	"net/url"

	"github.com/skip2/go-qrcode"
)

// BuildUPILink renders the standard UPI deep link for a collection request.
// The payment id rides in the tr field so an app-initiated callback can be
// tied back to the record. Amount is formatted with two decimals as required
// by UPI apps.
func BuildUPILink(payeeVPA, payeeName string, amountPaise int64, paymentID string) string {
	params := url.Values{}
	params.Set("pa", payeeVPA)
	params.Set("pn", payeeName)
	params.Set("am", PaiseToRupees(amountPaise).StringFixed(2))
	params.Set("cu", "INR")
	params.Set("tr", paymentID)
	return "upi://pay?" + params.Encode()
}

// RenderUPIQR encodes the deep link as a base64 PNG for display in a client.
func RenderUPIQR(upiLink string) (string, error) {
	qr, err := qrcode.New(upiLink, qrcode.Medium)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, qr.Image(256)); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
