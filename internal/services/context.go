package services

import "net/http"

// merchantFromContext reads the merchant id placed on the request context by
// the auth middleware.
func merchantFromContext(r *http.Request) (string, bool) {
	merchantID, ok := r.Context().Value("merchantID").(string)
	if !ok || merchantID == "" {
		return "", false
	}
	return merchantID, true
}
