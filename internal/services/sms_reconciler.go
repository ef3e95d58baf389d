package services

import (
	"context"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/merchantmitra/backend/internal/models"
	"github.com/merchantmitra/backend/internal/monitoring"
)

// Reconciliation outcomes for one inbound SMS.
const (
	OutcomeIgnoredNonCredit   = "IGNORED_NON_CREDIT"
	OutcomeIgnoredUnparseable = "IGNORED_UNPARSEABLE"
	OutcomeNoMatch            = "NO_MATCH"
	OutcomeAmbiguous          = "AMBIGUOUS"
	OutcomeMatched            = "MATCHED"
)

// creditKeywords classify a message as an incoming-credit notification.
// Debit and spend alerts must never confirm a payment.
var creditKeywords = []string{"credited", "received", "deposited", "added to", "cr.", "credit"}

var (
	amountPattern = regexp.MustCompile(`(?i)(?:₹|rs\.?|inr)\s*([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)
	utrPattern    = regexp.MustCompile(`(?i)(?:utr|upi\s*ref|ref(?:erence)?|transaction\s*id)\s*[:. -]*\s*([A-Za-z0-9]{6,22})`)
)

// amountTolerance absorbs rounding differences between the bank's SMS text
// and the stored amount.
const amountTolerance = 1 // paise

// ReconcileResult describes how one inbound SMS was handled.
type ReconcileResult struct {
	Outcome      string   `json:"outcome"`
	PaymentID    string   `json:"paymentId,omitempty"`
	CandidateIDs []string `json:"candidateIds,omitempty"`
	Amount       int64    `json:"amount,omitempty"` // paise
	UTR          string   `json:"utr,omitempty"`
}

// SMSReconciler turns bank notification texts into payment confirmations.
type SMSReconciler struct {
	payments *PaymentService
}

func NewSMSReconciler(payments *PaymentService) *SMSReconciler {
	return &SMSReconciler{payments: payments}
}

// MatchWindow bounds, on both sides, how far a waiting payment's creation may
// sit from the SMS delivery timestamp. Wider than the escalation grace period
// on purpose: a late SMS should not auto-confirm an arbitrarily stale request,
// and a historical delivery timestamp must not confirm payments created long
// after it.
func MatchWindow() time.Duration {
	if d := viper.GetDuration("payment.sms_match_window"); d > 0 {
		return d
	}
	return 5 * time.Minute
}

// IsCreditMessage reports whether the text looks like an incoming-credit
// notification.
func IsCreditMessage(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range creditKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ExtractAmount parses the first currency amount in the text into paise.
func ExtractAmount(text string) (int64, bool) {
	m := amountPattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	paise, err := ParseRupeeString(m[1])
	if err != nil || paise <= 0 {
		return 0, false
	}
	return paise, true
}

// ExtractUTR pulls an optional bank reference token out of the text.
func ExtractUTR(text string) string {
	m := utrPattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return m[1]
}

// Process classifies, parses and matches one inbound SMS for a merchant.
// Only a single unambiguous candidate is auto-confirmed; multiple candidates
// with the same amount are left for manual review since a wrong auto-pick
// confirms real money against the wrong request.
func (rc *SMSReconciler) Process(ctx context.Context, merchantID, text string, receivedAt time.Time) (ReconcileResult, error) {
	if !IsCreditMessage(text) {
		monitoring.SMSOutcomes.WithLabelValues(OutcomeIgnoredNonCredit).Inc()
		return ReconcileResult{Outcome: OutcomeIgnoredNonCredit}, nil
	}

	amount, ok := ExtractAmount(text)
	if !ok {
		monitoring.SMSOutcomes.WithLabelValues(OutcomeIgnoredUnparseable).Inc()
		return ReconcileResult{Outcome: OutcomeIgnoredUnparseable}, nil
	}
	utr := ExtractUTR(text)

	window := MatchWindow()
	since, until := receivedAt.Add(-window), receivedAt.Add(window)
	candidates, err := rc.payments.OpenPaymentsByAmount(ctx, merchantID, amount, amountTolerance, since, until)
	if err != nil {
		return ReconcileResult{}, err
	}

	switch len(candidates) {
	case 0:
		monitoring.SMSOutcomes.WithLabelValues(OutcomeNoMatch).Inc()
		return ReconcileResult{Outcome: OutcomeNoMatch, Amount: amount, UTR: utr}, nil
	case 1:
		// fall through to confirmation
	default:
		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = c.PaymentID
		}
		log.Printf("[SMS] Ambiguous match for merchant %s: amount %d paise has %d open payments", merchantID, amount, len(candidates))
		monitoring.SMSOutcomes.WithLabelValues(OutcomeAmbiguous).Inc()
		return ReconcileResult{Outcome: OutcomeAmbiguous, Amount: amount, UTR: utr, CandidateIDs: ids}, nil
	}

	payment := candidates[0]
	smsData := &models.SMSData{
		Amount:    amount,
		UTR:       utr,
		RawText:   text,
		MatchedAt: receivedAt,
	}
	if err := rc.payments.CompleteWithSMS(ctx, payment, smsData); err != nil {
		if err == errTransitionLost {
			// The payment left WAITING_FOR_SMS between query and update
			// (sweeper escalation or manual override). Treat as no match.
			monitoring.SMSOutcomes.WithLabelValues(OutcomeNoMatch).Inc()
			return ReconcileResult{Outcome: OutcomeNoMatch, Amount: amount, UTR: utr}, nil
		}
		return ReconcileResult{}, err
	}

	log.Printf("[SMS] Matched payment %s for merchant %s, amount %d paise", payment.PaymentID, merchantID, amount)
	monitoring.SMSOutcomes.WithLabelValues(OutcomeMatched).Inc()
	return ReconcileResult{Outcome: OutcomeMatched, PaymentID: payment.PaymentID, Amount: amount, UTR: utr}, nil
}
