package models

import "time"

// Payment lifecycle states. Transitions only move forward:
//
//	CREATED -> WAITING_FOR_SMS -> SUCCESS
//	                           -> FAILED
//	                           -> NEEDS_MANUAL_CONFIRMATION -> SUCCESS | FAILED
//
// SUCCESS and FAILED are terminal; no later write may change status,
// verified_at or verification_method.
const (
	PaymentStatusCreated           = "CREATED"
	PaymentStatusWaitingForSMS     = "WAITING_FOR_SMS"
	PaymentStatusSuccess           = "SUCCESS"
	PaymentStatusNeedsConfirmation = "NEEDS_MANUAL_CONFIRMATION"
	PaymentStatusFailed            = "FAILED"
)

const (
	VerificationMethodSMS    = "SMS"
	VerificationMethodManual = "MANUAL"
)

// SMSData captures the inbound message that verified a payment.
type SMSData struct {
	Amount    int64     `json:"amount"` // paise
	UTR       string    `json:"utr,omitempty"`
	RawText   string    `json:"rawText"`
	MatchedAt time.Time `json:"matchedAt"`
}

// PaymentRecord is one UPI collection attempt. Amount is immutable after
// creation and stored in paise.
type PaymentRecord struct {
	PaymentID          string     `json:"paymentId" db:"payment_id"`
	MerchantID         string     `json:"merchantId" db:"merchant_id"`
	Amount             int64      `json:"amount" db:"amount"`
	Note               string     `json:"note,omitempty" db:"note"`
	CustomerName       string     `json:"customerName,omitempty" db:"customer_name"`
	CustomerPhone      string     `json:"customerPhone,omitempty" db:"customer_phone"`
	Status             string     `json:"status" db:"status"`
	VerificationMethod string     `json:"verificationMethod,omitempty" db:"verification_method"`
	SMSData            *SMSData   `json:"smsData,omitempty" db:"sms_data"`
	CreatedAt          time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time  `json:"updatedAt" db:"updated_at"`
	VerifiedAt         *time.Time `json:"verifiedAt,omitempty" db:"verified_at"`
	TimeoutAt          *time.Time `json:"timeoutAt,omitempty" db:"timeout_at"`
}

// Terminal reports whether no further status writes are allowed.
func (p *PaymentRecord) Terminal() bool {
	return p.Status == PaymentStatusSuccess || p.Status == PaymentStatusFailed
}
