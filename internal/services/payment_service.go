package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/merchantmitra/backend/internal/models"
	"github.com/merchantmitra/backend/internal/monitoring"
	"github.com/merchantmitra/backend/internal/notify"
	"github.com/merchantmitra/backend/internal/sms"
)

// PaymentService runs the UPI collection state machine. Every status change
// is a conditional UPDATE guarded by the expected current status, so a lost
// race shows up as zero rows affected instead of a clobbered terminal state.
type PaymentService struct {
	db          *sql.DB
	notifier    notify.Notifier
	smsProvider sms.Provider
	validator   *ValidationHelper
}

func NewPaymentService(db *sql.DB, notifier notify.Notifier, smsProvider sms.Provider) *PaymentService {
	return &PaymentService{
		db:          db,
		notifier:    notifier,
		smsProvider: smsProvider,
		validator:   NewValidationHelper(),
	}
}

// WaitingWindow is how long a payment stays open for automatic SMS matching
// before the sweeper escalates it to manual confirmation.
func WaitingWindow() time.Duration {
	if d := viper.GetDuration("payment.waiting_window"); d > 0 {
		return d
	}
	return 2 * time.Minute
}

type CollectPaymentRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Note          string          `json:"note" validate:"max=500"`
	CustomerName  string          `json:"customerName" validate:"max=100"`
	CustomerPhone string          `json:"customerPhone" validate:"omitempty,min=10,max=15"`
}

type CollectPaymentResponse struct {
	Payment models.PaymentRecord `json:"payment"`
	UPILink string               `json:"upiLink"`
	QRImage string               `json:"qrImage"`
}

type ConfirmPaymentRequest struct {
	Outcome string `json:"outcome" validate:"required,oneof=SUCCESS FAILED"`
}

var errTransitionLost = fmt.Errorf("payment status changed concurrently")

func (s *PaymentService) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	maxBytes := 1_048_576 // 1 MB
	r.Body = http.MaxBytesReader(w, r.Body, int64(maxBytes))

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}
	return true
}

// CollectPayment creates a payment record, produces the UPI deep link and QR,
// opens the record for SMS matching and fires the customer notification
// @Summary Start a UPI payment collection
// @Tags payments
// @Accept json
// @Produce json
// @Param payment body CollectPaymentRequest true "Collection request"
// @Success 201 {object} CollectPaymentResponse
// @Failure 400 {object} ErrorResponse
// @Router /payments/collect [post]
func (s *PaymentService) CollectPayment(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchantFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req CollectPaymentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	amount, err := RupeesToPaise(req.Amount)
	if err != nil || amount <= 0 {
		SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	var shopName, upiID string
	err = s.db.QueryRow(`SELECT shop_name, upi_id FROM merchants WHERE merchant_id = $1`, merchantID).
		Scan(&shopName, &upiID)
	if err != nil {
		log.Printf("[PAYMENT] Failed to load merchant %s: %v", merchantID, err)
		SendErrorResponse(w, "Failed to create payment", http.StatusInternalServerError, nil)
		return
	}
	if upiID == "" {
		SendErrorResponse(w, "Merchant UPI ID not configured", http.StatusUnprocessableEntity, nil)
		return
	}

	now := time.Now()
	timeoutAt := now.Add(WaitingWindow())
	payment := models.PaymentRecord{
		PaymentID:     uuid.NewString(),
		MerchantID:    merchantID,
		Amount:        amount,
		Note:          req.Note,
		CustomerName:  req.CustomerName,
		CustomerPhone: req.CustomerPhone,
		Status:        models.PaymentStatusWaitingForSMS,
		CreatedAt:     now,
		UpdatedAt:     now,
		TimeoutAt:     &timeoutAt,
	}

	// Link and QR depend only on the id, so the record is written once,
	// already open for SMS matching and holding its waiting deadline.
	upiLink := BuildUPILink(upiID, shopName, amount, payment.PaymentID)
	qrImage, err := RenderUPIQR(upiLink)
	if err != nil {
		log.Printf("[PAYMENT] Failed to render QR for payment %s: %v", payment.PaymentID, err)
		SendErrorResponse(w, "Failed to create payment", http.StatusInternalServerError, nil)
		return
	}

	_, err = s.db.Exec(`
        INSERT INTO payments
        (payment_id, merchant_id, amount, note, customer_name, customer_phone, status, created_at, updated_at, timeout_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
    `, payment.PaymentID, payment.MerchantID, payment.Amount, payment.Note,
		payment.CustomerName, payment.CustomerPhone, payment.Status, payment.CreatedAt, payment.UpdatedAt, timeoutAt)
	if err != nil {
		log.Printf("[PAYMENT] Failed to insert payment for merchant %s: %v", merchantID, err)
		SendErrorResponse(w, "Failed to create payment", http.StatusInternalServerError, nil)
		return
	}

	monitoring.PaymentsCreated.Inc()
	monitoring.PaymentTransitions.WithLabelValues(models.PaymentStatusWaitingForSMS).Inc()
	log.Printf("[PAYMENT] Created payment %s for merchant %s, amount %d paise", payment.PaymentID, merchantID, amount)

	s.publish(r.Context(), &payment)
	s.notifyCustomer(&payment, upiLink, shopName)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(CollectPaymentResponse{
		Payment: payment,
		UPILink: upiLink,
		QRImage: qrImage,
	})
}

// notifyCustomer sends the payment link by SMS without blocking the request.
func (s *PaymentService) notifyCustomer(payment *models.PaymentRecord, upiLink, shopName string) {
	if s.smsProvider == nil || payment.CustomerPhone == "" {
		return
	}
	phone := payment.CustomerPhone
	message := fmt.Sprintf("%s requests a payment of Rs %s. Pay here: %s",
		shopName, PaiseToRupees(payment.Amount).StringFixed(2), upiLink)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.smsProvider.Send(ctx, phone, message); err != nil {
			log.Printf("[PAYMENT] SMS notification failed for payment %s: %v", payment.PaymentID, err)
		}
	}()
}

// GetPayment returns one payment record
// @Summary Get a payment
// @Tags payments
// @Produce json
// @Param paymentId path string true "Payment ID"
// @Success 200 {object} models.PaymentRecord
// @Failure 404 {object} ErrorResponse
// @Router /payments/{paymentId} [get]
func (s *PaymentService) GetPayment(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchantFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	paymentID := chi.URLParam(r, "paymentId")

	payment, err := s.fetchPayment(paymentID, merchantID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Payment not found", http.StatusNotFound, nil)
		} else {
			log.Printf("[PAYMENT] Failed to fetch payment %s: %v", paymentID, err)
			SendErrorResponse(w, "Failed to fetch payment", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payment)
}

// ListPayments returns the merchant's payment history, newest first,
// optionally filtered by status
// @Summary List payments
// @Tags payments
// @Produce json
// @Param status query string false "Status filter"
// @Param limit query int false "Max rows (default 50)"
// @Success 200 {object} object{payments=[]models.PaymentRecord,count=int}
// @Router /payments [get]
func (s *PaymentService) ListPayments(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchantFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &limit); err != nil || limit < 1 || limit > 500 {
			SendErrorResponse(w, "Invalid limit", http.StatusBadRequest, nil)
			return
		}
	}

	query := `
        SELECT payment_id, merchant_id, amount, note, customer_name, customer_phone, status,
               verification_method, sms_data, created_at, updated_at, verified_at, timeout_at
        FROM payments WHERE merchant_id = $1`
	args := []any{merchantID}
	if status := r.URL.Query().Get("status"); status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		log.Printf("[PAYMENT] Failed to list payments for merchant %s: %v", merchantID, err)
		SendErrorResponse(w, "Failed to fetch payments", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	payments := []models.PaymentRecord{}
	for rows.Next() {
		var p models.PaymentRecord
		if err := scanPayment(rows, &p); err != nil {
			SendErrorResponse(w, "Failed to fetch payments", http.StatusInternalServerError, nil)
			return
		}
		payments = append(payments, p)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"payments": payments,
		"count":    len(payments),
	})
}

// ConfirmPayment applies a manual override. Allowed while the payment is
// still waiting or already escalated; terminal payments are immutable
// @Summary Manually confirm or fail a payment
// @Tags payments
// @Accept json
// @Produce json
// @Param paymentId path string true "Payment ID"
// @Param confirmation body ConfirmPaymentRequest true "Outcome"
// @Success 200 {object} models.PaymentRecord
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /payments/{paymentId}/confirm [post]
func (s *PaymentService) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchantFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	paymentID := chi.URLParam(r, "paymentId")

	var req ConfirmPaymentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	now := time.Now()
	result, err := s.db.Exec(`
        UPDATE payments
        SET status = $1, verification_method = $2, verified_at = $3, updated_at = $3
        WHERE payment_id = $4 AND merchant_id = $5 AND status IN ($6, $7)
    `, req.Outcome, models.VerificationMethodManual, now, paymentID, merchantID,
		models.PaymentStatusWaitingForSMS, models.PaymentStatusNeedsConfirmation)
	if err != nil {
		log.Printf("[PAYMENT] Manual confirmation failed for payment %s: %v", paymentID, err)
		SendErrorResponse(w, "Failed to confirm payment", http.StatusInternalServerError, nil)
		return
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		// Either the payment does not exist or it already reached a terminal
		// state; distinguish for the caller.
		if _, err := s.fetchPayment(paymentID, merchantID); err == sql.ErrNoRows {
			SendErrorResponse(w, "Payment not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Payment is no longer open for confirmation", http.StatusConflict, nil)
		}
		return
	}

	monitoring.PaymentTransitions.WithLabelValues(req.Outcome).Inc()
	log.Printf("[PAYMENT] Payment %s manually marked %s", paymentID, req.Outcome)

	payment, err := s.fetchPayment(paymentID, merchantID)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch payment", http.StatusInternalServerError, nil)
		return
	}

	s.publish(r.Context(), payment)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(payment)
}

// OpenPaymentsByAmount returns waiting payments for the merchant with the
// given amount created inside [since, until], ordered oldest first. The upper
// bound matters when the delivery timestamp is historical: a payment created
// long after the SMS must not match it. Used by the SMS reconciler.
func (s *PaymentService) OpenPaymentsByAmount(ctx context.Context, merchantID string, amount int64, tolerance int64, since, until time.Time) ([]*models.PaymentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT payment_id, merchant_id, amount, note, customer_name, customer_phone, status,
               verification_method, sms_data, created_at, updated_at, verified_at, timeout_at
        FROM payments
        WHERE merchant_id = $1 AND status = $2
          AND amount BETWEEN $3 AND $4
          AND created_at BETWEEN $5 AND $6
        ORDER BY created_at ASC, payment_id ASC
    `, merchantID, models.PaymentStatusWaitingForSMS, amount-tolerance, amount+tolerance, since, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := []*models.PaymentRecord{}
	for rows.Next() {
		var p models.PaymentRecord
		if err := scanPayment(rows, &p); err != nil {
			return nil, err
		}
		payments = append(payments, &p)
	}
	return payments, rows.Err()
}

// CompleteWithSMS moves a waiting payment to SUCCESS with its matched SMS
// evidence. Returns errTransitionLost when the payment is no longer waiting.
func (s *PaymentService) CompleteWithSMS(ctx context.Context, payment *models.PaymentRecord, smsData *models.SMSData) error {
	payload, err := json.Marshal(smsData)
	if err != nil {
		return err
	}

	now := time.Now()
	result, err := s.db.ExecContext(ctx, `
        UPDATE payments
        SET status = $1, verification_method = $2, sms_data = $3, verified_at = $4, updated_at = $4
        WHERE payment_id = $5 AND status = $6
    `, models.PaymentStatusSuccess, models.VerificationMethodSMS, payload, now,
		payment.PaymentID, models.PaymentStatusWaitingForSMS)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return errTransitionLost
	}

	payment.Status = models.PaymentStatusSuccess
	payment.VerificationMethod = models.VerificationMethodSMS
	payment.SMSData = smsData
	payment.VerifiedAt = &now
	payment.UpdatedAt = now

	monitoring.PaymentTransitions.WithLabelValues(models.PaymentStatusSuccess).Inc()
	s.publish(ctx, payment)
	return nil
}

func (s *PaymentService) fetchPayment(paymentID, merchantID string) (*models.PaymentRecord, error) {
	row := s.db.QueryRow(`
        SELECT payment_id, merchant_id, amount, note, customer_name, customer_phone, status,
               verification_method, sms_data, created_at, updated_at, verified_at, timeout_at
        FROM payments
        WHERE payment_id = $1 AND merchant_id = $2
    `, paymentID, merchantID)

	var p models.PaymentRecord
	if err := scanPayment(row, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPayment(row rowScanner, p *models.PaymentRecord) error {
	var verificationMethod sql.NullString
	var smsData []byte
	var verifiedAt, timeoutAt sql.NullTime
	err := row.Scan(&p.PaymentID, &p.MerchantID, &p.Amount, &p.Note, &p.CustomerName, &p.CustomerPhone,
		&p.Status, &verificationMethod, &smsData, &p.CreatedAt, &p.UpdatedAt, &verifiedAt, &timeoutAt)
	if err != nil {
		return err
	}
	if verificationMethod.Valid {
		p.VerificationMethod = verificationMethod.String
	}
	if len(smsData) > 0 {
		var sd models.SMSData
		if err := json.Unmarshal(smsData, &sd); err == nil {
			p.SMSData = &sd
		}
	}
	if verifiedAt.Valid {
		p.VerifiedAt = &verifiedAt.Time
	}
	if timeoutAt.Valid {
		p.TimeoutAt = &timeoutAt.Time
	}
	return nil
}

func (s *PaymentService) publish(ctx context.Context, payment *models.PaymentRecord) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, notify.PaymentTopic(payment.MerchantID), "payment", payment); err != nil {
		log.Printf("[PAYMENT] Failed to publish payment update %s: %v", payment.PaymentID, err)
	}
}
