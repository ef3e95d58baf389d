package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/merchantmitra/backend/internal/models"
	"github.com/merchantmitra/backend/internal/notify"
)

// KhataService owns customers and their ledger entries. Every entry mutation
// runs in one database transaction that locks the customer row, writes the
// entry, and applies the balance-engine delta to the denormalized totals, so
// concurrent mutations for the same customer serialize on the row lock and
// the totalBalance == totalCredit - totalDebit invariant holds after commit.
type KhataService struct {
	db        *sql.DB
	notifier  notify.Notifier
	validator *ValidationHelper
}

func NewKhataService(db *sql.DB, notifier notify.Notifier) *KhataService {
	return &KhataService{
		db:        db,
		notifier:  notifier,
		validator: NewValidationHelper(),
	}
}

type CustomerRequest struct {
	Name        string          `json:"name" validate:"required,min=1,max=100"`
	Phone       string          `json:"phone" validate:"omitempty,min=10,max=15"`
	KhataType   string          `json:"khataType" validate:"omitempty,oneof=daily weekly monthly"`
	CreditLimit decimal.Decimal `json:"creditLimit"`
	AvatarColor string          `json:"avatarColor" validate:"omitempty,hexcolor"`
}

type EntryRequest struct {
	Type        string          `json:"type" validate:"required,oneof=CREDIT DEBIT NOTE"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description" validate:"max=200"`
	Note        string          `json:"note" validate:"max=500"`
	DueDate     *time.Time      `json:"dueDate"`
}

type KhataPaymentRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Note   string          `json:"note" validate:"max=500"`
}

func (s *KhataService) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
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

// entryAmountPaise validates and converts the request amount for the given
// entry type. NOTE entries carry no money and always store zero.
func entryAmountPaise(entryType string, amount decimal.Decimal) (int64, error) {
	if entryType == models.EntryTypeNote {
		return 0, nil
	}
	paise, err := RupeesToPaise(amount)
	if err != nil {
		return 0, err
	}
	if paise <= 0 {
		return 0, ErrAmountNotPositive
	}
	return paise, nil
}

// CreateCustomer opens a new khata account with zeroed totals
// @Summary Create a khata customer
// @Tags khata
// @Accept json
// @Produce json
// @Param customer body CustomerRequest true "Customer data"
// @Success 201 {object} models.Customer
// @Failure 400 {object} ErrorResponse
// @Router /customers [post]
func (s *KhataService) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchantFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req CustomerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	creditLimit, err := RupeesToPaise(req.CreditLimit)
	if err != nil || creditLimit < 0 {
		SendErrorResponse(w, "Invalid credit limit", http.StatusBadRequest, nil)
		return
	}

	if req.KhataType == "" {
		req.KhataType = "monthly"
	}
	if req.AvatarColor == "" {
		req.AvatarColor = "#6366f1"
	}

	now := time.Now()
	customer := models.Customer{
		CustomerID:  uuid.NewString(),
		MerchantID:  merchantID,
		Name:        req.Name,
		Phone:       req.Phone,
		KhataType:   req.KhataType,
		CreditLimit: creditLimit,
		AvatarColor: req.AvatarColor,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = s.db.Exec(`
        INSERT INTO customers
        (customer_id, merchant_id, name, phone, khata_type, credit_limit, avatar_color,
         total_balance, total_credit, total_debit, is_active, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0, 0, TRUE, $8, $9)
    `, customer.CustomerID, customer.MerchantID, customer.Name, customer.Phone, customer.KhataType,
		customer.CreditLimit, customer.AvatarColor, customer.CreatedAt, customer.UpdatedAt)
	if err != nil {
		log.Printf("[KHATA] Failed to create customer for merchant %s: %v", merchantID, err)
		SendErrorResponse(w, "Failed to create customer", http.StatusInternalServerError, nil)
		return
	}

	s.publishCustomer(r.Context(), &customer)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(customer)
}

// ListCustomers returns the merchant's active customers, most recently
// updated first
// @Summary List khata customers
// @Tags khata
// @Produce json
// @Success 200 {object} object{customers=[]models.Customer,count=int}
// @Router /customers [get]
func (s *KhataService) ListCustomers(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchantFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	rows, err := s.db.Query(`
        SELECT customer_id, merchant_id, name, phone, khata_type, credit_limit, avatar_color,
               total_balance, total_credit, total_debit, is_active, last_entry_at, created_at, updated_at
        FROM customers
        WHERE merchant_id = $1 AND is_active = TRUE
        ORDER BY updated_at DESC
    `, merchantID)
	if err != nil {
		log.Printf("[KHATA] Failed to list customers for merchant %s: %v", merchantID, err)
		SendErrorResponse(w, "Failed to fetch customers", http.StatusInternalServerError, nil)
		return
	}
	defer rows.Close()

	customers := []models.Customer{}
	for rows.Next() {
		var c models.Customer
		if err := scanCustomer(rows, &c); err != nil {
			SendErrorResponse(w, "Failed to fetch customers", http.StatusInternalServerError, nil)
			return
		}
		customers = append(customers, c)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"customers": customers,
		"count":     len(customers),
	})
}

// GetCustomer returns one customer by id
// @Summary Get a khata customer
// @Tags khata
// @Produce json
// @Param customerId path string true "Customer ID"
// @Success 200 {object} models.Customer
// @Failure 404 {object} ErrorResponse
// @Router /customers/{customerId} [get]
func (s *KhataService) GetCustomer(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchantFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	customerID := chi.URLParam(r, "customerId")

	customer, err := s.fetchCustomer(customerID, merchantID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Customer not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch customer", http.StatusInternalServerError, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(customer)
}

// UpdateCustomer edits profile fields; balances are never writable here
// @Summary Update a khata customer
// @Tags khata
// @Accept json
// @Produce json
// @Param customerId path string true "Customer ID"
// @Param customer body CustomerRequest true "Customer data"
// @Success 200 {object} models.Customer
// @Failure 404 {object} ErrorResponse
// @Router /customers/{customerId} [put]
func (s *KhataService) UpdateCustomer(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchantFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	customerID := chi.URLParam(r, "customerId")

	var req CustomerRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	creditLimit, err := RupeesToPaise(req.CreditLimit)
	if err != nil || creditLimit < 0 {
		SendErrorResponse(w, "Invalid credit limit", http.StatusBadRequest, nil)
		return
	}

	result, err := s.db.Exec(`
        UPDATE customers
        SET name = $1, phone = $2, khata_type = COALESCE(NULLIF($3, ''), khata_type),
            credit_limit = $4, avatar_color = COALESCE(NULLIF($5, ''), avatar_color), updated_at = $6
        WHERE customer_id = $7 AND merchant_id = $8 AND is_active = TRUE
    `, req.Name, req.Phone, req.KhataType, creditLimit, req.AvatarColor, time.Now(), customerID, merchantID)
	if err != nil {
		log.Printf("[KHATA] Failed to update customer %s: %v", customerID, err)
		SendErrorResponse(w, "Failed to update customer", http.StatusInternalServerError, nil)
		return
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		SendErrorResponse(w, "Customer not found", http.StatusNotFound, nil)
		return
	}

	customer, err := s.fetchCustomer(customerID, merchantID)
	if err != nil {
		SendErrorResponse(w, "Failed to fetch customer", http.StatusInternalServerError, nil)
		return
	}

	s.publishCustomer(r.Context(), customer)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(customer)
}

// DeleteCustomer soft-deletes so the entry history stays intact
// @Summary Deactivate a khata customer
// @Tags khata
// @Produce json
// @Param customerId path string true "Customer ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /customers/{customerId} [delete]
func (s *KhataService) DeleteCustomer(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchantFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	customerID := chi.URLParam(r, "customerId")

	result, err := s.db.Exec(`
        UPDATE customers SET is_active = FALSE, updated_at = $1
        WHERE customer_id = $2 AND merchant_id = $3 AND is_active = TRUE
    `, time.Now(), customerID, merchantID)
	if err != nil {
		log.Printf("[KHATA] Failed to deactivate customer %s: %v", customerID, err)
		SendErrorResponse(w, "Failed to delete customer", http.StatusInternalServerError, nil)
		return
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		SendErrorResponse(w, "Customer not found", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Customer deactivated"})
}

// AddEntry appends a ledger entry and applies its delta to the customer's
// totals in the same transaction
// @Summary Add a ledger entry
// @Tags khata
// @Accept json
// @Produce json
// @Param customerId path string true "Customer ID"
// @Param entry body EntryRequest true "Entry data"
// @Success 201 {object} models.LedgerEntry
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /customers/{customerId}/entries [post]
func (s *KhataService) AddEntry(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchantFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	customerID := chi.URLParam(r, "customerId")

	var req EntryRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	amount, err := entryAmountPaise(req.Type, req.Amount)
	if err != nil {
		SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	entry, err := s.appendEntry(customerID, merchantID, req.Type, amount, req.Description, req.Note, req.DueDate)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Customer not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[KHATA] Failed to add entry for customer %s: %v", customerID, err)
		SendErrorResponse(w, "Failed to add entry", http.StatusInternalServerError, nil)
		return
	}

	s.publishEntry(r.Context(), entry)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(entry)
}

// appendEntry is the single write path for new entries; RecordKhataPayment
// reuses it so collected khata payments follow the same contract.
func (s *KhataService) appendEntry(customerID, merchantID, entryType string, amount int64, description, note string, dueDate *time.Time) (*models.LedgerEntry, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	customer, err := s.lockCustomer(tx, customerID, merchantID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	status := models.EntryStatusPaid
	if entryType == models.EntryTypeCredit && dueDate != nil {
		status = models.EntryStatusPending
	}

	entry := &models.LedgerEntry{
		EntryID:     uuid.NewString(),
		CustomerID:  customerID,
		MerchantID:  merchantID,
		Type:        entryType,
		Amount:      amount,
		Description: description,
		Note:        note,
		DueDate:     dueDate,
		Status:      status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err = tx.Exec(`
        INSERT INTO ledger_entries
        (entry_id, customer_id, merchant_id, type, amount, description, note, due_date, status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
    `, entry.EntryID, entry.CustomerID, entry.MerchantID, entry.Type, entry.Amount,
		entry.Description, entry.Note, entry.DueDate, entry.Status, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return nil, err
	}

	delta := ApplyEntryCreate(customer, entry)
	if err := s.applyDelta(tx, customerID, delta, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entry, nil
}

// UpdateEntry re-deltas the customer totals: the old contribution is removed
// and the new one applied, without rescanning the log
// @Summary Update a ledger entry
// @Tags khata
// @Accept json
// @Produce json
// @Param customerId path string true "Customer ID"
// @Param entryId path string true "Entry ID"
// @Param entry body EntryRequest true "Entry data"
// @Success 200 {object} models.LedgerEntry
// @Failure 404 {object} ErrorResponse
// @Router /customers/{customerId}/entries/{entryId} [put]
func (s *KhataService) UpdateEntry(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchantFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	customerID := chi.URLParam(r, "customerId")
	entryID := chi.URLParam(r, "entryId")

	var req EntryRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	amount, err := entryAmountPaise(req.Type, req.Amount)
	if err != nil {
		SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	tx, err := s.db.Begin()
	if err != nil {
		SendErrorResponse(w, "Failed to update entry", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	if _, err := s.lockCustomer(tx, customerID, merchantID); err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Customer not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to update entry", http.StatusInternalServerError, nil)
		}
		return
	}

	oldEntry, err := s.fetchEntryTx(tx, entryID, customerID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Entry not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to update entry", http.StatusInternalServerError, nil)
		}
		return
	}

	now := time.Now()
	newEntry := *oldEntry
	newEntry.Type = req.Type
	newEntry.Amount = amount
	newEntry.Description = req.Description
	newEntry.Note = req.Note
	newEntry.DueDate = req.DueDate
	newEntry.UpdatedAt = now

	_, err = tx.Exec(`
        UPDATE ledger_entries
        SET type = $1, amount = $2, description = $3, note = $4, due_date = $5, updated_at = $6
        WHERE entry_id = $7 AND customer_id = $8
    `, newEntry.Type, newEntry.Amount, newEntry.Description, newEntry.Note, newEntry.DueDate,
		newEntry.UpdatedAt, entryID, customerID)
	if err != nil {
		log.Printf("[KHATA] Failed to update entry %s: %v", entryID, err)
		SendErrorResponse(w, "Failed to update entry", http.StatusInternalServerError, nil)
		return
	}

	delta := ApplyEntryUpdate(oldEntry, &newEntry)
	if err := s.applyDelta(tx, customerID, delta, now); err != nil {
		log.Printf("[KHATA] Failed to apply update delta for customer %s: %v", customerID, err)
		SendErrorResponse(w, "Failed to update entry", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to update entry", http.StatusInternalServerError, nil)
		return
	}

	s.publishEntry(r.Context(), &newEntry)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(newEntry)
}

// DeleteEntry removes the entry physically and reverses its contribution
// @Summary Delete a ledger entry
// @Tags khata
// @Produce json
// @Param customerId path string true "Customer ID"
// @Param entryId path string true "Entry ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /customers/{customerId}/entries/{entryId} [delete]
func (s *KhataService) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchantFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	customerID := chi.URLParam(r, "customerId")
	entryID := chi.URLParam(r, "entryId")

	tx, err := s.db.Begin()
	if err != nil {
		SendErrorResponse(w, "Failed to delete entry", http.StatusInternalServerError, nil)
		return
	}
	defer tx.Rollback()

	if _, err := s.lockCustomer(tx, customerID, merchantID); err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Customer not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to delete entry", http.StatusInternalServerError, nil)
		}
		return
	}

	entry, err := s.fetchEntryTx(tx, entryID, customerID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Entry not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to delete entry", http.StatusInternalServerError, nil)
		}
		return
	}

	if _, err := tx.Exec(`DELETE FROM ledger_entries WHERE entry_id = $1 AND customer_id = $2`, entryID, customerID); err != nil {
		log.Printf("[KHATA] Failed to delete entry %s: %v", entryID, err)
		SendErrorResponse(w, "Failed to delete entry", http.StatusInternalServerError, nil)
		return
	}

	now := time.Now()
	delta := ApplyEntryDelete(entry)
	if err := s.applyDelta(tx, customerID, delta, now); err != nil {
		log.Printf("[KHATA] Failed to apply delete delta for customer %s: %v", customerID, err)
		SendErrorResponse(w, "Failed to delete entry", http.StatusInternalServerError, nil)
		return
	}

	if err := tx.Commit(); err != nil {
		SendErrorResponse(w, "Failed to delete entry", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Entry deleted"})
}

// MarkEntryPaid settles a pending CREDIT entry; balance-neutral
// @Summary Mark a credit entry as paid
// @Tags khata
// @Produce json
// @Param customerId path string true "Customer ID"
// @Param entryId path string true "Entry ID"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /customers/{customerId}/entries/{entryId}/paid [post]
func (s *KhataService) MarkEntryPaid(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchantFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	customerID := chi.URLParam(r, "customerId")
	entryID := chi.URLParam(r, "entryId")

	now := time.Now()
	result, err := s.db.Exec(`
        UPDATE ledger_entries SET status = $1, paid_at = $2, updated_at = $2
        WHERE entry_id = $3 AND customer_id = $4 AND merchant_id = $5
    `, models.EntryStatusPaid, now, entryID, customerID, merchantID)
	if err != nil {
		log.Printf("[KHATA] Failed to mark entry %s paid: %v", entryID, err)
		SendErrorResponse(w, "Failed to update entry", http.StatusInternalServerError, nil)
		return
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		SendErrorResponse(w, "Entry not found", http.StatusNotFound, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"message": "Entry marked paid"})
}

// RecordKhataPayment collects a payment against an existing khata as a DEBIT
// entry. It never creates a PaymentRecord: khata collection and UPI
// collection are independent paths
// @Summary Record a khata payment
// @Tags khata
// @Accept json
// @Produce json
// @Param customerId path string true "Customer ID"
// @Param payment body KhataPaymentRequest true "Payment data"
// @Success 201 {object} models.LedgerEntry
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /customers/{customerId}/payments [post]
func (s *KhataService) RecordKhataPayment(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchantFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	customerID := chi.URLParam(r, "customerId")

	var req KhataPaymentRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.validator.ValidateStruct(&req); err != nil {
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	amount, err := entryAmountPaise(models.EntryTypeDebit, req.Amount)
	if err != nil {
		SendErrorResponse(w, "Invalid amount", http.StatusBadRequest, nil)
		return
	}

	entry, err := s.appendEntry(customerID, merchantID, models.EntryTypeDebit, amount, "Payment received", req.Note, nil)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Customer not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[KHATA] Failed to record payment for customer %s: %v", customerID, err)
		SendErrorResponse(w, "Failed to record payment", http.StatusInternalServerError, nil)
		return
	}

	s.publishEntry(r.Context(), entry)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(entry)
}

// GetStatement returns the customer's entries with running balances in
// ascending time order (ties broken by entry id)
// @Summary Get a customer statement
// @Tags khata
// @Produce json
// @Param customerId path string true "Customer ID"
// @Success 200 {object} object{customer=models.Customer,lines=[]RunningBalanceLine}
// @Failure 404 {object} ErrorResponse
// @Router /customers/{customerId}/statement [get]
func (s *KhataService) GetStatement(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchantFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	customerID := chi.URLParam(r, "customerId")

	customer, err := s.fetchCustomer(customerID, merchantID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Customer not found", http.StatusNotFound, nil)
		} else {
			SendErrorResponse(w, "Failed to fetch customer", http.StatusInternalServerError, nil)
		}
		return
	}

	entries, err := s.fetchEntries(customerID)
	if err != nil {
		log.Printf("[KHATA] Failed to fetch entries for customer %s: %v", customerID, err)
		SendErrorResponse(w, "Failed to fetch entries", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"customer": customer,
		"lines":    ComputeRunningBalance(entries),
	})
}

// RecomputeCustomerTotals rebuilds the denormalized totals from the full
// entry log. This is the repair path for drift after a crash between an
// entry write and its aggregate update
// @Summary Recompute customer totals from the entry log
// @Tags khata
// @Produce json
// @Param customerId path string true "Customer ID"
// @Success 200 {object} models.Customer
// @Failure 404 {object} ErrorResponse
// @Router /customers/{customerId}/recompute [post]
func (s *KhataService) RecomputeCustomerTotals(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchantFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}
	customerID := chi.URLParam(r, "customerId")

	customer, err := s.Recompute(r.Context(), customerID, merchantID)
	if err != nil {
		if err == sql.ErrNoRows {
			SendErrorResponse(w, "Customer not found", http.StatusNotFound, nil)
			return
		}
		log.Printf("[KHATA] Recompute failed for customer %s: %v", customerID, err)
		SendErrorResponse(w, "Failed to recompute totals", http.StatusInternalServerError, nil)
		return
	}

	s.publishCustomer(r.Context(), customer)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(customer)
}

// Recompute performs the full-rescan repair under the customer row lock.
func (s *KhataService) Recompute(ctx context.Context, customerID, merchantID string) (*models.Customer, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	customer, err := s.lockCustomer(tx, customerID, merchantID)
	if err != nil {
		return nil, err
	}

	var totalCredit, totalDebit sql.NullInt64
	var lastEntryAt sql.NullTime
	err = tx.QueryRow(`
        SELECT COALESCE(SUM(CASE WHEN type = 'CREDIT' THEN amount ELSE 0 END), 0),
               COALESCE(SUM(CASE WHEN type = 'DEBIT' THEN amount ELSE 0 END), 0),
               MAX(created_at)
        FROM ledger_entries WHERE customer_id = $1
    `, customerID).Scan(&totalCredit, &totalDebit, &lastEntryAt)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	customer.TotalCredit = totalCredit.Int64
	customer.TotalDebit = totalDebit.Int64
	customer.TotalBalance = totalCredit.Int64 - totalDebit.Int64
	customer.UpdatedAt = now
	if lastEntryAt.Valid {
		customer.LastEntryAt = &lastEntryAt.Time
	} else {
		customer.LastEntryAt = nil
	}

	_, err = tx.Exec(`
        UPDATE customers
        SET total_balance = $1, total_credit = $2, total_debit = $3, last_entry_at = $4, updated_at = $5
        WHERE customer_id = $6
    `, customer.TotalBalance, customer.TotalCredit, customer.TotalDebit, customer.LastEntryAt, now, customerID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return customer, nil
}

// GetKhataStats aggregates receivables and payables over active customers
// @Summary Get khata totals for the merchant
// @Tags khata
// @Produce json
// @Success 200 {object} object{totalToCollect=int64,totalToPay=int64,customersCount=int}
// @Router /khata/stats [get]
func (s *KhataService) GetKhataStats(w http.ResponseWriter, r *http.Request) {
	merchantID, ok := merchantFromContext(r)
	if !ok {
		SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var toCollect, toPay sql.NullInt64
	var count int
	err := s.db.QueryRow(`
        SELECT COALESCE(SUM(CASE WHEN total_balance > 0 THEN total_balance ELSE 0 END), 0),
               COALESCE(SUM(CASE WHEN total_balance < 0 THEN -total_balance ELSE 0 END), 0),
               COUNT(*)
        FROM customers WHERE merchant_id = $1 AND is_active = TRUE
    `, merchantID).Scan(&toCollect, &toPay, &count)
	if err != nil {
		log.Printf("[KHATA] Failed to compute stats for merchant %s: %v", merchantID, err)
		SendErrorResponse(w, "Failed to compute stats", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"totalToCollect": toCollect.Int64,
		"totalToPay":     toPay.Int64,
		"customersCount": count,
	})
}

// Database helpers

// lockCustomer takes the customer row lock that serializes concurrent entry
// mutations for the same customer.
func (s *KhataService) lockCustomer(tx *sql.Tx, customerID, merchantID string) (*models.Customer, error) {
	var c models.Customer
	var lastEntryAt sql.NullTime
	err := tx.QueryRow(`
        SELECT customer_id, merchant_id, total_balance, total_credit, total_debit, last_entry_at
        FROM customers
        WHERE customer_id = $1 AND merchant_id = $2 AND is_active = TRUE
        FOR UPDATE
    `, customerID, merchantID).Scan(&c.CustomerID, &c.MerchantID, &c.TotalBalance, &c.TotalCredit, &c.TotalDebit, &lastEntryAt)
	if err != nil {
		return nil, err
	}
	if lastEntryAt.Valid {
		c.LastEntryAt = &lastEntryAt.Time
	}
	return &c, nil
}

func (s *KhataService) applyDelta(tx *sql.Tx, customerID string, delta AggregateDelta, now time.Time) error {
	_, err := tx.Exec(`
        UPDATE customers
        SET total_balance = total_balance + $1,
            total_credit = total_credit + $2,
            total_debit = total_debit + $3,
            last_entry_at = COALESCE($4, last_entry_at),
            updated_at = $5
        WHERE customer_id = $6
    `, delta.Balance, delta.Credit, delta.Debit, delta.LastEntryAt, now, customerID)
	return err
}

func (s *KhataService) fetchCustomer(customerID, merchantID string) (*models.Customer, error) {
	row := s.db.QueryRow(`
        SELECT customer_id, merchant_id, name, phone, khata_type, credit_limit, avatar_color,
               total_balance, total_credit, total_debit, is_active, last_entry_at, created_at, updated_at
        FROM customers
        WHERE customer_id = $1 AND merchant_id = $2
    `, customerID, merchantID)

	var c models.Customer
	if err := scanCustomer(row, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCustomer(row rowScanner, c *models.Customer) error {
	var lastEntryAt sql.NullTime
	err := row.Scan(&c.CustomerID, &c.MerchantID, &c.Name, &c.Phone, &c.KhataType, &c.CreditLimit,
		&c.AvatarColor, &c.TotalBalance, &c.TotalCredit, &c.TotalDebit, &c.IsActive,
		&lastEntryAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return err
	}
	if lastEntryAt.Valid {
		c.LastEntryAt = &lastEntryAt.Time
	}
	return nil
}

func (s *KhataService) fetchEntryTx(tx *sql.Tx, entryID, customerID string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	var dueDate, paidAt sql.NullTime
	err := tx.QueryRow(`
        SELECT entry_id, customer_id, merchant_id, type, amount, description, note, due_date, status, paid_at, created_at, updated_at
        FROM ledger_entries
        WHERE entry_id = $1 AND customer_id = $2
    `, entryID, customerID).Scan(&e.EntryID, &e.CustomerID, &e.MerchantID, &e.Type, &e.Amount,
		&e.Description, &e.Note, &dueDate, &e.Status, &paidAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if dueDate.Valid {
		e.DueDate = &dueDate.Time
	}
	if paidAt.Valid {
		e.PaidAt = &paidAt.Time
	}
	return &e, nil
}

func (s *KhataService) fetchEntries(customerID string) ([]*models.LedgerEntry, error) {
	rows, err := s.db.Query(`
        SELECT entry_id, customer_id, merchant_id, type, amount, description, note, due_date, status, paid_at, created_at, updated_at
        FROM ledger_entries
        WHERE customer_id = $1
        ORDER BY created_at ASC, entry_id ASC
    `, customerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []*models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		var dueDate, paidAt sql.NullTime
		err := rows.Scan(&e.EntryID, &e.CustomerID, &e.MerchantID, &e.Type, &e.Amount,
			&e.Description, &e.Note, &dueDate, &e.Status, &paidAt, &e.CreatedAt, &e.UpdatedAt)
		if err != nil {
			return nil, err
		}
		if dueDate.Valid {
			e.DueDate = &dueDate.Time
		}
		if paidAt.Valid {
			e.PaidAt = &paidAt.Time
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *KhataService) publishCustomer(ctx context.Context, customer *models.Customer) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, notify.KhataTopic(customer.MerchantID), "customer", customer); err != nil {
		log.Printf("[KHATA] Failed to publish customer update %s: %v", customer.CustomerID, err)
	}
}

func (s *KhataService) publishEntry(ctx context.Context, entry *models.LedgerEntry) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, notify.KhataTopic(entry.MerchantID), "entry", entry); err != nil {
		log.Printf("[KHATA] Failed to publish entry update %s: %v", entry.EntryID, err)
	}
}
