package services

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"github.com/merchantmitra/backend/internal/models"
)

func lockedCustomerRows(customerID, merchantID string, balance, credit, debit int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"customer_id", "merchant_id", "total_balance", "total_credit", "total_debit", "last_entry_at",
	}).AddRow(customerID, merchantID, balance, credit, debit, nil)
}

func authedRequest(method, target, merchantID string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	return req.WithContext(context.WithValue(req.Context(), "merchantID", merchantID))
}

func TestKhataService_appendEntry(t *testing.T) {
	customerID := "cust1"
	merchantID := "merchant1"

	t.Run("credit entry applies positive delta", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewKhataService(db, nil)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT customer_id, merchant_id, total_balance, total_credit, total_debit, last_entry_at").
			WithArgs(customerID, merchantID).
			WillReturnRows(lockedCustomerRows(customerID, merchantID, 0, 0, 0))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE customers").
			WithArgs(int64(30000), int64(30000), int64(0), sqlmock.AnyArg(), sqlmock.AnyArg(), customerID).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		entry, err := service.appendEntry(customerID, merchantID, models.EntryTypeCredit, 30000, "Groceries", "", nil)
		assert.NoError(t, err)
		assert.Equal(t, models.EntryTypeCredit, entry.Type)
		assert.Equal(t, int64(30000), entry.Amount)
		assert.Equal(t, models.EntryStatusPaid, entry.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("debit entry applies negative delta", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewKhataService(db, nil)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT customer_id, merchant_id, total_balance, total_credit, total_debit, last_entry_at").
			WithArgs(customerID, merchantID).
			WillReturnRows(lockedCustomerRows(customerID, merchantID, 30000, 30000, 0))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE customers").
			WithArgs(int64(-10000), int64(0), int64(10000), sqlmock.AnyArg(), sqlmock.AnyArg(), customerID).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		entry, err := service.appendEntry(customerID, merchantID, models.EntryTypeDebit, 10000, "Payment received", "", nil)
		assert.NoError(t, err)
		assert.Equal(t, int64(10000), entry.Amount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("credit with due date starts pending", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewKhataService(db, nil)
		due := time.Now().Add(7 * 24 * time.Hour)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT customer_id, merchant_id, total_balance, total_credit, total_debit, last_entry_at").
			WithArgs(customerID, merchantID).
			WillReturnRows(lockedCustomerRows(customerID, merchantID, 0, 0, 0))
		mock.ExpectExec("INSERT INTO ledger_entries").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE customers").
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		entry, err := service.appendEntry(customerID, merchantID, models.EntryTypeCredit, 5000, "", "", &due)
		assert.NoError(t, err)
		assert.Equal(t, models.EntryStatusPending, entry.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown customer rolls back", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		service := NewKhataService(db, nil)

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT customer_id, merchant_id, total_balance, total_credit, total_debit, last_entry_at").
			WithArgs("missing", merchantID).
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		_, err = service.appendEntry("missing", merchantID, models.EntryTypeCredit, 100, "", "", nil)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestKhataService_DeleteEntry_ReversesContribution(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewKhataService(db, nil)
	customerID := "cust1"
	merchantID := "merchant1"
	entryID := "entry1"
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT customer_id, merchant_id, total_balance, total_credit, total_debit, last_entry_at").
		WithArgs(customerID, merchantID).
		WillReturnRows(lockedCustomerRows(customerID, merchantID, 20000, 30000, 10000))
	mock.ExpectQuery("SELECT entry_id, customer_id, merchant_id, type, amount").
		WithArgs(entryID, customerID).
		WillReturnRows(sqlmock.NewRows([]string{
			"entry_id", "customer_id", "merchant_id", "type", "amount", "description", "note",
			"due_date", "status", "paid_at", "created_at", "updated_at",
		}).AddRow(entryID, customerID, merchantID, models.EntryTypeCredit, int64(30000), "Groceries", "",
			nil, models.EntryStatusPaid, nil, now, now))
	mock.ExpectExec("DELETE FROM ledger_entries").
		WithArgs(entryID, customerID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// Deleting the 300 rupee credit leaves 0 credit, 100 debit: balance -100.
	mock.ExpectExec("UPDATE customers").
		WithArgs(int64(-30000), int64(-30000), int64(0), sqlmock.AnyArg(), sqlmock.AnyArg(), customerID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	r := chi.NewRouter()
	r.Delete("/customers/{customerId}/entries/{entryId}", service.DeleteEntry)

	req := authedRequest("DELETE", "/customers/cust1/entries/entry1", merchantID)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKhataService_Recompute(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewKhataService(db, nil)
	customerID := "cust1"
	merchantID := "merchant1"
	lastEntry := time.Now().Add(-time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT customer_id, merchant_id, total_balance, total_credit, total_debit, last_entry_at").
		WithArgs(customerID, merchantID).
		WillReturnRows(lockedCustomerRows(customerID, merchantID, 99999, 1, 2)) // drifted totals
	mock.ExpectQuery("SELECT COALESCE").
		WithArgs(customerID).
		WillReturnRows(sqlmock.NewRows([]string{"credit", "debit", "max"}).
			AddRow(int64(30000), int64(10000), lastEntry))
	mock.ExpectExec("UPDATE customers").
		WithArgs(int64(20000), int64(30000), int64(10000), sqlmock.AnyArg(), sqlmock.AnyArg(), customerID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	customer, err := service.Recompute(context.Background(), customerID, merchantID)
	assert.NoError(t, err)
	assert.Equal(t, int64(20000), customer.TotalBalance)
	assert.Equal(t, int64(30000), customer.TotalCredit)
	assert.Equal(t, int64(10000), customer.TotalDebit)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestKhataService_GetKhataStats(t *testing.T) {
	db, mock, err := sqlmock.New()
	assert.NoError(t, err)
	defer db.Close()

	service := NewKhataService(db, nil)

	mock.ExpectQuery("SELECT COALESCE").
		WithArgs("merchant1").
		WillReturnRows(sqlmock.NewRows([]string{"to_collect", "to_pay", "count"}).
			AddRow(int64(50000), int64(7000), 4))

	r := chi.NewRouter()
	r.Get("/khata/stats", service.GetKhataStats)

	req := authedRequest("GET", "/khata/stats", "merchant1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"totalToCollect":50000`)
	assert.Contains(t, w.Body.String(), `"totalToPay":7000`)
	assert.NoError(t, mock.ExpectationsWereMet())
}
