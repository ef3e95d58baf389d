package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"

	"github.com/merchantmitra/backend/internal/models"
	"github.com/merchantmitra/backend/internal/services"
)

const webhookSMS = "Rs.500 credited to your account, UTR 123456"

func webhookRequest(t *testing.T, body map[string]any) *http.Request {
	t.Helper()
	payload, err := json.Marshal(body)
	assert.NoError(t, err)
	return httptest.NewRequest("POST", "/api/v1/sms-webhook", bytes.NewBuffer(payload))
}

func candidateRows(paymentID, merchantID string, amount int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"payment_id", "merchant_id", "amount", "note", "customer_name", "customer_phone",
		"status", "verification_method", "sms_data", "created_at", "updated_at", "verified_at", "timeout_at",
	}).AddRow(paymentID, merchantID, amount, "", "", "",
		models.PaymentStatusWaitingForSMS, nil, nil, now, now, nil, nil)
}

func TestSMSWebhookHandler_Receive(t *testing.T) {
	t.Run("missing text rejected", func(t *testing.T) {
		handler := NewSMSWebhookHandler(nil, nil)

		w := httptest.NewRecorder()
		handler.Receive(w, webhookRequest(t, map[string]any{"merchantId": "m1"}))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing merchant rejected", func(t *testing.T) {
		handler := NewSMSWebhookHandler(nil, nil)

		w := httptest.NewRecorder()
		handler.Receive(w, webhookRequest(t, map[string]any{"text": webhookSMS}))

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("provider field spellings accepted", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		reconciler := services.NewSMSReconciler(services.NewPaymentService(db, nil, nil))
		handler := NewSMSWebhookHandler(reconciler, nil)

		// Twilio-style capitalized Body, sender in From.
		mock.ExpectQuery("SELECT payment_id").
			WillReturnRows(candidateRows("pay1", "m1", 50000))
		mock.ExpectExec("UPDATE payments").
			WillReturnResult(sqlmock.NewResult(0, 1))

		w := httptest.NewRecorder()
		handler.Receive(w, webhookRequest(t, map[string]any{
			"Body":       webhookSMS,
			"From":       "AX-HDFCBK",
			"merchantId": "m1",
		}))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"outcome":"MATCHED"`)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate delivery replays cached outcome", func(t *testing.T) {
		db, dbMock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		redisClient, redisMock := redismock.NewClientMock()
		reconciler := services.NewSMSReconciler(services.NewPaymentService(db, nil, nil))
		handler := NewSMSWebhookHandler(reconciler, redisClient)

		key := replayKey("m1", webhookSMS)
		cached, err := json.Marshal(services.ReconcileResult{
			Outcome:   services.OutcomeMatched,
			PaymentID: "pay1",
			Amount:    50000,
			UTR:       "123456",
		})
		assert.NoError(t, err)

		// First delivery: cache miss, full processing, outcome stored.
		redisMock.ExpectGet(key).RedisNil()
		dbMock.ExpectQuery("SELECT payment_id").
			WillReturnRows(candidateRows("pay1", "m1", 50000))
		dbMock.ExpectExec("UPDATE payments").
			WillReturnResult(sqlmock.NewResult(0, 1))
		redisMock.ExpectSet(key, cached, 10*time.Minute).SetVal("OK")

		w := httptest.NewRecorder()
		handler.Receive(w, webhookRequest(t, map[string]any{"text": webhookSMS, "merchantId": "m1"}))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"outcome":"MATCHED"`)

		// Second delivery: cache hit, no reconciliation, no second SUCCESS.
		redisMock.ExpectGet(key).SetVal(string(cached))

		w = httptest.NewRecorder()
		handler.Receive(w, webhookRequest(t, map[string]any{"text": webhookSMS, "merchantId": "m1"}))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"paymentId":"pay1"`)

		assert.NoError(t, dbMock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("retry without cache cannot double-confirm", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		reconciler := services.NewSMSReconciler(services.NewPaymentService(db, nil, nil))
		handler := NewSMSWebhookHandler(reconciler, nil)

		// First delivery confirms the payment.
		mock.ExpectQuery("SELECT payment_id").
			WillReturnRows(candidateRows("pay1", "m1", 50000))
		mock.ExpectExec("UPDATE payments").
			WillReturnResult(sqlmock.NewResult(0, 1))

		w := httptest.NewRecorder()
		handler.Receive(w, webhookRequest(t, map[string]any{"text": webhookSMS, "merchantId": "m1"}))
		assert.Contains(t, w.Body.String(), `"outcome":"MATCHED"`)

		// Retry reprocesses but the payment is no longer WAITING_FOR_SMS.
		mock.ExpectQuery("SELECT payment_id").
			WillReturnRows(candidateRows("pay1", "m1", 50000))
		mock.ExpectExec("UPDATE payments").
			WillReturnResult(sqlmock.NewResult(0, 0))

		w = httptest.NewRecorder()
		handler.Receive(w, webhookRequest(t, map[string]any{"text": webhookSMS, "merchantId": "m1"}))
		assert.Contains(t, w.Body.String(), `"outcome":"NO_MATCH"`)

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
