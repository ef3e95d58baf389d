package services

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"

	"github.com/merchantmitra/backend/internal/models"
)

func TestIsCreditMessage(t *testing.T) {
	credit := []string{
		"Rs.500 credited to your account, UTR 123456",
		"You have received Rs 250 via UPI",
		"INR 1,000 deposited in A/c XX1234",
		"Rs. 99 added to your wallet",
		"A/c XX99 Cr. by Rs 45.50",
	}
	for _, text := range credit {
		assert.True(t, IsCreditMessage(text), text)
	}

	nonCredit := []string{
		"Rs.500 debited for purchase",
		"Your OTP is 482913",
		"Recharge of Rs 199 successful",
	}
	for _, text := range nonCredit {
		assert.False(t, IsCreditMessage(text), text)
	}
}

func TestExtractAmount(t *testing.T) {
	cases := []struct {
		text  string
		paise int64
		ok    bool
	}{
		{"Rs.500 credited to your account", 50000, true},
		{"₹1,250.50 received via UPI", 125050, true},
		{"INR 99 deposited", 9900, true},
		{"Rs 1,00,000 credited", 10000000, true},
		{"credited to your account", 0, false},
		{"amount credited shortly", 0, false},
	}

	for _, tc := range cases {
		paise, ok := ExtractAmount(tc.text)
		assert.Equal(t, tc.ok, ok, tc.text)
		if tc.ok {
			assert.Equal(t, tc.paise, paise, tc.text)
		}
	}
}

func TestExtractUTR(t *testing.T) {
	assert.Equal(t, "123456", ExtractUTR("Rs.500 credited, UTR 123456"))
	assert.Equal(t, "AB12CD34", ExtractUTR("Transaction ID: AB12CD34"))
	assert.Equal(t, "998877665544", ExtractUTR("received via UPI Ref 998877665544"))
	assert.Equal(t, "", ExtractUTR("Rs.500 credited to your account"))
}

func paymentRows(payments ...*models.PaymentRecord) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"payment_id", "merchant_id", "amount", "note", "customer_name", "customer_phone",
		"status", "verification_method", "sms_data", "created_at", "updated_at", "verified_at", "timeout_at",
	})
	for _, p := range payments {
		rows.AddRow(p.PaymentID, p.MerchantID, p.Amount, p.Note, p.CustomerName, p.CustomerPhone,
			p.Status, nil, nil, p.CreatedAt, p.UpdatedAt, nil, nil)
	}
	return rows
}

func waitingPayment(id, merchantID string, amount int64, createdAt time.Time) *models.PaymentRecord {
	return &models.PaymentRecord{
		PaymentID:  id,
		MerchantID: merchantID,
		Amount:     amount,
		Status:     models.PaymentStatusWaitingForSMS,
		CreatedAt:  createdAt,
		UpdatedAt:  createdAt,
	}
}

func TestSMSReconciler_Process(t *testing.T) {
	merchantID := "merchant1"
	now := time.Now()

	t.Run("non-credit message ignored without queries", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		rc := NewSMSReconciler(NewPaymentService(db, nil, nil))
		result, err := rc.Process(context.Background(), merchantID, "Rs.500 debited for purchase", now)
		assert.NoError(t, err)
		assert.Equal(t, OutcomeIgnoredNonCredit, result.Outcome)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("credit without amount ignored", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		rc := NewSMSReconciler(NewPaymentService(db, nil, nil))
		result, err := rc.Process(context.Background(), merchantID, "amount credited shortly", now)
		assert.NoError(t, err)
		assert.Equal(t, OutcomeIgnoredUnparseable, result.Outcome)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("single candidate matched and confirmed", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		payment := waitingPayment("pay1", merchantID, 50000, now.Add(-time.Minute))

		mock.ExpectQuery("SELECT payment_id, merchant_id, amount").
			WithArgs(merchantID, models.PaymentStatusWaitingForSMS, int64(49999), int64(50001),
				now.Add(-MatchWindow()), now.Add(MatchWindow())).
			WillReturnRows(paymentRows(payment))

		mock.ExpectExec("UPDATE payments").
			WithArgs(models.PaymentStatusSuccess, models.VerificationMethodSMS, sqlmock.AnyArg(), sqlmock.AnyArg(),
				"pay1", models.PaymentStatusWaitingForSMS).
			WillReturnResult(sqlmock.NewResult(0, 1))

		rc := NewSMSReconciler(NewPaymentService(db, nil, nil))
		result, err := rc.Process(context.Background(), merchantID, "Rs.500 credited to your account, UTR 123456", now)
		assert.NoError(t, err)
		assert.Equal(t, OutcomeMatched, result.Outcome)
		assert.Equal(t, "pay1", result.PaymentID)
		assert.Equal(t, int64(50000), result.Amount)
		assert.Equal(t, "123456", result.UTR)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no candidate in window", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		mock.ExpectQuery("SELECT payment_id, merchant_id, amount").
			WithArgs(merchantID, models.PaymentStatusWaitingForSMS, int64(49999), int64(50001),
				now.Add(-MatchWindow()), now.Add(MatchWindow())).
			WillReturnRows(paymentRows())

		rc := NewSMSReconciler(NewPaymentService(db, nil, nil))
		result, err := rc.Process(context.Background(), merchantID, "Rs.500 credited to your account", now)
		assert.NoError(t, err)
		assert.Equal(t, OutcomeNoMatch, result.Outcome)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("multiple candidates flagged ambiguous", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		p1 := waitingPayment("pay1", merchantID, 50000, now.Add(-2*time.Minute))
		p2 := waitingPayment("pay2", merchantID, 50000, now.Add(-time.Minute))

		mock.ExpectQuery("SELECT payment_id, merchant_id, amount").
			WithArgs(merchantID, models.PaymentStatusWaitingForSMS, int64(49999), int64(50001),
				now.Add(-MatchWindow()), now.Add(MatchWindow())).
			WillReturnRows(paymentRows(p1, p2))

		rc := NewSMSReconciler(NewPaymentService(db, nil, nil))
		result, err := rc.Process(context.Background(), merchantID, "Rs.500 credited to your account", now)
		assert.NoError(t, err)
		assert.Equal(t, OutcomeAmbiguous, result.Outcome)
		assert.Equal(t, []string{"pay1", "pay2"}, result.CandidateIDs)
		assert.Empty(t, result.PaymentID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost transition degrades to no match", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		payment := waitingPayment("pay1", merchantID, 50000, now.Add(-time.Minute))

		mock.ExpectQuery("SELECT payment_id, merchant_id, amount").
			WithArgs(merchantID, models.PaymentStatusWaitingForSMS, int64(49999), int64(50001),
				now.Add(-MatchWindow()), now.Add(MatchWindow())).
			WillReturnRows(paymentRows(payment))

		// Payment escalated or manually confirmed between query and update.
		mock.ExpectExec("UPDATE payments").
			WithArgs(models.PaymentStatusSuccess, models.VerificationMethodSMS, sqlmock.AnyArg(), sqlmock.AnyArg(),
				"pay1", models.PaymentStatusWaitingForSMS).
			WillReturnResult(sqlmock.NewResult(0, 0))

		rc := NewSMSReconciler(NewPaymentService(db, nil, nil))
		result, err := rc.Process(context.Background(), merchantID, "Rs.500 credited to your account", now)
		assert.NoError(t, err)
		assert.Equal(t, OutcomeNoMatch, result.Outcome)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("historical delivery timestamp bounds the window on both sides", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		assert.NoError(t, err)
		defer db.Close()

		// An SMS delivered over an hour ago must not confirm a payment
		// created now; the candidate query carries the upper bound so the
		// store filters such payments out.
		receivedAt := now.Add(-65 * time.Minute)

		mock.ExpectQuery("SELECT payment_id, merchant_id, amount").
			WithArgs(merchantID, models.PaymentStatusWaitingForSMS, int64(49999), int64(50001),
				receivedAt.Add(-MatchWindow()), receivedAt.Add(MatchWindow())).
			WillReturnRows(paymentRows())

		rc := NewSMSReconciler(NewPaymentService(db, nil, nil))
		result, err := rc.Process(context.Background(), merchantID, "Rs.500 credited to your account", receivedAt)
		assert.NoError(t, err)
		assert.Equal(t, OutcomeNoMatch, result.Outcome)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
