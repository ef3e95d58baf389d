package services

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/merchantmitra/backend/internal/models"
	"github.com/merchantmitra/backend/internal/monitoring"
	"github.com/merchantmitra/backend/internal/notify"
)

// TimeoutSweeper escalates payments that outlived their waiting window to
// NEEDS_MANUAL_CONFIRMATION. The escalation is one conditional UPDATE guarded
// by the WAITING_FOR_SMS status, so a payment confirmed between scheduling
// and execution is simply skipped.
type TimeoutSweeper struct {
	db       *sql.DB
	notifier notify.Notifier
	cron     *cron.Cron
}

func NewTimeoutSweeper(db *sql.DB, notifier notify.Notifier) *TimeoutSweeper {
	return &TimeoutSweeper{
		db:       db,
		notifier: notifier,
		cron:     cron.New(),
	}
}

func sweepInterval() time.Duration {
	if d := viper.GetDuration("payment.sweep_interval"); d > 0 {
		return d
	}
	return 30 * time.Second
}

// Start schedules the sweep and begins running it.
func (ts *TimeoutSweeper) Start() error {
	interval := sweepInterval()
	_, err := ts.cron.AddFunc("@every "+interval.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		if _, err := ts.Sweep(ctx); err != nil {
			log.Printf("[SWEEPER] Sweep failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	ts.cron.Start()
	log.Printf("[SWEEPER] Started, interval %s", interval)
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (ts *TimeoutSweeper) Stop() {
	ctx := ts.cron.Stop()
	<-ctx.Done()
	log.Println("[SWEEPER] Stopped")
}

// Sweep escalates every overdue waiting payment and returns how many moved.
// Notification failures are logged per payment and never abort the sweep.
func (ts *TimeoutSweeper) Sweep(ctx context.Context) (int, error) {
	now := time.Now()
	// timeout_at held the waiting deadline; after escalation it records when
	// the payment was flagged for manual review.
	rows, err := ts.db.QueryContext(ctx, `
        UPDATE payments
        SET status = $1, timeout_at = $2, updated_at = $2
        WHERE status = $3 AND timeout_at <= $2
        RETURNING payment_id, merchant_id
    `, models.PaymentStatusNeedsConfirmation, now, models.PaymentStatusWaitingForSMS)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type escalated struct {
		paymentID  string
		merchantID string
	}
	var moved []escalated
	for rows.Next() {
		var e escalated
		if err := rows.Scan(&e.paymentID, &e.merchantID); err != nil {
			return len(moved), err
		}
		moved = append(moved, e)
	}
	if err := rows.Err(); err != nil {
		return len(moved), err
	}

	for _, e := range moved {
		monitoring.PaymentTransitions.WithLabelValues(models.PaymentStatusNeedsConfirmation).Inc()
		monitoring.SweeperEscalations.Inc()
		log.Printf("[SWEEPER] Payment %s escalated to manual confirmation", e.paymentID)

		if ts.notifier == nil {
			continue
		}
		event := map[string]string{
			"paymentId": e.paymentID,
			"status":    models.PaymentStatusNeedsConfirmation,
		}
		if err := ts.notifier.Publish(ctx, notify.PaymentTopic(e.merchantID), "payment", event); err != nil {
			log.Printf("[SWEEPER] Failed to publish escalation for payment %s: %v", e.paymentID, err)
		}
	}

	return len(moved), nil
}
