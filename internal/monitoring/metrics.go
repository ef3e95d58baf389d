// Package monitoring exposes Prometheus counters for the payment pipeline.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PaymentsCreated counts collection requests accepted.
	PaymentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payments_created_total",
		Help: "Number of payment collection requests created",
	})

	// PaymentTransitions counts state machine transitions by target state.
	PaymentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_transitions_total",
		Help: "Number of payment status transitions by target status",
	}, []string{"to"})

	// SMSOutcomes counts inbound SMS processing results.
	SMSOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_reconcile_outcomes_total",
		Help: "Number of inbound SMS messages by reconciliation outcome",
	}, []string{"outcome"})

	// SweeperEscalations counts payments escalated to manual review by the
	// timeout sweeper.
	SweeperEscalations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_timeout_escalations_total",
		Help: "Number of waiting payments escalated to manual confirmation",
	})
)
