package billing

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// BillingOpsTotal counts billing operations by type.
	BillingOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clic",
			Name:      "billing_operations_total",
			Help:      "Total billing operations by type.",
		},
		[]string{"type"},
	)

	// BillingOpDuration observes operation latency by type.
	BillingOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clic",
			Name:      "billing_operation_duration_seconds",
			Help:      "Billing operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// InvoicesIssuedTotal counts committed invoices.
	InvoicesIssuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clic",
			Name:      "billing_invoices_issued_total",
			Help:      "Invoices issued.",
		},
	)

	// PaymentsAppliedTotal sums the amount allocated to invoices.
	PaymentsAppliedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clic",
			Name:      "billing_payments_applied_amount_total",
			Help:      "Sum of payment amounts applied to invoices.",
		},
	)

	// AccountStatusTransitions counts account status changes.
	AccountStatusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clic",
			Name:      "billing_account_status_transitions_total",
			Help:      "Account status transitions by from/to status.",
		},
		[]string{"from", "to"},
	)
)

func init() {
	prometheus.MustRegister(
		BillingOpsTotal,
		BillingOpDuration,
		InvoicesIssuedTotal,
		PaymentsAppliedTotal,
		AccountStatusTransitions,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	BillingOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		BillingOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
