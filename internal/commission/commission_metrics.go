package commission

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CommissionOpsTotal counts commission ledger operations by type.
	CommissionOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clic",
			Name:      "commission_operations_total",
			Help:      "Total commission ledger operations by type.",
		},
		[]string{"type"},
	)

	// CommissionOpDuration observes operation latency by type.
	CommissionOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "clic",
			Name:      "commission_operation_duration_seconds",
			Help:      "Commission ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// CollectedAmountTotal sums client collections.
	CollectedAmountTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clic",
			Name:      "commission_collected_amount_total",
			Help:      "Sum of cobro movements recorded.",
		},
	)

	// PaidOutAmountTotal sums payee payouts.
	PaidOutAmountTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clic",
			Name:      "commission_paid_amount_total",
			Help:      "Sum of pago movements recorded.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		CommissionOpsTotal,
		CommissionOpDuration,
		CollectedAmountTotal,
		PaidOutAmountTotal,
	)
}

func observeOp(opType string) func() {
	CommissionOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		CommissionOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
