package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "clic",
		Subsystem: "reconciliation",
		Name:      "balance_mismatches",
		Help:      "Number of tenants whose balance differed from outstanding invoices in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "clic",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "clic",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation read errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileMismatches,
		reconcileDuration,
		reconcileErrors,
	)
}
