package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	stepFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "reconciliation",
		Name:      "step_failures_total",
		Help:      "Reconciliation step failures by step.",
	}, []string{"step"})

	amountMismatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "reconciliation",
		Name:      "amount_mismatches_total",
		Help:      "Payments whose amount differs from the subscription's frozen amount.",
	})

	refundsDue = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "reconciliation",
		Name:      "refunds_due_total",
		Help:      "Checkout payments that could not be applied because the client was already active on another plan.",
	})

	reconciled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "reconciliation",
		Name:      "payments_reconciled_total",
		Help:      "Payments with every reconciliation step applied.",
	})

	unreconciled = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "guildbill",
		Subsystem: "reconciliation",
		Name:      "unreconciled_payments",
		Help:      "Completed payments awaiting reconciliation found in the last run.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "guildbill",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	runErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(
		stepFailures,
		amountMismatches,
		refundsDue,
		reconciled,
		unreconciled,
		runDuration,
		runErrors,
	)
}
