package subscriptions

import "github.com/prometheus/client_golang/prometheus"

var (
	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "subscriptions",
		Name:      "transitions_total",
		Help:      "Subscription status transitions by from and to status.",
	}, []string{"from", "to"})

	sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "guildbill",
		Subsystem: "subscriptions",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of expiry sweeps.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})

	publishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "subscriptions",
		Name:      "event_publish_failures_total",
		Help:      "Lifecycle side effects that could not be enqueued.",
	})
)

func init() {
	prometheus.MustRegister(transitions, sweepDuration, publishFailures)
}
