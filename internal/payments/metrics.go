package payments

import "github.com/prometheus/client_golang/prometheus"

var (
	ordersCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "payments",
		Name:      "orders_created_total",
		Help:      "Gateway orders opened, by purpose.",
	}, []string{"purpose"})

	verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "payments",
		Name:      "verifications_total",
		Help:      "Capture proofs handled, by source (callback, webhook) and outcome.",
	}, []string{"source", "outcome"})

	failures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "payments",
		Name:      "failures_total",
		Help:      "Payments moved to FAILED, by gateway.",
	}, []string{"gateway"})

	webhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "payments",
		Name:      "webhook_events_total",
		Help:      "Webhook deliveries by result.",
	}, []string{"result"})

	amountMismatches = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "payments",
		Name:      "amount_mismatches_total",
		Help:      "Captures whose amount differs from the stored order amount.",
	})
)

func init() {
	prometheus.MustRegister(ordersCreated, verifications, failures, webhookEvents, amountMismatches)
}
