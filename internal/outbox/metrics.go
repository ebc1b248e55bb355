package outbox

import "github.com/prometheus/client_golang/prometheus"

var (
	eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "outbox",
		Name:      "events_published_total",
		Help:      "Outbox events enqueued by topic.",
	}, []string{"topic"})

	deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "outbox",
		Name:      "deliveries_total",
		Help:      "Outbox delivery attempts by topic and outcome.",
	}, []string{"topic", "outcome"})
)

func init() {
	prometheus.MustRegister(eventsPublished, deliveries)
}
