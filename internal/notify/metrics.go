package notify

import "github.com/prometheus/client_golang/prometheus"

var sends = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "guildbill",
	Subsystem: "notify",
	Name:      "sends_total",
	Help:      "Notification webhook deliveries by kind and outcome.",
}, []string{"kind", "outcome"})

func init() {
	prometheus.MustRegister(sends)
}
