package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Processor API calls by gateway, operation and outcome.",
	}, []string{"gateway", "operation", "outcome"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "guildbill",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Processor API call latency, retries included.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"gateway", "operation"})

	signatureRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "gateway",
		Name:      "signature_rejections_total",
		Help:      "Payment and webhook signatures that failed verification.",
	}, []string{"gateway", "kind"})
)

func init() {
	prometheus.MustRegister(requests, requestDuration, signatureRejections)
}

func observe(gateway, operation string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	requests.WithLabelValues(gateway, operation, outcome).Inc()
	requestDuration.WithLabelValues(gateway, operation).Observe(time.Since(start).Seconds())
}
