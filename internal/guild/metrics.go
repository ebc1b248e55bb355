package guild

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	syncs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "guild",
		Name:      "syncs_total",
		Help:      "Entitlement sync calls by reason and outcome.",
	}, []string{"reason", "outcome"})

	syncDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "guildbill",
		Subsystem: "guild",
		Name:      "sync_duration_seconds",
		Help:      "Latency of entitlement sync calls.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2, 3, 5},
	})
)

func init() {
	prometheus.MustRegister(syncs, syncDuration)
}

func observe(reason string, start time.Time, err error) {
	syncDuration.Observe(time.Since(start).Seconds())
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if reason == "" {
		reason = "unknown"
	}
	syncs.WithLabelValues(reason, outcome).Inc()
}
