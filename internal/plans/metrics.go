package plans

import "github.com/prometheus/client_golang/prometheus"

var cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "guildbill",
	Subsystem: "plans",
	Name:      "cache_lookups_total",
	Help:      "Plan catalog cache lookups by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(cacheLookups)
}
