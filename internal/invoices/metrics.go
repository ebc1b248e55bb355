package invoices

import "github.com/prometheus/client_golang/prometheus"

var (
	invoicesCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "invoices",
		Name:      "created_total",
		Help:      "Invoices created.",
	})

	invoicesPaid = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "invoices",
		Name:      "paid_total",
		Help:      "Invoices transitioned to PAID.",
	})

	transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "invoices",
		Name:      "transitions_total",
		Help:      "Invoice status transitions by from and to status.",
	}, []string{"from", "to"})

	numberConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "guildbill",
		Subsystem: "invoices",
		Name:      "number_conflicts_total",
		Help:      "Invoice number collisions that were retried.",
	})
)

func init() {
	prometheus.MustRegister(invoicesCreated, invoicesPaid, transitions, numberConflicts)
}
