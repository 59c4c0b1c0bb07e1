// Package metrics provides Prometheus metrics for the dispensary.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	DispensesApplied  prometheus.Counter
	DispensesReplayed prometheus.Counter
	DispensesRejected *prometheus.CounterVec
	DispenseDuration  prometheus.Histogram
	InvoicesGenerated prometheus.Counter
	InvoiceCents      prometheus.Counter
	StockDrift        prometheus.Gauge
	LowStockMedicines prometheus.Gauge
	OutboxPending     prometheus.Gauge
	EventsPublished   prometheus.Counter
	EventsConsumed    prometheus.Counter
}

// New creates and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		DispensesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispenses_applied_total",
			Help: "Total dispense actions applied",
		}),
		DispensesReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispenses_replayed_total",
			Help: "Dispense requests answered from a stored idempotent result",
		}),
		DispensesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispenses_rejected_total",
			Help: "Dispense requests rejected by validation",
		}, []string{"code"}),
		DispenseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispense_duration_seconds",
			Help:    "Dispense transaction duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		InvoicesGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invoices_generated_total",
			Help: "Invoices generated from dispense actions",
		}),
		InvoiceCents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "invoice_cents_total",
			Help: "Total invoiced amount in cents",
		}),
		StockDrift: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stock_drift_medicines",
			Help: "Medicines whose projection disagrees with the ledger sum",
		}),
		LowStockMedicines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "low_stock_medicines",
			Help: "Medicines below their minimum stock level",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Outbox entries not yet published",
		}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_events_published_total",
			Help: "Events published to the stream",
		}),
		EventsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_events_consumed_total",
			Help: "Events consumed from the stream",
		}),
	}

	prometheus.MustRegister(
		m.DispensesApplied,
		m.DispensesReplayed,
		m.DispensesRejected,
		m.DispenseDuration,
		m.InvoicesGenerated,
		m.InvoiceCents,
		m.StockDrift,
		m.LowStockMedicines,
		m.OutboxPending,
		m.EventsPublished,
		m.EventsConsumed,
	)

	return m
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
