package billing

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for the allocation engine.
type Metrics struct {
	invoicesCreated prometheus.Counter
	invoiceValue    prometheus.Histogram
	failures        *prometheus.CounterVec
	corrections     prometheus.Counter
	reconcileRuns   *prometheus.CounterVec
}

// NewMetrics registers billing collectors against registerer. A nil registerer uses the
// default Prometheus registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		invoicesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merenda_billing_invoices_created_total",
			Help: "Invoices committed with their allocation details.",
		}),
		invoiceValue: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "merenda_billing_invoice_value",
			Help:    "Total value of committed invoices.",
			Buckets: prometheus.ExponentialBuckets(100, 4, 8),
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "merenda_billing_failures_total",
			Help: "Failed billing operations by operation and error class.",
		}, []string{"operation", "class"}),
		corrections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "merenda_billing_rounding_corrections_total",
			Help: "Item splits whose rounding drift was pushed onto the last modality.",
		}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "merenda_billing_reconciliations_total",
			Help: "Invoice reconciliation audits by outcome.",
		}, []string{"outcome"}),
	}
	registerer.MustRegister(m.invoicesCreated, m.invoiceValue, m.failures, m.corrections, m.reconcileRuns)
	return m
}

func (m *Metrics) observeInvoice(inv Invoice) {
	if m == nil {
		return
	}
	m.invoicesCreated.Inc()
	value, _ := inv.TotalValue.Float64()
	m.invoiceValue.Observe(value)
}

func (m *Metrics) observeFailure(operation string, err error) {
	if m == nil || err == nil {
		return
	}
	m.failures.WithLabelValues(operation, string(Classify(err))).Inc()
}

func (m *Metrics) observeCorrections(allocs []ItemAllocation) {
	if m == nil {
		return
	}
	for _, a := range allocs {
		if a.Corrected {
			m.corrections.Inc()
		}
	}
}

func (m *Metrics) observeReconciliation(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "mismatch"
	}
	m.reconcileRuns.WithLabelValues(outcome).Inc()
}
