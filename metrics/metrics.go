// Package metrics holds the prometheus collectors for descriptor handoffs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "extmem"

// Failure reasons used as the "reason" label of TransferFailures.
const (
	ReasonSetup        = "setup"
	ReasonAccept       = "accept"
	ReasonSend         = "send"
	ReasonConnect      = "connect"
	ReasonNoDescriptor = "no_descriptor"
	ReasonMalformed    = "malformed"
	ReasonCanceled     = "canceled"
	ReasonImport       = "import"
	ReasonExport       = "export"
)

// Metrics holds all collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	DescriptorsSent     prometheus.Counter
	DescriptorsReceived prometheus.Counter
	TransferFailures    *prometheus.CounterVec
	HandoffDuration     *prometheus.HistogramVec

	// Exported is 1 once the export pipeline has handed off its descriptor.
	Exported prometheus.Gauge
	// Imported is 1 once the import pipeline has bound imported memory.
	Imported prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		DescriptorsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "descriptors_sent_total",
			Help:      "Number of memory descriptors sent to an importer.",
		}),
		DescriptorsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "descriptors_received_total",
			Help:      "Number of memory descriptors received from an exporter.",
		}),
		TransferFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfer_failures_total",
			Help:      "Failed descriptor transfers by reason.",
		}, []string{"reason"}),
		HandoffDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handoff_duration_seconds",
			Help:      "Time spent blocked in a channel role, from listen or dial to completion.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"role"}),
		Exported: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "exported",
			Help:      "1 once the exporter has handed off its memory.",
		}),
		Imported: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "imported",
			Help:      "1 once the importer has bound the imported memory.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.DescriptorsSent,
			m.DescriptorsReceived,
			m.TransferFailures,
			m.HandoffDuration,
			m.Exported,
			m.Imported,
		)
	}

	return m
}

// Failure increments the failure counter for reason.
func (m *Metrics) Failure(reason string) {
	if m == nil {
		return
	}
	m.TransferFailures.WithLabelValues(reason).Inc()
}

// Sent records a successful send that took seconds.
func (m *Metrics) Sent(seconds float64) {
	if m == nil {
		return
	}
	m.DescriptorsSent.Inc()
	m.HandoffDuration.WithLabelValues("exporter").Observe(seconds)
}

// Received records a successful receive that took seconds.
func (m *Metrics) Received(seconds float64) {
	if m == nil {
		return
	}
	m.DescriptorsReceived.Inc()
	m.HandoffDuration.WithLabelValues("importer").Observe(seconds)
}

// SetExported flips the exported gauge.
func (m *Metrics) SetExported() {
	if m == nil {
		return
	}
	m.Exported.Set(1)
}

// SetImported flips the imported gauge.
func (m *Metrics) SetImported() {
	if m == nil {
		return
	}
	m.Imported.Set(1)
}
