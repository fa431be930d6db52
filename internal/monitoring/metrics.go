package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a private prometheus registry. Components keep their own atomic
// counters for status reporting; the registry exports them through
// CounterFunc and GaugeFunc so both views read the same numbers.
type Metrics struct {
	namespace string
	reg       *prometheus.Registry

	// RecordBytes observes the size of every formatted record.
	RecordBytes prometheus.Histogram
}

// NewMetrics creates a registry with Go runtime collectors and the shared
// record-size histogram.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := &Metrics{
		namespace: namespace,
		reg:       reg,
		RecordBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "record_bytes",
			Help:      "Size of formatted CSI records.",
			Buckets:   prometheus.LinearBuckets(256, 512, 8),
		}),
	}
	reg.MustRegister(m.RecordBytes)
	return m
}

// CounterFunc exports a monotonically increasing value read from fn.
func (m *Metrics) CounterFunc(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// GaugeFunc exports an instantaneous value read from fn.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
