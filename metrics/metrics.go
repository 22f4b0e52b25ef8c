// Package metrics wires the grid's internal counters and gauges into
// armon/go-metrics (already a transitive dependency of hashicorp/raft in
// the teacher) and, optionally, into a caller-supplied Prometheus
// registry. The spec has no exposition surface of its own — §6 lists only
// the application-facing storage operations — so this package exists to
// give an embedding application something to scrape.
package metrics

import (
	gometrics "github.com/armon/go-metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Sink is the go-metrics handle this package's helpers write to: a
// *gometrics.Metrics (as returned by gometrics.New or gometrics.Default),
// not a bare gometrics.MetricSink.
type Sink = *gometrics.Metrics

// Default is a process-wide go-metrics handle used when a component is
// not given one explicitly, matching how hashicorp/raft itself reports
// through go-metrics' package-level functions, which write to this same
// global handle.
var Default = gometrics.Default()

// IncrCounter bumps a named counter by val on sink (or the default sink,
// if sink is nil).
func IncrCounter(sink Sink, name []string, val float32) {
	if sink == nil {
		sink = Default
	}
	sink.IncrCounter(name, val)
}

// SetGauge sets a named gauge's current value on sink (or the default
// sink, if sink is nil).
func SetGauge(sink Sink, name []string, val float32) {
	if sink == nil {
		sink = Default
	}
	sink.SetGauge(name, val)
}

// GaugeFunc is a Prometheus collector that reads its value from fn at
// scrape time — used to bridge a live counter (e.g. backup storage's
// stored-entry count, or the endpoint's open-waiter count) into a
// caller-supplied prometheus.Registerer without the rest of the grid
// depending on Prometheus directly.
type GaugeFunc struct {
	desc *prometheus.Desc
	fn   func() float64
}

// NewGaugeFunc returns a GaugeFunc collector named name (with help text
// help) that reports fn()'s value when scraped.
func NewGaugeFunc(name, help string, fn func() float64) *GaugeFunc {
	return &GaugeFunc{
		desc: prometheus.NewDesc(name, help, nil, nil),
		fn:   fn,
	}
}

// Describe implements prometheus.Collector.
func (g *GaugeFunc) Describe(ch chan<- *prometheus.Desc) {
	ch <- g.desc
}

// Collect implements prometheus.Collector.
func (g *GaugeFunc) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, g.fn())
}

// RegisterGaugeFunc registers a GaugeFunc with reg, if reg is non-nil.
// Registration failures (e.g. duplicate metric names) are ignored the
// way optional instrumentation hooks typically are — callers that care
// should register their own collectors instead.
func RegisterGaugeFunc(reg prometheus.Registerer, name, help string, fn func() float64) {
	if reg == nil {
		return
	}
	_ = reg.Register(NewGaugeFunc(name, help, fn))
}
