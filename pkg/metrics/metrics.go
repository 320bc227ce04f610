// Package metrics wraps prometheus/client_golang the way cockroach's
// pkg/util/metric wraps its own recorder: name+help metadata is declared
// once per metric, and the rest of the control plane holds typed handles
// (Counter, Gauge) rather than touching the registry directly. See
// pkg/util/metric/doc.go's "Adding a new metric" walkthrough for the shape
// this follows.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the daemon-wide metric registry, handed to every component
// that needs to publish a counter or gauge. It is a thin wrapper so
// components never import prometheus directly (mirrors the "no leaf-code
// singleton access" design note in the ).
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{reg: prometheus.NewRegistry()}
}

// Prometheus exposes the underlying prometheus.Registry for /metrics
// scraping wiring in cmd/daemon; nothing in the control plane packages
// touches this directly.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.reg
}

// Counter is a monotonically increasing metric, e.g. NUM_QUERIES_EXPIRED.
type Counter struct {
	c prometheus.Counter
}

// NewCounter registers and returns a new Counter.
func (r *Registry) NewCounter(name, help string) *Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	r.reg.MustRegister(c)
	return &Counter{c: c}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.c.Inc() }

// Add increments the counter by delta.
func (c *Counter) Add(delta float64) { c.c.Add(delta) }

// Gauge is a metric that can move in either direction, e.g. the count of
// currently live backends.
type Gauge struct {
	g prometheus.Gauge
}

// NewGauge registers and returns a new Gauge.
func (r *Registry) NewGauge(name, help string) *Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	r.reg.MustRegister(g)
	return &Gauge{g: g}
}

// Update sets the gauge to the given value, matching metric.Gauge.Update's
// name in the teacher package.
func (g *Gauge) Update(v int64) { g.g.Set(float64(v)) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.g.Inc() }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.g.Dec() }

// Histogram tracks a distribution, e.g. cancellation-pool queue wait time.
type Histogram struct {
	h prometheus.Histogram
}

// NewHistogram registers and returns a new Histogram with the given bucket
// boundaries.
func (r *Registry) NewHistogram(name, help string, buckets []float64) *Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets})
	r.reg.MustRegister(h)
	return &Histogram{h: h}
}

// RecordValue observes a single sample.
func (h *Histogram) RecordValue(v float64) { h.h.Observe(v) }
