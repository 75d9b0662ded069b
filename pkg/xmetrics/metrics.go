// Package xmetrics wraps github.com/prometheus/client_golang behind a
// small registry type, the same shape the wider trace-processing
// system's metrics package presents to its components so instrumenting
// a new one never means importing prometheus directly.
package xmetrics

import (
	"net/http"
	"regexp"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns one prometheus.Registry and mints named counters and
// gauges against it, sanitizing names so callers never have to think
// about prometheus's identifier grammar.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry returns an empty metrics registry.
func NewRegistry() *Registry {
	return &Registry{reg: prometheus.NewRegistry()}
}

// Handler returns an http.Handler serving this registry's metrics in
// the Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_:]`)

func sanitizeName(name string) string {
	return invalidNameChars.ReplaceAllString(name, "_")
}

// Counter is a monotonically increasing named metric.
type Counter struct{ c prometheus.Counter }

// NewCounter registers and returns a new counter. Registering the same
// name twice panics: metric names are meant to be assigned once, at
// component construction, not computed per call site.
func (r *Registry) NewCounter(name string) *Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: sanitizeName(name)})
	r.reg.MustRegister(c)
	return &Counter{c: c}
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.c.Inc() }

// Add increments the counter by delta, which must be non-negative.
func (c *Counter) Add(delta float64) { c.c.Add(delta) }

// Gauge is a named metric that can move up or down.
type Gauge struct{ g prometheus.Gauge }

// NewGauge registers and returns a new gauge.
func (r *Registry) NewGauge(name string) *Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: sanitizeName(name)})
	r.reg.MustRegister(g)
	return &Gauge{g: g}
}

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.g.Inc() }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.g.Dec() }

// Set sets the gauge to an absolute value.
func (g *Gauge) Set(v float64) { g.g.Set(v) }

// CounterVec is a named metric family partitioned by one label, used for
// per-record-type or per-feature-id counters where the label set is
// only known once decoding is underway.
type CounterVec struct {
	v         *prometheus.CounterVec
	labelName string
}

// NewCounterVec registers and returns a new counter vector with a single
// label.
func (r *Registry) NewCounterVec(name, labelName string) *CounterVec {
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: sanitizeName(name)}, []string{labelName})
	r.reg.MustRegister(v)
	return &CounterVec{v: v, labelName: labelName}
}

// WithLabelValue returns the counter for one label value, creating it on
// first use.
func (v *CounterVec) WithLabelValue(value string) *Counter {
	return &Counter{c: v.v.WithLabelValues(value)}
}
