package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// promProvider backs Provider with a private Prometheus registry. Exposition
// (an HTTP handler serving /metrics) is an external collaborator's concern
// per the engine's scope — Registry() hands that collaborator what it needs.
type promProvider struct {
	reg *prometheus.Registry
}

// NewPrometheusProvider creates a Provider backed by a fresh, private
// Prometheus registry so multiple Engines in one process never collide on
// metric names.
func NewPrometheusProvider() Provider {
	return &promProvider{reg: prometheus.NewRegistry()}
}

// Registry exposes the underlying Prometheus registry for an external HTTP
// handler to serve; the core never listens on a socket itself.
func (p *promProvider) Registry() *prometheus.Registry { return p.reg }

func fqName(o CommonOpts) (namespace, subsystem, name, help string) {
	help = o.Help
	if help == "" {
		help = o.Name
	}
	return o.Namespace, o.Subsystem, o.Name, help
}

func (p *promProvider) NewCounter(opts CounterOpts) Counter {
	ns, sub, name, help := fqName(opts.CommonOpts)
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Subsystem: sub, Name: name, Help: help}, opts.Labels)
	p.reg.MustRegister(vec)
	return promCounter{vec: vec, labelCount: len(opts.Labels)}
}

func (p *promProvider) NewGauge(opts GaugeOpts) Gauge {
	ns, sub, name, help := fqName(opts.CommonOpts)
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Subsystem: sub, Name: name, Help: help}, opts.Labels)
	p.reg.MustRegister(vec)
	return promGauge{vec: vec, labelCount: len(opts.Labels)}
}

func (p *promProvider) NewHistogram(opts HistogramOpts) Histogram {
	ns, sub, name, help := fqName(opts.CommonOpts)
	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Subsystem: sub, Name: name, Help: help, Buckets: buckets}, opts.Labels)
	p.reg.MustRegister(vec)
	return promHistogram{vec: vec, labelCount: len(opts.Labels)}
}

func (p *promProvider) NewTimer(h HistogramOpts) func() Timer {
	hist := p.NewHistogram(h)
	return func() Timer {
		return promTimer{hist: hist, start: time.Now()}
	}
}

func (p *promProvider) Health(ctx context.Context) error {
	_, err := p.reg.Gather()
	return err
}

type promCounter struct {
	vec        *prometheus.CounterVec
	labelCount int
}

func (c promCounter) Inc(delta float64, labels ...string) {
	c.vec.WithLabelValues(padLabels(labels, c.labelCount)...).Add(delta)
}

type promGauge struct {
	vec        *prometheus.GaugeVec
	labelCount int
}

func (g promGauge) Set(v float64, labels ...string) {
	g.vec.WithLabelValues(padLabels(labels, g.labelCount)...).Set(v)
}
func (g promGauge) Add(delta float64, labels ...string) {
	g.vec.WithLabelValues(padLabels(labels, g.labelCount)...).Add(delta)
}

type promHistogram struct {
	vec        *prometheus.HistogramVec
	labelCount int
}

func (h promHistogram) Observe(v float64, labels ...string) {
	h.vec.WithLabelValues(padLabels(labels, h.labelCount)...).Observe(v)
}

type promTimer struct {
	hist  Histogram
	start time.Time
}

func (t promTimer) ObserveDuration(labels ...string) {
	t.hist.Observe(time.Since(t.start).Seconds(), labels...)
}

// padLabels ensures a stable label-value arity even if a caller passes fewer
// values than the vector was registered with (defensive against call-site drift).
func padLabels(labels []string, want int) []string {
	if len(labels) == want {
		return labels
	}
	out := make([]string, want)
	copy(out, labels)
	return out
}
