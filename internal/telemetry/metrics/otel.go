package metrics

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// otelProvider backs Provider with an OpenTelemetry meter. Selected when
// Config.MetricsBackend == "otel". Label values are attached as attributes
// keyed by the registered label names, in declaration order.
type otelProvider struct {
	mp    *sdkmetric.MeterProvider
	meter metric.Meter
}

// NewOtelProvider creates a Provider backed by a fresh in-process
// MeterProvider with no exporter attached by default; embedders that want
// export wire a reader via NewOtelProviderWithReader.
func NewOtelProvider() Provider {
	mp := sdkmetric.NewMeterProvider()
	return &otelProvider{mp: mp, meter: mp.Meter("cyre")}
}

// NewOtelProviderWithReader creates a Provider using the supplied
// sdkmetric.Reader (e.g. a Prometheus exporter reader or a periodic
// exporting reader) so metrics can actually leave the process.
func NewOtelProviderWithReader(reader sdkmetric.Reader) Provider {
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return &otelProvider{mp: mp, meter: mp.Meter("cyre")}
}

func otelName(o CommonOpts) string {
	parts := make([]string, 0, 3)
	if o.Namespace != "" {
		parts = append(parts, o.Namespace)
	}
	if o.Subsystem != "" {
		parts = append(parts, o.Subsystem)
	}
	parts = append(parts, o.Name)
	return strings.Join(parts, "_")
}

func (p *otelProvider) NewCounter(opts CounterOpts) Counter {
	c, _ := p.meter.Float64Counter(otelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	return otelCounter{c: c, labels: opts.Labels}
}

func (p *otelProvider) NewGauge(opts GaugeOpts) Gauge {
	g := &otelGauge{labels: opts.Labels, values: map[string]float64{}}
	_, _ = p.meter.Float64ObservableGauge(otelName(opts.CommonOpts),
		metric.WithDescription(opts.Help),
		metric.WithFloat64Callback(g.observe))
	return g
}

func (p *otelProvider) NewHistogram(opts HistogramOpts) Histogram {
	h, _ := p.meter.Float64Histogram(otelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	return otelHistogram{h: h, labels: opts.Labels}
}

func (p *otelProvider) NewTimer(h HistogramOpts) func() Timer {
	hist := p.NewHistogram(h)
	return func() Timer { return otelTimer{hist: hist, start: time.Now()} }
}

func (p *otelProvider) Health(ctx context.Context) error { return nil }

// buildAttrs zips registered label names with call-site values, padding or
// truncating defensively against arity drift between registration and call.
func buildAttrs(names []string, values []string) []attribute.KeyValue {
	if len(names) == 0 {
		return nil
	}
	kvs := make([]attribute.KeyValue, len(names))
	for i, name := range names {
		v := ""
		if i < len(values) {
			v = values[i]
		}
		kvs[i] = attribute.String(name, v)
	}
	return kvs
}

type otelCounter struct {
	c      metric.Float64Counter
	labels []string
}

func (c otelCounter) Inc(delta float64, labels ...string) {
	c.c.Add(context.Background(), delta, metric.WithAttributes(buildAttrs(c.labels, labels)...))
}

type otelGauge struct {
	mu     sync.Mutex
	labels []string
	values map[string]float64
}

func (g *otelGauge) key(labels []string) string { return strings.Join(labels, "\x1f") }

func (g *otelGauge) Set(v float64, labels ...string) {
	g.mu.Lock()
	g.values[g.key(labels)] = v
	g.mu.Unlock()
}
func (g *otelGauge) Add(delta float64, labels ...string) {
	g.mu.Lock()
	g.values[g.key(labels)] += delta
	g.mu.Unlock()
}
func (g *otelGauge) observe(ctx context.Context, o metric.Float64Observer) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, v := range g.values {
		labels := strings.Split(k, "\x1f")
		if k == "" {
			labels = nil
		}
		o.Observe(v, metric.WithAttributes(buildAttrs(g.labels, labels)...))
	}
	return nil
}

type otelHistogram struct {
	h      metric.Float64Histogram
	labels []string
}

func (h otelHistogram) Observe(v float64, labels ...string) {
	h.h.Record(context.Background(), v, metric.WithAttributes(buildAttrs(h.labels, labels)...))
}

type otelTimer struct {
	hist  Histogram
	start time.Time
}

func (t otelTimer) ObserveDuration(labels ...string) {
	t.hist.Observe(time.Since(t.start).Seconds(), labels...)
}
