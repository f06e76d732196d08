package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// otelTracer bridges Tracer onto a real go.opentelemetry.io/otel/trace.Tracer
// (typically backed by an sdktrace.TracerProvider an embedder constructs and
// wires an exporter into — the core never owns the exporter).
type otelTracer struct {
	tracer oteltrace.Tracer
}

// NewOTelTracer wraps an OpenTelemetry trace.Tracer (e.g. one obtained from
// an sdktrace.TracerProvider) so dispatcher/TimeKeeper spans flow into a real
// tracing backend instead of the in-process simpleTracer.
func NewOTelTracer(tracer oteltrace.Tracer) Tracer {
	if tracer == nil {
		return noopTracer{}
	}
	return otelTracer{tracer: tracer}
}

func (t otelTracer) StartSpan(ctx context.Context, name string) (context.Context, Span) {
	spanCtx, span := t.tracer.Start(ctx, name)
	sc := span.SpanContext()
	wrapped := &otelSpan{span: span, start: time.Now(), ctx: SpanContext{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
		Start:   time.Now(),
	}}
	return spanCtx, wrapped
}

func (t otelTracer) Noop() bool { return false }

type otelSpan struct {
	span  oteltrace.Span
	start time.Time
	ctx   SpanContext
}

func (s *otelSpan) End() {
	s.ctx.End = time.Now()
	s.span.End()
}
func (s *otelSpan) SetAttribute(key string, value any) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprint(v)))
	}
}
func (s *otelSpan) Context() SpanContext { return s.ctx }
func (s *otelSpan) IsEnded() bool        { return !s.ctx.End.IsZero() }
