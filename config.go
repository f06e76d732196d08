// Package cyre implements a reactive channel/action dispatch runtime:
// register channels with declarative protections (throttle, debounce,
// schema, condition, selector, transform, change-detection), subscribe
// handlers, and Call them through a compiled pipeline instrumented by a
// sensor ring, a breathing/stress controller and an on-demand analyzer.
package cyre

import (
	"strings"
	"time"

	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/neuralline/cyre-sub007/internal/breathing"
	"github.com/neuralline/cyre-sub007/internal/core"
	"github.com/neuralline/cyre-sub007/internal/sensor"
	"github.com/neuralline/cyre-sub007/internal/telemetry/metrics"
)

// Public re-exports of the internal/core and internal/sensor domain types
// so embedders never import an internal path directly (mirrors the
// teacher's engine package re-exporting engmodels/inttelempolicy types as
// aliases).
type (
	Priority           = core.Priority
	MiddlewarePosition = core.MiddlewarePosition
	Handler            = core.Handler
	Validator          = core.Validator
	Condition          = core.Condition
	Selector           = core.Selector
	Transform          = core.Transform
	Middleware         = core.Middleware
	Next               = core.Next
	ChannelConfig      = core.ChannelConfig
	Result             = core.Result
	ErrorKind          = core.ErrorKind

	// Filter and SensorEvent expose QueryEvents' pull-query shape (spec §6)
	// without requiring callers to import internal/sensor themselves.
	Filter      = sensor.Filter
	SensorEvent = sensor.Event
)

const (
	PriorityLow      = core.PriorityLow
	PriorityMedium   = core.PriorityMedium
	PriorityHigh     = core.PriorityHigh
	PriorityCritical = core.PriorityCritical

	AfterChangeDetect = core.AfterChangeDetect
	AfterSelector     = core.AfterSelector

	RepeatInfinity = core.RepeatInfinity

	ErrUnknownChannel      = core.ErrUnknownChannel
	ErrRegistrationInvalid = core.ErrRegistrationInvalid
	ErrPreBlocked          = core.ErrPreBlocked
	ErrThrottled           = core.ErrThrottled
	ErrDebounced           = core.ErrDebounced
	ErrSchemaInvalid       = core.ErrSchemaInvalid
	ErrRequiredMissing     = core.ErrRequiredMissing
	ErrConditionNotMet     = core.ErrConditionNotMet
	ErrUnchanged           = core.ErrUnchanged
	ErrHandlerError        = core.ErrHandlerError
	ErrSchedulerError      = core.ErrSchedulerError
)

// Config is the public configuration surface for New, narrowing and
// normalizing the underlying subsystem configs the way the teacher's
// engine.Config narrows pipeline/resources/rate-limit configs.
type Config struct {
	// Sensor ring sizing (spec §4.3).
	SensorRingCapacity int
	SensorRetention    time.Duration

	// Breathing/stress controller thresholds (spec §4.4).
	Breathing breathing.Thresholds

	// MetricsEnabled toggles metrics.Provider wiring.
	MetricsEnabled bool
	// MetricsBackend selects the provider implementation when
	// MetricsEnabled is true: "prom" (default), "otel", or "noop".
	MetricsBackend string

	// TracingEnabled toggles per-call span tracking using the internal
	// sampling tracer (internal/telemetry/tracing). Ignored when OTelTracer
	// is set.
	TracingEnabled bool
	// TracingSamplePercent is the internal tracer's base sampling rate
	// (0-100); ignored when TracingEnabled is false or OTelTracer is set.
	TracingSamplePercent float64
	// OTelTracer, when non-nil, bridges every cyre.call/cyre.handler span
	// onto a real go.opentelemetry.io/otel/trace.Tracer (e.g. one obtained
	// from an sdktrace.TracerProvider the embedder owns and exports from)
	// instead of the internal sampling tracer, via
	// internal/telemetry/tracing.NewOTelTracer.
	OTelTracer oteltrace.Tracer

	// HealthProbeTTL is the cache TTL for the health evaluator (spec §4.7
	// consumes this through the Analyzer).
	HealthProbeTTL time.Duration

	// AnalyzeWindow is the default trailing window the Analyzer aggregates
	// over when a caller doesn't specify one.
	AnalyzeWindow time.Duration
}

// Defaults returns a Config with reasonable defaults for all subsystems.
func Defaults() Config {
	return Config{
		SensorRingCapacity:   1000,
		SensorRetention:      time.Hour,
		Breathing:            breathing.DefaultThresholds(),
		MetricsEnabled:       false,
		MetricsBackend:       "noop",
		TracingEnabled:       false,
		TracingSamplePercent: 5,
		HealthProbeTTL:       2 * time.Second,
		AnalyzeWindow:        5 * time.Minute,
	}
}

func selectMetricsProvider(cfg Config) metrics.Provider {
	if !cfg.MetricsEnabled {
		return metrics.NewNoopProvider()
	}
	switch strings.ToLower(cfg.MetricsBackend) {
	case "", "prom", "prometheus":
		return metrics.NewPrometheusProvider()
	case "otel", "opentelemetry":
		return metrics.NewOtelProvider()
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider()
	}
}
