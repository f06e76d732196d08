// Package policy centralizes runtime-tunable knobs for telemetry and
// scheduling subsystems. Callers hold an immutable snapshot pointer
// (swapped atomically by the Engine) so hot paths never take a lock to read
// a knob.
package policy

import "time"

// TelemetryPolicy bundles tunables for health evaluation, tracing sampling,
// the sensor event bus and the TimeKeeper's base tick. The Engine stores and
// returns the snapshot; the subsystems themselves are configured from Config
// at New and do not read it afterwards.
type TelemetryPolicy struct {
	Health     HealthPolicy
	Tracing    TracingPolicy
	Sensor     SensorPolicy
	TimeKeeper TimeKeeperPolicy
}

// HealthPolicy holds the health Evaluator's cache TTL.
type HealthPolicy struct {
	ProbeTTL time.Duration
}

// TracingPolicy holds the adaptive span sampling knobs.
type TracingPolicy struct {
	SamplePercent           float64
	ErrorBoostPercent       float64
	LatencyBoostThresholdMs int64
	LatencyBoostPercent     float64
}

// SensorPolicy holds the sensor ring's capacity and retention.
type SensorPolicy struct {
	RingCapacity int
	Retention    time.Duration
}

// TimeKeeperPolicy holds the scheduler's base and recuperation tick. The
// running TimeKeeper takes its tick from the breathing controller instead.
type TimeKeeperPolicy struct {
	MinTick        time.Duration
	RecuperateTick time.Duration
}

// Default returns the baseline policy used when an Engine is not given an
// explicit override.
func Default() TelemetryPolicy {
	return TelemetryPolicy{
		Health:  HealthPolicy{ProbeTTL: 2 * time.Second},
		Tracing: TracingPolicy{SamplePercent: 20},
		Sensor:  SensorPolicy{RingCapacity: 1000, Retention: time.Hour},
		TimeKeeper: TimeKeeperPolicy{
			MinTick:        16 * time.Millisecond,
			RecuperateTick: 64 * time.Millisecond,
		},
	}
}

// Normalize returns a copy with every out-of-range field clamped to a sane
// default, never mutating the receiver.
func (p TelemetryPolicy) Normalize() TelemetryPolicy {
	c := p
	if c.Health.ProbeTTL <= 0 {
		c.Health.ProbeTTL = 2 * time.Second
	}
	if c.Tracing.SamplePercent < 0 {
		c.Tracing.SamplePercent = 0
	}
	if c.Tracing.SamplePercent > 100 {
		c.Tracing.SamplePercent = 100
	}
	if c.Sensor.RingCapacity <= 0 {
		c.Sensor.RingCapacity = 1000
	}
	if c.Sensor.Retention <= 0 {
		c.Sensor.Retention = time.Hour
	}
	if c.TimeKeeper.MinTick <= 0 {
		c.TimeKeeper.MinTick = 16 * time.Millisecond
	}
	if c.TimeKeeper.RecuperateTick <= c.TimeKeeper.MinTick {
		c.TimeKeeper.RecuperateTick = c.TimeKeeper.MinTick * 4
	}
	return c
}
