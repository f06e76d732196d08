// Package analyzer implements Cyre's on-demand reporting surface (spec
// §4.7): pure read-side aggregation over the sensor ring plus the health
// evaluator, producing a health/performance/efficiency/recommendations
// report. It never mutates state.
package analyzer

import (
	"context"
	"sort"
	"time"

	"github.com/neuralline/cyre-sub007/internal/sensor"
	"github.com/neuralline/cyre-sub007/telemetry/health"
)

// ChannelStatus is the per-channel classification (spec §4.7).
type ChannelStatus string

const (
	StatusHealthy  ChannelStatus = "healthy"
	StatusWarning  ChannelStatus = "warning"
	StatusCritical ChannelStatus = "critical"
	StatusInactive ChannelStatus = "inactive"
)

// Fixed thresholds from spec §4.7.
const (
	successCritical = 0.8
	successWarning  = 0.95
	latencyCritical = 500 * time.Millisecond
	latencyWarning  = 100 * time.Millisecond
	errorCritical   = 0.10
	errorWarning    = 0.05
)

// Performance is the derived latency/throughput/rate view over the window.
type Performance struct {
	AverageLatency time.Duration
	P95Latency     time.Duration
	P99Latency     time.Duration
	Throughput     float64 // executions per second over the window
	SuccessRate    float64
	ErrorRate      float64
}

// ProtectionSummary counts how many events of each protection kind fired in
// the window.
type ProtectionSummary struct {
	Throttled int64
	Debounced int64
	Skipped   int64
	Blocked   int64
}

// ChannelReport is the per-channel slice of the overall Report.
type ChannelReport struct {
	ActionID string
	Status   ChannelStatus
	Issues   []string
	Metrics  sensor.ChannelMetrics
}

// Report is the Analyzer's full output.
type Report struct {
	GeneratedAt     time.Time
	Window          time.Duration
	Health          health.Snapshot
	Performance     Performance
	PipelineEfficiency float64 // executions / calls, system-wide
	Protections     ProtectionSummary
	Channels        []ChannelReport
	Recommendations []string
}

// Analyzer pairs a sensor ring with a health evaluator to answer on-demand
// report requests.
type Analyzer struct {
	ring      *sensor.Ring
	evaluator *health.Evaluator
}

// New builds an Analyzer over ring and evaluator. Either may be nil in
// tests exercising only the other half of the report.
func New(ring *sensor.Ring, evaluator *health.Evaluator) *Analyzer {
	return &Analyzer{ring: ring, evaluator: evaluator}
}

// Analyze produces a Report for the events in the trailing window (default
// 5 minutes when window <= 0).
func (a *Analyzer) Analyze(ctx context.Context, window time.Duration) Report {
	if window <= 0 {
		window = 5 * time.Minute
	}
	now := time.Now()
	since := now.Add(-window)

	rep := Report{GeneratedAt: now, Window: window}

	if a.evaluator != nil {
		rep.Health = a.evaluator.Evaluate(ctx)
	}

	var events []sensor.Event
	if a.ring != nil {
		events = a.ring.Query(sensor.Filter{Since: since})
	}

	perChannel := map[string][]sensor.Event{}
	for _, ev := range events {
		if ev.ActionID == "" {
			continue
		}
		perChannel[ev.ActionID] = append(perChannel[ev.ActionID], ev)
	}

	var latencies []time.Duration
	var totalCalls, totalExecutions, totalErrors int64
	for _, ev := range events {
		switch ev.Type {
		case sensor.EventCall:
			totalCalls++
		case sensor.EventExecution:
			totalExecutions++
			if d, ok := durationOf(ev.Metadata); ok {
				latencies = append(latencies, d)
			}
		case sensor.EventError:
			if ev.Location == "handler" || ev.Location == "" {
				totalErrors++
			}
		case sensor.EventThrottle:
			rep.Protections.Throttled++
		case sensor.EventDebounce:
			rep.Protections.Debounced++
		case sensor.EventSkip:
			rep.Protections.Skipped++
		case sensor.EventBlocked:
			rep.Protections.Blocked++
		}
	}

	rep.Performance = derivePerformance(latencies, totalCalls, totalExecutions, totalErrors, window)
	if totalCalls > 0 {
		rep.PipelineEfficiency = float64(totalExecutions) / float64(totalCalls)
	}

	channelIDs := make([]string, 0, len(perChannel))
	for id := range perChannel {
		channelIDs = append(channelIDs, id)
	}
	sort.Strings(channelIDs)

	for _, id := range channelIDs {
		var m sensor.ChannelMetrics
		if a.ring != nil {
			m = a.ring.ChannelMetrics(id)
		}
		status, issues := classify(m)
		rep.Channels = append(rep.Channels, ChannelReport{ActionID: id, Status: status, Issues: issues, Metrics: m})
	}

	rep.Recommendations = recommend(rep)
	return rep
}

func durationOf(meta map[string]any) (time.Duration, bool) {
	if meta == nil {
		return 0, false
	}
	if d, ok := meta["duration"].(time.Duration); ok {
		return d, true
	}
	return 0, false
}

func derivePerformance(latencies []time.Duration, calls, executions, errorsN int64, window time.Duration) Performance {
	p := Performance{}
	if len(latencies) > 0 {
		sorted := append([]time.Duration(nil), latencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		var sum time.Duration
		for _, d := range sorted {
			sum += d
		}
		p.AverageLatency = sum / time.Duration(len(sorted))
		p.P95Latency = percentile(sorted, 0.95)
		p.P99Latency = percentile(sorted, 0.99)
	}
	if window > 0 {
		p.Throughput = float64(executions) / window.Seconds()
	}
	if calls > 0 {
		p.ErrorRate = float64(errorsN) / float64(calls)
		p.SuccessRate = 1 - p.ErrorRate
	}
	return p
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func classify(m sensor.ChannelMetrics) (ChannelStatus, []string) {
	if m.Calls == 0 {
		return StatusInactive, nil
	}
	var issues []string
	status := StatusHealthy

	if m.SuccessRate < successCritical {
		status = StatusCritical
		issues = append(issues, "success rate below critical threshold")
	} else if m.SuccessRate < successWarning && status != StatusCritical {
		status = StatusWarning
		issues = append(issues, "success rate below warning threshold")
	}

	if m.AverageLatency > latencyCritical {
		status = StatusCritical
		issues = append(issues, "average latency above critical threshold")
	} else if m.AverageLatency > latencyWarning && status != StatusCritical {
		status = StatusWarning
		issues = append(issues, "average latency above warning threshold")
	}

	if m.ErrorRate > errorCritical {
		status = StatusCritical
		issues = append(issues, "error rate above critical threshold")
	} else if m.ErrorRate > errorWarning && status != StatusCritical {
		status = StatusWarning
		issues = append(issues, "error rate above warning threshold")
	}

	return status, issues
}

func recommend(rep Report) []string {
	var out []string
	if rep.Performance.ErrorRate > errorWarning {
		out = append(out, "investigate handler errors; error rate exceeds warning threshold")
	}
	if rep.Performance.P95Latency > latencyWarning {
		out = append(out, "p95 latency exceeds warning threshold; consider throttling hot channels")
	}
	if rep.PipelineEfficiency > 0 && rep.PipelineEfficiency < 0.5 {
		out = append(out, "fewer than half of calls reach execution; review throttle/debounce/condition configuration")
	}
	for _, c := range rep.Channels {
		if c.Status == StatusCritical {
			out = append(out, "channel "+c.ActionID+" is critical: "+joinIssues(c.Issues))
		}
	}
	return out
}

func joinIssues(issues []string) string {
	out := ""
	for i, s := range issues {
		if i > 0 {
			out += "; "
		}
		out += s
	}
	return out
}
