package analyzer

import (
	"context"
	"testing"
	"time"

	"github.com/neuralline/cyre-sub007/internal/sensor"
	"github.com/neuralline/cyre-sub007/telemetry/health"
)

func TestAnalyzeHealthyChannel(t *testing.T) {
	ring := sensor.NewRing(1000, time.Hour, nil)
	for i := 0; i < 10; i++ {
		ring.Record(sensor.Event{ActionID: "a", Type: sensor.EventCall})
		ring.Record(sensor.Event{ActionID: "a", Type: sensor.EventExecution, Metadata: map[string]any{"duration": 10 * time.Millisecond}})
	}

	a := New(ring, nil)
	rep := a.Analyze(context.Background(), time.Hour)

	if len(rep.Channels) != 1 {
		t.Fatalf("expected 1 channel report, got %d", len(rep.Channels))
	}
	if rep.Channels[0].Status != StatusHealthy {
		t.Fatalf("expected healthy status, got %s issues=%v", rep.Channels[0].Status, rep.Channels[0].Issues)
	}
	if rep.PipelineEfficiency != 1 {
		t.Fatalf("expected pipeline efficiency 1.0 (every call executed), got %f", rep.PipelineEfficiency)
	}
}

func TestAnalyzeCriticalOnHighErrorRate(t *testing.T) {
	ring := sensor.NewRing(1000, time.Hour, nil)
	for i := 0; i < 10; i++ {
		ring.Record(sensor.Event{ActionID: "a", Type: sensor.EventCall})
	}
	for i := 0; i < 5; i++ {
		ring.Record(sensor.Event{ActionID: "a", Type: sensor.EventError, Location: "handler"})
	}

	a := New(ring, nil)
	rep := a.Analyze(context.Background(), time.Hour)

	if rep.Channels[0].Status != StatusCritical {
		t.Fatalf("expected critical status at 50%% error rate, got %s", rep.Channels[0].Status)
	}
}

func TestAnalyzeCriticalOnHighLatency(t *testing.T) {
	ring := sensor.NewRing(1000, time.Hour, nil)
	ring.Record(sensor.Event{ActionID: "a", Type: sensor.EventCall})
	ring.Record(sensor.Event{ActionID: "a", Type: sensor.EventExecution, Metadata: map[string]any{"duration": 800 * time.Millisecond}})

	a := New(ring, nil)
	rep := a.Analyze(context.Background(), time.Hour)

	if rep.Channels[0].Status != StatusCritical {
		t.Fatalf("expected critical status from high latency, got %s", rep.Channels[0].Status)
	}
}

func TestAnalyzeInactiveChannelHasNoCalls(t *testing.T) {
	ring := sensor.NewRing(1000, time.Hour, nil)
	ring.Record(sensor.Event{ActionID: "a", Type: sensor.EventThrottle})

	a := New(ring, nil)
	rep := a.Analyze(context.Background(), time.Hour)

	if len(rep.Channels) != 1 || rep.Channels[0].Status != StatusInactive {
		t.Fatalf("expected inactive status for a channel with zero calls, got %+v", rep.Channels)
	}
}

func TestAnalyzeProtectionSummaryCounts(t *testing.T) {
	ring := sensor.NewRing(1000, time.Hour, nil)
	ring.Record(sensor.Event{ActionID: "a", Type: sensor.EventThrottle})
	ring.Record(sensor.Event{ActionID: "a", Type: sensor.EventDebounce})
	ring.Record(sensor.Event{ActionID: "a", Type: sensor.EventSkip})
	ring.Record(sensor.Event{ActionID: "a", Type: sensor.EventBlocked})

	a := New(ring, nil)
	rep := a.Analyze(context.Background(), time.Hour)

	if rep.Protections.Throttled != 1 || rep.Protections.Debounced != 1 || rep.Protections.Skipped != 1 || rep.Protections.Blocked != 1 {
		t.Fatalf("expected each protection counted once, got %+v", rep.Protections)
	}
}

func TestAnalyzeIncludesHealthSnapshot(t *testing.T) {
	ev := health.NewEvaluator(time.Minute, health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		return health.Healthy("store")
	}))
	a := New(sensor.NewRing(10, time.Hour, nil), ev)
	rep := a.Analyze(context.Background(), time.Hour)

	if rep.Health.Overall != health.StatusHealthy {
		t.Fatalf("expected healthy rollup, got %s", rep.Health.Overall)
	}
}

func TestRecommendationsFlagCriticalChannels(t *testing.T) {
	ring := sensor.NewRing(1000, time.Hour, nil)
	for i := 0; i < 4; i++ {
		ring.Record(sensor.Event{ActionID: "a", Type: sensor.EventCall})
		ring.Record(sensor.Event{ActionID: "a", Type: sensor.EventError, Location: "handler"})
	}

	a := New(ring, nil)
	rep := a.Analyze(context.Background(), time.Hour)

	if len(rep.Recommendations) == 0 {
		t.Fatalf("expected at least one recommendation for a critical channel")
	}
}
