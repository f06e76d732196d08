package sensor

import (
	"sync"
	"testing"
	"time"
)

func TestRecordAndQueryRoundTrip(t *testing.T) {
	r := NewRing(10, time.Hour, nil)
	r.Record(Event{ActionID: "a", Type: EventCall})
	r.Record(Event{ActionID: "a", Type: EventExecution, Metadata: map[string]any{"duration": 10 * time.Millisecond}})

	got := r.Query(Filter{ActionID: "a"})
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Sequence >= got[1].Sequence {
		t.Fatalf("expected increasing sequence numbers")
	}
}

func TestRecordCoercesInvalidType(t *testing.T) {
	r := NewRing(10, time.Hour, nil)
	r.Record(Event{ActionID: "a", Type: EventType("bogus"), Metadata: map[string]any{"raw": 42.0}})

	got := r.Query(Filter{ActionID: "a"})
	if len(got) != 2 {
		t.Fatalf("expected the coerced event plus its validation warning, got %d", len(got))
	}
	if got[0].Type != EventExecution {
		t.Fatalf("expected coercion to execution, got %s", got[0].Type)
	}

	warnings := r.Query(Filter{Type: EventWarning})
	if len(warnings) != 1 {
		t.Fatalf("expected 1 warning event for the sanitized record, got %d", len(warnings))
	}
}

func TestRingWrapsAtCapacity(t *testing.T) {
	r := NewRing(3, time.Hour, nil)
	for i := 0; i < 5; i++ {
		r.Record(Event{ActionID: "a", Type: EventCall})
	}
	got := r.Query(Filter{})
	if len(got) != 3 {
		t.Fatalf("expected ring capped at capacity 3, got %d", len(got))
	}
	if got[0].Sequence != 3 || got[2].Sequence != 5 {
		t.Fatalf("expected sequences 3,4,5 in order, got %+v", got)
	}
}

func TestChannelMetricsDerivation(t *testing.T) {
	r := NewRing(100, time.Hour, nil)
	r.Record(Event{ActionID: "a", Type: EventCall})
	r.Record(Event{ActionID: "a", Type: EventCall})
	r.Record(Event{ActionID: "a", Type: EventError, Location: "handler"})
	r.Record(Event{ActionID: "a", Type: EventExecution, Metadata: map[string]any{"duration": 100 * time.Millisecond}})
	r.Record(Event{ActionID: "a", Type: EventExecution, Metadata: map[string]any{"duration": 300 * time.Millisecond}})

	m := r.ChannelMetrics("a")
	if m.Calls != 2 {
		t.Fatalf("expected 2 calls, got %d", m.Calls)
	}
	if m.ActualErrors != 1 {
		t.Fatalf("expected 1 actual error, got %d", m.ActualErrors)
	}
	if m.ErrorRate != 0.5 || m.SuccessRate != 0.5 {
		t.Fatalf("expected 50%% error/success rate, got %v/%v", m.ErrorRate, m.SuccessRate)
	}
	if m.AverageLatency != 200*time.Millisecond {
		t.Fatalf("expected average latency 200ms, got %v", m.AverageLatency)
	}
}

func TestProtectionRejectionsAreNotActualErrors(t *testing.T) {
	r := NewRing(100, time.Hour, nil)
	r.Record(Event{ActionID: "a", Type: EventCall})
	r.Record(Event{ActionID: "a", Type: EventThrottle})
	r.Record(Event{ActionID: "a", Type: EventBlocked})

	m := r.ChannelMetrics("a")
	if m.ActualErrors != 0 {
		t.Fatalf("expected protection rejections to not count as actual errors, got %d", m.ActualErrors)
	}
	if m.Throttled != 1 || m.Blocked != 1 {
		t.Fatalf("expected throttled=1 blocked=1, got %+v", m)
	}
}

func TestSystemMetricsAggregatesAcrossChannels(t *testing.T) {
	r := NewRing(100, time.Hour, nil)
	r.Record(Event{ActionID: "a", Type: EventCall})
	r.Record(Event{ActionID: "b", Type: EventCall})
	r.Record(Event{ActionID: "a", Type: EventError, Location: "handler"})

	sm := r.SystemMetrics()
	if sm.TotalCalls != 2 {
		t.Fatalf("expected 2 total calls, got %d", sm.TotalCalls)
	}
	if sm.TotalErrors != 1 {
		t.Fatalf("expected 1 total error, got %d", sm.TotalErrors)
	}
	if sm.Uptime <= 0 {
		t.Fatalf("expected positive uptime")
	}
}

func TestEvictDropsOldEventsKeepsAggregates(t *testing.T) {
	r := NewRing(100, time.Hour, nil)
	old := time.Now().Add(-2 * time.Hour)
	r.Record(Event{ActionID: "a", Type: EventCall, Time: old})
	r.Record(Event{ActionID: "a", Type: EventCall})

	r.Evict(time.Now())

	got := r.Query(Filter{ActionID: "a"})
	if len(got) != 1 {
		t.Fatalf("expected stale event evicted, 1 remaining, got %d", len(got))
	}
	m := r.ChannelMetrics("a")
	if m.Calls != 2 {
		t.Fatalf("expected lifetime aggregate to retain both calls, got %d", m.Calls)
	}
}

func TestSubscribeReceivesEveryEvent(t *testing.T) {
	r := NewRing(100, time.Hour, nil)
	var mu sync.Mutex
	var seen []Event
	r.Subscribe(func(ev Event) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	})
	r.Record(Event{ActionID: "a", Type: EventCall})

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("expected observer to see 1 event, got %d", len(seen))
	}
}

func TestQueryFilterByActionIDAndLimit(t *testing.T) {
	r := NewRing(100, time.Hour, nil)
	for i := 0; i < 5; i++ {
		r.Record(Event{ActionID: "a", Type: EventCall})
	}
	got := r.Query(Filter{ActionID: "a", Limit: 2})
	if len(got) != 2 {
		t.Fatalf("expected limit to cap results at 2, got %d", len(got))
	}
	if got[1].Sequence != 5 {
		t.Fatalf("expected the last result to be the most recent event, got seq %d", got[1].Sequence)
	}
}
