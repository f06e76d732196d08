// Package sensor is the synchronous, non-blocking event recorder behind
// Cyre's metrics core (spec §4.3). Record returns synchronously after
// running any subscribed observers; malformed input never makes it panic but
// is sanitized into the closed EventType set, with a validation warning
// appended alongside it.
package sensor

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neuralline/cyre-sub007/internal/telemetry/metrics"
)

// EventType is the closed set of sensor event kinds (spec §3).
type EventType string

const (
	EventCall      EventType = "call"
	EventExecution EventType = "execution"
	EventDispatch  EventType = "dispatch"
	EventError     EventType = "error"
	EventSuccess   EventType = "success"
	EventWarning   EventType = "warning"
	EventInfo      EventType = "info"
	EventDebug     EventType = "debug"
	EventCritical  EventType = "critical"
	EventThrottle  EventType = "throttle"
	EventDebounce  EventType = "debounce"
	EventBlocked   EventType = "blocked"
	EventSkip      EventType = "skip"
)

func validType(t EventType) bool {
	switch t {
	case EventCall, EventExecution, EventDispatch, EventError, EventSuccess, EventWarning,
		EventInfo, EventDebug, EventCritical, EventThrottle, EventDebounce, EventBlocked, EventSkip:
		return true
	default:
		return false
	}
}

// Event is one entry in the sensor ring.
type Event struct {
	Sequence uint64
	Time     time.Time
	ActionID string
	Type     EventType
	Message  string
	Location string
	Metadata map[string]any
}

// Filter selects a subset of events on Query.
type Filter struct {
	ActionID  string
	Type      EventType
	Since     time.Time
	Limit     int
}

// ChannelMetrics is the derived per-channel view (spec §4.3).
type ChannelMetrics struct {
	Calls          int64
	Executions     int64
	ActualErrors   int64
	SuccessRate    float64
	ErrorRate      float64
	AverageLatency time.Duration
	Throttled      int64
	Debounced      int64
	Skipped        int64
	Blocked        int64
}

// SystemMetrics is the derived process-wide view.
type SystemMetrics struct {
	TotalCalls      int64
	TotalExecutions int64
	TotalErrors     int64
	Uptime          time.Duration
	CallRate        float64 // events/sec over the last second
}

// Observer receives every recorded event. Observers are called
// synchronously from Record, in subscription order, so a slow observer
// delays Record; events are never dropped or queued.
type Observer func(Event)

const shardCount = 16

type channelAgg struct {
	mu             sync.Mutex
	calls          int64
	executions     int64
	actualErrors   int64
	throttled      int64
	debounced      int64
	skipped        int64
	blocked        int64
	latencySumNs   int64
	latencySamples int64
}

type shard struct {
	mu   sync.RWMutex
	data map[string]*channelAgg
}

// Ring is the fixed-capacity circular buffer plus incremental aggregates
// behind the Sensor contract. Record is O(1) amortized; Query and Evict walk
// the buffered events.
type Ring struct {
	mu       sync.Mutex
	buf      []Event
	head     int
	size     int
	capacity int
	retention time.Duration
	seq      uint64
	startedAt time.Time

	shards [shardCount]*shard

	totalCalls      atomic.Int64
	totalExecutions atomic.Int64
	totalErrors     atomic.Int64

	// rate tracking: ring of per-second buckets
	rateMu      sync.Mutex
	rateBucket  int64 // unix second of the current bucket
	rateCount   int64
	lastRate    float64

	obsMu     sync.RWMutex
	observers []Observer

	provider   metrics.Provider
	mCalls     metrics.Counter
	mErrors    metrics.Counter
	mLatency   metrics.Histogram
}

// NewRing creates a Ring with the given capacity (default 1000) and
// retention (default 1h). A nil provider wires a no-op metrics backend.
func NewRing(capacity int, retention time.Duration, provider metrics.Provider) *Ring {
	if capacity <= 0 {
		capacity = 1000
	}
	if retention <= 0 {
		retention = time.Hour
	}
	if provider == nil {
		provider = metrics.NewNoopProvider()
	}
	r := &Ring{
		buf:       make([]Event, capacity),
		capacity:  capacity,
		retention: retention,
		startedAt: time.Now(),
		provider:  provider,
	}
	for i := range r.shards {
		r.shards[i] = &shard{data: make(map[string]*channelAgg)}
	}
	r.mCalls = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "cyre", Subsystem: "sensor", Name: "calls_total", Help: "Total calls recorded", Labels: []string{"action"}}})
	r.mErrors = provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "cyre", Subsystem: "sensor", Name: "errors_total", Help: "Total handler errors recorded", Labels: []string{"action"}}})
	r.mLatency = provider.NewHistogram(metrics.HistogramOpts{CommonOpts: metrics.CommonOpts{Namespace: "cyre", Subsystem: "sensor", Name: "execution_latency_seconds", Help: "Execution duration", Labels: []string{"action"}}})
	return r
}

func (r *Ring) shardFor(actionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(actionID))
	return r.shards[h.Sum32()%shardCount]
}

func (r *Ring) aggFor(actionID string) *channelAgg {
	sh := r.shardFor(actionID)
	sh.mu.RLock()
	a := sh.data[actionID]
	sh.mu.RUnlock()
	if a != nil {
		return a
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if a = sh.data[actionID]; a == nil {
		a = &channelAgg{}
		sh.data[actionID] = a
	}
	return a
}

// Subscribe registers an Observer fed from every future Record call.
func (r *Ring) Subscribe(obs Observer) {
	if obs == nil {
		return
	}
	r.obsMu.Lock()
	r.observers = append(r.observers, obs)
	r.obsMu.Unlock()
}

// Record sanitizes, sequences, appends and aggregates ev, then hands it to
// every subscribed observer. It never panics on malformed input.
func (r *Ring) Record(ev Event) Event {
	sanitized := !validType(ev.Type)
	if sanitized {
		ev = coerce(ev)
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	r.mu.Lock()
	r.seq++
	ev.Sequence = r.seq
	r.buf[r.head] = ev
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
	r.mu.Unlock()

	r.bumpRate()
	r.aggregate(ev)
	r.publish(ev)

	if sanitized {
		warn := Event{Time: ev.Time, ActionID: ev.ActionID, Type: EventWarning, Message: "sensor: coerced invalid event type", Location: "sensor"}
		r.mu.Lock()
		r.seq++
		warn.Sequence = r.seq
		r.buf[r.head] = warn
		r.head = (r.head + 1) % r.capacity
		if r.size < r.capacity {
			r.size++
		}
		r.mu.Unlock()
		r.publish(warn)
	}
	return ev
}

// coerce implements spec §3's closed-set coercion: a numeric "type" payload
// (smuggled in via Metadata["raw"]) becomes an execution event carrying that
// number as duration; any other non-closed type becomes an info/dispatch
// event with its fields merged into Metadata.
func coerce(ev Event) Event {
	if raw, ok := ev.Metadata["raw"]; ok {
		switch v := raw.(type) {
		case float64:
			ev.Type = EventExecution
			if ev.Metadata == nil {
				ev.Metadata = map[string]any{}
			}
			ev.Metadata["duration"] = time.Duration(v) * time.Millisecond
			return ev
		case int:
			ev.Type = EventExecution
			if ev.Metadata == nil {
				ev.Metadata = map[string]any{}
			}
			ev.Metadata["duration"] = time.Duration(v) * time.Millisecond
			return ev
		case map[string]any:
			ev.Type = EventInfo
			if ev.Location == "" {
				ev.Location = "dispatch"
			}
			if ev.Metadata == nil {
				ev.Metadata = map[string]any{}
			}
			for k, val := range v {
				ev.Metadata[k] = val
			}
			return ev
		}
	}
	ev.Type = EventInfo
	return ev
}

func (r *Ring) aggregate(ev Event) {
	if ev.ActionID == "" {
		return
	}
	a := r.aggFor(ev.ActionID)
	a.mu.Lock()
	switch ev.Type {
	case EventCall:
		a.calls++
		r.totalCalls.Add(1)
		r.mCalls.Inc(1, ev.ActionID)
	case EventExecution:
		a.executions++
		r.totalExecutions.Add(1)
		if d, ok := durationOf(ev.Metadata); ok && d > 0 {
			a.latencySumNs += int64(d)
			a.latencySamples++
			r.mLatency.Observe(d.Seconds(), ev.ActionID)
		}
	case EventError:
		if ev.Location == "handler" || ev.Location == "" {
			a.actualErrors++
			r.totalErrors.Add(1)
			r.mErrors.Inc(1, ev.ActionID)
		}
	case EventThrottle:
		a.throttled++
	case EventDebounce:
		a.debounced++
	case EventSkip:
		a.skipped++
	case EventBlocked:
		a.blocked++
	}
	a.mu.Unlock()
}

func durationOf(meta map[string]any) (time.Duration, bool) {
	if meta == nil {
		return 0, false
	}
	switch v := meta["duration"].(type) {
	case time.Duration:
		return v, true
	case float64:
		return time.Duration(v * float64(time.Millisecond)), true
	case int:
		return time.Duration(v) * time.Millisecond, true
	}
	return 0, false
}

func (r *Ring) bumpRate() {
	now := time.Now().Unix()
	r.rateMu.Lock()
	if now != r.rateBucket {
		r.lastRate = float64(r.rateCount)
		r.rateBucket = now
		r.rateCount = 0
	}
	r.rateCount++
	r.rateMu.Unlock()
}

func (r *Ring) publish(ev Event) {
	r.obsMu.RLock()
	obs := r.observers
	r.obsMu.RUnlock()
	for _, fn := range obs {
		fn(ev)
	}
}

// Query returns a snapshot of events matching filter, newest last.
func (r *Ring) Query(f Filter) []Event {
	r.mu.Lock()
	n := r.size
	out := make([]Event, 0, n)
	start := r.head - n
	for i := 0; i < n; i++ {
		idx := ((start+i)%r.capacity + r.capacity) % r.capacity
		out = append(out, r.buf[idx])
	}
	r.mu.Unlock()

	filtered := out[:0:0]
	for _, ev := range out {
		if f.ActionID != "" && ev.ActionID != f.ActionID {
			continue
		}
		if f.Type != "" && ev.Type != f.Type {
			continue
		}
		if !f.Since.IsZero() && ev.Time.Before(f.Since) {
			continue
		}
		filtered = append(filtered, ev)
	}
	if f.Limit > 0 && len(filtered) > f.Limit {
		filtered = filtered[len(filtered)-f.Limit:]
	}
	return filtered
}

// Evict drops buffered events older than the ring's retention window.
// Aggregates (counters) are never rolled back — they are lifetime totals.
func (r *Ring) Evict(now time.Time) {
	cutoff := now.Add(-r.retention)
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.size
	start := r.head - n
	kept := 0
	for i := 0; i < n; i++ {
		idx := ((start+i)%r.capacity + r.capacity) % r.capacity
		if r.buf[idx].Time.Before(cutoff) {
			continue
		}
		// compact forward in place
		dstIdx := ((start+kept)%r.capacity + r.capacity) % r.capacity
		r.buf[dstIdx] = r.buf[idx]
		kept++
	}
	r.size = kept
	r.head = ((start+kept)%r.capacity + r.capacity) % r.capacity
}

// ChannelMetrics derives the per-channel view from lifetime aggregates.
func (r *Ring) ChannelMetrics(actionID string) ChannelMetrics {
	a := r.aggFor(actionID)
	a.mu.Lock()
	defer a.mu.Unlock()
	m := ChannelMetrics{
		Calls:        a.calls,
		Executions:   a.executions,
		ActualErrors: a.actualErrors,
		Throttled:    a.throttled,
		Debounced:    a.debounced,
		Skipped:      a.skipped,
		Blocked:      a.blocked,
	}
	if a.calls > 0 {
		m.ErrorRate = float64(a.actualErrors) / float64(a.calls)
		m.SuccessRate = 1 - m.ErrorRate
	}
	if a.latencySamples > 0 {
		m.AverageLatency = time.Duration(a.latencySumNs / a.latencySamples)
	}
	return m
}

// SystemMetrics derives the process-wide view.
func (r *Ring) SystemMetrics() SystemMetrics {
	r.rateMu.Lock()
	rate := r.lastRate
	if time.Now().Unix() == r.rateBucket {
		rate = float64(r.rateCount)
	}
	r.rateMu.Unlock()
	return SystemMetrics{
		TotalCalls:      r.totalCalls.Load(),
		TotalExecutions: r.totalExecutions.Load(),
		TotalErrors:     r.totalErrors.Load(),
		Uptime:          time.Since(r.startedAt),
		CallRate:        rate,
	}
}
