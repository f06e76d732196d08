// Package timekeeper implements Cyre's single shared scheduler (spec §4.5):
// one monotonic tick source driving a min-heap of formations, reached only
// through commands posted to its single owning goroutine — mirroring the
// teacher's ticker+stopCh+WaitGroup background-loop idiom
// (internal/resources.Manager.checkpointLoop, internal/ratelimit.evictLoop).
package timekeeper

import (
	"container/heap"
	"sync"
	"time"

	"github.com/neuralline/cyre-sub007/internal/core"
)

// Callback is invoked by the TimeKeeper on each due tick. now is the logical
// tick time (for drift-free rescheduling, not wall-clock-corrected).
type Callback func(now time.Time) error

// Formation is one scheduled/recurring entry (spec §3).
type Formation struct {
	ID               string
	NextExecution    time.Time
	IntervalMS       int64
	RemainingRepeats int64 // core.RepeatInfinity for unbounded
	Active           bool
	Status           core.FormationStatus
	ExecutionCount   int64
	Origin           core.FormationOrigin
	Priority         core.Priority

	callback Callback
	seq      int64 // insertion sequence, breaks same-time/same-priority ties
	index    int   // heap index, maintained by container/heap
}

// Snapshot is a read-only copy safe to hand to callers.
func (f *Formation) Snapshot() Formation {
	cp := *f
	cp.callback = nil
	return cp
}

type formationHeap []*Formation

func (h formationHeap) Len() int { return len(h) }
func (h formationHeap) Less(i, j int) bool {
	if !h[i].NextExecution.Equal(h[j].NextExecution) {
		return h[i].NextExecution.Before(h[j].NextExecution)
	}
	if h[i].Priority.Rank() != h[j].Priority.Rank() {
		return h[i].Priority.Rank() > h[j].Priority.Rank()
	}
	return h[i].seq < h[j].seq
}
func (h formationHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *formationHeap) Push(x any) {
	f := x.(*Formation)
	f.index = len(*h)
	*h = append(*h, f)
}
func (h *formationHeap) Pop() any {
	old := *h
	n := len(old)
	f := old[n-1]
	old[n-1] = nil
	f.index = -1
	*h = old[:n-1]
	return f
}

// AddSpec describes a new formation.
type AddSpec struct {
	ID         string
	FirstAt    time.Time
	IntervalMS int64
	Repeats    int64 // core.RepeatInfinity for unbounded; 0 means one-shot at FirstAt then done
	Priority   core.Priority
	Origin     core.FormationOrigin
	Callback   Callback
}

// TimeKeeper owns the heap; every mutation happens inside run() on its own
// goroutine, reached via the commands channel from any caller.
type TimeKeeper struct {
	commands chan func(*state)
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	minTick func() time.Duration // read on each loop so breathing can slow it
}

type state struct {
	h       formationHeap
	byID    map[string]*Formation
	nextSeq int64
}

// New starts the TimeKeeper's background goroutine immediately. minTick is
// queried on every loop iteration so the breathing controller can adjust it
// live under recuperation (spec §4.4, §4.5).
func New(minTick func() time.Duration) *TimeKeeper {
	if minTick == nil {
		minTick = func() time.Duration { return 16 * time.Millisecond }
	}
	tk := &TimeKeeper{
		commands: make(chan func(*state), 256),
		stopCh:   make(chan struct{}),
		minTick:  minTick,
	}
	tk.wg.Add(1)
	go tk.run()
	return tk
}

func (tk *TimeKeeper) run() {
	defer tk.wg.Done()
	st := &state{byID: make(map[string]*Formation)}
	heap.Init(&st.h)

	ticker := time.NewTicker(tk.minTick())
	defer ticker.Stop()
	currentInterval := tk.minTick()

	for {
		select {
		case <-tk.stopCh:
			return
		case cmd := <-tk.commands:
			cmd(st)
		case now := <-ticker.C:
			tk.fire(st, now)
			if want := tk.minTick(); want != currentInterval && want > 0 {
				currentInterval = want
				ticker.Reset(want)
			}
		}
	}
}

// fire pops every due formation, invokes its callback, and reschedules or
// completes it, honoring the backpressure rule: if the callback overran its
// interval, the next run is scheduled at max(now, previousNext+interval),
// never compounding drift beyond one period (spec §4.5).
func (tk *TimeKeeper) fire(st *state, now time.Time) {
	// Formations rescheduled during this tick are pushed back only after the
	// due ones have run, so each fires at most once per tick even when its
	// interval is shorter than the tick.
	var requeue []*Formation
	defer func() {
		for _, f := range requeue {
			heap.Push(&st.h, f)
		}
	}()
	for st.h.Len() > 0 {
		top := st.h[0]
		if top.NextExecution.After(now) {
			return
		}
		f := heap.Pop(&st.h).(*Formation)
		if !f.Active {
			// A paused formation stays registered so Resume can re-arm it, and
			// a replaced one must not drop the entry of its replacement.
			if f.Status != core.FormationPaused && st.byID[f.ID] == f {
				delete(st.byID, f.ID)
			}
			continue
		}
		prevNext := f.NextExecution
		err := func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = panicAsError(r)
				}
			}()
			return f.callback(now)
		}()
		if err != nil {
			f.Status = core.FormationError
			f.Active = false
			delete(st.byID, f.ID)
			continue
		}
		f.ExecutionCount++
		if f.RemainingRepeats == core.RepeatInfinity {
			tk.reschedule(f, prevNext, now)
			requeue = append(requeue, f)
			continue
		}
		if f.RemainingRepeats > 0 {
			f.RemainingRepeats--
			if f.RemainingRepeats == 0 {
				f.Status = core.FormationCompleted
				f.Active = false
				delete(st.byID, f.ID)
				continue
			}
			tk.reschedule(f, prevNext, now)
			requeue = append(requeue, f)
			continue
		}
		f.Status = core.FormationCompleted
		f.Active = false
		delete(st.byID, f.ID)
	}
}

func (tk *TimeKeeper) reschedule(f *Formation, prevNext, now time.Time) {
	interval := time.Duration(f.IntervalMS) * time.Millisecond
	next := prevNext.Add(interval)
	if next.Before(now) {
		next = now
	}
	f.NextExecution = next
}

func panicAsError(r any) error {
	return &callbackPanic{value: r}
}

type callbackPanic struct{ value any }

func (p *callbackPanic) Error() string { return "timekeeper: callback panic" }

// Add schedules a new formation, replacing any existing formation with the
// same id (used by debounce to "replace any pending timer for this
// channel", spec §4.2 step 3).
func (tk *TimeKeeper) Add(spec AddSpec) {
	tk.post(func(st *state) {
		if existing, ok := st.byID[spec.ID]; ok {
			existing.Active = false
		}
		st.nextSeq++
		f := &Formation{
			ID:               spec.ID,
			NextExecution:    spec.FirstAt,
			IntervalMS:       spec.IntervalMS,
			RemainingRepeats: spec.Repeats,
			Active:           true,
			Status:           core.FormationActive,
			Origin:           spec.Origin,
			Priority:         spec.Priority,
			callback:         spec.Callback,
			seq:              st.nextSeq,
		}
		st.byID[spec.ID] = f
		heap.Push(&st.h, f)
	})
}

// Remove cancels a formation; a tick already in progress for it still runs
// to completion (spec §4.5, §5).
func (tk *TimeKeeper) Remove(id string) {
	tk.post(func(st *state) {
		if f, ok := st.byID[id]; ok {
			f.Active = false
			delete(st.byID, id)
		}
	})
}

// Pause marks a formation inactive without removing it from bookkeeping;
// Resume re-arms it. Both are no-ops for unknown ids.
func (tk *TimeKeeper) Pause(id string) {
	tk.post(func(st *state) {
		if f, ok := st.byID[id]; ok {
			f.Active = false
			f.Status = core.FormationPaused
		}
	})
}

func (tk *TimeKeeper) Resume(id string, nextAt time.Time) {
	tk.post(func(st *state) {
		if f, ok := st.byID[id]; ok && f.Status == core.FormationPaused {
			f.Active = true
			f.Status = core.FormationActive
			f.NextExecution = nextAt
			if f.index >= 0 {
				heap.Fix(&st.h, f.index)
			} else {
				heap.Push(&st.h, f)
			}
		}
	})
}

// Status returns a snapshot of every known formation.
func (tk *TimeKeeper) Status() []Formation {
	resultCh := make(chan []Formation, 1)
	tk.post(func(st *state) {
		out := make([]Formation, 0, len(st.byID))
		for _, f := range st.byID {
			out = append(out, f.Snapshot())
		}
		resultCh <- out
	})
	return <-resultCh
}

// post sends cmd to the owning goroutine, silently dropping it if the
// TimeKeeper has already been stopped (mirrors the spec's "shutdown cancels
// every formation" without panicking late callers).
func (tk *TimeKeeper) post(cmd func(*state)) {
	select {
	case tk.commands <- cmd:
	case <-tk.stopCh:
	}
}

// Stop halts the tick loop. In-flight callbacks are allowed to complete;
// Stop blocks until the owning goroutine has exited. Idempotent.
func (tk *TimeKeeper) Stop() {
	tk.stopOnce.Do(func() { close(tk.stopCh) })
	tk.wg.Wait()
}
