package timekeeper

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/neuralline/cyre-sub007/internal/core"
)

func fastTick() time.Duration { return 5 * time.Millisecond }

func TestOneShotFires(t *testing.T) {
	tk := New(fastTick)
	defer tk.Stop()

	var fired int32
	tk.Add(AddSpec{
		ID:      "one",
		FirstAt: time.Now(),
		Repeats: 0,
		Callback: func(now time.Time) error {
			atomic.AddInt32(&fired, 1)
			return nil
		},
	})

	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 1 {
		t.Fatalf("expected exactly 1 firing, got %d", fired)
	}
	st := tk.Status()
	for _, f := range st {
		if f.ID == "one" {
			t.Fatalf("expected one-shot formation to be gone after completion")
		}
	}
}

func TestRepeatingFormationReschedules(t *testing.T) {
	tk := New(fastTick)
	defer tk.Stop()

	var count int32
	tk.Add(AddSpec{
		ID:         "rep",
		FirstAt:    time.Now(),
		IntervalMS: 10,
		Repeats:    core.RepeatInfinity,
		Callback: func(now time.Time) error {
			atomic.AddInt32(&count, 1)
			return nil
		},
	})

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&count) < 3 {
		t.Fatalf("expected at least 3 firings, got %d", count)
	}
	tk.Remove("rep")
}

func TestRemoveCancelsFutureFirings(t *testing.T) {
	tk := New(fastTick)
	defer tk.Stop()

	var count int32
	tk.Add(AddSpec{
		ID:         "cancel-me",
		FirstAt:    time.Now().Add(20 * time.Millisecond),
		IntervalMS: 10,
		Repeats:    core.RepeatInfinity,
		Callback: func(now time.Time) error {
			atomic.AddInt32(&count, 1)
			return nil
		},
	})
	tk.Remove("cancel-me")
	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&count) != 0 {
		t.Fatalf("expected 0 firings after removal, got %d", count)
	}
}

func TestAddReplacesExistingID(t *testing.T) {
	tk := New(fastTick)
	defer tk.Stop()

	var firstCount, secondCount int32
	tk.Add(AddSpec{
		ID:      "dup",
		FirstAt: time.Now().Add(30 * time.Millisecond),
		Callback: func(now time.Time) error {
			atomic.AddInt32(&firstCount, 1)
			return nil
		},
	})
	tk.Add(AddSpec{
		ID:      "dup",
		FirstAt: time.Now().Add(5 * time.Millisecond),
		Callback: func(now time.Time) error {
			atomic.AddInt32(&secondCount, 1)
			return nil
		},
	})

	time.Sleep(80 * time.Millisecond)
	if atomic.LoadInt32(&firstCount) != 0 {
		t.Fatalf("expected replaced formation never to fire, got %d", firstCount)
	}
	if atomic.LoadInt32(&secondCount) != 1 {
		t.Fatalf("expected replacement formation to fire once, got %d", secondCount)
	}
}

func TestPauseResume(t *testing.T) {
	tk := New(fastTick)
	defer tk.Stop()

	var count int32
	tk.Add(AddSpec{
		ID:         "pr",
		FirstAt:    time.Now().Add(5 * time.Millisecond),
		IntervalMS: 10,
		Repeats:    core.RepeatInfinity,
		Callback: func(now time.Time) error {
			atomic.AddInt32(&count, 1)
			return nil
		},
	})
	time.Sleep(25 * time.Millisecond)
	tk.Pause("pr")
	afterPause := atomic.LoadInt32(&count)
	time.Sleep(40 * time.Millisecond)
	if atomic.LoadInt32(&count) != afterPause {
		t.Fatalf("expected no firings while paused")
	}
	tk.Resume("pr", time.Now())
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&count) <= afterPause {
		t.Fatalf("expected firings to resume")
	}
}

func TestErrorStopsFormation(t *testing.T) {
	tk := New(fastTick)
	defer tk.Stop()

	var count int32
	tk.Add(AddSpec{
		ID:         "erroring",
		FirstAt:    time.Now(),
		IntervalMS: 10,
		Repeats:    core.RepeatInfinity,
		Callback: func(now time.Time) error {
			atomic.AddInt32(&count, 1)
			return assertError{}
		},
	})
	time.Sleep(60 * time.Millisecond)
	got := atomic.LoadInt32(&count)
	if got != 1 {
		t.Fatalf("expected exactly 1 attempt before the formation self-terminates, got %d", got)
	}
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

func TestPriorityBreaksTiesAtSameTick(t *testing.T) {
	tk := New(fastTick)
	defer tk.Stop()

	order := make(chan string, 2)
	at := time.Now().Add(5 * time.Millisecond)
	tk.Add(AddSpec{ID: "low", FirstAt: at, Priority: core.PriorityLow, Callback: func(now time.Time) error {
		order <- "low"
		return nil
	}})
	tk.Add(AddSpec{ID: "critical", FirstAt: at, Priority: core.PriorityCritical, Callback: func(now time.Time) error {
		order <- "critical"
		return nil
	}})

	first := <-order
	second := <-order
	if first != "critical" || second != "low" {
		t.Fatalf("expected critical before low, got %s then %s", first, second)
	}
}
