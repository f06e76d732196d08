package store

import (
	"sync"
	"testing"
)

func TestMapBasics(t *testing.T) {
	m := New[int]()
	if _, ok := m.Get("a"); ok {
		t.Fatalf("expected empty map miss")
	}
	m.Set("a", 1)
	v, ok := m.Get("a")
	if !ok || v != 1 {
		t.Fatalf("expected a=1, got %v ok=%v", v, ok)
	}
	m.Set("a", 2)
	v, _ = m.Get("a")
	if v != 2 {
		t.Fatalf("expected replace to win, got %v", v)
	}
	m.Forget("a")
	if _, ok := m.Get("a"); ok {
		t.Fatalf("expected forget to remove entry")
	}
	m.Forget("a") // idempotent
}

func TestMapGetAllIsSnapshot(t *testing.T) {
	m := New[int]()
	m.Set("a", 1)
	m.Set("b", 2)
	snap := m.GetAll()
	m.Set("c", 3)
	if len(snap) != 2 {
		t.Fatalf("expected snapshot to have 2 entries, got %d", len(snap))
	}
	if m.Len() != 3 {
		t.Fatalf("expected live map to have 3 entries, got %d", m.Len())
	}
}

func TestMapClear(t *testing.T) {
	m := New[int]()
	m.Set("a", 1)
	m.Set("b", 2)
	m.Clear()
	if m.Len() != 0 {
		t.Fatalf("expected clear to empty map")
	}
}

func TestMapConcurrentAccess(t *testing.T) {
	m := New[int]()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m.Set("k", i)
			m.Get("k")
		}(i)
	}
	wg.Wait()
}
