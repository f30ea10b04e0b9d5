package testutil

import (
	"sync"
	"testing"
	"time"
)

func TestDeterministicClock_Monotonic(t *testing.T) {
	c := NewDeterministicClock()
	for want := int64(1); want <= 100; want++ {
		if got := c.Next(); got != want {
			t.Fatalf("Next() = %d, want %d", got, want)
		}
	}
	if c.Current() != 100 {
		t.Errorf("Current() = %d, want 100", c.Current())
	}
}

func TestDeterministicClock_Reset(t *testing.T) {
	c := NewDeterministicClock()
	c.Next()
	c.Next()
	c.Reset()
	if got := c.Next(); got != 1 {
		t.Errorf("Next() after Reset() = %d, want 1", got)
	}
}

func TestDeterministicClock_Concurrent(t *testing.T) {
	c := NewDeterministicClock()
	var wg sync.WaitGroup
	seen := make([]int64, 1000)

	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seen[i] = c.Next()
		}(i)
	}
	wg.Wait()

	unique := make(map[int64]bool)
	for _, v := range seen {
		if unique[v] {
			t.Fatalf("duplicate sequence number %d", v)
		}
		unique[v] = true
	}
}

func TestNowFunc_StrictlyIncreasing(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := NowFunc(base)

	prev := now()
	for i := 0; i < 5; i++ {
		cur := now()
		if !cur.After(prev) {
			t.Fatalf("timestamp %v not after %v", cur, prev)
		}
		prev = cur
	}
}
