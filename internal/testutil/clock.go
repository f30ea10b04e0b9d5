// Package testutil provides shared helpers for deterministic tests.
package testutil

import (
	"sync"
	"time"
)

// DeterministicClock is a thread-safe monotonic counter for tests.
//
// Stores take an injectable `now func() time.Time`; wiring it to a
// DeterministicClock gives every row a distinct, strictly increasing
// timestamp without wall-clock races, so ordering assertions are stable.
type DeterministicClock struct {
	mu  sync.Mutex
	seq int64
}

// NewDeterministicClock creates a clock starting at 0.
// The first call to Next() returns 1.
func NewDeterministicClock() *DeterministicClock {
	return &DeterministicClock{}
}

// Next increments and returns the next sequence number.
func (c *DeterministicClock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// Current returns the current sequence number without incrementing.
func (c *DeterministicClock) Current() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// Reset resets the clock to 0 for test reuse.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq = 0
}

// NowFunc returns a store-compatible clock that yields base plus one
// second per call, in call order.
func NowFunc(base time.Time) func() time.Time {
	c := NewDeterministicClock()
	return func() time.Time {
		return base.Add(time.Duration(c.Next()) * time.Second)
	}
}
