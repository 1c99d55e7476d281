// Package ringchan provides a bounded, overwrite-oldest channel used to hand
// events from callback threads that must never block to a single consumer.
package ringchan

import (
	"sync"
	"sync/atomic"
)

// RingChannel is a bounded channel-like buffer with overwrite-oldest semantics.
//
// Producers never block: when the buffer is full the oldest element is
// discarded. Sends after Close are dropped instead of panicking, so late
// callbacks during shutdown are harmless.
//
//	rc := ringchan.New[Event](64)
//	rc.Send(ev)            // from any goroutine
//	for ev := range rc.C() // single consumer
type RingChannel[T any] struct {
	mu      sync.Mutex
	ch      chan T
	closed  bool
	metrics Metrics
}

// New creates a RingChannel with the given capacity.
func New[T any](capacity int) *RingChannel[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &RingChannel[T]{ch: make(chan T, capacity)}
}

// C returns the receive side. It is closed by Close.
func (rc *RingChannel[T]) C() <-chan T {
	return rc.ch
}

// Send inserts v, discarding the oldest element if the buffer is full.
// It reports false if the channel is already closed.
func (rc *RingChannel[T]) Send(v T) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.closed {
		rc.metrics.Dropped.Add(1)
		return false
	}

	for {
		select {
		case rc.ch <- v:
			rc.metrics.Written.Add(1)
			return true
		default:
		}
		select {
		case <-rc.ch:
			rc.metrics.Overwritten.Add(1)
		default:
		}
	}
}

// Len returns the number of buffered elements.
func (rc *RingChannel[T]) Len() int {
	return len(rc.ch)
}

// Cap returns the channel capacity.
func (rc *RingChannel[T]) Cap() int {
	return cap(rc.ch)
}

// Close closes the receive side. Calling Close more than once is a no-op.
func (rc *RingChannel[T]) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.ch)
}

// Stats returns a snapshot of the counters.
func (rc *RingChannel[T]) Stats() Stats {
	return Stats{
		Written:     rc.metrics.Written.Load(),
		Overwritten: rc.metrics.Overwritten.Load(),
		Dropped:     rc.metrics.Dropped.Load(),
	}
}

// Metrics holds lock-free counters for a RingChannel.
type Metrics struct {
	Written     atomic.Int64
	Overwritten atomic.Int64
	Dropped     atomic.Int64
}

// Stats is a point-in-time copy of Metrics.
type Stats struct {
	Written     int64
	Overwritten int64
	Dropped     int64
}
