package companion

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Subscription is the handle of one running broadcast listener.
type Subscription struct {
	ID     uuid.UUID
	cancel context.CancelFunc
	done   <-chan struct{}
}

// NewSubscription wraps a listener started with cancel and reporting its end
// on done.
func NewSubscription(cancel context.CancelFunc, done <-chan struct{}) *Subscription {
	return &Subscription{ID: uuid.New(), cancel: cancel, done: done}
}

// Done is closed once the listener has returned.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Dispose cancels the listener and waits for it to return. Safe to call
// more than once.
func (s *Subscription) Dispose() {
	s.cancel()
	<-s.done
}

// SubscriptionSlot holds at most one active Subscription.
type SubscriptionSlot struct {
	mu      sync.Mutex
	current *Subscription
}

// Replace installs sub and disposes the previous subscription, if any. The
// previous listener has fully stopped when Replace returns.
func (s *SubscriptionSlot) Replace(sub *Subscription) {
	s.mu.Lock()
	prev := s.current
	s.current = sub
	s.mu.Unlock()

	if prev != nil {
		prev.Dispose()
	}
}

// Release disposes and clears the current subscription. It reports whether
// there was one.
func (s *SubscriptionSlot) Release() bool {
	s.mu.Lock()
	prev := s.current
	s.current = nil
	s.mu.Unlock()

	if prev == nil {
		return false
	}
	prev.Dispose()
	return true
}

// ReleaseIf clears the slot only if sub is still the current subscription.
// Used by a listener that ended on its own.
func (s *SubscriptionSlot) ReleaseIf(sub *Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != sub {
		return false
	}
	s.current = nil
	return true
}

// Current returns the active subscription or nil.
func (s *SubscriptionSlot) Current() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}
