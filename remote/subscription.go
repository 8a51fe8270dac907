package remote

import (
	"context"
	"sync"
)

// PumpSubscription is a Subscription fed by a producer goroutine. Backends
// build one with NewPumpSubscription, run their producer loop calling Send,
// and call Finish when the producer exits.
type PumpSubscription struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan Event

	mu     sync.Mutex
	err    error
	closed bool
	onStop func()
}

// NewPumpSubscription returns a PumpSubscription scoped to |ctx|. |onStop|,
// if non-nil, is invoked once as the Subscription is Closed.
func NewPumpSubscription(ctx context.Context, buffer int, onStop func()) *PumpSubscription {
	ctx, cancel := context.WithCancel(ctx)
	return &PumpSubscription{
		ctx:    ctx,
		cancel: cancel,
		ch:     make(chan Event, buffer),
		onStop: onStop,
	}
}

// Context is done when the Subscription is Closed or its parent is cancelled.
// Producers must exit upon its cancellation.
func (s *PumpSubscription) Context() context.Context { return s.ctx }

// Send an Event, blocking until it's received or the Subscription is done.
// It returns false if the Subscription is done.
func (s *PumpSubscription) Send(ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Finish is called by the producer as it exits, with the reason it did so.
// It closes the Events channel.
func (s *PumpSubscription) Finish(err error) {
	s.mu.Lock()
	if s.closed {
		err = nil // Ended by Close.
	} else if err == nil {
		err = s.ctx.Err()
	}
	s.err = err
	s.mu.Unlock()

	close(s.ch)
}

// Events implements Subscription.
func (s *PumpSubscription) Events() <-chan Event { return s.ch }

// Err implements Subscription.
func (s *PumpSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements Subscription.
func (s *PumpSubscription) Close() error {
	s.mu.Lock()
	var already = s.closed
	s.closed = true
	s.mu.Unlock()

	if !already {
		s.cancel()
		if s.onStop != nil {
			s.onStop()
		}
	}
	return nil
}
