// Package clock provides the broker's timer service: Now() plus coalesced,
// cancellable scheduled callbacks.
//
// A Service never runs a callback inline on its own timer goroutine. It
// hands the callback to a dispatch function supplied at construction time,
// in production the engine executor's submit method, so fired callbacks
// serialize with every other engine mutation.
package clock

import (
	"sync"
	"time"
)

// Purpose distinguishes the timer kinds a message's lifecycle needs, so
// (id, purpose) uniquely identifies one coalesced timer slot.
type Purpose int

const (
	// PurposeVisibility fires when a hidden message's visibility window
	// elapses, reinserting it into ready (Hidden --timeout-expiry--> Ready).
	PurposeVisibility Purpose = iota
	// PurposeTerminalPurge fires when a delivery-cap-exhausted message's
	// hide window elapses without a delete (TerminalHidden --hide-expiry-->
	// Purged).
	PurposeTerminalPurge
	// PurposeLinger fires at a message's absolute linger deadline,
	// regardless of delivery state (any --linger-expiry--> Purged).
	PurposeLinger
)

// Key identifies one coalesced timer slot.
type Key struct {
	ID      int64
	Purpose Purpose
}

// Service is the broker's timer service. The zero value is not usable; use
// New.
type Service struct {
	mu       sync.Mutex
	timers   map[Key]*time.Timer
	dispatch func(func())
	now      func() time.Time
}

// New creates a timer service that hands fired callbacks to dispatch.
func New(dispatch func(func())) *Service {
	return &Service{
		timers:   make(map[Key]*time.Timer),
		dispatch: dispatch,
		now:      time.Now,
	}
}

// Now returns the current time.
func (s *Service) Now() time.Time {
	return s.now()
}

// Schedule arranges for fn to be dispatched at (or shortly after) at. If a
// timer already exists for key, it is replaced, which makes extending a
// visibility window a plain reschedule.
func (s *Service) Schedule(at time.Time, key Key, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[key]; ok {
		t.Stop()
	}

	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	// The fire callback can't start until this Schedule call releases the
	// mutex, so t is always assigned before the identity check runs.
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		s.mu.Lock()
		// A reschedule or cancel racing with this fire may already have
		// replaced or removed our slot: the superseded callback is dropped,
		// and a replacing timer is left to fire on its own.
		if s.timers[key] != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, key)
		s.mu.Unlock()
		s.dispatch(fn)
	})
	s.timers[key] = t
}

// Cancel stops and forgets the timer for key, if any. No-op if absent.
func (s *Service) Cancel(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[key]; ok {
		t.Stop()
		delete(s.timers, key)
	}
}

// CancelAllForID cancels every purpose's timer for a given message id. Used
// by delete_message_from_id and drain_channel, which must not leave any of a
// removed message's timers pending.
func (s *Service) CancelAllForID(id int64) {
	s.Cancel(Key{ID: id, Purpose: PurposeVisibility})
	s.Cancel(Key{ID: id, Purpose: PurposeTerminalPurge})
	s.Cancel(Key{ID: id, Purpose: PurposeLinger})
}

// Stop cancels every outstanding timer. Intended for shutdown.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, t := range s.timers {
		t.Stop()
		delete(s.timers, key)
	}
}
