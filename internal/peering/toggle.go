package peering

import (
	"context"
	"sync"
)

// Toggle is a thread-safe boolean with a way to wait for it to change.
// The zero value is off; use NewToggle to set an initial state.
type Toggle struct {
	mu      sync.RWMutex
	on      bool
	waiters []chan struct{}
}

// NewToggle returns a Toggle starting at the given state.
func NewToggle(initial bool) *Toggle {
	return &Toggle{on: initial}
}

// IsOn reports the toggle's current state.
func (t *Toggle) IsOn() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.on
}

// TurnOn sets the toggle on and wakes every waiter, if it was off.
func (t *Toggle) TurnOn() { t.set(true) }

// TurnOff sets the toggle off and wakes every waiter, if it was on.
func (t *Toggle) TurnOff() { t.set(false) }

func (t *Toggle) set(v bool) {
	t.mu.Lock()
	changed := t.on != v
	t.on = v
	var waiters []chan struct{}
	if changed {
		waiters = t.waiters
		t.waiters = nil
	}
	t.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// Wait blocks until the toggle's state next changes or ctx is done. It
// returns the new state and true, or the zero value and false if ctx ended
// first.
func (t *Toggle) Wait(ctx context.Context) (bool, bool) {
	t.mu.Lock()
	ch := make(chan struct{})
	t.waiters = append(t.waiters, ch)
	t.mu.Unlock()

	select {
	case <-ch:
		return t.IsOn(), true
	case <-ctx.Done():
		return false, false
	}
}
