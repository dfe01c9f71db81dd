// Package throttle implements interruptible sleeping and per-scope error
// backoff, combining workqueue's exponential failure limiter with a
// token-bucket ceiling via golang.org/x/time/rate.
package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/client-go/util/workqueue"
)

// SleepOrWait sleeps for the shortest of delays (non-positive delays are
// ignored), returning early if wake fires or ctx ends. It returns -1 if the
// sleep ran to completion uninterrupted, or the remaining unslept duration
// otherwise.
func SleepOrWait(ctx context.Context, wake <-chan struct{}, delays ...time.Duration) time.Duration {
	var minimal time.Duration = -1
	for _, d := range delays {
		if d <= 0 {
			continue
		}
		if minimal < 0 || d < minimal {
			minimal = d
		}
	}
	if minimal <= 0 {
		return -1
	}

	start := time.Now()
	timer := time.NewTimer(minimal)
	defer timer.Stop()

	select {
	case <-timer.C:
		return -1
	case <-wake:
		return minimal - time.Since(start)
	case <-ctx.Done():
		return minimal - time.Since(start)
	}
}

// state is one scope's throttling window: an active-until deadline and the
// last delay actually used.
type state struct {
	activeUntil *time.Time
	lastUsed    *time.Duration
}

// Throttler tracks per-scope backoff windows. Each window's delay is the
// larger of a per-scope exponential-failure delay and the delay of a
// token-bucket rate limiter shared across all scopes.
type Throttler struct {
	mu     sync.Mutex
	states map[string]*state

	ratelimiter workqueue.TypedRateLimiter[string]
}

// New returns a Throttler whose escalating per-scope delay is the larger of
// an exponential failure backoff (base..max) and a steady-state ceiling of
// ceiling events/sec with the given burst.
func New(base, max time.Duration, ceiling rate.Limit, burst int) *Throttler {
	rl := workqueue.NewTypedMaxOfRateLimiter(
		workqueue.NewTypedItemExponentialFailureRateLimiter[string](base, max),
		&workqueue.TypedBucketRateLimiter[string]{Limiter: rate.NewLimiter(ceiling, burst)},
	)
	return &Throttler{states: map[string]*state{}, ratelimiter: rl}
}

func (t *Throttler) stateFor(scope string) *state {
	s, ok := t.states[scope]
	if !ok {
		s = &state{}
		t.states[scope] = s
	}
	return s
}

// Active reports whether scope is currently inside a throttling window.
func (t *Throttler) Active(scope string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.states[scope]
	return s != nil && s.activeUntil != nil && s.activeUntil.After(time.Now())
}

// Wait blocks until scope's active throttling window, if any, has elapsed
// (interruptible via wake/ctx). Call it before attempting scope's operation
// again; it is a no-op when no window is active.
func (t *Throttler) Wait(ctx context.Context, scope string, wake <-chan struct{}) {
	t.mu.Lock()
	s := t.stateFor(scope)
	until := s.activeUntil
	t.mu.Unlock()

	if until == nil {
		return
	}
	remaining := time.Until(*until)
	if SleepOrWait(ctx, wake, remaining) < 0 {
		t.mu.Lock()
		s.activeUntil = nil
		t.mu.Unlock()
	}
}

// Fail records a failure in scope, escalating its throttling window to the
// next delay: the larger of the exponential delay (capped at max) and the
// shared token-bucket delay.
func (t *Throttler) Fail(scope string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	delay := t.ratelimiter.When(scope)
	s := t.stateFor(scope)
	s.lastUsed = &delay
	until := time.Now().Add(delay)
	s.activeUntil = &until
	return delay
}

// Succeed clears scope's throttling window and resets its backoff sequence.
func (t *Throttler) Succeed(scope string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, scope)
	t.ratelimiter.Forget(scope)
}
