// Package queue implements the Queue Multiplexer: one coalesced FIFO slot
// per object UID, fed by any number of Watchers, drained by a worker pool.
//
// A workqueue.TypedRateLimitingInterface[K] already guarantees that the
// same key is never handed to two workers at once, which is exactly the
// per-object sequential guarantee this component needs: keyed by the
// object's UID, coalescing to the latest known state per UID rather than
// delivering one event per enqueue.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/kopflow/kopflow/internal/watch"
	"k8s.io/apimachinery/pkg/types"
	apiwatch "k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"
)

// Handler processes the latest known state for one object. The Queue
// Multiplexer calls it strictly sequentially per UID; calls for distinct
// UIDs may run concurrently.
type Handler func(ctx context.Context, latest watch.Event)

type slot struct {
	mu           sync.Mutex
	latest       watch.Event
	hasLatest    bool
	lastActivity time.Time
}

// Multiplexer coalesces per-dimension watch streams into one FIFO per
// object UID. New events replace the "latest known" slot for their UID;
// a worker that picks up that UID always sees only the most recent state,
// never a backlog of every intermediate one. BOOKMARK events update only
// the caller's notion of stream position (tracked upstream by the Watcher)
// and never touch a slot or wake a worker.
type Multiplexer struct {
	mu    sync.Mutex
	slots map[types.UID]*slot

	queue       workqueue.TypedRateLimitingInterface[types.UID]
	handler     Handler
	idleTimeout time.Duration
	logger      klog.Logger

	// BatchWindow, when positive, coalesces bursts of events per object
	// over that window before the UID reaches a worker, instead of
	// dispatching on every Push. Zero (the default) dispatches immediately,
	// matching prior behavior.
	BatchWindow time.Duration
}

// New returns a Multiplexer that calls handler for each object's latest
// state and evicts a UID's slot after idleTimeout with no new events.
func New(handler Handler, idleTimeout time.Duration, logger klog.Logger) *Multiplexer {
	rl := workqueue.DefaultTypedControllerRateLimiter[types.UID]()
	return &Multiplexer{
		slots:       map[types.UID]*slot{},
		queue:       workqueue.NewTypedRateLimitingQueue[types.UID](rl),
		handler:     handler,
		idleTimeout: idleTimeout,
		logger:      logger,
	}
}

// Push delivers one raw event from a Watcher.
func (m *Multiplexer) Push(ev watch.Event) {
	if ev.Type == apiwatch.Bookmark {
		return
	}
	if ev.Object == nil {
		return
	}
	uid := types.UID(ev.Object.GetUID())
	if uid == "" {
		return
	}

	m.mu.Lock()
	s, ok := m.slots[uid]
	if !ok {
		s = &slot{}
		m.slots[uid] = s
	}
	m.mu.Unlock()

	s.mu.Lock()
	s.latest = ev
	s.hasLatest = true
	s.lastActivity = time.Now()
	s.mu.Unlock()

	if m.BatchWindow > 0 {
		m.queue.AddAfter(uid, m.BatchWindow)
		return
	}
	m.queue.Add(uid)
}

// Run starts workers workers and an idle-eviction loop, blocking until ctx
// is done and every worker has exited.
func (m *Multiplexer) Run(ctx context.Context, workers int) {
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.worker(ctx)
		}()
	}

	go m.evictIdle(ctx)

	<-ctx.Done()
	m.queue.ShutDown()
	wg.Wait()
}

func (m *Multiplexer) worker(ctx context.Context) {
	for {
		uid, shutdown := m.queue.Get()
		if shutdown {
			return
		}
		m.process(ctx, uid)
		m.queue.Done(uid)
	}
}

func (m *Multiplexer) process(ctx context.Context, uid types.UID) {
	m.mu.Lock()
	s, ok := m.slots[uid]
	m.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	ev := s.latest
	has := s.hasLatest
	s.hasLatest = false
	s.mu.Unlock()

	if !has {
		return
	}

	m.handler(ctx, ev)
	m.queue.Forget(uid)
}

// evictIdle periodically removes slots that have had no new event for
// idleTimeout and are not currently holding an unprocessed state, so the
// slot map does not grow unbounded as objects are deleted.
func (m *Multiplexer) evictIdle(ctx context.Context) {
	interval := m.idleTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Multiplexer) sweep() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for uid, s := range m.slots {
		s.mu.Lock()
		idle := !s.hasLatest && now.Sub(s.lastActivity) > m.idleTimeout
		s.mu.Unlock()
		if idle {
			delete(m.slots, uid)
		}
	}
}

// ActiveSlots reports how many object UIDs currently have a tracked slot,
// mainly for tests and diagnostics.
func (m *Multiplexer) ActiveSlots() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}
