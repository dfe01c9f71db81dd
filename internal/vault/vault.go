// Package vault holds cluster connection info, priority-ordered, and
// notifies dependents when the active entry changes or is invalidated.
//
// Writes are serialized under a sync.RWMutex; reads are wait-free once an
// entry exists.
package vault

import (
	"context"
	"errors"
	"sort"
	"sync"

	kopferrors "github.com/kopflow/kopflow/internal/errors"
)

// ConnectionInfo describes one way to reach the cluster API.
type ConnectionInfo struct {
	// ID uniquely identifies this entry so it can be invalidated later.
	ID               string
	Priority         int
	Server           string
	CAData           []byte
	Insecure         bool
	Token            string
	Cert, Key        []byte
	Username         string
	Password         string
	DefaultNamespace string
}

// ErrNoCredentials is returned when the Vault holds no valid entries.
var ErrNoCredentials = errors.New("vault: no credentials available")

// Vault is the credentials store. The zero value is not usable; use New.
type Vault struct {
	mu      sync.RWMutex
	entries map[string]ConnectionInfo
	invalid map[string]bool

	notifyMu sync.Mutex
	watchers []chan struct{}
}

// New returns an empty Vault.
func New() *Vault {
	return &Vault{
		entries: map[string]ConnectionInfo{},
		invalid: map[string]bool{},
	}
}

// Put adds or replaces a connection info entry and marks it valid again,
// then notifies every Watch subscriber.
func (v *Vault) Put(info ConnectionInfo) {
	v.mu.Lock()
	v.entries[info.ID] = info
	delete(v.invalid, info.ID)
	v.mu.Unlock()

	v.notify()
}

// Invalidate marks id's entry as unusable (e.g. after a 401), demoting it
// below any other valid entry regardless of priority, then notifies every
// Watch subscriber so in-flight API sessions can close and re-acquire.
func (v *Vault) Invalidate(id string) {
	v.mu.Lock()
	if _, ok := v.entries[id]; ok {
		v.invalid[id] = true
	}
	v.mu.Unlock()

	v.notify()
}

// Active returns the highest-priority valid entry.
func (v *Vault) Active() (ConnectionInfo, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	var best *ConnectionInfo
	for id, info := range v.entries {
		if v.invalid[id] {
			continue
		}
		if best == nil || info.Priority > best.Priority {
			cp := info
			best = &cp
		}
	}
	if best == nil {
		return ConnectionInfo{}, &kopferrors.LoginError{Reason: ErrNoCredentials.Error()}
	}
	return *best, nil
}

// All returns every entry, valid or not, ordered by descending priority.
// Mainly useful for diagnostics.
func (v *Vault) All() []ConnectionInfo {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make([]ConnectionInfo, 0, len(v.entries))
	for _, info := range v.entries {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Watch returns a channel that receives a value every time the vault's
// active entry changes (a Put or an Invalidate). The channel is closed when
// ctx is done.
func (v *Vault) Watch(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{}, 1)

	v.notifyMu.Lock()
	v.watchers = append(v.watchers, ch)
	v.notifyMu.Unlock()

	go func() {
		<-ctx.Done()
		v.notifyMu.Lock()
		defer v.notifyMu.Unlock()
		for i, w := range v.watchers {
			if w == ch {
				v.watchers = append(v.watchers[:i], v.watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch
}

func (v *Vault) notify() {
	v.notifyMu.Lock()
	defer v.notifyMu.Unlock()
	for _, ch := range v.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
