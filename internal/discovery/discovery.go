// Package discovery tracks which namespaces and resource kinds the operator
// must watch, and keeps per-dimension watchers started and stopped to match.
//
// A namespace watcher and a CRD watcher both feed into Adjust, which spawns
// one watcher per (namespace, resource) pair in the Cartesian product of
// the live dimensions, and tears down any pair that disappears. Every
// served version of a discovered CRD becomes its own resource dimension,
// not just the first.
package discovery

import (
	"context"
	"path"
	"sync"

	"github.com/kopflow/kopflow/pkg/resource"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/watch"
)

// Dimensions is the live, thread-safe set of namespaces and resource kinds
// that together define the Cartesian product of watchers to run.
type Dimensions struct {
	mu         sync.RWMutex
	namespaces map[string]struct{}
	resources  map[resource.Descriptor]struct{}
}

// NewDimensions returns an empty Dimensions set.
func NewDimensions() *Dimensions {
	return &Dimensions{
		namespaces: map[string]struct{}{},
		resources:  map[resource.Descriptor]struct{}{},
	}
}

// AddNamespace adds ns ("" means cluster-wide) to the live set.
func (d *Dimensions) AddNamespace(ns string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.namespaces[ns] = struct{}{}
}

// RemoveNamespace removes ns from the live set.
func (d *Dimensions) RemoveNamespace(ns string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.namespaces, ns)
}

// AddResource adds r to the live set.
func (d *Dimensions) AddResource(r resource.Descriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resources[r] = struct{}{}
}

// RemoveResource removes r from the live set.
func (d *Dimensions) RemoveResource(r resource.Descriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.resources, r)
}

// Snapshot returns copies of the current namespaces and resources, safe to
// range over without holding any lock.
func (d *Dimensions) Snapshot() ([]string, []resource.Descriptor) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ns := make([]string, 0, len(d.namespaces))
	for n := range d.namespaces {
		ns = append(ns, n)
	}
	rs := make([]resource.Descriptor, 0, len(d.resources))
	for r := range d.resources {
		rs = append(rs, r)
	}
	return ns, rs
}

// DimensionKey identifies one (namespace, resource) watcher slot. Namespace
// == "" watches the resource cluster-wide.
type DimensionKey struct {
	Namespace string
	Resource  resource.Descriptor
}

// StartFunc starts a watcher for one dimension, returning a function that
// stops it. Implementations run their own goroutine and must return
// promptly; Adjust blocks on neither start nor stop.
type StartFunc func(ctx context.Context, key DimensionKey) (stop func())

// Manager owns the set of active per-dimension watchers and keeps them in
// sync with a Dimensions set across repeated calls to Adjust.
type Manager struct {
	mu     sync.Mutex
	start  StartFunc
	active map[DimensionKey]func()
}

// NewManager returns a Manager that starts watchers via start.
func NewManager(start StartFunc) *Manager {
	return &Manager{start: start, active: map[DimensionKey]func(){}}
}

// Adjust starts watchers for every (namespace, resource) pair that is new
// in dims and stops watchers for every pair that is no longer present.
func (m *Manager) Adjust(ctx context.Context, dims *Dimensions) {
	namespaces, resources := dims.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()

	wanted := make(map[DimensionKey]struct{}, len(namespaces)*len(resources))
	for _, ns := range namespaces {
		for _, r := range resources {
			key := DimensionKey{Namespace: ns, Resource: r}
			wanted[key] = struct{}{}
			if _, ok := m.active[key]; !ok {
				m.active[key] = m.start(ctx, key)
			}
		}
	}

	for key, stop := range m.active {
		if _, ok := wanted[key]; !ok {
			stop()
			delete(m.active, key)
		}
	}
}

// ActiveCount reports how many dimension watchers are currently running.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// StopAll stops every active watcher, e.g. on operator shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, stop := range m.active {
		stop()
		delete(m.active, key)
	}
}

// HandlerMatcher reports whether any registered handler cares about a given
// resource kind, so that discovery does not start watchers for kinds no
// handler is interested in. internal/registry.Registry implements this.
type HandlerMatcher interface {
	HasHandlers(d resource.Descriptor) bool
}

// HandleNamespaceEvent applies a namespace ADDED/MODIFIED/DELETED event to
// dims, matching the namespace's name against the operator's configured
// namespace patterns (fnmatch-style globs; "" in patterns means the whole
// cluster). It returns true if the set of dimensions changed.
func HandleNamespaceEvent(dims *Dimensions, eventType watch.EventType, namespaceName string, patterns []string) bool {
	cluster := false
	matches := false
	for _, p := range patterns {
		if p == "" {
			cluster = true
			continue
		}
		if ok, _ := path.Match(p, namespaceName); ok {
			matches = true
		}
	}
	matches = matches || cluster

	if eventType == watch.Deleted {
		dims.mu.Lock()
		_, had := dims.namespaces[namespaceName]
		delete(dims.namespaces, namespaceName)
		dims.mu.Unlock()
		return had
	}

	if !matches {
		return false
	}
	dims.mu.Lock()
	_, had := dims.namespaces[namespaceName]
	dims.namespaces[namespaceName] = struct{}{}
	dims.mu.Unlock()
	return !had
}

// CRDServedVersions extracts (group, version, plural) for every version the
// CRD marks as served. Unreadable or malformed CRDs yield no resources.
func CRDServedVersions(obj *unstructured.Unstructured) []resource.Descriptor {
	group, _, _ := unstructured.NestedString(obj.Object, "spec", "group")
	plural, _, _ := unstructured.NestedString(obj.Object, "spec", "names", "plural")
	versions, _, _ := unstructured.NestedSlice(obj.Object, "spec", "versions")

	var out []resource.Descriptor
	for _, v := range versions {
		vm, ok := v.(map[string]interface{})
		if !ok {
			continue
		}
		served, _ := vm["served"].(bool)
		name, _ := vm["name"].(string)
		if !served || name == "" {
			continue
		}
		out = append(out, resource.New(group, name, plural))
	}
	return out
}

// HandleCRDEvent applies a CRD ADDED/MODIFIED/DELETED event to dims,
// restricted to resources that matcher reports handlers for. It returns
// true if the set of dimensions changed.
func HandleCRDEvent(dims *Dimensions, eventType watch.EventType, obj *unstructured.Unstructured, matcher HandlerMatcher) bool {
	resources := CRDServedVersions(obj)
	changed := false

	for _, r := range resources {
		if matcher != nil && !matcher.HasHandlers(r) {
			continue
		}
		if eventType == watch.Deleted {
			dims.mu.Lock()
			_, had := dims.resources[r]
			delete(dims.resources, r)
			dims.mu.Unlock()
			changed = changed || had
			continue
		}
		dims.mu.Lock()
		_, had := dims.resources[r]
		dims.resources[r] = struct{}{}
		dims.mu.Unlock()
		changed = changed || !had
	}
	return changed
}
