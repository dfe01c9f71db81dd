// Package watch runs one long-lived watch stream per (namespace, resource)
// dimension, delivering every event to the Queue Multiplexer.
//
// It LISTs and seeds synthetic ADDED events before switching to WATCH, and
// deliberately avoids any local cache: the raw event stream itself is what
// downstream needs, since per-object coalescing is the Queue Multiplexer's
// job (internal/queue), not this package's.
package watch

import (
	"context"
	"errors"
	"time"

	kopferrors "github.com/kopflow/kopflow/internal/errors"
	"github.com/kopflow/kopflow/internal/peering"
	"github.com/kopflow/kopflow/pkg/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	apiwatch "k8s.io/apimachinery/pkg/watch"
	"k8s.io/klog/v2"
)

// Event is a single change delivered downstream to the Queue Multiplexer.
type Event struct {
	Type            apiwatch.EventType
	Object          *unstructured.Unstructured
	ResourceVersion string
	Resource        resource.Descriptor
}

// Source is the subset of the API Client a Watcher needs.
type Source interface {
	ListObjs(ctx context.Context, d resource.Descriptor, namespace string) ([]unstructured.Unstructured, string, error)
	WatchObjs(ctx context.Context, d resource.Descriptor, namespace, resourceVersion string) (apiwatch.Interface, error)
}

// Backoff is the subset of the Throttler a Watcher uses to pace restarts
// after a stream error.
type Backoff interface {
	Fail(scope string) time.Duration
	Succeed(scope string)
	Wait(ctx context.Context, scope string, wake <-chan struct{})
}

// Watcher owns one dimension's stream: LIST to seed, then WATCH from the
// observed resourceVersion, re-LISTing on 410 and backing off on any other
// stream error. A non-nil Freeze toggle pauses delivery between events.
type Watcher struct {
	Source    Source
	Resource  resource.Descriptor
	Namespace string
	Out       chan<- Event
	Freeze    *peering.Toggle
	Backoff   Backoff
	Logger    klog.Logger

	// ClientTimeout bounds how long a single watch stream is allowed to
	// run before it is abandoned and restarted from the last seen
	// resourceVersion, guarding against a stream that never errors but
	// also stops delivering events. Zero means no client-side timeout.
	ClientTimeout time.Duration
}

// Run drives the watcher until ctx is done. It never returns early on
// recoverable errors; only ctx cancellation stops it.
func (w *Watcher) Run(ctx context.Context) {
	scope := w.Resource.String() + "@" + w.Namespace

	haveResourceVersion := false
	var resourceVersion string

	for ctx.Err() == nil {
		if w.Freeze != nil {
			w.waitUnfrozen(ctx)
			if ctx.Err() != nil {
				return
			}
		}

		if !haveResourceVersion {
			rv, err := w.listAndSeed(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logError(err, "list failed")
				w.Backoff.Fail(scope)
				w.Backoff.Wait(ctx, scope, nil)
				continue
			}
			resourceVersion = rv
			haveResourceVersion = true
		}

		lastSeen, err := w.streamFrom(ctx, resourceVersion)
		if lastSeen != "" {
			resourceVersion = lastSeen
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			var gone *kopferrors.GoneError
			if errors.As(err, &gone) {
				haveResourceVersion = false
				continue
			}
			w.logError(err, "watch stream failed")
			w.Backoff.Fail(scope)
			w.Backoff.Wait(ctx, scope, nil)
			continue
		}

		w.Backoff.Succeed(scope)
		// Stream ended cleanly (server-side timeout); restart it from the
		// last known resourceVersion without re-listing.
	}
}

func (w *Watcher) waitUnfrozen(ctx context.Context) {
	for w.Freeze.IsOn() {
		if _, ok := w.Freeze.Wait(ctx); !ok {
			return
		}
	}
}

func (w *Watcher) listAndSeed(ctx context.Context) (string, error) {
	items, rv, err := w.Source.ListObjs(ctx, w.Resource, w.Namespace)
	if err != nil {
		return "", err
	}
	for i := range items {
		if !w.deliver(ctx, Event{Type: apiwatch.Added, Object: &items[i], ResourceVersion: rv, Resource: w.Resource}) {
			return rv, ctx.Err()
		}
	}
	return rv, nil
}

func (w *Watcher) streamFrom(ctx context.Context, resourceVersion string) (string, error) {
	if w.ClientTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.ClientTimeout)
		defer cancel()
	}

	stream, err := w.Source.WatchObjs(ctx, w.Resource, w.Namespace, resourceVersion)
	if err != nil {
		return "", err
	}
	defer stream.Stop()

	lastSeen := resourceVersion
	for {
		select {
		case <-ctx.Done():
			return lastSeen, nil
		case ev, ok := <-stream.ResultChan():
			if !ok {
				return lastSeen, nil
			}
			if ev.Type == apiwatch.Error {
				return lastSeen, statusError(ev)
			}
			obj, ok := ev.Object.(*unstructured.Unstructured)
			if !ok {
				continue
			}
			lastSeen = obj.GetResourceVersion()
			if !w.deliver(ctx, Event{Type: ev.Type, Object: obj, ResourceVersion: lastSeen, Resource: w.Resource}) {
				return lastSeen, nil
			}
			if w.Freeze != nil && w.Freeze.IsOn() {
				return lastSeen, nil
			}
		}
	}
}

// deliver sends ev to Out, blocking (applying backpressure) until either it
// is accepted or ctx ends. It returns false when ctx ended first.
func (w *Watcher) deliver(ctx context.Context, ev Event) bool {
	select {
	case w.Out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Watcher) logError(err error, msg string) {
	w.Logger.Error(err, msg, "resource", w.Resource.String(), "namespace", w.Namespace)
}

func statusError(ev apiwatch.Event) error {
	if status, ok := ev.Object.(*metav1.Status); ok {
		return errors.New(status.Message)
	}
	return errors.New("watch: unknown stream error")
}
