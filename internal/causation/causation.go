// Package causation classifies a raw watch event into a semantic Cause,
// given the object's prior progress state, per the precedence table: a
// deletion with the operator's finalizer still present always wins, then
// digest freshness distinguishes create from update, then resume, timer,
// and raw event in that order.
package causation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/kopflow/kopflow/internal/progress"
	"github.com/kopflow/kopflow/pkg/diff"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Reason is the semantic classification of a reconciliation pass.
type Reason string

const (
	ReasonCreate      Reason = "create"
	ReasonUpdate      Reason = "update"
	ReasonDelete      Reason = "delete"
	ReasonResume      Reason = "resume"
	ReasonTimer       Reason = "timer"
	ReasonEvent       Reason = "event"
	ReasonDaemonStart Reason = "daemon-start"
	ReasonDaemonStop  Reason = "daemon-stop"
)

// lifecycleMarker is the progress-store id under which this package tracks
// whether an object's create cycle has ever completed, distinct from any
// individual handler's own progress entry.
const lifecycleMarker = "kopflow:lifecycle"

// Cause is the semantic classification of one reconciliation pass over an
// object, threaded through Registry matching and the Handler Runner.
type Cause struct {
	Reason Reason
	Body   *unstructured.Unstructured
	Patch  map[string]interface{}
	Diff   diff.Diff
	Old    map[string]interface{}
	New    map[string]interface{}
	Memo   map[string]interface{}
	Retry  int
}

// Digest hashes the object's essential state: spec plus the metadata
// fields that change its meaning to handlers (labels, annotations,
// finalizers). Any other metadata change (resourceVersion, managedFields,
// status) must not perturb it.
func Digest(obj *unstructured.Unstructured) string {
	raw, _ := json.Marshal(essentialOf(obj))
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// EssentialOf exposes the same essential snapshot Classify and Digest
// compute internally, for callers that need to cache it between calls (the
// orchestrator keeps one per object UID to diff future updates against).
func EssentialOf(obj *unstructured.Unstructured) map[string]interface{} {
	return essentialOf(obj)
}

func essentialOf(obj *unstructured.Unstructured) map[string]interface{} {
	spec, _, _ := unstructured.NestedMap(obj.Object, "spec")
	return map[string]interface{}{
		"spec":        spec,
		"labels":      toInterfaceMap(obj.GetLabels()),
		"annotations": toInterfaceMap(obj.GetAnnotations()),
		"finalizers":  obj.GetFinalizers(),
	}
}

func toInterfaceMap(m map[string]string) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Input bundles everything Classify needs beyond the live object itself.
type Input struct {
	Body             *unstructured.Unstructured
	Progress         *progress.Store
	FinalizerPresent bool

	// OperatorJustStarted marks this as the operator's first pass over an
	// object it finds already existing (a restart, not a fresh watch seed).
	OperatorJustStarted bool

	// TimerDue is set when a registered timer's interval has elapsed.
	TimerDue bool

	// RawEventRequested is set when an on.event registration asked to see
	// this raw event regardless of spec/status changes.
	RawEventRequested bool

	// PriorEssential is the last essential snapshot seen (spec + selected
	// metadata) to diff against for update causes. Nil on a fresh object.
	PriorEssential map[string]interface{}
}

// Classify derives a Cause from the live object and prior progress state.
// It returns nil when nothing warrants invoking handlers this pass.
func Classify(in Input) *Cause {
	if in.Body.GetDeletionTimestamp() != nil && in.FinalizerPresent {
		return &Cause{Reason: ReasonDelete, Body: in.Body, Patch: in.Progress.Patch}
	}

	newEssential := essentialOf(in.Body)
	digest := Digest(in.Body)
	stored := in.Progress.GetStoredDigest()
	fresh := digest != stored

	if fresh {
		createDone := in.Progress.IsFinished(lifecycleMarker)
		if !createDone {
			in.Progress.SetStoredDigest(digest)
			return &Cause{Reason: ReasonCreate, Body: in.Body, Patch: in.Progress.Patch, New: newEssential}
		}

		d := diff.Of(in.PriorEssential, newEssential)
		if len(d) > 0 {
			in.Progress.SetStoredDigest(digest)
			return &Cause{
				Reason: ReasonUpdate, Body: in.Body, Patch: in.Progress.Patch,
				Diff: d, Old: in.PriorEssential, New: newEssential,
			}
		}
	}

	if in.OperatorJustStarted && !in.Progress.IsStarted(lifecycleMarker) {
		return &Cause{Reason: ReasonResume, Body: in.Body, Patch: in.Progress.Patch, New: newEssential}
	}

	if in.TimerDue {
		return &Cause{Reason: ReasonTimer, Body: in.Body, Patch: in.Progress.Patch}
	}

	if in.RawEventRequested {
		return &Cause{Reason: ReasonEvent, Body: in.Body, Patch: in.Progress.Patch}
	}

	return nil
}

// MarkLifecycleStarted and MarkLifecycleDone bracket the create cycle in
// the progress store so future passes can tell create apart from update.
func MarkLifecycleStarted(s *progress.Store, now time.Time) {
	if !s.IsStarted(lifecycleMarker) {
		s.SetStartTime(lifecycleMarker, now)
	}
}

// MarkLifecycleDone records the create cycle as finished, so subsequent
// digest-fresh passes classify as update rather than create.
func MarkLifecycleDone(s *progress.Store, now time.Time) {
	s.StoreSuccess(lifecycleMarker, now, nil)
}
