// Package progress reads and writes per-handler progress records kept
// either under status.kopflow (the default) or packed into a single
// metadata annotation, for CRDs without a status subresource, so that
// retries survive operator restarts.
//
// Every operation here takes the live, read-only body and an accumulating,
// write-only patch. Reads prefer the patch over the body, so that within one
// cycle the store stays consistent with writes already staged this cycle.
package progress

import (
	"encoding/json"
	"time"
)

const (
	statusKey      = "status"
	metadataKey    = "metadata"
	annotationsKey = "annotations"
	kopflowKey     = "kopflow"
	progressKey    = "progress"
	digestKey      = "digest"
	resultsKey     = "results"
	annotationName = "kopflow.io/state"
	timeLayout     = time.RFC3339Nano
)

// Mode selects where progress/digest markers are persisted on the object.
type Mode string

const (
	// ModeStatus keeps progress under status.kopflow (the default) and
	// publishes each handler's result under status.<handlerID>.
	ModeStatus Mode = "status"
	// ModeAnnotations packs the whole kopflow state into one JSON-encoded
	// metadata annotation, for resources with no status subresource.
	ModeAnnotations Mode = "annotations"
)

// Record is the decoded shape of a single handler's progress entry.
type Record struct {
	Started *time.Time
	Stopped *time.Time
	Retries int
	Success bool
	Failure bool
	Delayed *time.Time
	Message string
}

// Store operates on a pair of nested maps shaped like Kubernetes object
// bodies: body is the live object (read-only), patch is the pending merge
// patch (write-only, read-preferred).
type Store struct {
	Body  map[string]interface{}
	Patch map[string]interface{}
	Mode  Mode

	// kopflow accumulates this cycle's progress/digest/result state when
	// Mode is ModeAnnotations, re-encoded into Patch on every mutation
	// since an annotation value is a single opaque string, not a tree of
	// maps the caller can mutate in place.
	kopflow map[string]interface{}
}

// New returns a Store bound to the given body/patch pair. An empty mode
// defaults to ModeStatus.
func New(body, patch map[string]interface{}, mode Mode) *Store {
	if body == nil {
		body = map[string]interface{}{}
	}
	if patch == nil {
		patch = map[string]interface{}{}
	}
	if mode == "" {
		mode = ModeStatus
	}
	s := &Store{Body: body, Patch: patch, Mode: mode}
	if mode == ModeAnnotations {
		s.kopflow = mergeAnnotationKopflow(body, patch)
	}
	return s
}

func statusKopflow(m map[string]interface{}) map[string]interface{} {
	status, _ := m[statusKey].(map[string]interface{})
	if status == nil {
		return nil
	}
	kopflow, _ := status[kopflowKey].(map[string]interface{})
	return kopflow
}

func decodeAnnotationKopflow(m map[string]interface{}) map[string]interface{} {
	meta, _ := m[metadataKey].(map[string]interface{})
	if meta == nil {
		return nil
	}
	annotations, _ := meta[annotationsKey].(map[string]interface{})
	if annotations == nil {
		return nil
	}
	raw, _ := annotations[annotationName].(string)
	if raw == "" {
		return nil
	}
	var kopflow map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &kopflow); err != nil {
		return nil
	}
	return kopflow
}

func mergeAnnotationKopflow(body, patch map[string]interface{}) map[string]interface{} {
	if k := decodeAnnotationKopflow(patch); k != nil {
		return k
	}
	if k := decodeAnnotationKopflow(body); k != nil {
		return k
	}
	return map[string]interface{}{}
}

func (s *Store) bodyKopflow() map[string]interface{} {
	if s.Mode == ModeAnnotations {
		return decodeAnnotationKopflow(s.Body)
	}
	return statusKopflow(s.Body)
}

func (s *Store) patchKopflow() map[string]interface{} {
	if s.Mode == ModeAnnotations {
		return s.kopflow
	}
	return statusKopflow(s.Patch)
}

// syncAnnotations re-encodes the in-memory kopflow map into Patch's
// metadata annotation. It is a no-op outside ModeAnnotations.
func (s *Store) syncAnnotations() {
	if s.Mode != ModeAnnotations {
		return
	}
	raw, err := json.Marshal(s.kopflow)
	if err != nil {
		return
	}
	meta, _ := s.Patch[metadataKey].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
		s.Patch[metadataKey] = meta
	}
	annotations, _ := meta[annotationsKey].(map[string]interface{})
	if annotations == nil {
		annotations = map[string]interface{}{}
		meta[annotationsKey] = annotations
	}
	annotations[annotationName] = string(raw)
}

func progressOf(kopflow map[string]interface{}) map[string]interface{} {
	if kopflow == nil {
		return nil
	}
	p, _ := kopflow[progressKey].(map[string]interface{})
	return p
}

func entryOf(kopflow map[string]interface{}, id string) map[string]interface{} {
	p := progressOf(kopflow)
	if p == nil {
		return nil
	}
	e, _ := p[id].(map[string]interface{})
	return e
}

// field reads a single field of handler id's progress entry, preferring the
// patch over the body.
func (s *Store) field(id, key string) (interface{}, bool) {
	if e := entryOf(s.patchKopflow(), id); e != nil {
		if v, ok := e[key]; ok {
			return v, true
		}
	}
	if e := entryOf(s.bodyKopflow(), id); e != nil {
		if v, ok := e[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// ensureEntry returns (creating if absent) the patch-side progress entry
// for id, in whichever location Mode selects.
func (s *Store) ensureEntry(id string) map[string]interface{} {
	var kopflow map[string]interface{}
	if s.Mode == ModeAnnotations {
		if s.kopflow == nil {
			s.kopflow = map[string]interface{}{}
		}
		kopflow = s.kopflow
	} else {
		status, _ := s.Patch[statusKey].(map[string]interface{})
		if status == nil {
			status = map[string]interface{}{}
			s.Patch[statusKey] = status
		}
		kopflow, _ = status[kopflowKey].(map[string]interface{})
		if kopflow == nil {
			kopflow = map[string]interface{}{}
			status[kopflowKey] = kopflow
		}
	}
	prog, _ := kopflow[progressKey].(map[string]interface{})
	if prog == nil {
		prog = map[string]interface{}{}
		kopflow[progressKey] = prog
	}
	entry, _ := prog[id].(map[string]interface{})
	if entry == nil {
		entry = map[string]interface{}{}
		prog[id] = entry
	}
	return entry
}

func parseTime(v interface{}) *time.Time {
	s, ok := v.(string)
	if !ok || s == "" {
		return nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return nil
	}
	return &t
}

// IsStarted reports whether handler id has any recorded progress.
func (s *Store) IsStarted(id string) bool {
	if entryOf(s.patchKopflow(), id) != nil {
		return true
	}
	return entryOf(s.bodyKopflow(), id) != nil
}

// IsFinished reports whether handler id has a terminal success or failure.
func (s *Store) IsFinished(id string) bool {
	return s.Succeeded(id) || s.Failed(id)
}

// Succeeded reports whether id's terminal outcome was success.
func (s *Store) Succeeded(id string) bool {
	v, _ := s.field(id, "success")
	b, _ := v.(bool)
	return b
}

// Failed reports whether id's terminal outcome was failure.
func (s *Store) Failed(id string) bool {
	v, _ := s.field(id, "failure")
	b, _ := v.(bool)
	return b
}

// GetAwakeTime returns the instant, if any, until which id must not be
// re-invoked.
func (s *Store) GetAwakeTime(id string) *time.Time {
	v, ok := s.field(id, "delayed")
	if !ok {
		return nil
	}
	return parseTime(v)
}

// IsSleeping reports whether id is delayed into the future and not finished.
func (s *Store) IsSleeping(id string, now time.Time) bool {
	if s.IsFinished(id) {
		return false
	}
	ts := s.GetAwakeTime(id)
	return ts != nil && ts.After(now)
}

// IsAwakened reports whether id is neither finished nor sleeping.
func (s *Store) IsAwakened(id string, now time.Time) bool {
	return !s.IsFinished(id) && !s.IsSleeping(id, now)
}

// GetRetryCount returns the number of retries recorded for id.
func (s *Store) GetRetryCount(id string) int {
	v, ok := s.field(id, "retries")
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// SetStartTime records the first-attempt instant for id, unless already set.
func (s *Store) SetStartTime(id string, now time.Time) {
	if v, ok := s.field(id, "started"); ok && v != nil {
		return
	}
	entry := s.ensureEntry(id)
	entry["started"] = now.Format(timeLayout)
	s.syncAnnotations()
}

// SetAwakeTime records the instant until which id must sleep, or clears it
// when delay is zero.
func (s *Store) SetAwakeTime(id string, now time.Time, delay time.Duration) {
	entry := s.ensureEntry(id)
	if delay <= 0 {
		entry["delayed"] = nil
	} else {
		entry["delayed"] = now.Add(delay).Format(timeLayout)
	}
	s.syncAnnotations()
}

// SetRetryTime increments the retry counter for id and sets its awake time.
func (s *Store) SetRetryTime(id string, now time.Time, delay time.Duration) {
	retries := s.GetRetryCount(id)
	entry := s.ensureEntry(id)
	entry["retries"] = retries + 1
	s.SetAwakeTime(id, now, delay)
}

// storeResult merges a handler's result into status.<id> (ModeStatus) or
// into the kopflow.results.<id> blob (ModeAnnotations, which has no status
// subresource of its own to write handler-specific fields onto).
func (s *Store) storeResult(id string, result map[string]interface{}) {
	if s.Mode == ModeAnnotations {
		results, _ := s.kopflow[resultsKey].(map[string]interface{})
		if results == nil {
			results = map[string]interface{}{}
			s.kopflow[resultsKey] = results
		}
		sub, _ := results[id].(map[string]interface{})
		if sub == nil {
			sub = map[string]interface{}{}
			results[id] = sub
		}
		for k, v := range result {
			sub[k] = v
		}
		return
	}

	status, _ := s.Patch[statusKey].(map[string]interface{})
	if status == nil {
		status = map[string]interface{}{}
		s.Patch[statusKey] = status
	}
	sub, _ := status[id].(map[string]interface{})
	if sub == nil {
		sub = map[string]interface{}{}
		status[id] = sub
	}
	for k, v := range result {
		sub[k] = v
	}
}

// StoreSuccess records a terminal success for id, merging result (if any)
// into its result location.
func (s *Store) StoreSuccess(id string, now time.Time, result map[string]interface{}) {
	retries := s.GetRetryCount(id)
	entry := s.ensureEntry(id)
	entry["stopped"] = now.Format(timeLayout)
	entry["success"] = true
	entry["retries"] = retries + 1
	entry["message"] = nil

	if result != nil {
		s.storeResult(id, result)
	}
	s.syncAnnotations()
}

// StoreFailure records a terminal failure for id with the given message.
func (s *Store) StoreFailure(id string, now time.Time, message string) {
	retries := s.GetRetryCount(id)
	entry := s.ensureEntry(id)
	entry["stopped"] = now.Format(timeLayout)
	entry["failure"] = true
	entry["retries"] = retries + 1
	entry["message"] = message
	s.syncAnnotations()
}

// GetStoredDigest returns the digest recorded in the body, or the empty
// string if absent.
func (s *Store) GetStoredDigest() string {
	kopflow := s.bodyKopflow()
	if kopflow == nil {
		return ""
	}
	digest, _ := kopflow[digestKey].(string)
	return digest
}

// SetStoredDigest stages digest to be written back to the object.
func (s *Store) SetStoredDigest(digest string) {
	if s.Mode == ModeAnnotations {
		if s.kopflow == nil {
			s.kopflow = map[string]interface{}{}
		}
		s.kopflow[digestKey] = digest
		s.syncAnnotations()
		return
	}

	status, _ := s.Patch[statusKey].(map[string]interface{})
	if status == nil {
		status = map[string]interface{}{}
		s.Patch[statusKey] = status
	}
	kopflow, _ := status[kopflowKey].(map[string]interface{})
	if kopflow == nil {
		kopflow = map[string]interface{}{}
		status[kopflowKey] = kopflow
	}
	kopflow[digestKey] = digest
}

// PurgeProgress nulls out the progress map (invalidating all in-flight
// handler state) and, when newDigest is non-empty, stamps it as the new
// digest in the same patch.
func (s *Store) PurgeProgress(newDigest string) {
	if s.Mode == ModeAnnotations {
		if s.kopflow == nil {
			s.kopflow = map[string]interface{}{}
		}
		s.kopflow[progressKey] = nil
		if newDigest != "" {
			s.kopflow[digestKey] = newDigest
		}
		s.syncAnnotations()
		return
	}

	status, _ := s.Patch[statusKey].(map[string]interface{})
	if status == nil {
		status = map[string]interface{}{}
		s.Patch[statusKey] = status
	}
	kopflow, _ := status[kopflowKey].(map[string]interface{})
	if kopflow == nil {
		kopflow = map[string]interface{}{}
		status[kopflowKey] = kopflow
	}
	kopflow[progressKey] = nil
	if newDigest != "" {
		kopflow[digestKey] = newDigest
	}
}
