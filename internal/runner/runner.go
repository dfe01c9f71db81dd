// Package runner executes the handlers matched to a Cause, applying each
// handler's retry/backoff/errors policy and persisting outcomes to the
// Progress Store, and reports what the cycle as a whole needs next: a full
// progress purge on total success, or the earliest wake-up time otherwise.
package runner

import (
	"context"
	"time"

	"github.com/kopflow/kopflow/internal/causation"
	kopferrors "github.com/kopflow/kopflow/internal/errors"
	"github.com/kopflow/kopflow/internal/metrics"
	"github.com/kopflow/kopflow/internal/progress"
	"github.com/kopflow/kopflow/internal/registry"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/tools/record"
	"k8s.io/klog/v2"
)

// Outcome reports what happened to one handler during one Run pass.
type Outcome struct {
	HandlerID string
	Succeeded bool
	Failed    bool
	Delayed   bool
	WakeAt    *time.Time
	Err       error
}

// Runner executes matched handlers against a Cause.
type Runner struct {
	Recorder record.EventRecorder
	Logger   klog.Logger

	// Metrics, if set, receives per-handler execution duration. Left nil in
	// tests that don't care about telemetry.
	Metrics *metrics.Metrics
}

// New returns a Runner that emits cluster events through recorder, if any.
func New(recorder record.EventRecorder, logger klog.Logger) *Runner {
	return &Runner{Recorder: recorder, Logger: logger}
}

// Run executes every handler in handlers against cause, in order, skipping
// any already finished or still sleeping. It returns one Outcome per
// handler actually considered, whether every handler in the cycle ended in
// success, and the earliest wake-up time among any handler left delayed.
func (r *Runner) Run(
	ctx context.Context,
	store *progress.Store,
	handlers []*registry.Handler,
	cause *causation.Cause,
	now time.Time,
) (outcomes []Outcome, allSucceeded bool, nextWake *time.Time) {
	allSucceeded = true
	for _, h := range handlers {
		o := r.runOne(ctx, store, h, cause, now)
		outcomes = append(outcomes, o)
		if !o.Succeeded {
			allSucceeded = false
		}
		if o.WakeAt != nil && (nextWake == nil || o.WakeAt.Before(*nextWake)) {
			nextWake = o.WakeAt
		}
	}
	return outcomes, allSucceeded, nextWake
}

func (r *Runner) runOne(ctx context.Context, store *progress.Store, h *registry.Handler, cause *causation.Cause, now time.Time) Outcome {
	id := h.ID

	if store.IsFinished(id) {
		return Outcome{HandlerID: id, Succeeded: store.Succeeded(id), Failed: store.Failed(id)}
	}

	if store.IsSleeping(id, now) {
		wake := store.GetAwakeTime(id)
		return Outcome{HandlerID: id, Delayed: true, WakeAt: wake}
	}

	if !store.IsStarted(id) {
		store.SetStartTime(id, now)
	}

	start := time.Now()
	result, err := h.Func(ctx, cause)
	if r.Metrics != nil {
		r.Metrics.HandlerDuration.WithLabelValues(id).Observe(time.Since(start).Seconds())
	}
	if err == nil {
		store.StoreSuccess(id, now, result)
		r.event(cause, corev1.EventTypeNormal, "HandlerSucceeded", id)
		return Outcome{HandlerID: id, Succeeded: true}
	}

	var temp *kopferrors.TemporaryError
	var perm *kopferrors.PermanentError
	switch e := err.(type) {
	case *kopferrors.TemporaryError:
		temp = e
	case *kopferrors.PermanentError:
		perm = e
	}

	if perm != nil {
		store.StoreFailure(id, now, perm.Error())
		r.event(cause, corev1.EventTypeWarning, "HandlerFailed", perm.Error())
		return Outcome{HandlerID: id, Failed: true, Err: err}
	}

	if temp != nil {
		if h.Retries > 0 && store.GetRetryCount(id) >= h.Retries {
			store.StoreFailure(id, now, temp.Error())
			r.event(cause, corev1.EventTypeWarning, "HandlerFailed", "retries exhausted: "+temp.Error())
			return Outcome{HandlerID: id, Failed: true, Err: err}
		}
		store.SetRetryTime(id, now, temp.Delay)
		wake := now.Add(temp.Delay)
		r.event(cause, corev1.EventTypeWarning, "HandlerRetrying", temp.Error())
		return Outcome{HandlerID: id, Delayed: true, WakeAt: &wake, Err: err}
	}

	// An unclassified error is governed by the handler's own Errors mode.
	if h.Errors == registry.ErrorsPermanent {
		store.StoreFailure(id, now, err.Error())
		r.event(cause, corev1.EventTypeWarning, "HandlerFailed", err.Error())
		return Outcome{HandlerID: id, Failed: true, Err: err}
	}

	if h.Retries > 0 && store.GetRetryCount(id) >= h.Retries {
		store.StoreFailure(id, now, err.Error())
		r.event(cause, corev1.EventTypeWarning, "HandlerFailed", "retries exhausted: "+err.Error())
		return Outcome{HandlerID: id, Failed: true, Err: err}
	}

	store.SetRetryTime(id, now, h.Backoff)
	wake := now.Add(h.Backoff)
	r.event(cause, corev1.EventTypeWarning, "HandlerRetrying", err.Error())
	return Outcome{HandlerID: id, Delayed: true, WakeAt: &wake, Err: err}
}

func (r *Runner) event(cause *causation.Cause, eventType, reason, message string) {
	if r.Recorder == nil || cause == nil || cause.Body == nil {
		return
	}
	r.Recorder.Event(cause.Body, eventType, reason, message)
}
