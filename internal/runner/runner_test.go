package runner

import (
	"context"
	"testing"
	"time"

	"github.com/kopflow/kopflow/internal/causation"
	kopferrors "github.com/kopflow/kopflow/internal/errors"
	"github.com/kopflow/kopflow/internal/metrics"
	"github.com/kopflow/kopflow/internal/progress"
	"github.com/kopflow/kopflow/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/client-go/tools/record"
	"k8s.io/klog/v2"
)

func fakeCause() *causation.Cause {
	return &causation.Cause{
		Reason: causation.ReasonCreate,
		Body: &unstructured.Unstructured{Object: map[string]interface{}{
			"metadata": map[string]interface{}{"name": "obj1", "namespace": "ns"},
		}},
	}
}

func TestRunOneSucceeds(t *testing.T) {
	store := progress.New(map[string]interface{}{}, map[string]interface{}{}, progress.ModeStatus)
	h := &registry.Handler{ID: "h1", Func: func(ctx context.Context, cause *causation.Cause) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	}}
	r := New(record.NewFakeRecorder(10), klog.Background())

	outcomes, allSucceeded, wake := r.Run(context.Background(), store, []*registry.Handler{h}, fakeCause(), time.Now())
	if len(outcomes) != 1 || !outcomes[0].Succeeded {
		t.Fatalf("expected handler to succeed, got %+v", outcomes)
	}
	if !allSucceeded {
		t.Fatal("expected allSucceeded true")
	}
	if wake != nil {
		t.Fatalf("expected no wake-up scheduled, got %v", wake)
	}
	if !store.Succeeded("h1") {
		t.Fatal("expected progress store to record success")
	}
}

func TestRunOneSkipsFinishedHandler(t *testing.T) {
	store := progress.New(map[string]interface{}{}, map[string]interface{}{}, progress.ModeStatus)
	now := time.Now()
	store.StoreSuccess("h1", now, nil)

	called := false
	h := &registry.Handler{ID: "h1", Func: func(ctx context.Context, cause *causation.Cause) (map[string]interface{}, error) {
		called = true
		return nil, nil
	}}
	r := New(nil, klog.Background())

	outcomes, allSucceeded, _ := r.Run(context.Background(), store, []*registry.Handler{h}, fakeCause(), now)
	if called {
		t.Fatal("expected finished handler not to be invoked again")
	}
	if !outcomes[0].Succeeded || !allSucceeded {
		t.Fatalf("expected finished-success outcome to be reported, got %+v", outcomes)
	}
}

func TestRunOneSkipsSleepingHandler(t *testing.T) {
	store := progress.New(map[string]interface{}{}, map[string]interface{}{}, progress.ModeStatus)
	now := time.Now()
	store.SetRetryTime("h1", now, time.Hour)

	called := false
	h := &registry.Handler{ID: "h1", Func: func(ctx context.Context, cause *causation.Cause) (map[string]interface{}, error) {
		called = true
		return nil, nil
	}}
	r := New(nil, klog.Background())

	outcomes, allSucceeded, wake := r.Run(context.Background(), store, []*registry.Handler{h}, fakeCause(), now)
	if called {
		t.Fatal("expected sleeping handler not to be invoked")
	}
	if !outcomes[0].Delayed || allSucceeded {
		t.Fatalf("expected delayed outcome, got %+v", outcomes)
	}
	if wake == nil || !wake.After(now) {
		t.Fatalf("expected a future wake-up time, got %v", wake)
	}
}

func TestRunOnePermanentErrorFailsImmediately(t *testing.T) {
	store := progress.New(map[string]interface{}{}, map[string]interface{}{}, progress.ModeStatus)
	h := &registry.Handler{ID: "h1", Func: func(ctx context.Context, cause *causation.Cause) (map[string]interface{}, error) {
		return nil, kopferrors.NewPermanentError("boom")
	}}
	r := New(record.NewFakeRecorder(10), klog.Background())

	outcomes, allSucceeded, _ := r.Run(context.Background(), store, []*registry.Handler{h}, fakeCause(), time.Now())
	if !outcomes[0].Failed || allSucceeded {
		t.Fatalf("expected immediate failure, got %+v", outcomes)
	}
	if !store.Failed("h1") {
		t.Fatal("expected progress store to record failure")
	}
}

func TestRunOneTemporaryErrorSchedulesRetry(t *testing.T) {
	store := progress.New(map[string]interface{}{}, map[string]interface{}{}, progress.ModeStatus)
	now := time.Now()
	h := &registry.Handler{ID: "h1", Func: func(ctx context.Context, cause *causation.Cause) (map[string]interface{}, error) {
		return nil, kopferrors.NewTemporaryError("not ready", 5*time.Minute)
	}}
	r := New(nil, klog.Background())

	outcomes, allSucceeded, wake := r.Run(context.Background(), store, []*registry.Handler{h}, fakeCause(), now)
	if !outcomes[0].Delayed || allSucceeded {
		t.Fatalf("expected delayed outcome, got %+v", outcomes)
	}
	if wake == nil || wake.Sub(now) < 4*time.Minute {
		t.Fatalf("expected wake-up roughly 5m out, got %v", wake)
	}
	if store.GetRetryCount("h1") != 1 {
		t.Fatalf("expected retry count 1, got %d", store.GetRetryCount("h1"))
	}
}

func TestRunOneUnclassifiedErrorConvertsToPermanentAfterRetries(t *testing.T) {
	store := progress.New(map[string]interface{}{}, map[string]interface{}{}, progress.ModeStatus)
	now := time.Now()
	store.SetRetryTime("h1", now.Add(-time.Hour), 0) // retries=1, not sleeping (delayed cleared)

	h := &registry.Handler{
		ID: "h1", Retries: 1, Backoff: time.Minute, Errors: registry.ErrorsTemporary,
		Func: func(ctx context.Context, cause *causation.Cause) (map[string]interface{}, error) {
			return nil, context.DeadlineExceeded
		},
	}
	r := New(record.NewFakeRecorder(10), klog.Background())

	outcomes, allSucceeded, _ := r.Run(context.Background(), store, []*registry.Handler{h}, fakeCause(), now)
	if !outcomes[0].Failed || allSucceeded {
		t.Fatalf("expected retries-exhausted failure, got %+v", outcomes)
	}
}

func TestRunOneUnclassifiedErrorPermanentModeFailsImmediately(t *testing.T) {
	store := progress.New(map[string]interface{}{}, map[string]interface{}{}, progress.ModeStatus)
	h := &registry.Handler{ID: "h1", Errors: registry.ErrorsPermanent, Func: func(ctx context.Context, cause *causation.Cause) (map[string]interface{}, error) {
		return nil, context.DeadlineExceeded
	}}
	r := New(nil, klog.Background())

	outcomes, _, _ := r.Run(context.Background(), store, []*registry.Handler{h}, fakeCause(), time.Now())
	if !outcomes[0].Failed {
		t.Fatalf("expected immediate failure under PERMANENT errors mode, got %+v", outcomes)
	}
}

func TestRunReportsEarliestWakeAcrossHandlers(t *testing.T) {
	store := progress.New(map[string]interface{}{}, map[string]interface{}{}, progress.ModeStatus)
	now := time.Now()
	h1 := &registry.Handler{ID: "h1", Func: func(ctx context.Context, cause *causation.Cause) (map[string]interface{}, error) {
		return nil, kopferrors.NewTemporaryError("slow", 10*time.Minute)
	}}
	h2 := &registry.Handler{ID: "h2", Func: func(ctx context.Context, cause *causation.Cause) (map[string]interface{}, error) {
		return nil, kopferrors.NewTemporaryError("fast", time.Minute)
	}}
	r := New(nil, klog.Background())

	_, allSucceeded, wake := r.Run(context.Background(), store, []*registry.Handler{h1, h2}, fakeCause(), now)
	if allSucceeded {
		t.Fatal("expected not all succeeded")
	}
	if wake == nil || wake.Sub(now) > 2*time.Minute {
		t.Fatalf("expected the earliest (1m) wake-up to win, got %v", wake)
	}
}

func TestRunOneObservesHandlerDuration(t *testing.T) {
	store := progress.New(map[string]interface{}{}, map[string]interface{}{}, progress.ModeStatus)
	h := &registry.Handler{ID: "timed", Func: func(ctx context.Context, cause *causation.Cause) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	}}
	r := New(nil, klog.Background())
	r.Metrics = metrics.New("test_runner")

	r.Run(context.Background(), store, []*registry.Handler{h}, fakeCause(), time.Now())

	var m dto.Metric
	if err := r.Metrics.HandlerDuration.WithLabelValues("timed").(prometheus.Histogram).Write(&m); err != nil {
		t.Fatalf("unexpected error collecting histogram: %v", err)
	}
	if got := m.GetHistogram().GetSampleCount(); got != 1 {
		t.Fatalf("expected one observation recorded for handler %q, got count %d", "timed", got)
	}
}
