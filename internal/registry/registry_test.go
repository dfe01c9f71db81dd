package registry

import (
	"testing"
	"time"

	"github.com/kopflow/kopflow/internal/causation"
	"github.com/kopflow/kopflow/pkg/resource"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/klog/v2"
)

func widget() *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"metadata": map[string]interface{}{
			"name":   "w1",
			"labels": map[string]interface{}{"team": "a"},
		},
		"spec": map[string]interface{}{"replicas": int64(3)},
	}}
}

func TestIterHandlersPreservesRegistrationOrder(t *testing.T) {
	r := New(klog.Background(), 1000000, time.Minute, 5)
	glob := resource.Glob{Group: "*", Version: "*", Plural: "widgets"}
	h1 := r.Register(Handler{ID: "first", Resource: glob})
	h2 := r.Register(Handler{ID: "second", Resource: glob})

	cause := &causation.Cause{Reason: causation.ReasonCreate, Body: widget()}
	got := r.IterHandlers(resource.New("example.com", "v1", "widgets"), cause)
	if len(got) != 2 || got[0].ID != h1.ID || got[1].ID != h2.ID {
		t.Fatalf("expected [first, second] in order, got %v", idsOf(got))
	}
}

func TestIterHandlersFiltersByReason(t *testing.T) {
	r := New(klog.Background(), 1000000, time.Minute, 5)
	glob := resource.Glob{Group: "*", Version: "*", Plural: "widgets"}
	r.Register(Handler{ID: "on-create", Resource: glob, Reasons: []causation.Reason{causation.ReasonCreate}})
	r.Register(Handler{ID: "on-delete", Resource: glob, Reasons: []causation.Reason{causation.ReasonDelete}})

	cause := &causation.Cause{Reason: causation.ReasonCreate, Body: widget()}
	got := r.IterHandlers(resource.New("example.com", "v1", "widgets"), cause)
	if len(got) != 1 || got[0].ID != "on-create" {
		t.Fatalf("expected only on-create to match, got %v", idsOf(got))
	}
}

func TestIterHandlersFiltersByLabel(t *testing.T) {
	r := New(klog.Background(), 1000000, time.Minute, 5)
	glob := resource.Glob{Group: "*", Version: "*", Plural: "widgets"}
	r.Register(Handler{ID: "team-a-only", Resource: glob, Filter: Filter{Labels: map[string]string{"team": "a"}}})
	r.Register(Handler{ID: "team-b-only", Resource: glob, Filter: Filter{Labels: map[string]string{"team": "b"}}})

	cause := &causation.Cause{Reason: causation.ReasonCreate, Body: widget()}
	got := r.IterHandlers(resource.New("example.com", "v1", "widgets"), cause)
	if len(got) != 1 || got[0].ID != "team-a-only" {
		t.Fatalf("expected only team-a-only to match, got %v", idsOf(got))
	}
}

func TestIterHandlersFiltersByWhenPredicate(t *testing.T) {
	r := New(klog.Background(), 1000000, time.Minute, 5)
	glob := resource.Glob{Group: "*", Version: "*", Plural: "widgets"}
	r.Register(Handler{ID: "big", Resource: glob, Filter: Filter{When: "o.spec.replicas > 1"}})
	r.Register(Handler{ID: "huge", Resource: glob, Filter: Filter{When: "o.spec.replicas > 10"}})

	cause := &causation.Cause{Reason: causation.ReasonCreate, Body: widget()}
	got := r.IterHandlers(resource.New("example.com", "v1", "widgets"), cause)
	if len(got) != 1 || got[0].ID != "big" {
		t.Fatalf("expected only big to match, got %v", idsOf(got))
	}
}

func TestHasHandlersRespectsGlob(t *testing.T) {
	r := New(klog.Background(), 1000000, time.Minute, 5)
	r.Register(Handler{ID: "h1", Resource: resource.Glob{Group: "example.com", Version: "*", Plural: "widgets"}})

	if !r.HasHandlers(resource.New("example.com", "v1", "widgets")) {
		t.Fatal("expected a match for example.com/v1/widgets")
	}
	if r.HasHandlers(resource.New("other.com", "v1", "widgets")) {
		t.Fatal("expected no match for other.com/v1/widgets")
	}
}

func TestHasReasonHandlersRequiresMatchingReason(t *testing.T) {
	r := New(klog.Background(), 1000000, time.Minute, 5)
	r.Register(Handler{ID: "on-delete", Resource: resource.Glob{Group: "*", Version: "*", Plural: "widgets"}, Reasons: []causation.Reason{causation.ReasonDelete}})

	if !r.HasReasonHandlers(resource.New("example.com", "v1", "widgets"), causation.ReasonDelete) {
		t.Fatal("expected a delete-reason match")
	}
	if r.HasReasonHandlers(resource.New("example.com", "v1", "widgets"), causation.ReasonCreate) {
		t.Fatal("expected no create-reason match")
	}
	if r.HasReasonHandlers(resource.New("other.com", "v1", "widgets"), causation.ReasonDelete) {
		t.Fatal("expected no match for an unmatched resource glob")
	}
}

func TestHasReasonHandlersEmptyReasonsMatchesAny(t *testing.T) {
	r := New(klog.Background(), 1000000, time.Minute, 5)
	r.Register(Handler{ID: "catch-all", Resource: resource.Glob{Group: "*", Version: "*", Plural: "widgets"}})

	if !r.HasReasonHandlers(resource.New("example.com", "v1", "widgets"), causation.ReasonDelete) {
		t.Fatal("expected an empty Reasons set to match every reason, including delete")
	}
}

func TestRegisterDefaultsZeroBackoffAndRetries(t *testing.T) {
	r := New(klog.Background(), 1000000, 30*time.Second, 10)
	h := r.Register(Handler{ID: "h1", Resource: resource.Glob{Group: "*", Version: "*", Plural: "widgets"}})

	if h.Backoff != 30*time.Second {
		t.Fatalf("expected default backoff, got %v", h.Backoff)
	}
	if h.Retries != 10 {
		t.Fatalf("expected default retries, got %d", h.Retries)
	}

	h2 := r.Register(Handler{ID: "h2", Resource: resource.Glob{Group: "*", Version: "*", Plural: "widgets"}, Backoff: 5 * time.Second, Retries: 2})
	if h2.Backoff != 5*time.Second || h2.Retries != 2 {
		t.Fatalf("expected explicit values to be preserved, got backoff=%v retries=%d", h2.Backoff, h2.Retries)
	}
}

func TestSanitizeID(t *testing.T) {
	if got := SanitizeID("My Handler-Name!"); got != "my_handler_name" {
		t.Fatalf("unexpected sanitized id: %q", got)
	}
}

func idsOf(hs []*Handler) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.ID
	}
	return out
}
