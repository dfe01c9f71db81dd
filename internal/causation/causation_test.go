package causation

import (
	"testing"
	"time"

	"github.com/kopflow/kopflow/internal/progress"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

func newObj(spec map[string]interface{}) *unstructured.Unstructured {
	return &unstructured.Unstructured{Object: map[string]interface{}{
		"metadata": map[string]interface{}{"name": "obj1", "namespace": "ns"},
		"spec":     spec,
	}}
}

func TestClassifyFreshObjectIsCreate(t *testing.T) {
	obj := newObj(map[string]interface{}{"size": int64(1)})
	store := progress.New(map[string]interface{}{}, map[string]interface{}{}, progress.ModeStatus)

	cause := Classify(Input{Body: obj, Progress: store})
	if cause == nil || cause.Reason != ReasonCreate {
		t.Fatalf("expected create cause, got %+v", cause)
	}
}

func TestClassifyAfterCreateWithSpecChangeIsUpdate(t *testing.T) {
	now := time.Now().UTC()
	obj := newObj(map[string]interface{}{"size": int64(1)})
	store := progress.New(map[string]interface{}{}, map[string]interface{}{}, progress.ModeStatus)

	first := Classify(Input{Body: obj, Progress: store})
	if first.Reason != ReasonCreate {
		t.Fatalf("expected initial create, got %v", first.Reason)
	}
	MarkLifecycleDone(store, now)

	body2 := map[string]interface{}{"status": store.Patch["status"]}
	store2 := progress.New(body2, map[string]interface{}{}, progress.ModeStatus)

	prior := essentialOf(obj)
	updated := newObj(map[string]interface{}{"size": int64(2)})

	cause := Classify(Input{Body: updated, Progress: store2, PriorEssential: prior})
	if cause == nil || cause.Reason != ReasonUpdate {
		t.Fatalf("expected update cause, got %+v", cause)
	}
	if len(cause.Diff) == 0 {
		t.Fatal("expected a non-empty diff for the spec change")
	}
}

func TestClassifyDeletionWithFinalizerIsDelete(t *testing.T) {
	obj := newObj(map[string]interface{}{"size": int64(1)})
	obj.Object["metadata"].(map[string]interface{})["deletionTimestamp"] = unstructuredMetaV1Time()

	store := progress.New(map[string]interface{}{}, map[string]interface{}{}, progress.ModeStatus)
	cause := Classify(Input{Body: obj, Progress: store, FinalizerPresent: true})
	if cause == nil || cause.Reason != ReasonDelete {
		t.Fatalf("expected delete cause, got %+v", cause)
	}
}

func TestClassifyResumeOnOperatorRestart(t *testing.T) {
	obj := newObj(map[string]interface{}{"size": int64(1)})
	digest := Digest(obj)
	body := map[string]interface{}{
		"status": map[string]interface{}{"kopflow": map[string]interface{}{"digest": digest}},
	}
	store := progress.New(body, map[string]interface{}{}, progress.ModeStatus)

	cause := Classify(Input{Body: obj, Progress: store, OperatorJustStarted: true})
	if cause == nil || cause.Reason != ReasonResume {
		t.Fatalf("expected resume cause, got %+v", cause)
	}
}

func TestClassifyNilWhenNothingWarrantsAPass(t *testing.T) {
	obj := newObj(map[string]interface{}{"size": int64(1)})
	digest := Digest(obj)
	body := map[string]interface{}{
		"status": map[string]interface{}{"kopflow": map[string]interface{}{
			"digest":   digest,
			"progress": map[string]interface{}{lifecycleMarker: map[string]interface{}{"success": true}},
		}},
	}
	store := progress.New(body, map[string]interface{}{}, progress.ModeStatus)

	cause := Classify(Input{Body: obj, Progress: store})
	if cause != nil {
		t.Fatalf("expected no cause, got %+v", cause)
	}
}

func unstructuredMetaV1Time() string {
	return "2024-01-01T00:00:00Z"
}
