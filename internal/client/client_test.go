package client

import (
	"context"
	"testing"

	"github.com/kopflow/kopflow/internal/vault"
	"github.com/kopflow/kopflow/pkg/resource"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	"k8s.io/client-go/kubernetes"
	kubefake "k8s.io/client-go/kubernetes/fake"
	"k8s.io/klog/v2"
)

func testLogger() klog.Logger {
	return klog.Background()
}

func newTestClient(dyn dynamic.Interface, typ kubernetes.Interface) *Client {
	v := vault.New()
	v.Put(vault.ConnectionInfo{ID: "default", Priority: 1, Server: "https://example"})
	return New(v, func(vault.ConnectionInfo) (dynamic.Interface, kubernetes.Interface, error) {
		return dyn, typ, nil
	})
}

func TestReadObjReturnsDefaultOnNotFound(t *testing.T) {
	scheme := runtime.NewScheme()
	dyn := dynamicfake.NewSimpleDynamicClient(scheme)
	c := newTestClient(dyn, kubefake.NewClientset())

	def := &unstructured.Unstructured{Object: map[string]interface{}{"default": true}}
	got, err := c.ReadObj(context.Background(), resource.New("example.com", "v1", "widgets"), "ns", "missing", def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != def {
		t.Fatalf("expected default object, got %v", got)
	}
}

func TestListAndPatchObj(t *testing.T) {
	scheme := runtime.NewScheme()
	obj := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "example.com/v1",
		"kind":       "Widget",
		"metadata":   map[string]interface{}{"name": "w1", "namespace": "ns"},
	}}
	dyn := dynamicfake.NewSimpleDynamicClient(scheme, obj)
	c := newTestClient(dyn, kubefake.NewClientset())

	d := resource.New("example.com", "v1", "widgets")
	items, _, err := c.ListObjs(context.Background(), d, "ns")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(items) != 1 || items[0].GetName() != "w1" {
		t.Fatalf("expected to find w1, got %v", items)
	}

	patched, err := c.PatchObj(context.Background(), d, "ns", "w1", map[string]interface{}{
		"status": map[string]interface{}{"kopflow": map[string]interface{}{"digest": "abc"}},
	})
	if err != nil {
		t.Fatalf("unexpected patch error: %v", err)
	}
	status, _, _ := unstructured.NestedMap(patched.Object, "status", "kopflow")
	if status["digest"] != "abc" {
		t.Fatalf("expected digest abc, got %v", status)
	}
}

func TestScanResourcesWalksDiscovery(t *testing.T) {
	typ := kubefake.NewClientset()
	scheme := runtime.NewScheme()
	dyn := dynamicfake.NewSimpleDynamicClient(scheme)
	c := newTestClient(dyn, typ)

	// kubefake's discovery client returns an empty but non-error resource
	// list by default; ScanResources must not error on that.
	resources, err := c.ScanResources(context.Background(), testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_ = resources
}

func TestParseGroupVersion(t *testing.T) {
	gv, err := parseGroupVersion("apps/v1")
	if err != nil || gv.group != "apps" || gv.version != "v1" {
		t.Fatalf("unexpected parse: %+v, %v", gv, err)
	}
	gv, err = parseGroupVersion("v1")
	if err != nil || gv.group != "" || gv.version != "v1" {
		t.Fatalf("unexpected core parse: %+v, %v", gv, err)
	}
}
