package config

import (
	"os"
	"strconv"
	"testing"

	"k8s.io/klog/v2"
)

// Tests using t.Setenv cannot run in t.Parallel().
func TestOptionsRead(t *testing.T) {
	originalWorkers := 7
	os.Args = []string{
		"cmd",
		"--workers", strconv.Itoa(originalWorkers), // not overridden: explicitly set
	}

	overriddenPort := 1234
	t.Setenv("KOPFLOW_TELEMETRY_PORT", strconv.Itoa(overriddenPort))

	o := New(klog.NewKlogr())
	o.Read()

	if *o.Workers != originalWorkers {
		t.Fatalf("expected workers %d, got %d", originalWorkers, *o.Workers)
	}
	if *o.TelemetryPort != overriddenPort {
		t.Fatalf("expected telemetry port %d, got %d", overriddenPort, *o.TelemetryPort)
	}
}

func TestNamespacePatternsSplitsAndTrims(t *testing.T) {
	o := &Options{}
	ns := " team-a-*, team-b , "
	o.Namespaces = &ns

	got := o.NamespacePatterns()
	want := []string{"team-a-*", "team-b"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestNamespacePatternsEmptyMeansEverything(t *testing.T) {
	o := &Options{}
	empty := ""
	o.Namespaces = &empty

	if got := o.NamespacePatterns(); got != nil {
		t.Fatalf("expected nil for empty namespaces, got %v", got)
	}
}
