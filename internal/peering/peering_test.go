package peering

import (
	"context"
	"testing"
	"time"

	"github.com/kopflow/kopflow/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	kubefake "k8s.io/client-go/kubernetes/fake"
	"k8s.io/klog/v2"
)

func newTestPeering(selfID string, priority int, lifetime time.Duration) *Peering {
	cm := kubefake.NewClientset().CoreV1().ConfigMaps("ns")
	toggle := NewToggle(false)
	return New("peers", selfID, priority, lifetime, toggle, cm, klog.Background())
}

func TestRefreshCreatesRecordOnFirstWrite(t *testing.T) {
	p := newTestPeering("a", 0, time.Minute)
	now := time.Now()

	if err := p.Refresh(context.Background(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, err := p.ReadRecord(context.Background())
	if err != nil {
		t.Fatalf("unexpected error reading record: %v", err)
	}
	peer, ok := rec.Peers["a"]
	if !ok {
		t.Fatal("expected self entry to be present")
	}
	if !peer.LastSeen.Equal(now) {
		t.Fatalf("expected last_seen %v, got %v", now, peer.LastSeen)
	}
}

func TestLowerPriorityPeerFreezesWhenHigherPriorityAlive(t *testing.T) {
	p := newTestPeering("low", 0, time.Minute)
	now := time.Now()

	// Seed a higher-priority, still-alive peer directly.
	err := p.mutate(context.Background(), func(rec *Record) {
		rec.Peers["high"] = Peer{Priority: 10, LastSeen: now, Lifetime: time.Minute}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := p.Sync(context.Background(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Toggle.IsOn() {
		t.Fatal("expected toggle to be frozen while a higher-priority peer is alive")
	}
}

func TestFreezeLiftsWhenHigherPriorityPeerExpires(t *testing.T) {
	p := newTestPeering("low", 0, time.Minute)
	now := time.Now()

	err := p.mutate(context.Background(), func(rec *Record) {
		rec.Peers["high"] = Peer{Priority: 10, LastSeen: now.Add(-time.Hour), Lifetime: time.Minute}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := p.Sync(context.Background(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Toggle.IsOn() {
		t.Fatal("expected toggle to be unfrozen once the higher-priority peer has expired")
	}
}

func TestDisappearRemovesSelfEntry(t *testing.T) {
	p := newTestPeering("a", 0, time.Minute)
	now := time.Now()

	if err := p.Refresh(context.Background(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Disappear(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec, err := p.ReadRecord(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := rec.Peers["a"]; ok {
		t.Fatal("expected self entry to be removed")
	}
}

func TestReconcileFreezeObservesMetric(t *testing.T) {
	p := newTestPeering("low", 0, time.Minute)
	m := metrics.New("test_peering")
	p.Metrics = m
	now := time.Now()

	err := p.mutate(context.Background(), func(rec *Record) {
		rec.Peers["high"] = Peer{Priority: 10, LastSeen: now, Lifetime: time.Minute}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := p.Sync(context.Background(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := testutil.ToFloat64(m.PeeringFrozen); got != 1 {
		t.Fatalf("expected peering_frozen=1 while a higher-priority peer is alive, got %v", got)
	}

	err = p.mutate(context.Background(), func(rec *Record) {
		rec.Peers["high"] = Peer{Priority: 10, LastSeen: now.Add(-time.Hour), Lifetime: time.Minute}
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := p.Sync(context.Background(), now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := testutil.ToFloat64(m.PeeringFrozen); got != 0 {
		t.Fatalf("expected peering_frozen=0 once the higher-priority peer expires, got %v", got)
	}
}
