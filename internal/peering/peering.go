// Package peering implements peer discovery between cooperating operator
// instances (a Peer Record per instance, freeze broadcast when a
// higher-priority peer is active) and the freeze toggle that Watchers and
// the Handler Runner consult.
//
// A Peer Record is one ConfigMap per namespace, shared by every instance:
// each instance writes its own entry (id, priority, last_seen, lifetime)
// and leaves every other instance's entry untouched. Any instance reading
// the record can decide locally whether a higher-priority peer is
// currently alive and, if so, freeze itself.
package peering

import (
	"context"
	"fmt"
	"time"

	"github.com/kopflow/kopflow/internal/metrics"
	"gopkg.in/yaml.v3"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

const dataKey = "peers.yaml"

// Peer is one instance's entry in a shared Peer Record.
type Peer struct {
	Priority int           `yaml:"priority"`
	LastSeen time.Time     `yaml:"last_seen"`
	Lifetime time.Duration `yaml:"lifetime"`
}

// Expired reports whether this peer has not refreshed within its lifetime.
func (p Peer) Expired(now time.Time) bool {
	return now.Sub(p.LastSeen) > p.Lifetime
}

// Record is the full set of known peers, keyed by instance id.
type Record struct {
	Peers map[string]Peer `yaml:"peers"`
}

func decodeRecord(data string) (*Record, error) {
	rec := &Record{Peers: map[string]Peer{}}
	if data == "" {
		return rec, nil
	}
	if err := yaml.Unmarshal([]byte(data), rec); err != nil {
		return nil, fmt.Errorf("peering: decoding peer record: %w", err)
	}
	if rec.Peers == nil {
		rec.Peers = map[string]Peer{}
	}
	return rec, nil
}

func encodeRecord(rec *Record) (string, error) {
	raw, err := yaml.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("peering: encoding peer record: %w", err)
	}
	return string(raw), nil
}

// ConfigMaps is the minimal subset of corev1.ConfigMapInterface peering
// needs, satisfied directly by kubernetes.Interface's CoreV1().ConfigMaps(ns).
type ConfigMaps interface {
	Get(ctx context.Context, name string, opts metav1.GetOptions) (*corev1.ConfigMap, error)
	Create(ctx context.Context, cm *corev1.ConfigMap, opts metav1.CreateOptions) (*corev1.ConfigMap, error)
	Update(ctx context.Context, cm *corev1.ConfigMap, opts metav1.UpdateOptions) (*corev1.ConfigMap, error)
}

// Peering tracks this operator instance's membership in a Peer Record and
// keeps a Toggle in sync with whether any higher-priority peer is alive.
type Peering struct {
	Name     string
	SelfID   string
	Priority int
	Lifetime time.Duration

	Toggle *Toggle
	CM     ConfigMaps
	Logger klog.Logger

	// Metrics, if set, receives the current freeze state on every
	// reconcileFreeze pass. Left nil in tests that don't care about
	// telemetry.
	Metrics *metrics.Metrics
}

// New returns a Peering that reads/writes ConfigMap name via cm and
// reflects freeze state into toggle.
func New(name, selfID string, priority int, lifetime time.Duration, toggle *Toggle, cm ConfigMaps, logger klog.Logger) *Peering {
	return &Peering{
		Name: name, SelfID: selfID, Priority: priority, Lifetime: lifetime,
		Toggle: toggle, CM: cm, Logger: logger,
	}
}

// ReadRecord fetches and decodes the current Peer Record, treating a
// missing ConfigMap as an empty record.
func (p *Peering) ReadRecord(ctx context.Context) (*Record, error) {
	cm, err := p.CM.Get(ctx, p.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return &Record{Peers: map[string]Peer{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("peering: reading peer record: %w", err)
	}
	return decodeRecord(cm.Data[dataKey])
}

// mutate reads the current record, applies fn, and writes it back,
// retrying on a 409 conflict (another instance wrote between read and
// write) every 250ms for up to 30s or until ctx is done, whichever comes
// first, mirroring a get-modify-update retry loop.
func (p *Peering) mutate(ctx context.Context, fn func(rec *Record)) error {
	return wait.PollUntilContextTimeout(ctx, 250*time.Millisecond, 30*time.Second, true, func(ctx context.Context) (bool, error) {
		cm, err := p.CM.Get(ctx, p.Name, metav1.GetOptions{})
		notFound := apierrors.IsNotFound(err)
		if err != nil && !notFound {
			return false, fmt.Errorf("peering: getting %q: %w", p.Name, err)
		}

		var rec *Record
		if notFound {
			rec = &Record{Peers: map[string]Peer{}}
		} else {
			rec, err = decodeRecord(cm.Data[dataKey])
			if err != nil {
				return false, err
			}
		}

		fn(rec)

		encoded, err := encodeRecord(rec)
		if err != nil {
			return false, err
		}

		if notFound {
			_, err = p.CM.Create(ctx, &corev1.ConfigMap{
				ObjectMeta: metav1.ObjectMeta{Name: p.Name},
				Data:       map[string]string{dataKey: encoded},
			}, metav1.CreateOptions{})
		} else {
			cm = cm.DeepCopy()
			if cm.Data == nil {
				cm.Data = map[string]string{}
			}
			cm.Data[dataKey] = encoded
			_, err = p.CM.Update(ctx, cm, metav1.UpdateOptions{})
		}
		if apierrors.IsConflict(err) {
			return false, nil // retry
		}
		if err != nil {
			return false, fmt.Errorf("peering: writing %q: %w", p.Name, err)
		}
		return true, nil
	})
}

// Refresh stamps this instance's entry with the current time and
// reconciles the freeze Toggle against the resulting record.
func (p *Peering) Refresh(ctx context.Context, now time.Time) error {
	var latest *Record
	err := p.mutate(ctx, func(rec *Record) {
		rec.Peers[p.SelfID] = Peer{Priority: p.Priority, LastSeen: now, Lifetime: p.Lifetime}
		latest = rec
	})
	if err != nil {
		return err
	}
	p.reconcileFreeze(latest, now)
	return nil
}

// Sync reads the record without refreshing self and reconciles the
// freeze Toggle against it. RunRefreshLoop does not call it; the loop
// reconciles the Toggle only as part of each Refresh.
func (p *Peering) Sync(ctx context.Context, now time.Time) error {
	rec, err := p.ReadRecord(ctx)
	if err != nil {
		return err
	}
	p.reconcileFreeze(rec, now)
	return nil
}

// Disappear removes this instance's entry from the record, best-effort,
// for a clean shutdown.
func (p *Peering) Disappear(ctx context.Context) error {
	return p.mutate(ctx, func(rec *Record) {
		delete(rec.Peers, p.SelfID)
	})
}

func (p *Peering) reconcileFreeze(rec *Record, now time.Time) {
	frozen := false
	for id, peer := range rec.Peers {
		if id == p.SelfID {
			continue
		}
		if peer.Expired(now) {
			continue
		}
		if peer.Priority > p.Priority {
			frozen = true
			break
		}
	}
	if p.Metrics != nil {
		p.Metrics.ObserveFreeze(frozen)
	}
	if frozen {
		p.Toggle.TurnOn()
	} else {
		p.Toggle.TurnOff()
	}
}

// RunRefreshLoop refreshes this instance's entry (and with it the freeze
// Toggle) at Lifetime/2 intervals until ctx is done, then removes this
// instance's entry.
func (p *Peering) RunRefreshLoop(ctx context.Context) {
	interval := p.Lifetime / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := p.Refresh(ctx, time.Now()); err != nil {
		p.Logger.Error(err, "failed initial peer refresh")
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.Disappear(shutdownCtx); err != nil {
				p.Logger.Error(err, "failed to remove self from peer record on shutdown")
			}
			return
		case <-ticker.C:
			if err := p.Refresh(ctx, time.Now()); err != nil {
				p.Logger.Error(err, "failed peer refresh")
			}
		}
	}
}
