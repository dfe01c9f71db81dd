// Package operator wires the Credentials Vault, API Client, Discovery,
// Watcher, Queue Multiplexer, Registry, Handler Runner, Peering and
// Throttler into a single running process, the way internal/controller.go's
// Controller wires a shared informer factory, a workqueue, and the self/main
// HTTP servers.
package operator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/kopflow/kopflow/internal/causation"
	"github.com/kopflow/kopflow/internal/client"
	"github.com/kopflow/kopflow/internal/config"
	"github.com/kopflow/kopflow/internal/discovery"
	kopferrors "github.com/kopflow/kopflow/internal/errors"
	"github.com/kopflow/kopflow/internal/metrics"
	"github.com/kopflow/kopflow/internal/peering"
	"github.com/kopflow/kopflow/internal/progress"
	"github.com/kopflow/kopflow/internal/queue"
	"github.com/kopflow/kopflow/internal/registry"
	"github.com/kopflow/kopflow/internal/runner"
	"github.com/kopflow/kopflow/internal/throttle"
	"github.com/kopflow/kopflow/internal/vault"
	"github.com/kopflow/kopflow/internal/version"
	"github.com/kopflow/kopflow/pkg/resource"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/time/rate"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	apiwatch "k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/tools/record"
	"k8s.io/klog/v2"

	"github.com/kopflow/kopflow/internal/watch"
)

// Finalizer is the default finalizer name. It is added to an object during
// its create pass, before the handlers run, when any delete handler matches
// the object's resource, and removed once every handler for a delete cause
// has succeeded, so the API server defers actual deletion until kopflow has
// finished its cleanup.
const Finalizer = "kopflow.io/finalizer"

// Operator is the top-level orchestrator: it owns every component and
// drives the watch -> queue -> causation -> handlers -> patch cycle for
// every discovered dimension.
type Operator struct {
	Options  *config.Options
	Vault    *vault.Vault
	Client   *client.Client
	Registry *registry.Registry
	Runner   *runner.Runner
	Peering  *peering.Peering
	Throttle *throttle.Throttler
	Freeze   *peering.Toggle
	Metrics  *metrics.Metrics
	Recorder record.EventRecorder
	Dims     *discovery.Dimensions
	Manager  *discovery.Manager
	Queue    *queue.Multiplexer
	Logger   klog.Logger

	discoveredOnce atomic.Bool

	mu         sync.Mutex
	essentials map[types.UID]map[string]interface{}
	seen       map[types.UID]bool

	runCtx context.Context
}

// New wires an Operator from its dependencies. kubeClientset is used for
// cluster events and the peering ConfigMap; factory builds the dynamic +
// typed clientset pair the API Client re-resolves on every call.
func New(
	ctx context.Context,
	options *config.Options,
	kubeClientset kubernetes.Interface,
	v *vault.Vault,
	factory client.Factory,
	reg *registry.Registry,
) *Operator {
	logger := klog.FromContext(ctx)

	eventBroadcaster := record.NewBroadcaster()
	eventBroadcaster.StartStructuredLogging(0)
	eventBroadcaster.StartRecordingToSink(&typedcorev1.EventSinkImpl{
		// Emit events in the default namespace if none is defined.
		Interface: kubeClientset.CoreV1().Events(os.Getenv("EMIT_NAMESPACE")),
	})
	recorder := eventBroadcaster.NewRecorder(scheme.Scheme, corev1.EventSource{Component: version.ControllerName.String()})

	m := metrics.New(version.ControllerName.ToSnakeCase())

	throttler := throttle.New(
		options.ThrottleBaseDuration(), options.ThrottleMaxDuration(),
		rate.Limit(50), 300,
	)

	freeze := peering.NewToggle(false)

	peer := peering.New(
		*options.PeerName, peerSelfID(), *options.PeerPriority, options.PeerLifetimeDuration(),
		freeze, kubeClientset.CoreV1().ConfigMaps(peeringNamespace()), logger,
	)
	peer.Metrics = m

	cl := client.New(v, factory)
	cl.ServerTimeout = options.WatchingServerTimeoutDuration()
	cl.RequestTimeout = options.NetworkingRequestTimeoutDuration()

	rnr := runner.New(recorder, logger)
	rnr.Metrics = m

	o := &Operator{
		Options:    options,
		Vault:      v,
		Client:     cl,
		Registry:   reg,
		Runner:     rnr,
		Peering:    peer,
		Throttle:   throttler,
		Freeze:     freeze,
		Metrics:    m,
		Recorder:   recorder,
		Dims:       discovery.NewDimensions(),
		Logger:     logger,
		essentials: map[types.UID]map[string]interface{}{},
		seen:       map[types.UID]bool{},
	}
	o.Queue = queue.New(o.handleObject, options.BatchingIdleTimeoutDuration(), logger)
	o.Queue.BatchWindow = options.BatchingBatchWindowDuration()
	o.Manager = discovery.NewManager(o.startWatcher)
	return o
}

// peerSelfID identifies this instance in the Peer Record; the hostname is
// stable for the lifetime of a Pod, which is exactly the scope a peer entry
// needs to be unique within.
func peerSelfID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "kopflow-unknown"
	}
	return host
}

func peeringNamespace() string {
	if ns := os.Getenv("POD_NAMESPACE"); ns != "" {
		return ns
	}
	return "default"
}

// Start tunes the runtime, starts every background loop, and serves
// telemetry until ctx is done, then shuts everything down.
func (o *Operator) Start(ctx context.Context) error {
	o.runCtx = ctx
	o.tuneRuntime()

	go o.Queue.Run(ctx, *o.Options.Workers)
	go o.Peering.RunRefreshLoop(ctx)
	go o.runDiscoveryLoop(ctx)
	go o.runNamespaceWatch(ctx)
	go o.runCRDWatch(ctx)

	addr := net.JoinHostPort(*o.Options.TelemetryHost, strconv.Itoa(*o.Options.TelemetryPort))
	o.Logger.V(1).Info("starting telemetry server", "address", addr)
	srv := o.buildTelemetryServer(addr)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.Logger.Error(err, "telemetry server stopped")
		}
	}()

	<-ctx.Done()

	o.Logger.V(1).Info("shutting down")
	o.Manager.StopAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (o *Operator) tuneRuntime() {
	if o.Options.AutoGOMAXPROCS != nil && *o.Options.AutoGOMAXPROCS {
		if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...interface{}) {
			o.Logger.V(1).Info(fmt.Sprintf(format, a...))
		})); err != nil {
			o.Logger.Error(err, "failed to set GOMAXPROCS from cgroup quota")
		}
	}
	if o.Options.RatioGOMEMLIMIT != nil {
		if _, err := memlimit.SetGoMemLimitWithOpts(memlimit.WithRatio(*o.Options.RatioGOMEMLIMIT)); err != nil {
			o.Logger.V(1).Info("GOMEMLIMIT not set", "err", err)
		}
	}
}

// runDiscoveryLoop scans the API server for every served resource kind and
// every configured namespace pattern, adjusting the watched dimensions to
// match, then repeats on a fixed interval to pick up new CRDs and
// namespaces without requiring a dedicated watch on them.
func (o *Operator) runDiscoveryLoop(ctx context.Context) {
	const interval = 30 * time.Second

	o.discoverOnce(ctx)
	o.discoveredOnce.Store(true)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.discoverOnce(ctx)
		}
	}
}

func (o *Operator) discoverOnce(ctx context.Context) {
	descriptors, err := o.Client.ScanResources(ctx, o.Logger)
	if err != nil {
		o.Logger.Error(err, "resource discovery failed")
		return
	}

	for _, d := range descriptors {
		if !o.Registry.HasHandlers(d) {
			continue
		}
		o.Dims.AddResource(d)
	}

	for _, ns := range o.Options.NamespacePatterns() {
		o.Dims.AddNamespace(ns)
	}
	if len(o.Options.NamespacePatterns()) == 0 {
		o.Dims.AddNamespace("")
	}

	o.Manager.Adjust(ctx, o.Dims)
	o.Metrics.ActiveWatchers.Set(float64(o.Manager.ActiveCount()))
	o.Metrics.QueueDepth.Set(float64(o.Queue.ActiveSlots()))
}

var namespaceDescriptor = resource.New("", "v1", "namespaces")

var crdDescriptor = resource.New("apiextensions.k8s.io", "v1", "customresourcedefinitions")

// runNamespaceWatch reacts to namespaces appearing, matching, or being
// deleted, adjusting watched dimensions immediately rather than waiting for
// the next periodic discovery scan.
func (o *Operator) runNamespaceWatch(ctx context.Context) {
	out := make(chan watch.Event, 16)
	w := &watch.Watcher{
		Source: o.Client, Resource: namespaceDescriptor,
		Out: out, Backoff: o.Throttle, Logger: o.Logger,
		ClientTimeout: o.Options.WatchingClientTimeoutDuration(),
	}
	go w.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-out:
			if !ok {
				return
			}
			patterns := o.Options.NamespacePatterns()
			if discovery.HandleNamespaceEvent(o.Dims, ev.Type, ev.Object.GetName(), patterns) {
				o.Manager.Adjust(ctx, o.Dims)
			}
		}
	}
}

// runCRDWatch reacts to CustomResourceDefinitions appearing, changing their
// served versions, or being deleted, restricted to kinds the Registry
// actually has handlers for.
func (o *Operator) runCRDWatch(ctx context.Context) {
	out := make(chan watch.Event, 16)
	w := &watch.Watcher{
		Source: o.Client, Resource: crdDescriptor,
		Out: out, Backoff: o.Throttle, Logger: o.Logger,
		ClientTimeout: o.Options.WatchingClientTimeoutDuration(),
	}
	go w.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-out:
			if !ok {
				return
			}
			if discovery.HandleCRDEvent(o.Dims, ev.Type, ev.Object, o.Registry) {
				o.Manager.Adjust(ctx, o.Dims)
			}
		}
	}
}

// startWatcher satisfies discovery.StartFunc: it runs one Watcher for key,
// piping its events into the Queue Multiplexer, until the returned stop
// func is called.
func (o *Operator) startWatcher(ctx context.Context, key discovery.DimensionKey) func() {
	wctx, cancel := context.WithCancel(ctx)
	out := make(chan watch.Event, 16)

	w := &watch.Watcher{
		Source:        o.Client,
		Resource:      key.Resource,
		Namespace:     key.Namespace,
		Out:           out,
		Freeze:        o.Freeze,
		Backoff:       o.Throttle,
		Logger:        o.Logger,
		ClientTimeout: o.Options.WatchingClientTimeoutDuration(),
	}

	go w.Run(wctx)
	go func() {
		for {
			select {
			case <-wctx.Done():
				return
			case ev, ok := <-out:
				if !ok {
					return
				}
				o.Queue.Push(ev)
			}
		}
	}()

	return cancel
}

// maxConflictRetries bounds how many times handleObject will re-read and
// re-reconcile an object after a 409 conflict before giving up and waiting
// for the next natural delivery, so a persistently contended object can
// never spin this worker forever.
const maxConflictRetries = 3

// handleObject is the Queue Multiplexer's Handler: it classifies the cause,
// runs every matching handler, and patches the accumulated progress/status
// back to the API. A patch that loses a write race (HTTP 409) is retried
// against a freshly re-read object, up to maxConflictRetries times.
func (o *Operator) handleObject(ctx context.Context, latest watch.Event) {
	obj := latest.Object
	if obj == nil {
		return
	}
	d := latest.Resource
	namespace := obj.GetNamespace()
	name := obj.GetName()

	for attempt := 0; ; attempt++ {
		nextWake, conflict := o.reconcileOnce(ctx, d, namespace, name, obj, latest.Type)
		if !conflict || attempt >= maxConflictRetries {
			if nextWake != nil {
				o.scheduleRequeue(latest, time.Until(*nextWake))
			}
			return
		}

		refetched, err := o.Client.ReadObj(ctx, d, namespace, name, nil)
		if err != nil {
			o.Logger.Error(err, "failed to re-read object after patch conflict", "resource", d.String(), "namespace", namespace, "name", name)
			return
		}
		obj = refetched
	}
}

// reconcileOnce runs a single classify/run/patch cycle against obj. It
// reports the earliest handler wake-up time, if any, and whether the patch
// lost a write race and should be retried against a freshly re-read object.
func (o *Operator) reconcileOnce(ctx context.Context, d resource.Descriptor, namespace, name string, obj *unstructured.Unstructured, eventType apiwatch.EventType) (nextWake *time.Time, conflict bool) {
	uid := types.UID(obj.GetUID())
	now := time.Now()

	finalizerName := *o.Options.PersistenceFinalizer
	mode := progress.Mode(o.Options.ProgressStorageMode())

	body := obj.Object
	patch := map[string]interface{}{}
	store := progress.New(body, patch, mode)

	finalizerPresent := hasFinalizer(obj, finalizerName)

	o.mu.Lock()
	priorEssential := o.essentials[uid]
	justStarted := !o.seen[uid]
	o.seen[uid] = true
	o.essentials[uid] = causation.EssentialOf(obj)
	o.mu.Unlock()

	cause := causation.Classify(causation.Input{
		Body:                obj,
		Progress:            store,
		FinalizerPresent:    finalizerPresent,
		OperatorJustStarted: justStarted && eventType == apiwatch.Added,
		PriorEssential:      priorEssential,
	})
	if cause == nil {
		return nil, false
	}

	o.Metrics.CausationsTotal.WithLabelValues(string(cause.Reason)).Inc()
	o.Logger.V(3).Info("classified cause", "reason", cause.Reason, "resource", d.String(), "namespace", namespace, "name", name)

	if cause.Reason == causation.ReasonCreate {
		causation.MarkLifecycleStarted(store, now)
		if !finalizerPresent && o.Registry.HasReasonHandlers(d, causation.ReasonDelete) {
			addFinalizerPatch(patch, obj, finalizerName)
		}
	}

	handlers := o.Registry.IterHandlers(d, cause)
	outcomes, allSucceeded, wake := o.Runner.Run(ctx, store, handlers, cause, now)
	for _, out := range outcomes {
		o.observeOutcome(out)
	}

	switch {
	case cause.Reason == causation.ReasonCreate && allSucceeded:
		causation.MarkLifecycleDone(store, now)
	case cause.Reason == causation.ReasonDelete && allSucceeded:
		removeFinalizerPatch(patch, obj, finalizerName)
	}

	if allSucceeded {
		store.PurgeProgress(causation.Digest(obj))
	}

	if len(patch) > 0 {
		if _, err := o.Client.PatchObj(ctx, d, namespace, name, patch); err != nil {
			var conflictErr *kopferrors.ConflictError
			if errors.As(err, &conflictErr) {
				o.Logger.V(2).Info("patch lost a write race, retrying against the latest object", "resource", d.String(), "namespace", namespace, "name", name)
				return nil, true
			}
			o.Logger.Error(err, "failed to patch object after reconciliation", "resource", d.String(), "namespace", namespace, "name", name)
		}
	}

	return wake, false
}

func (o *Operator) observeOutcome(out runner.Outcome) {
	switch {
	case out.Succeeded:
		o.Metrics.HandlerOutcomes.WithLabelValues(out.HandlerID, "success").Inc()
	case out.Failed:
		o.Metrics.HandlerOutcomes.WithLabelValues(out.HandlerID, "failure").Inc()
	case out.Delayed:
		o.Metrics.HandlerOutcomes.WithLabelValues(out.HandlerID, "delayed").Inc()
	}
}

// scheduleRequeue re-delivers ev to the Queue Multiplexer after delay, or
// immediately if delay has already elapsed. It drops the requeue silently
// if the operator has since been asked to shut down.
func (o *Operator) scheduleRequeue(ev watch.Event, delay time.Duration) {
	if delay <= 0 {
		o.Queue.Push(ev)
		return
	}
	time.AfterFunc(delay, func() {
		if o.runCtx != nil && o.runCtx.Err() != nil {
			return
		}
		o.Queue.Push(ev)
	})
}

func hasFinalizer(obj *unstructured.Unstructured, name string) bool {
	for _, f := range obj.GetFinalizers() {
		if f == name {
			return true
		}
	}
	return false
}

func addFinalizerPatch(patch map[string]interface{}, obj *unstructured.Unstructured, name string) {
	setMetadataPatch(patch, "finalizers", append(append([]string{}, obj.GetFinalizers()...), name))
}

func removeFinalizerPatch(patch map[string]interface{}, obj *unstructured.Unstructured, name string) {
	var out []string
	for _, f := range obj.GetFinalizers() {
		if f != name {
			out = append(out, f)
		}
	}
	setMetadataPatch(patch, "finalizers", out)
}

func setMetadataPatch(patch map[string]interface{}, key string, value interface{}) {
	meta, _ := patch["metadata"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
		patch["metadata"] = meta
	}
	meta[key] = value
}
