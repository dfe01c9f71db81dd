// Package config loads kopflow's runtime Options from command-line flags,
// overridable by KOPFLOW_* environment variables.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"k8s.io/klog/v2"
)

const envPrefix = "KOPFLOW_"

const (
	autoGOMAXPROCSFlagName  = "auto-gomaxprocs"
	celCostLimitFlagName    = "cel-cost-limit"
	celTimeoutFlagName      = "cel-timeout-seconds"
	kubeconfigFlagName      = "kubeconfig"
	masterURLFlagName       = "master"
	namespacesFlagName      = "namespaces"
	peerNameFlagName        = "peer-name"
	peerPriorityFlagName    = "peer-priority"
	peerLifetimeFlagName    = "peer-lifetime-seconds"
	ratioGOMEMLIMITFlagName = "ratio-gomemlimit"
	telemetryHostFlagName   = "telemetry-host"
	telemetryPortFlagName   = "telemetry-port"
	throttleBaseFlagName    = "throttle-base-seconds"
	throttleMaxFlagName     = "throttle-max-seconds"
	versionFlagName         = "version"
	workersFlagName         = "workers"

	retriesDefaultBackoffFlagName   = "retries-default-backoff-seconds"
	retriesDefaultLimitFlagName     = "retries-default-limit"
	persistenceProgressStorageName  = "persistence-progress-storage"
	persistenceFinalizerFlagName    = "persistence-finalizer"
	watchingServerTimeoutFlagName   = "watching-server-timeout-seconds"
	watchingClientTimeoutFlagName   = "watching-client-timeout-seconds"
	networkingRequestTimeoutName    = "networking-request-timeout-seconds"
	batchingBatchWindowFlagName     = "batching-batch-window-seconds"
	batchingIdleTimeoutFlagName     = "batching-idle-timeout-seconds"
)

// Options is kopflow's full set of runtime knobs.
type Options struct {
	AutoGOMAXPROCS  *bool
	CELCostLimit    *uint64
	CELTimeout      *int
	Kubeconfig      *string
	MasterURL       *string
	Namespaces      *string
	PeerName        *string
	PeerPriority    *int
	PeerLifetime    *int
	RatioGOMEMLIMIT *float64
	TelemetryHost   *string
	TelemetryPort   *int
	ThrottleBase    *int
	ThrottleMax     *int
	Version         *bool
	Workers         *int

	RetriesDefaultBackoff    *int
	RetriesDefaultLimit      *int
	PersistenceProgressStorage *string
	PersistenceFinalizer     *string
	WatchingServerTimeout    *int
	WatchingClientTimeout    *int
	NetworkingRequestTimeout *int
	BatchingBatchWindow      *int
	BatchingIdleTimeout      *int

	logger klog.Logger
}

// New returns an Options bound to logger for override diagnostics.
func New(logger klog.Logger) *Options {
	return &Options{logger: logger}
}

// Read parses command-line flags, then applies any KOPFLOW_* environment
// overrides for flags left at their default value. Flags explicitly passed
// on the command line always win over the environment.
func (o *Options) Read() {
	o.AutoGOMAXPROCS = flag.Bool(autoGOMAXPROCSFlagName, true, "Automatically set GOMAXPROCS to match CPU quota.")
	o.CELCostLimit = flag.Uint64(celCostLimitFlagName, 10e5, "Maximum cost budget for a registry when-predicate evaluation.")
	o.CELTimeout = flag.Int(celTimeoutFlagName, 5, "Seconds for a registry when-predicate evaluation (not applied: evaluation is bounded only by the cost limit).")
	o.Kubeconfig = flag.String(kubeconfigFlagName, os.Getenv("KUBECONFIG"), "Path to a kubeconfig. Only required if out-of-cluster.")
	o.MasterURL = flag.String(masterURLFlagName, os.Getenv("KUBERNETES_MASTER"), "Address of the Kubernetes API server. Overrides any value in kubeconfig.")
	o.Namespaces = flag.String(namespacesFlagName, "", "Comma-separated namespace glob patterns to watch; empty means every namespace.")
	o.PeerName = flag.String(peerNameFlagName, "kopflow-peers", "Name of the peering ConfigMap.")
	o.PeerPriority = flag.Int(peerPriorityFlagName, 0, "This instance's peering priority; higher wins when peers collide.")
	o.PeerLifetime = flag.Int(peerLifetimeFlagName, 60, "Seconds before a peer record entry is considered expired.")
	o.RatioGOMEMLIMIT = flag.Float64(ratioGOMEMLIMITFlagName, 0.9, "GOMEMLIMIT to memory quota ratio.")
	o.TelemetryHost = flag.String(telemetryHostFlagName, "::", "Host to expose the metrics and health endpoints on.")
	o.TelemetryPort = flag.Int(telemetryPortFlagName, 9999, "Port to expose the metrics and health endpoints on.")
	o.ThrottleBase = flag.Int(throttleBaseFlagName, 1, "Base seconds for per-scope exponential backoff.")
	o.ThrottleMax = flag.Int(throttleMaxFlagName, 60, "Maximum seconds for per-scope exponential backoff.")
	o.Version = flag.Bool(versionFlagName, false, "Print version information and quit.")
	o.Workers = flag.Int(workersFlagName, 4, "Number of workers draining the queue multiplexer.")

	o.RetriesDefaultBackoff = flag.Int(retriesDefaultBackoffFlagName, 10, "Default backoff seconds applied to a handler that did not set its own.")
	o.RetriesDefaultLimit = flag.Int(retriesDefaultLimitFlagName, 3, "Default retry ceiling applied to a handler that did not set its own.")
	o.PersistenceProgressStorage = flag.String(persistenceProgressStorageName, "status", "Where progress/digest markers are kept: status or annotations.")
	o.PersistenceFinalizer = flag.String(persistenceFinalizerFlagName, "kopflow.io/finalizer", "Finalizer string added to objects with a registered delete handler.")
	o.WatchingServerTimeout = flag.Int(watchingServerTimeoutFlagName, 300, "Server-side seconds before the API server closes a watch stream.")
	o.WatchingClientTimeout = flag.Int(watchingClientTimeoutFlagName, 330, "Client-side seconds before a stalled watch stream is abandoned and restarted.")
	o.NetworkingRequestTimeout = flag.Int(networkingRequestTimeoutName, 30, "Per-request timeout seconds for the Kubernetes client.")
	o.BatchingBatchWindow = flag.Int(batchingBatchWindowFlagName, 0, "Seconds to coalesce bursts of events per object before dispatching; 0 dispatches immediately.")
	o.BatchingIdleTimeout = flag.Int(batchingIdleTimeoutFlagName, 600, "Seconds of inactivity before a queue multiplexer slot is evicted.")
	flag.Parse()

	flag.VisitAll(func(f *flag.Flag) {
		if f.Value.String() != f.DefValue {
			return
		}
		envName := envPrefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		value, ok := os.LookupEnv(envName)
		if !ok {
			return
		}
		o.logger.V(1).Info(fmt.Sprintf("overriding flag %s with %s=%s", f.Name, envName, value))
		if err := flag.Set(f.Name, value); err != nil {
			panic(fmt.Sprintf("failed to set flag %s to %s: %v", f.Name, value, err))
		}
	})
}

// NamespacePatterns splits Namespaces on commas, trimming whitespace, and
// returns nil (meaning "every namespace") when it is empty.
func (o *Options) NamespacePatterns() []string {
	raw := *o.Namespaces
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// PeerLifetimeDuration returns PeerLifetime as a time.Duration.
func (o *Options) PeerLifetimeDuration() time.Duration {
	return time.Duration(*o.PeerLifetime) * time.Second
}

// ThrottleBaseDuration returns ThrottleBase as a time.Duration.
func (o *Options) ThrottleBaseDuration() time.Duration {
	return time.Duration(*o.ThrottleBase) * time.Second
}

// ThrottleMaxDuration returns ThrottleMax as a time.Duration.
func (o *Options) ThrottleMaxDuration() time.Duration {
	return time.Duration(*o.ThrottleMax) * time.Second
}

// CELTimeoutDuration returns CELTimeout as a time.Duration.
func (o *Options) CELTimeoutDuration() time.Duration {
	return time.Duration(*o.CELTimeout) * time.Second
}

// RetriesDefaultBackoffDuration returns RetriesDefaultBackoff as a time.Duration.
func (o *Options) RetriesDefaultBackoffDuration() time.Duration {
	return time.Duration(*o.RetriesDefaultBackoff) * time.Second
}

// WatchingServerTimeoutDuration returns WatchingServerTimeout as a time.Duration.
func (o *Options) WatchingServerTimeoutDuration() time.Duration {
	return time.Duration(*o.WatchingServerTimeout) * time.Second
}

// WatchingClientTimeoutDuration returns WatchingClientTimeout as a time.Duration.
func (o *Options) WatchingClientTimeoutDuration() time.Duration {
	return time.Duration(*o.WatchingClientTimeout) * time.Second
}

// NetworkingRequestTimeoutDuration returns NetworkingRequestTimeout as a time.Duration.
func (o *Options) NetworkingRequestTimeoutDuration() time.Duration {
	return time.Duration(*o.NetworkingRequestTimeout) * time.Second
}

// BatchingBatchWindowDuration returns BatchingBatchWindow as a time.Duration.
func (o *Options) BatchingBatchWindowDuration() time.Duration {
	return time.Duration(*o.BatchingBatchWindow) * time.Second
}

// BatchingIdleTimeoutDuration returns BatchingIdleTimeout as a time.Duration.
func (o *Options) BatchingIdleTimeoutDuration() time.Duration {
	return time.Duration(*o.BatchingIdleTimeout) * time.Second
}

// ProgressStorageMode returns PersistenceProgressStorage as a progress.Mode
// string, for use with progress.New without internal/config importing
// internal/progress.
func (o *Options) ProgressStorageMode() string {
	return *o.PersistenceProgressStorage
}
