// Command kopflow runs the reconciliation engine: it reads its runtime
// Options, resolves cluster credentials, registers the handlers this
// binary ships, and runs the Orchestrator until terminated.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kopflow/kopflow/internal/causation"
	"github.com/kopflow/kopflow/internal/client"
	"github.com/kopflow/kopflow/internal/config"
	"github.com/kopflow/kopflow/internal/operator"
	"github.com/kopflow/kopflow/internal/registry"
	"github.com/kopflow/kopflow/internal/vault"
	"github.com/kopflow/kopflow/internal/version"
	"github.com/kopflow/kopflow/pkg/resource"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/klog/v2"
)

func main() {
	logger := klog.NewKlogr()
	ctx := klog.NewContext(context.Background(), logger)

	options := config.New(logger)
	options.Read()

	if *options.Version {
		fmt.Println(version.Version())
		return
	}

	if err := run(ctx, options, logger); err != nil {
		logger.Error(err, "kopflow exited with an error")
		os.Exit(1)
	}
}

func run(ctx context.Context, options *config.Options, logger klog.Logger) error {
	restConfig, err := clientcmd.BuildConfigFromFlags(*options.MasterURL, *options.Kubeconfig)
	if err != nil {
		return fmt.Errorf("main: building cluster config: %w", err)
	}

	kubeClientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return fmt.Errorf("main: building core clientset: %w", err)
	}

	v := vault.New()
	v.Put(vault.ConnectionInfo{
		ID:       "kubeconfig",
		Priority: 0,
		Server:   restConfig.Host,
		Token:    restConfig.BearerToken,
		Username: restConfig.Username,
		Password: restConfig.Password,
		Insecure: restConfig.TLSClientConfig.Insecure,
		CAData:   restConfig.TLSClientConfig.CAData,
		Cert:     restConfig.TLSClientConfig.CertData,
		Key:      restConfig.TLSClientConfig.KeyData,
	})

	factory := func(info vault.ConnectionInfo) (dynamic.Interface, kubernetes.Interface, error) {
		cfg := client.RealConfig(info)
		dyn, err := dynamic.NewForConfig(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("main: building dynamic client: %w", err)
		}
		typed, err := kubernetes.NewForConfig(cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("main: building typed client: %w", err)
		}
		return dyn, typed, nil
	}

	reg := registry.New(logger, *options.CELCostLimit, options.RetriesDefaultBackoffDuration(), *options.RetriesDefaultLimit)
	registerBuiltinHandlers(reg)

	op := operator.New(ctx, options, kubeClientset, v, factory, reg)

	ctx, stop := withShutdownSignals(ctx)
	defer stop()

	return op.Start(ctx)
}

// withShutdownSignals returns a context canceled on SIGINT/SIGTERM, so the
// Orchestrator's Start can shut down its watchers and telemetry server
// gracefully instead of being killed mid-patch.
func withShutdownSignals(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// registerBuiltinHandlers declares the handlers this binary ships out of
// the box: a catch-all handler that fires on every create/update/resume
// for every discovered kind and records the cause's reason as its result
// (status.log_lifecycle.observedReason), so a freshly started operator is
// observable without any configuration beyond a resource glob.
func registerBuiltinHandlers(reg *registry.Registry) {
	reg.Register(registry.Handler{
		ID:       "log_lifecycle",
		Resource: resource.Glob{Group: "*", Version: "*", Plural: "*"},
		Reasons:  []causation.Reason{causation.ReasonCreate, causation.ReasonUpdate, causation.ReasonResume},
		Errors:   registry.ErrorsTemporary,
		Func: func(_ context.Context, cause *causation.Cause) (map[string]interface{}, error) {
			return map[string]interface{}{"observedReason": string(cause.Reason)}, nil
		},
	})
}
