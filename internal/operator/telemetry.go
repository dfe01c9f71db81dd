package operator

import (
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

// promHTTPLogger adapts klog to promhttp.Logger.
type promHTTPLogger struct{ source string }

func (l promHTTPLogger) Println(v ...interface{}) {
	klog.ErrorS(fmt.Errorf("%s", v), "err", "source", l.source)
}

// buildTelemetryServer exposes Prometheus metrics, pprof debug endpoints,
// and health/readiness probes on addr.
func (o *Operator) buildTelemetryServer(addr string) *http.Server {
	mux := http.NewServeMux()

	mux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
	mux.Handle("/debug/pprof/cmdline", http.HandlerFunc(pprof.Cmdline))
	mux.Handle("/debug/pprof/profile", http.HandlerFunc(pprof.Profile))
	mux.Handle("/debug/pprof/symbol", http.HandlerFunc(pprof.Symbol))
	mux.Handle("/debug/pprof/trace", http.HandlerFunc(pprof.Trace))

	mux.Handle("/metrics", promhttp.HandlerFor(o.Metrics.Registry, promhttp.HandlerOpts{
		ErrorLog:      promHTTPLogger{"telemetry"},
		ErrorHandling: promhttp.ContinueOnError,
		Registry:      o.Metrics.Registry,
	}))

	mux.Handle("/healthz", o.healthzHandler())
	mux.Handle("/readyz", o.readyzHandler())

	return &http.Server{
		ErrorLog:          log.New(os.Stdout, "telemetry", log.LstdFlags|log.Lshortfile),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		Addr:              addr,
	}
}

// healthzHandler reports healthy as long as the process is serving; it
// never depends on cluster reachability.
func (o *Operator) healthzHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(http.StatusText(http.StatusOK)))
	})
}

// readyzHandler reports ready once a credential session is available in
// the Vault and resource discovery has completed at least once.
func (o *Operator) readyzHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := o.Vault.Active(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(http.StatusText(http.StatusServiceUnavailable)))
			return
		}
		if !o.discoveredOnce.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(http.StatusText(http.StatusServiceUnavailable)))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(http.StatusText(http.StatusOK)))
	})
}
