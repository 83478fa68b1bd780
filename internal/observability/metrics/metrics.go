// Package metrics registers the mesh's Prometheus collectors and exposes them
// over HTTP.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mesh"

// Registry holds every collector the daemon exports.
var Registry = prometheus.NewRegistry()

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})
	httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_errors_total",
		Help: "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})
	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	pathwayUsage = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "graph", Name: "pathway_usage_total",
		Help: "Pathway usages recorded, by outcome.",
	}, []string{"outcome"})
	mintTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "tokenization", Name: "mint_transitions_total",
		Help: "Mint ledger transitions, by chain and resulting state.",
	}, []string{"chain", "state"})
	confirmLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "tokenization", Name: "confirm_duration_seconds",
		Help:    "Time from mint submission to a terminal confirmation.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"chain", "outcome"})
	strengthSync = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "tokenization", Name: "strength_sync_total",
		Help: "On-chain strength sync attempts, by result.",
	}, []string{"result"})
	trustOverrides = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "trust", Name: "overrides_total",
		Help: "Administrative trust overrides.",
	})
	decaySweeps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "trust", Name: "decay_sweeps_total",
		Help: "Scheduled trust decay sweeps, by result.",
	}, []string{"result"})
	eventsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "events", Name: "dropped_total",
		Help: "Events dropped because the dispatcher buffer was full.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpErrors, httpLatency,
		pathwayUsage, mintTransitions, confirmLatency, strengthSync,
		trustOverrides, decaySweeps, eventsDropped,
	)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		httpErrors.WithLabelValues(handler, method).Inc()
	}
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObservePathwayUsage counts one recorded usage.
func ObservePathwayUsage(outcome string) {
	pathwayUsage.WithLabelValues(outcome).Inc()
}

// ObserveMintTransition counts a mint ledger transition into state.
func ObserveMintTransition(chain, state string) {
	mintTransitions.WithLabelValues(chain, state).Inc()
}

// ObserveConfirmation records how long a mint took to reach outcome.
func ObserveConfirmation(chain, outcome string, elapsed time.Duration) {
	confirmLatency.WithLabelValues(chain, outcome).Observe(elapsed.Seconds())
}

// ObserveStrengthSync counts a strength sync attempt.
func ObserveStrengthSync(result string) {
	strengthSync.WithLabelValues(result).Inc()
}

// ObserveTrustOverride counts an administrative override.
func ObserveTrustOverride() {
	trustOverrides.Inc()
}

// ObserveDecaySweep counts a decay sweep.
func ObserveDecaySweep(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	decaySweeps.WithLabelValues(result).Inc()
}

// ObserveEventDropped counts a dropped event.
func ObserveEventDropped() {
	eventsDropped.Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
