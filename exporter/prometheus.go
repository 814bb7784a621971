package exporter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/aldas/go-vehicle-telemetry/metric"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Config is configuration for PrometheusExporter.
type Config struct {
	// Address is HTTP listen address. For example `:9464`
	Address string
	// Path is HTTP path metrics are served from. Defaults to `/metrics`
	Path string
	// Namespace is prefix for all exported metric names. Defaults to `vehicle`
	Namespace string
	// RuntimeMetrics adds Go runtime and process metrics to the registry
	RuntimeMetrics bool

	Logger *zerolog.Logger
}

// PrometheusExporter provides HTTP server for Prometheus metrics.
type PrometheusExporter struct {
	addr         string
	path         string
	server       *http.Server
	promRegistry *prometheus.Registry
	handler      http.Handler
	logger       *zerolog.Logger
}

// NewPrometheusExporter creates a new Prometheus HTTP exporter for metric store. Stats can be nil.
func NewPrometheusExporter(config Config, store *metric.Store, stats StatsSource) *PrometheusExporter {
	logger := config.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	path := config.Path
	if path == "" {
		path = "/metrics"
	}
	namespace := config.Namespace
	if namespace == "" {
		namespace = "vehicle"
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(newCollector(namespace, store, stats))
	if config.RuntimeMetrics {
		promRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	e := &PrometheusExporter{
		addr:         config.Address,
		path:         path,
		promRegistry: promRegistry,
		logger:       logger,
	}
	e.handler = e.loggingMiddleware(promhttp.HandlerFor(
		promRegistry,
		promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		},
	))

	mux := http.NewServeMux()
	mux.Handle(path, e.handler)
	e.server = &http.Server{
		Addr:              config.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return e
}

// Handler returns HTTP handler serving metrics.
func (e *PrometheusExporter) Handler() http.Handler {
	return e.handler
}

// loggingMiddleware logs scrape requests when debug logging is enabled
func (e *PrometheusExporter) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.logger.Debug().Str("remote", r.RemoteAddr).Msg("prometheus scrape")
		next.ServeHTTP(w, r)
	})
}

// Start begins serving HTTP requests. Blocks until context is cancelled or server fails.
func (e *PrometheusExporter) Start(ctx context.Context) error {
	errChan := make(chan error, 1)

	go func() {
		e.logger.Info().Str("addr", e.addr).Str("path", e.path).Msg("starting prometheus exporter")
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		return e.Stop()
	}
}

// Stop gracefully stops the exporter.
func (e *PrometheusExporter) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	e.logger.Info().Msg("shutting down prometheus exporter")
	return e.server.Shutdown(ctx)
}
