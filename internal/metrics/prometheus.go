package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/strataops/strata/internal/config"
)

var (
	// Tier metrics
	TierUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "strata_tier_used_bytes",
		Help: "Bytes currently accounted to each tier",
	}, []string{"tier"})

	TierUsageRatio = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "strata_tier_usage_ratio",
		Help: "Tier usage as a fraction of capacity",
	}, []string{"tier"})

	QuotaTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_quota_triggers_total",
		Help: "Migration triggers emitted by the quota monitor",
	}, []string{"source", "dest"})

	// Migration metrics
	MigrationJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_migration_jobs_total",
		Help: "Completed migration jobs by result",
	}, []string{"source", "dest", "result"})

	MigrationRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_migration_records_total",
		Help: "Records processed by migration jobs",
	}, []string{"source", "dest", "result"})

	MigrationBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_migration_bytes_total",
		Help: "Bytes moved between tiers",
	}, []string{"source", "dest"})

	MigrationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strata_migration_duration_seconds",
		Help:    "Wall time of a migration job",
		Buckets: []float64{0.1, 0.5, 1, 5, 30, 60, 300, 1800},
	}, []string{"source", "dest"})

	// Archiver metrics
	PackDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "strata_archiver_pack_duration_seconds",
		Help:    "Time to compress and encrypt a record payload",
		Buckets: prometheus.DefBuckets,
	})

	RestoreRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_restore_requests_total",
		Help: "Restore requests by status",
	}, []string{"status"})

	// Prober metrics
	ProbeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "strata_probe_latency_seconds",
		Help:    "Latency of successful health probes",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"endpoint"})

	EndpointHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "strata_endpoint_health",
		Help: "Endpoint health state (0 healthy, 1 degraded, 2 unhealthy)",
	}, []string{"endpoint"})

	// Router metrics
	RouterSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "strata_router_selections_total",
		Help: "Endpoint selections by the router",
	}, []string{"endpoint"})

	RouterRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strata_router_retries_total",
		Help: "Routed calls retried against a different endpoint",
	})
)

// RunServer starts the Prometheus metrics HTTP server.
func RunServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	path := cfg.Path
	if path == "" {
		path = "/metrics"
	}
	mux.Handle(path, promhttp.Handler())

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
