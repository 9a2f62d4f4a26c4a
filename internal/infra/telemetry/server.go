package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"medrefd/internal/domain"
)

// HealthReporter supplies the per-source probe state for /healthz.
type HealthReporter interface {
	Snapshots() []domain.HealthProbe
}

// MirrorReporter supplies mirror liveness for /healthz.
type MirrorReporter interface {
	IsAvailable() bool
}

type HTTPServerOptions struct {
	Addr          string
	EnableMetrics bool
	EnableHealthz bool
	Health        HealthReporter
	Mirror        MirrorReporter
	Registry      prometheus.Gatherer
}

// HealthReport is the /healthz payload.
type HealthReport struct {
	Status          string         `json:"status"`
	MirrorAvailable bool           `json:"mirrorAvailable"`
	Sources         []SourceHealth `json:"sources,omitempty"`
}

type SourceHealth struct {
	SourceID      string    `json:"sourceId"`
	Status        string    `json:"status"`
	LastCheckedAt time.Time `json:"lastCheckedAt,omitempty"`
	LatencyMillis int64     `json:"latencyMillis,omitempty"`
	Failures      int       `json:"failures,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
}

// StartHTTPServer runs the observability listener until ctx is canceled. It
// blocks, so callers run it in its own goroutine.
func StartHTTPServer(ctx context.Context, opts HTTPServerOptions, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !opts.EnableMetrics && !opts.EnableHealthz {
		return nil
	}

	addr := opts.Addr
	if addr == "" {
		addr = domain.DefaultObservabilityListenAddress
	}

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	if opts.EnableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	if opts.EnableHealthz {
		mux.Handle("/healthz", healthHandler(opts.Health, opts.Mirror))
	}

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("observability server listening",
			zap.String("addr", server.Addr),
			zap.Bool("metrics", opts.EnableMetrics),
			zap.Bool("healthz", opts.EnableHealthz),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("observability server failed to start: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("observability server shutdown error", zap.Error(err))
			return err
		}
		logger.Info("observability server stopped")
		return nil
	}
}

// healthHandler reports degraded when the mirror is down; individual source
// probe failures are informational because the resolver can still serve from
// the other leg.
func healthHandler(health HealthReporter, mirror MirrorReporter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		report := HealthReport{Status: "ok", MirrorAvailable: true}
		if mirror != nil {
			report.MirrorAvailable = mirror.IsAvailable()
		}
		if health != nil {
			for _, probe := range health.Snapshots() {
				report.Sources = append(report.Sources, SourceHealth{
					SourceID:      probe.SourceID,
					Status:        string(probe.LastStatus),
					LastCheckedAt: probe.LastCheckedAt,
					LatencyMillis: probe.LastLatency.Milliseconds(),
					Failures:      probe.Failures,
					LastError:     probe.LastError,
				})
			}
		}
		status := http.StatusOK
		if !report.MirrorAvailable {
			report.Status = "degraded"
			status = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	})
}
