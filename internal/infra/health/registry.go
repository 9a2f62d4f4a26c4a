package health

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"medrefd/internal/domain"
)

// Registry tracks the latest probe outcome per source and decides whether the
// external-fallback path may be attempted. State transitions:
//
//	unknown  -> healthy   on any successful probe or fallback call
//	healthy  -> degraded  on one failed probe
//	degraded -> unknown   after the consecutive-failure threshold, blocking
//	                      fallback until the cool-down elapses or a success
//	                      resets the source
type Registry struct {
	logger  *zap.Logger
	metrics domain.Metrics
	now     func() time.Time

	mu        sync.RWMutex
	threshold int
	cooldown  time.Duration
	probes    map[string]domain.HealthProbe
}

type Options struct {
	FailureThreshold int
	Cooldown         time.Duration
	Metrics          domain.Metrics
	Logger           *zap.Logger
	Now              func() time.Time
}

func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	threshold := opts.FailureThreshold
	if threshold <= 0 {
		threshold = domain.DefaultHealthFailureThreshold
	}
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = time.Duration(domain.DefaultHealthCooldownSeconds) * time.Second
	}
	return &Registry{
		logger:    logger.Named("health"),
		metrics:   opts.Metrics,
		now:       now,
		threshold: threshold,
		cooldown:  cooldown,
		probes:    make(map[string]domain.HealthProbe),
	}
}

// SetThresholds replaces the failure threshold and cool-down.
func (r *Registry) SetThresholds(threshold int, cooldown time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if threshold > 0 {
		r.threshold = threshold
	}
	if cooldown > 0 {
		r.cooldown = cooldown
	}
}

// RecordSuccess marks the source healthy and clears its failure streak.
func (r *Registry) RecordSuccess(sourceID string, latency time.Duration) {
	r.mu.Lock()
	probe := domain.HealthProbe{
		SourceID:      sourceID,
		LastCheckedAt: r.now(),
		LastStatus:    domain.HealthHealthy,
		LastLatency:   latency,
	}
	prev := r.probes[sourceID].LastStatus
	r.probes[sourceID] = probe
	r.mu.Unlock()

	if prev != domain.HealthHealthy {
		r.logger.Info("source healthy", zap.String("source", sourceID), zap.Duration("latency", latency))
	}
	if r.metrics != nil {
		r.metrics.ObserveProbe(sourceID, domain.HealthHealthy, latency)
	}
}

// RecordFailure advances the failure streak and degrades or blocks the source.
func (r *Registry) RecordFailure(sourceID string, latency time.Duration, cause error) {
	r.mu.Lock()
	prev := r.probes[sourceID]
	probe := domain.HealthProbe{
		SourceID:      sourceID,
		LastCheckedAt: r.now(),
		LastLatency:   latency,
		Failures:      prev.Failures + 1,
	}
	if cause != nil {
		probe.LastError = cause.Error()
	}
	if probe.Failures >= r.threshold {
		probe.LastStatus = domain.HealthUnknown
	} else {
		probe.LastStatus = domain.HealthDegraded
	}
	r.probes[sourceID] = probe
	r.mu.Unlock()

	r.logger.Warn("source probe failed",
		zap.String("source", sourceID),
		zap.String("status", string(probe.LastStatus)),
		zap.Int("failures", probe.Failures),
		zap.Error(cause),
	)
	if r.metrics != nil {
		r.metrics.ObserveProbe(sourceID, probe.LastStatus, latency)
	}
}

// Status returns the current state of a source; unprobed sources are unknown.
func (r *Registry) Status(sourceID string) domain.HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	probe, ok := r.probes[sourceID]
	if !ok {
		return domain.HealthUnknown
	}
	return probe.LastStatus
}

// CanFallback reports whether a synchronous external call may be attempted.
// A source blocked by the failure threshold stays blocked until its cool-down
// elapses; a never-probed source is always eligible.
func (r *Registry) CanFallback(sourceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	probe, ok := r.probes[sourceID]
	if !ok {
		return true
	}
	if probe.Failures < r.threshold {
		return true
	}
	return r.now().Sub(probe.LastCheckedAt) >= r.cooldown
}

// Snapshot returns the latest probe for a source.
func (r *Registry) Snapshot(sourceID string) (domain.HealthProbe, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	probe, ok := r.probes[sourceID]
	return probe, ok
}

// Snapshots returns the latest probe for every tracked source.
func (r *Registry) Snapshots() []domain.HealthProbe {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.HealthProbe, 0, len(r.probes))
	for _, probe := range r.probes {
		out = append(out, probe)
	}
	return out
}
