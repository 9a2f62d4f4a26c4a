package domain

import "time"

// HealthStatus is the probe-driven availability state of one external source.
type HealthStatus string

const (
	// HealthUnknown is the initial state, and the blocked state after the
	// consecutive-failure threshold is crossed.
	HealthUnknown HealthStatus = "unknown"
	// HealthHealthy means the last probe or fallback call succeeded.
	HealthHealthy HealthStatus = "healthy"
	// HealthDegraded means at least one probe failed since the last success.
	HealthDegraded HealthStatus = "degraded"
)

// HealthProbe is the latest snapshot for one source. Snapshots are replaced
// atomically by the registry; readers never see partial updates.
type HealthProbe struct {
	SourceID      string
	LastCheckedAt time.Time
	LastStatus    HealthStatus
	LastLatency   time.Duration
	LastError     string
	Failures      int
}
