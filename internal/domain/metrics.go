package domain

import "time"

// CacheOutcome labels how a cache lookup was satisfied.
type CacheOutcome string

const (
	// CacheOutcomeHit indicates a resolved, non-expired entry was returned.
	CacheOutcomeHit CacheOutcome = "hit"
	// CacheOutcomeMiss indicates a new producer execution was started.
	CacheOutcomeMiss CacheOutcome = "miss"
	// CacheOutcomeShared indicates the caller joined an in-flight producer.
	CacheOutcomeShared CacheOutcome = "shared"
)

// Metrics receives observations from the resolution pipeline. Implementations
// must be safe for concurrent use.
type Metrics interface {
	ObserveResolve(sourceID string, used Source, duration time.Duration, err error)
	ObserveCache(outcome CacheOutcome)
	ObserveProbe(sourceID string, status HealthStatus, duration time.Duration)
	ObserveRateLimited(sourceID string)
	SetMirrorAvailable(available bool)
}
