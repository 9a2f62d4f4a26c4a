package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"medrefd/internal/domain"
	"medrefd/internal/infra/cache"
	"medrefd/internal/infra/pool"
	"medrefd/internal/infra/probe"
	"medrefd/internal/infra/sources"
)

// RateLimiter guards the synchronous external-fallback path.
type RateLimiter interface {
	TryAcquire(sourceID string) (bool, time.Duration)
}

// FallbackGate exposes the health registry surface the resolver needs.
type FallbackGate interface {
	CanFallback(sourceID string) bool
	RecordSuccess(sourceID string, latency time.Duration)
	RecordFailure(sourceID string, latency time.Duration, cause error)
}

// ProbeLauncher fires detached reachability probes.
type ProbeLauncher interface {
	Launch(source probe.ExternalSource, q domain.ResolutionQuery) bool
}

// Resolver orchestrates one logical lookup for a single dataset adapter:
// cache first, then the mirror with a detached external probe, then the
// rate-limited external fallback.
type Resolver struct {
	adapter     sources.Adapter
	cache       *cache.Cache
	pool        pool.Pool
	limiter     RateLimiter
	health      FallbackGate
	prober      ProbeLauncher
	callTimeout time.Duration
	metrics     domain.Metrics
	logger      *zap.Logger
}

type Options struct {
	Adapter     sources.Adapter
	Cache       *cache.Cache
	Pool        pool.Pool
	Limiter     RateLimiter
	Health      FallbackGate
	Prober      ProbeLauncher
	CallTimeout time.Duration
	Metrics     domain.Metrics
	Logger      *zap.Logger
}

func New(opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	callTimeout := opts.CallTimeout
	if callTimeout <= 0 {
		callTimeout = time.Duration(domain.DefaultCallTimeoutSeconds) * time.Second
	}
	return &Resolver{
		adapter:     opts.Adapter,
		cache:       opts.Cache,
		pool:        opts.Pool,
		limiter:     opts.Limiter,
		health:      opts.Health,
		prober:      opts.Prober,
		callTimeout: callTimeout,
		metrics:     opts.Metrics,
		logger:      logger.Named("resolver").With(zap.String("source", opts.Adapter.SourceID())),
	}
}

// Descriptor returns the adapter's tool descriptor.
func (r *Resolver) Descriptor() domain.ToolDescriptor {
	return r.adapter.Descriptor()
}

// Resolve answers one lookup. Concurrent calls for the same normalized query
// share a single production through the cache.
func (r *Resolver) Resolve(ctx context.Context, q domain.ResolutionQuery) (domain.ResolutionResult, error) {
	q = q.Normalized()
	if q.MaxResults <= 0 {
		q.MaxResults = domain.DefaultMaxResults
	} else if q.MaxResults > domain.DefaultMaxResultsCap {
		q.MaxResults = domain.DefaultMaxResultsCap
	}

	return r.cache.GetOrFetch(ctx, CacheKey(q), func(produceCtx context.Context) (domain.ResolutionResult, error) {
		return r.produce(produceCtx, q)
	})
}

func (r *Resolver) produce(ctx context.Context, q domain.ResolutionQuery) (domain.ResolutionResult, error) {
	start := time.Now()
	sourceID := r.adapter.SourceID()

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	mirrorTried := false
	if r.pool.IsAvailable() {
		mirrorTried = true
		result, err := r.queryMirror(callCtx, q)
		if err == nil {
			// Best-effort reachability check of the canonical source. Its
			// outcome only updates health state; it never delays this
			// response or re-enters the cache.
			r.prober.Launch(r.adapter, q)
			r.observe(domain.SourceMirror, start, nil)
			return result, nil
		}
		if code, ok := domain.CodeFrom(err); ok && code == domain.CodeInvalidArgument {
			return domain.ResolutionResult{}, err
		}
		if isTimeout(callCtx, err) {
			// The call budget is spent; falling back now would only stack
			// a second slow call on top of it.
			timeoutErr := domain.E(domain.CodeTimeout, "resolver.mirror", "mirror query timed out", err)
			r.observe(domain.SourceMirror, start, timeoutErr)
			return domain.ResolutionResult{}, timeoutErr
		}
		r.logger.Warn("mirror query failed, attempting fallback", zap.Error(err))
	}

	if !r.health.CanFallback(sourceID) {
		cause := fmt.Errorf("%w: %w", domain.ErrNoSourceAvailable, domain.ErrFallbackBlocked)
		err := domain.E(domain.CodeConnection, "resolver", "no source available", cause)
		if !mirrorTried {
			err = domain.E(domain.CodeConnection, "resolver", "mirror unavailable and fallback blocked", cause)
		}
		r.observe(domain.SourceExternal, start, err)
		return domain.ResolutionResult{}, err
	}

	ok, retryAfter := r.limiter.TryAcquire(sourceID)
	if !ok {
		err := &domain.RateLimitError{SourceID: sourceID, RetryAfter: retryAfter}
		r.observe(domain.SourceExternal, start, err)
		return domain.ResolutionResult{}, err
	}

	externalStart := time.Now()
	records, err := r.adapter.QueryExternal(callCtx, q)
	latency := time.Since(externalStart)
	if err != nil {
		r.health.RecordFailure(sourceID, latency, err)
		if code, ok := domain.CodeFrom(err); ok && code == domain.CodeInvalidArgument {
			return domain.ResolutionResult{}, err
		}
		if isTimeout(callCtx, err) {
			err = domain.E(domain.CodeTimeout, "resolver.external", "external query timed out", err)
		} else {
			err = domain.Wrap(domain.CodeConnection, "resolver.external", err)
		}
		r.observe(domain.SourceExternal, start, err)
		return domain.ResolutionResult{}, err
	}
	r.health.RecordSuccess(sourceID, latency)

	r.observe(domain.SourceExternal, start, nil)
	return domain.ResolutionResult{
		Records:      records,
		TotalResults: len(records),
		SourceUsed:   domain.SourceExternal,
		QueryEcho:    q,
	}, nil
}

func (r *Resolver) queryMirror(ctx context.Context, q domain.ResolutionQuery) (domain.ResolutionResult, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return domain.ResolutionResult{}, err
	}
	defer conn.Release()

	records, err := r.adapter.QueryMirror(ctx, q, conn)
	if err != nil {
		return domain.ResolutionResult{}, err
	}
	return domain.ResolutionResult{
		Records:      records,
		TotalResults: len(records),
		SourceUsed:   domain.SourceMirror,
		QueryEcho:    q,
	}, nil
}

func (r *Resolver) observe(used domain.Source, start time.Time, err error) {
	if r.metrics != nil {
		r.metrics.ObserveResolve(r.adapter.SourceID(), used, time.Since(start), err)
	}
}

func isTimeout(ctx context.Context, err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
}
