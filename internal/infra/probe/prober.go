package probe

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"medrefd/internal/domain"
)

// ExternalSource is the slice of a source adapter the prober needs.
type ExternalSource interface {
	SourceID() string
	QueryExternal(ctx context.Context, q domain.ResolutionQuery) ([]domain.Record, error)
}

// HealthSink receives probe outcomes.
type HealthSink interface {
	RecordSuccess(sourceID string, latency time.Duration)
	RecordFailure(sourceID string, latency time.Duration, cause error)
}

// Prober runs detached, best-effort reachability checks of canonical sources.
// Probes carry their own short timeout, are paced per source so mirror-hit
// bursts cannot amplify upstream load, never consume the fallback rate
// budget, and never surface their outcome to any caller.
type Prober struct {
	health      HealthSink
	timeout     time.Duration
	minInterval time.Duration
	logger      *zap.Logger

	mu     sync.Mutex
	pacers map[string]*rate.Limiter

	wg sync.WaitGroup
}

type Options struct {
	Health      HealthSink
	Timeout     time.Duration
	MinInterval time.Duration
	Logger      *zap.Logger
}

func New(opts Options) *Prober {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Duration(domain.DefaultProbeTimeoutSeconds) * time.Second
	}
	minInterval := opts.MinInterval
	if minInterval <= 0 {
		minInterval = time.Duration(domain.DefaultProbeMinIntervalSeconds) * time.Second
	}
	return &Prober{
		health:      opts.Health,
		timeout:     timeout,
		minInterval: minInterval,
		logger:      logger.Named("probe"),
		pacers:      make(map[string]*rate.Limiter),
	}
}

// Launch starts a detached probe of the source using a stripped-down copy of
// the triggering query. It returns immediately; false means the per-source
// pacer suppressed this probe. The goroutine holds no references to the
// triggering call's context or connection.
func (p *Prober) Launch(source ExternalSource, q domain.ResolutionQuery) bool {
	if !p.pacer(source.SourceID()).Allow() {
		return false
	}

	probeQuery := q.Normalized()
	probeQuery.MaxResults = 1

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		start := time.Now()
		_, err := source.QueryExternal(ctx, probeQuery)
		latency := time.Since(start)

		if err != nil {
			p.health.RecordFailure(source.SourceID(), latency, err)
			p.logger.Debug("probe failed",
				zap.String("source", source.SourceID()),
				zap.Duration("latency", latency),
				zap.Error(err),
			)
			return
		}
		p.health.RecordSuccess(source.SourceID(), latency)
	}()
	return true
}

// Drain blocks until all launched probes have finished.
func (p *Prober) Drain() {
	p.wg.Wait()
}

func (p *Prober) pacer(sourceID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	pacer, ok := p.pacers[sourceID]
	if !ok {
		pacer = rate.NewLimiter(rate.Every(p.minInterval), 1)
		p.pacers[sourceID] = pacer
	}
	return pacer
}
