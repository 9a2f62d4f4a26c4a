package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"medrefd/internal/domain"
)

// Querier is the read surface adapters use against the mirror.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Conn is one leased mirror connection. Release returns it to the pool.
type Conn interface {
	Querier
	Release()
}

// Pool hands out mirror connections and reports cheap cached liveness.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
	IsAvailable() bool
	Close()
}

// rawPool is the slice of *pgxpool.Pool the wrapper depends on.
type rawPool interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
	Ping(ctx context.Context) error
	Close()
}

// MirrorPool wraps a pgx pool with timeout-bounded acquisition and a cached
// liveness check so routing decisions never pay full query latency against a
// dead mirror.
type MirrorPool struct {
	raw              rawPool
	acquireTimeout   time.Duration
	livenessInterval time.Duration
	logger           *zap.Logger
	metrics          domain.Metrics
	now              func() time.Time

	mu        sync.Mutex
	lastCheck time.Time
	lastAlive bool
	checked   bool
}

type Options struct {
	DSN              string
	MaxConns         int
	AcquireTimeout   time.Duration
	LivenessInterval time.Duration
	Metrics          domain.Metrics
	Logger           *zap.Logger
}

// New connects a MirrorPool. Connections are established lazily, so a mirror
// that is down at startup does not fail construction; an unparseable DSN does.
func New(ctx context.Context, opts Options) (*MirrorPool, error) {
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, domain.E(domain.CodeConfiguration, "pool.new", "invalid mirror DSN", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = int32(opts.MaxConns)
	}
	raw, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, domain.E(domain.CodeConfiguration, "pool.new", "build mirror pool", err)
	}
	return newWithRaw(raw, opts), nil
}

func newWithRaw(raw rawPool, opts Options) *MirrorPool {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	acquireTimeout := opts.AcquireTimeout
	if acquireTimeout <= 0 {
		acquireTimeout = time.Duration(domain.DefaultAcquireTimeoutSeconds) * time.Second
	}
	livenessInterval := opts.LivenessInterval
	if livenessInterval <= 0 {
		livenessInterval = time.Duration(domain.DefaultLivenessIntervalSeconds) * time.Second
	}
	return &MirrorPool{
		raw:              raw,
		acquireTimeout:   acquireTimeout,
		livenessInterval: livenessInterval,
		logger:           logger.Named("pool"),
		metrics:          opts.Metrics,
		now:              time.Now,
	}
}

// Acquire leases a connection, bounded by the configured acquire timeout.
func (p *MirrorPool) Acquire(ctx context.Context) (Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	conn, err := p.raw.Acquire(acquireCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.E(domain.CodeTimeout, "pool.acquire", "mirror connection acquisition timed out", err)
		}
		return nil, domain.E(domain.CodeConnection, "pool.acquire", "mirror connection unavailable",
			fmt.Errorf("%w: %w", domain.ErrPoolUnavailable, err))
	}
	return conn, nil
}

// IsAvailable reports mirror liveness, pinging at most once per liveness
// interval and serving the cached verdict in between.
func (p *MirrorPool) IsAvailable() bool {
	p.mu.Lock()
	if p.checked && p.now().Sub(p.lastCheck) < p.livenessInterval {
		alive := p.lastAlive
		p.mu.Unlock()
		return alive
	}
	p.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(context.Background(), p.acquireTimeout)
	defer cancel()
	err := p.raw.Ping(pingCtx)
	alive := err == nil

	p.mu.Lock()
	p.lastCheck = p.now()
	p.lastAlive = alive
	p.checked = true
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("mirror liveness check failed", zap.Error(err))
	}
	if p.metrics != nil {
		p.metrics.SetMirrorAvailable(alive)
	}
	return alive
}

// Close releases all pooled connections.
func (p *MirrorPool) Close() {
	p.raw.Close()
}

var _ Pool = (*MirrorPool)(nil)
