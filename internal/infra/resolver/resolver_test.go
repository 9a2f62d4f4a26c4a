package resolver

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrefd/internal/domain"
	"medrefd/internal/infra/cache"
	"medrefd/internal/infra/pool"
	"medrefd/internal/infra/probe"
)

type fakeAdapter struct {
	id         string
	descriptor domain.ToolDescriptor
	mirror     func(ctx context.Context, q domain.ResolutionQuery) ([]domain.Record, error)
	external   func(ctx context.Context, q domain.ResolutionQuery) ([]domain.Record, error)

	mirrorCalls   atomic.Int32
	externalCalls atomic.Int32
}

func (f *fakeAdapter) SourceID() string                  { return f.id }
func (f *fakeAdapter) Descriptor() domain.ToolDescriptor { return f.descriptor }

func (f *fakeAdapter) QueryMirror(ctx context.Context, q domain.ResolutionQuery, _ pool.Querier) ([]domain.Record, error) {
	f.mirrorCalls.Add(1)
	return f.mirror(ctx, q)
}

func (f *fakeAdapter) QueryExternal(ctx context.Context, q domain.ResolutionQuery) ([]domain.Record, error) {
	f.externalCalls.Add(1)
	return f.external(ctx, q)
}

type fakeConn struct {
	released atomic.Bool
}

func (f *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not used in tests")
}

func (f *fakeConn) Release() { f.released.Store(true) }

type fakePool struct {
	available  bool
	conn       *fakeConn
	acquireErr error
}

func (f *fakePool) Acquire(ctx context.Context) (pool.Conn, error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return f.conn, nil
}

func (f *fakePool) IsAvailable() bool { return f.available }
func (f *fakePool) Close()            {}

type fakeLimiter struct {
	allow      bool
	retryAfter time.Duration
	acquired   atomic.Int32
}

func (f *fakeLimiter) TryAcquire(sourceID string) (bool, time.Duration) {
	f.acquired.Add(1)
	return f.allow, f.retryAfter
}

type fakeGate struct {
	fallback  bool
	successes atomic.Int32
	failures  atomic.Int32
}

func (f *fakeGate) CanFallback(string) bool                    { return f.fallback }
func (f *fakeGate) RecordSuccess(string, time.Duration)        { f.successes.Add(1) }
func (f *fakeGate) RecordFailure(string, time.Duration, error) { f.failures.Add(1) }

type fakeProber struct {
	launches atomic.Int32
}

func (f *fakeProber) Launch(probe.ExternalSource, domain.ResolutionQuery) bool {
	f.launches.Add(1)
	return true
}

func literatureQuery(term string) domain.ResolutionQuery {
	return domain.ResolutionQuery{
		ToolName:   "search-literature",
		Parameters: []domain.Parameter{{Name: "query", Value: term}},
		MaxResults: 10,
	}
}

type fixture struct {
	adapter *fakeAdapter
	pool    *fakePool
	limiter *fakeLimiter
	gate    *fakeGate
	prober  *fakeProber
	res     *Resolver
}

func newFixture(t *testing.T, mutate func(*fixture)) *fixture {
	t.Helper()
	f := &fixture{
		adapter: &fakeAdapter{
			id: "pubmed",
			mirror: func(ctx context.Context, q domain.ResolutionQuery) ([]domain.Record, error) {
				return []domain.Record{{ID: "m1", Title: "from mirror"}}, nil
			},
			external: func(ctx context.Context, q domain.ResolutionQuery) ([]domain.Record, error) {
				return []domain.Record{{ID: "e1", Title: "from external"}}, nil
			},
		},
		pool:    &fakePool{available: true, conn: &fakeConn{}},
		limiter: &fakeLimiter{allow: true},
		gate:    &fakeGate{fallback: true},
		prober:  &fakeProber{},
	}
	if mutate != nil {
		mutate(f)
	}
	f.res = New(Options{
		Adapter:     f.adapter,
		Cache:       cache.New(cache.Options{TTL: time.Minute}),
		Pool:        f.pool,
		Limiter:     f.limiter,
		Health:      f.gate,
		Prober:      f.prober,
		CallTimeout: time.Second,
	})
	return f
}

func TestResolver_DescriptorPassthrough(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.adapter.descriptor = domain.ToolDescriptor{
			Name:        "search-literature",
			Description: "Search biomedical literature.",
			SourceID:    "pubmed",
		}
	})

	assert.Equal(t, f.adapter.Descriptor(), f.res.Descriptor())
}

func TestResolver_MirrorPreferred(t *testing.T) {
	f := newFixture(t, nil)

	result, err := f.res.Resolve(context.Background(), literatureQuery("aspirin interactions"))
	require.NoError(t, err)

	assert.Equal(t, domain.SourceMirror, result.SourceUsed)
	assert.Equal(t, "m1", result.Records[0].ID)
	assert.Equal(t, int32(0), f.adapter.externalCalls.Load(), "mirror path must not block on the external source")
	assert.Equal(t, int32(1), f.prober.launches.Load(), "a detached probe must be launched")
	assert.True(t, f.pool.conn.released.Load(), "connection must be returned to the pool")
}

func TestResolver_CacheHitSkipsProducer(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.res.Resolve(context.Background(), literatureQuery("warfarin"))
	require.NoError(t, err)
	_, err = f.res.Resolve(context.Background(), literatureQuery("warfarin"))
	require.NoError(t, err)

	assert.Equal(t, int32(1), f.adapter.mirrorCalls.Load())
}

func TestResolver_EquivalentQueriesShareKey(t *testing.T) {
	a := domain.ResolutionQuery{
		ToolName:   "search-trials",
		Parameters: []domain.Parameter{{Name: "status", Value: "RECRUITING"}, {Name: "condition", Value: "asthma"}},
		MaxResults: 5,
	}
	b := domain.ResolutionQuery{
		ToolName:   "search-trials",
		Parameters: []domain.Parameter{{Name: "condition", Value: "asthma"}, {Name: "status", Value: "RECRUITING"}},
		MaxResults: 5,
	}
	assert.Equal(t, CacheKey(a), CacheKey(b))

	c := b
	c.MaxResults = 6
	assert.NotEqual(t, CacheKey(b), CacheKey(c))
}

func TestResolver_FallbackWhenMirrorDown(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.pool.available = false
	})

	result, err := f.res.Resolve(context.Background(), literatureQuery("aspirin"))
	require.NoError(t, err)

	assert.Equal(t, domain.SourceExternal, result.SourceUsed)
	assert.Equal(t, "e1", result.Records[0].ID)
	assert.Equal(t, int32(0), f.adapter.mirrorCalls.Load())
	assert.Equal(t, int32(1), f.gate.successes.Load(), "fallback success must update health")
}

func TestResolver_MirrorFailureFallsBack(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.adapter.mirror = func(ctx context.Context, q domain.ResolutionQuery) ([]domain.Record, error) {
			return nil, errors.New("relation does not exist")
		}
	})

	result, err := f.res.Resolve(context.Background(), literatureQuery("aspirin"))
	require.NoError(t, err)
	assert.Equal(t, domain.SourceExternal, result.SourceUsed)
	assert.True(t, f.pool.conn.released.Load())
}

func TestResolver_RateLimited(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.pool.available = false
		f.limiter.allow = false
		f.limiter.retryAfter = 42 * time.Second
	})

	_, err := f.res.Resolve(context.Background(), literatureQuery("aspirin"))
	require.Error(t, err)

	var rateErr *domain.RateLimitError
	require.ErrorAs(t, err, &rateErr)
	assert.Equal(t, "pubmed", rateErr.SourceID)
	assert.Equal(t, 42*time.Second, rateErr.RetryAfter)
	assert.Equal(t, int32(0), f.adapter.externalCalls.Load(), "exhausted budget must not reach upstream")
}

func TestResolver_NoSourceAvailable(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.pool.available = false
		f.gate.fallback = false
	})

	_, err := f.res.Resolve(context.Background(), literatureQuery("aspirin"))
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrNoSourceAvailable)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeConnection, code)
	assert.Equal(t, int32(0), f.limiter.acquired.Load())
}

func TestResolver_MirrorTimeoutReleasesConnection(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.adapter.mirror = func(ctx context.Context, q domain.ResolutionQuery) ([]domain.Record, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(200 * time.Millisecond):
				return []domain.Record{{ID: "late"}}, nil
			}
		}
	})
	f.res.callTimeout = 50 * time.Millisecond

	_, err := f.res.Resolve(context.Background(), literatureQuery("slow"))
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeTimeout, code)
	assert.True(t, f.pool.conn.released.Load(), "timed-out call must not leak its connection")
	assert.Equal(t, int32(0), f.adapter.externalCalls.Load(), "spent call budget must not stack an external call")
}

func TestResolver_ExternalFailureRecordsHealth(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.pool.available = false
		f.adapter.external = func(ctx context.Context, q domain.ResolutionQuery) ([]domain.Record, error) {
			return nil, errors.New("503 from upstream")
		}
	})

	_, err := f.res.Resolve(context.Background(), literatureQuery("aspirin"))
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeConnection, code)
	assert.Equal(t, int32(1), f.gate.failures.Load())
}

func TestResolver_InvalidArgumentDoesNotFallBack(t *testing.T) {
	f := newFixture(t, func(f *fixture) {
		f.adapter.mirror = func(ctx context.Context, q domain.ResolutionQuery) ([]domain.Record, error) {
			return nil, domain.E(domain.CodeInvalidArgument, "", "missing required parameter", nil)
		}
	})

	_, err := f.res.Resolve(context.Background(), literatureQuery("aspirin"))
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeInvalidArgument, code)
	assert.Equal(t, int32(0), f.adapter.externalCalls.Load(), "caller mistakes must not burn fallback budget")
}
