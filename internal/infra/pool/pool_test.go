package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrefd/internal/domain"
)

type fakeRaw struct {
	pings      atomic.Int32
	pingErr    error
	acquireErr error
}

func (f *fakeRaw) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeRaw) Ping(ctx context.Context) error {
	f.pings.Add(1)
	return f.pingErr
}

func (f *fakeRaw) Close() {}

func TestMirrorPool_LivenessIsCached(t *testing.T) {
	raw := &fakeRaw{}
	p := newWithRaw(raw, Options{LivenessInterval: time.Minute})

	now := time.Unix(1000, 0)
	p.now = func() time.Time { return now }

	assert.True(t, p.IsAvailable())
	assert.True(t, p.IsAvailable())
	assert.Equal(t, int32(1), raw.pings.Load(), "verdict must be cached within the interval")

	now = now.Add(2 * time.Minute)
	raw.pingErr = errors.New("connection refused")
	assert.False(t, p.IsAvailable())
	assert.Equal(t, int32(2), raw.pings.Load())

	assert.False(t, p.IsAvailable(), "failed verdict is cached too")
	assert.Equal(t, int32(2), raw.pings.Load())
}

func TestMirrorPool_AcquireTimeoutBounded(t *testing.T) {
	raw := &fakeRaw{}
	p := newWithRaw(raw, Options{AcquireTimeout: 30 * time.Millisecond})

	start := time.Now()
	conn, err := p.Acquire(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Nil(t, conn)
	assert.Less(t, elapsed, time.Second, "acquire must not block past its bound")
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeTimeout, code)
}

func TestMirrorPool_AcquireConnectionError(t *testing.T) {
	raw := &fakeRaw{acquireErr: errors.New("pool closed")}
	p := newWithRaw(raw, Options{})

	_, err := p.Acquire(context.Background())
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeConnection, code)
}

func TestNew_InvalidDSN(t *testing.T) {
	_, err := New(context.Background(), Options{DSN: "://not-a-dsn"})
	require.Error(t, err)
	code, ok := domain.CodeFrom(err)
	require.True(t, ok)
	assert.Equal(t, domain.CodeConfiguration, code)
}
