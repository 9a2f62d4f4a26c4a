package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLimiter_BudgetExhaustion(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := New(Options{
		Defaults: Budget{Window: time.Minute, Calls: 3},
		Now:      clock.Now,
	})

	for i := 0; i < 3; i++ {
		ok, _ := l.TryAcquire("pubmed")
		require.True(t, ok, "call %d should be within budget", i+1)
	}

	ok, retryAfter := l.TryAcquire("pubmed")
	assert.False(t, ok)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Minute)
}

func TestLimiter_WindowReset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := New(Options{
		Defaults: Budget{Window: time.Minute, Calls: 1},
		Now:      clock.Now,
	})

	ok, _ := l.TryAcquire("trials")
	require.True(t, ok)
	ok, _ = l.TryAcquire("trials")
	require.False(t, ok)

	clock.Advance(time.Minute)
	ok, _ = l.TryAcquire("trials")
	assert.True(t, ok, "elapsed window must reset the counter")
}

func TestLimiter_PerSourceOverride(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := New(Options{
		Defaults: Budget{Window: time.Minute, Calls: 10},
		PerSource: map[string]Budget{
			"interactions": {Window: time.Minute, Calls: 1},
		},
		Now: clock.Now,
	})

	ok, _ := l.TryAcquire("interactions")
	require.True(t, ok)
	ok, _ = l.TryAcquire("interactions")
	assert.False(t, ok, "override budget applies to its source")

	ok, _ = l.TryAcquire("pubmed")
	assert.True(t, ok, "other sources keep the default budget")
}

func TestLimiter_SourcesAreIndependent(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := New(Options{
		Defaults: Budget{Window: time.Minute, Calls: 1},
		Now:      clock.Now,
	})

	ok, _ := l.TryAcquire("pubmed")
	require.True(t, ok)
	ok, _ = l.TryAcquire("druglabels")
	assert.True(t, ok, "one source's exhaustion must not affect another")
}

func TestLimiter_Remaining(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := New(Options{
		Defaults: Budget{Window: time.Minute, Calls: 2},
		Now:      clock.Now,
	})

	assert.Equal(t, 2, l.Remaining("icd10"))
	l.TryAcquire("icd10")
	assert.Equal(t, 1, l.Remaining("icd10"))
	l.TryAcquire("icd10")
	assert.Equal(t, 0, l.Remaining("icd10"))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 2, l.Remaining("icd10"))
}
