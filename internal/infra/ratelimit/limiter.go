package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"medrefd/internal/domain"
)

// Budget is the fixed-window call allowance for one source.
type Budget struct {
	Window time.Duration
	Calls  int
}

func (b Budget) normalized() Budget {
	if b.Window <= 0 {
		b.Window = time.Duration(domain.DefaultRateLimitWindowSeconds) * time.Second
	}
	if b.Calls <= 0 {
		b.Calls = domain.DefaultRateLimitBudget
	}
	return b
}

type window struct {
	start time.Time
	count int
}

// Limiter enforces a fixed-window call budget per source. It guards only the
// synchronous external-fallback path; background probes are paced separately
// and never consume this budget.
type Limiter struct {
	defaults Budget
	logger   *zap.Logger
	now      func() time.Time
	metrics  domain.Metrics

	mu      sync.Mutex
	budgets map[string]Budget
	windows map[string]*window
}

type Options struct {
	Defaults  Budget
	PerSource map[string]Budget
	Metrics   domain.Metrics
	Logger    *zap.Logger
	Now       func() time.Time
}

func New(opts Options) *Limiter {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	budgets := make(map[string]Budget, len(opts.PerSource))
	for sourceID, b := range opts.PerSource {
		budgets[sourceID] = b.normalized()
	}
	return &Limiter{
		defaults: opts.Defaults.normalized(),
		logger:   logger.Named("ratelimit"),
		now:      now,
		metrics:  opts.Metrics,
		budgets:  budgets,
		windows:  make(map[string]*window),
	}
}

// SetBudgets replaces the per-source budgets; live windows keep their counts.
func (l *Limiter) SetBudgets(defaults Budget, perSource map[string]Budget) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.defaults = defaults.normalized()
	l.budgets = make(map[string]Budget, len(perSource))
	for sourceID, b := range perSource {
		l.budgets[sourceID] = b.normalized()
	}
}

// TryAcquire consumes one call from the source's window if budget remains.
// When exhausted it reports false and the time until the window resets.
func (l *Limiter) TryAcquire(sourceID string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	budget, ok := l.budgets[sourceID]
	if !ok {
		budget = l.defaults
	}

	now := l.now()
	w := l.windows[sourceID]
	if w == nil || now.Sub(w.start) >= budget.Window {
		w = &window{start: now}
		l.windows[sourceID] = w
	}

	if w.count >= budget.Calls {
		retryAfter := budget.Window - now.Sub(w.start)
		if l.metrics != nil {
			l.metrics.ObserveRateLimited(sourceID)
		}
		l.logger.Warn("external call budget exhausted",
			zap.String("source", sourceID),
			zap.Duration("retry_after", retryAfter),
		)
		return false, retryAfter
	}

	w.count++
	return true, 0
}

// Remaining reports the calls left in the source's current window.
func (l *Limiter) Remaining(sourceID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	budget, ok := l.budgets[sourceID]
	if !ok {
		budget = l.defaults
	}
	w := l.windows[sourceID]
	if w == nil || l.now().Sub(w.start) >= budget.Window {
		return budget.Calls
	}
	remaining := budget.Calls - w.count
	if remaining < 0 {
		return 0
	}
	return remaining
}
