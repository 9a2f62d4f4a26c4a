package app

import (
	"context"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"medrefd/internal/infra/cache"
	"medrefd/internal/infra/config"
	"medrefd/internal/infra/dispatcher"
	"medrefd/internal/infra/health"
	"medrefd/internal/infra/pool"
	"medrefd/internal/infra/probe"
	"medrefd/internal/infra/ratelimit"
	"medrefd/internal/infra/resolver"
	"medrefd/internal/infra/sources"
	"medrefd/internal/infra/telemetry"
)

// runtime holds the wired component graph for one serve invocation.
type runtime struct {
	metrics    *telemetry.PrometheusMetrics
	pool       *pool.MirrorPool
	cache      *cache.Cache
	limiter    *ratelimit.Limiter
	health     *health.Registry
	prober     *probe.Prober
	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger
}

func buildRuntime(ctx context.Context, conf config.Config, logger *zap.Logger) (*runtime, error) {
	metrics := telemetry.NewPrometheusMetrics(nil)

	mirrorPool, err := pool.New(ctx, pool.Options{
		DSN:              conf.Mirror.DSN,
		MaxConns:         int(conf.Mirror.MaxConns),
		AcquireTimeout:   conf.Mirror.AcquireTimeout,
		LivenessInterval: conf.Mirror.LivenessInterval,
		Metrics:          metrics,
		Logger:           logger,
	})
	if err != nil {
		return nil, err
	}

	resultCache := cache.New(cache.Options{
		TTL:     conf.Cache.TTL,
		Metrics: metrics,
		Logger:  logger,
	})

	limiter := ratelimit.New(ratelimit.Options{
		Defaults:  ratelimit.Budget{Window: conf.RateLimit.Window, Calls: conf.RateLimit.Calls},
		PerSource: perSourceBudgets(conf),
		Metrics:   metrics,
		Logger:    logger,
	})

	registry := health.NewRegistry(health.Options{
		FailureThreshold: conf.Health.FailureThreshold,
		Cooldown:         conf.Health.Cooldown,
		Metrics:          metrics,
		Logger:           logger,
	})

	prober := probe.New(probe.Options{
		Health:      registry,
		Timeout:     conf.Probe.Timeout,
		MinInterval: conf.Probe.MinInterval,
		Logger:      logger,
	})

	client := sources.NewExternalClient(conf.CallTimeout)

	d := dispatcher.New(dispatcher.Options{
		CallTimeout: conf.CallTimeout,
		Logger:      logger,
	})

	for _, adapter := range buildAdapters(client, conf) {
		res := resolver.New(resolver.Options{
			Adapter:     adapter,
			Cache:       resultCache,
			Pool:        mirrorPool,
			Limiter:     limiter,
			Health:      registry,
			Prober:      prober,
			CallTimeout: conf.CallTimeout,
			Metrics:     metrics,
			Logger:      logger,
		})
		if err := d.Register(res.Descriptor(), res); err != nil {
			mirrorPool.Close()
			return nil, err
		}
	}

	return &runtime{
		metrics:    metrics,
		pool:       mirrorPool,
		cache:      resultCache,
		limiter:    limiter,
		health:     registry,
		prober:     prober,
		dispatcher: d,
		logger:     logger,
	}, nil
}

// buildAdapters constructs one adapter per enabled dataset. Registration
// order matters only for tool listing; the dispatcher sorts by name.
func buildAdapters(client *resty.Client, conf config.Config) []sources.Adapter {
	specs := []struct {
		id    string
		build func(sources.Config) sources.Adapter
	}{
		{"pubmed", func(c sources.Config) sources.Adapter { return sources.NewPubMed(client, c) }},
		{"druglabels", func(c sources.Config) sources.Adapter { return sources.NewDrugLabels(client, c) }},
		{"trials", func(c sources.Config) sources.Adapter { return sources.NewTrials(client, c) }},
		{"interactions", func(c sources.Config) sources.Adapter { return sources.NewInteractions(client, c) }},
		{"icd10", func(c sources.Config) sources.Adapter { return sources.NewICD10(client, c) }},
	}

	adapters := make([]sources.Adapter, 0, len(specs))
	for _, spec := range specs {
		src := conf.Sources[spec.id]
		if src.Disabled {
			continue
		}
		adapters = append(adapters, spec.build(sources.Config{
			BaseURL: src.BaseURL,
			APIKey:  src.APIKey,
		}))
	}
	return adapters
}

func perSourceBudgets(conf config.Config) map[string]ratelimit.Budget {
	budgets := make(map[string]ratelimit.Budget)
	for sourceID, src := range conf.Sources {
		if src.RateLimit == nil {
			continue
		}
		budgets[sourceID] = ratelimit.Budget{
			Window: src.RateLimit.Window,
			Calls:  src.RateLimit.Calls,
		}
	}
	return budgets
}

// applyConfig pushes reloaded tunables into live components. Structural
// settings (DSN, source endpoints, listen address) are ignored here and need
// a restart.
func (rt *runtime) applyConfig(conf config.Config) {
	rt.cache.SetTTL(conf.Cache.TTL)
	rt.limiter.SetBudgets(
		ratelimit.Budget{Window: conf.RateLimit.Window, Calls: conf.RateLimit.Calls},
		perSourceBudgets(conf),
	)
	rt.health.SetThresholds(conf.Health.FailureThreshold, conf.Health.Cooldown)
	rt.logger.Info("runtime tunables applied")
}

func (rt *runtime) close() {
	rt.prober.Drain()
	rt.pool.Close()
}
