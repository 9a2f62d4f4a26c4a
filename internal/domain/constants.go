package domain

const (
	DefaultCallTimeoutSeconds      = 30
	DefaultProbeTimeoutSeconds     = 5
	DefaultProbeMinIntervalSeconds = 30
	DefaultCacheTTLSeconds         = 300
	DefaultCacheJanitorSeconds     = 60
	DefaultRateLimitWindowSeconds  = 60
	DefaultRateLimitBudget         = 20
	DefaultHealthFailureThreshold  = 3
	DefaultHealthCooldownSeconds   = 120
	DefaultAcquireTimeoutSeconds   = 5
	DefaultLivenessIntervalSeconds = 15
	DefaultMirrorMaxConns          = 8
	DefaultMaxResults              = 10
	DefaultMaxResultsCap           = 50
)

const DefaultObservabilityListenAddress = "127.0.0.1:9464"
