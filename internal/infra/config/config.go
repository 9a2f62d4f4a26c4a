package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"medrefd/internal/domain"
)

// Config is the validated runtime configuration.
type Config struct {
	Mirror        MirrorConfig
	Cache         CacheConfig
	Health        HealthConfig
	Probe         ProbeConfig
	RateLimit     RateLimitConfig
	Sources       map[string]SourceConfig
	CallTimeout   time.Duration
	Observability ObservabilityConfig
	Logging       LoggingConfig
}

type MirrorConfig struct {
	DSN              string
	MaxConns         int32
	AcquireTimeout   time.Duration
	LivenessInterval time.Duration
}

type CacheConfig struct {
	TTL             time.Duration
	JanitorInterval time.Duration
}

type HealthConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
}

type ProbeConfig struct {
	Timeout     time.Duration
	MinInterval time.Duration
}

// RateLimitConfig is a fixed-window call budget.
type RateLimitConfig struct {
	Window time.Duration
	Calls  int
}

type SourceConfig struct {
	BaseURL   string
	APIKey    string
	Disabled  bool
	RateLimit *RateLimitConfig
}

type ObservabilityConfig struct {
	ListenAddress string
	EnableMetrics bool
	EnableHealthz bool
}

type LoggingConfig struct {
	Level    string
	Encoding string
}

type rawConfig struct {
	Mirror             rawMirrorConfig            `mapstructure:"mirror"`
	CacheTTLSeconds    int                        `mapstructure:"cacheTTLSeconds"`
	CacheJanitorSecs   int                        `mapstructure:"cacheJanitorSeconds"`
	CallTimeoutSeconds int                        `mapstructure:"callTimeoutSeconds"`
	Health             rawHealthConfig            `mapstructure:"health"`
	Probe              rawProbeConfig             `mapstructure:"probe"`
	RateLimit          rawRateLimitConfig         `mapstructure:"rateLimit"`
	Sources            map[string]rawSourceConfig `mapstructure:"sources"`
	Observability      rawObservabilityConfig     `mapstructure:"observability"`
	Logging            rawLoggingConfig           `mapstructure:"logging"`
}

type rawMirrorConfig struct {
	DSN                     string `mapstructure:"dsn"`
	MaxConns                int    `mapstructure:"maxConns"`
	AcquireTimeoutSeconds   int    `mapstructure:"acquireTimeoutSeconds"`
	LivenessIntervalSeconds int    `mapstructure:"livenessIntervalSeconds"`
}

type rawHealthConfig struct {
	FailureThreshold int `mapstructure:"failureThreshold"`
	CooldownSeconds  int `mapstructure:"cooldownSeconds"`
}

type rawProbeConfig struct {
	TimeoutSeconds     int `mapstructure:"timeoutSeconds"`
	MinIntervalSeconds int `mapstructure:"minIntervalSeconds"`
}

type rawRateLimitConfig struct {
	WindowSeconds int `mapstructure:"windowSeconds"`
	Calls         int `mapstructure:"calls"`
}

type rawSourceConfig struct {
	BaseURL   string              `mapstructure:"baseURL"`
	APIKey    string              `mapstructure:"apiKey"`
	Disabled  bool                `mapstructure:"disabled"`
	RateLimit *rawRateLimitConfig `mapstructure:"rateLimit"`
}

type rawObservabilityConfig struct {
	ListenAddress string `mapstructure:"listenAddress"`
	EnableMetrics bool   `mapstructure:"enableMetrics"`
	EnableHealthz bool   `mapstructure:"enableHealthz"`
}

type rawLoggingConfig struct {
	Level    string `mapstructure:"level"`
	Encoding string `mapstructure:"encoding"`
}

// Loader reads and validates configuration files.
type Loader struct {
	logger *zap.Logger
}

func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		return &Loader{logger: zap.NewNop()}
	}
	return &Loader{logger: logger.Named("config")}
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mirror.maxConns", domain.DefaultMirrorMaxConns)
	v.SetDefault("mirror.acquireTimeoutSeconds", domain.DefaultAcquireTimeoutSeconds)
	v.SetDefault("mirror.livenessIntervalSeconds", domain.DefaultLivenessIntervalSeconds)
	v.SetDefault("cacheTTLSeconds", domain.DefaultCacheTTLSeconds)
	v.SetDefault("cacheJanitorSeconds", domain.DefaultCacheJanitorSeconds)
	v.SetDefault("callTimeoutSeconds", domain.DefaultCallTimeoutSeconds)
	v.SetDefault("health.failureThreshold", domain.DefaultHealthFailureThreshold)
	v.SetDefault("health.cooldownSeconds", domain.DefaultHealthCooldownSeconds)
	v.SetDefault("probe.timeoutSeconds", domain.DefaultProbeTimeoutSeconds)
	v.SetDefault("probe.minIntervalSeconds", domain.DefaultProbeMinIntervalSeconds)
	v.SetDefault("rateLimit.windowSeconds", domain.DefaultRateLimitWindowSeconds)
	v.SetDefault("rateLimit.calls", domain.DefaultRateLimitBudget)
	v.SetDefault("observability.listenAddress", domain.DefaultObservabilityListenAddress)
	v.SetDefault("observability.enableMetrics", true)
	v.SetDefault("observability.enableHealthz", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "json")
}

// Load reads the file at path, expands ${ENV_VAR} references, and validates
// the result. Secrets such as the mirror DSN are expected to arrive through
// the environment rather than the file itself.
func (l *Loader) Load(path string) (Config, error) {
	if path == "" {
		return Config{}, domain.E(domain.CodeConfiguration, "config.load", "config path is required", nil)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, domain.E(domain.CodeConfiguration, "config.load", "read config", err)
	}

	expanded, missing := expandConfigEnv(data)
	if len(missing) > 0 {
		l.logger.Warn("missing environment variables in config",
			zap.String("path", path),
			zap.Strings("missing", missing),
		)
	}

	v := newConfigViper()
	if err := v.ReadConfig(bytes.NewReader(expanded)); err != nil {
		return Config{}, domain.E(domain.CodeConfiguration, "config.load", "parse config", err)
	}

	var raw rawConfig
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, domain.E(domain.CodeConfiguration, "config.load", "decode config", err)
	}

	return normalize(raw)
}

func normalize(raw rawConfig) (Config, error) {
	var errs []string

	if strings.TrimSpace(raw.Mirror.DSN) == "" {
		errs = append(errs, "mirror.dsn is required")
	}
	if raw.Mirror.MaxConns <= 0 {
		errs = append(errs, "mirror.maxConns must be > 0")
	}
	if raw.Mirror.AcquireTimeoutSeconds <= 0 {
		errs = append(errs, "mirror.acquireTimeoutSeconds must be > 0")
	}
	if raw.Mirror.LivenessIntervalSeconds <= 0 {
		errs = append(errs, "mirror.livenessIntervalSeconds must be > 0")
	}
	if raw.CacheTTLSeconds <= 0 {
		errs = append(errs, "cacheTTLSeconds must be > 0")
	}
	if raw.CacheJanitorSecs <= 0 {
		errs = append(errs, "cacheJanitorSeconds must be > 0")
	}
	if raw.CallTimeoutSeconds <= 0 {
		errs = append(errs, "callTimeoutSeconds must be > 0")
	}
	if raw.Health.FailureThreshold <= 0 {
		errs = append(errs, "health.failureThreshold must be > 0")
	}
	if raw.Health.CooldownSeconds <= 0 {
		errs = append(errs, "health.cooldownSeconds must be > 0")
	}
	if raw.Probe.TimeoutSeconds <= 0 {
		errs = append(errs, "probe.timeoutSeconds must be > 0")
	}
	if raw.Probe.MinIntervalSeconds <= 0 {
		errs = append(errs, "probe.minIntervalSeconds must be > 0")
	}
	if raw.RateLimit.WindowSeconds <= 0 {
		errs = append(errs, "rateLimit.windowSeconds must be > 0")
	}
	if raw.RateLimit.Calls <= 0 {
		errs = append(errs, "rateLimit.calls must be > 0")
	}
	if strings.TrimSpace(raw.Observability.ListenAddress) == "" {
		errs = append(errs, "observability.listenAddress must not be empty")
	}

	sources := make(map[string]SourceConfig, len(raw.Sources))
	for name, src := range raw.Sources {
		cfg := SourceConfig{
			BaseURL:  strings.TrimSpace(src.BaseURL),
			APIKey:   strings.TrimSpace(src.APIKey),
			Disabled: src.Disabled,
		}
		if cfg.BaseURL != "" {
			if parsed, err := url.ParseRequestURI(cfg.BaseURL); err != nil || parsed.Host == "" ||
				(parsed.Scheme != "http" && parsed.Scheme != "https") {
				errs = append(errs, fmt.Sprintf("sources.%s.baseURL must be a valid http(s) URL", name))
			}
		}
		if src.RateLimit != nil {
			if src.RateLimit.WindowSeconds <= 0 || src.RateLimit.Calls <= 0 {
				errs = append(errs, fmt.Sprintf("sources.%s.rateLimit must have positive windowSeconds and calls", name))
			}
			cfg.RateLimit = &RateLimitConfig{
				Window: time.Duration(src.RateLimit.WindowSeconds) * time.Second,
				Calls:  src.RateLimit.Calls,
			}
		}
		sources[name] = cfg
	}

	if len(errs) > 0 {
		return Config{}, domain.E(domain.CodeConfiguration, "config.validate", strings.Join(errs, "; "), nil)
	}

	return Config{
		Mirror: MirrorConfig{
			DSN:              strings.TrimSpace(raw.Mirror.DSN),
			MaxConns:         int32(raw.Mirror.MaxConns),
			AcquireTimeout:   time.Duration(raw.Mirror.AcquireTimeoutSeconds) * time.Second,
			LivenessInterval: time.Duration(raw.Mirror.LivenessIntervalSeconds) * time.Second,
		},
		Cache: CacheConfig{
			TTL:             time.Duration(raw.CacheTTLSeconds) * time.Second,
			JanitorInterval: time.Duration(raw.CacheJanitorSecs) * time.Second,
		},
		Health: HealthConfig{
			FailureThreshold: raw.Health.FailureThreshold,
			Cooldown:         time.Duration(raw.Health.CooldownSeconds) * time.Second,
		},
		Probe: ProbeConfig{
			Timeout:     time.Duration(raw.Probe.TimeoutSeconds) * time.Second,
			MinInterval: time.Duration(raw.Probe.MinIntervalSeconds) * time.Second,
		},
		RateLimit: RateLimitConfig{
			Window: time.Duration(raw.RateLimit.WindowSeconds) * time.Second,
			Calls:  raw.RateLimit.Calls,
		},
		Sources:     sources,
		CallTimeout: time.Duration(raw.CallTimeoutSeconds) * time.Second,
		Observability: ObservabilityConfig{
			ListenAddress: strings.TrimSpace(raw.Observability.ListenAddress),
			EnableMetrics: raw.Observability.EnableMetrics,
			EnableHealthz: raw.Observability.EnableHealthz,
		},
		Logging: LoggingConfig{
			Level:    strings.ToLower(strings.TrimSpace(raw.Logging.Level)),
			Encoding: strings.ToLower(strings.TrimSpace(raw.Logging.Encoding)),
		},
	}, nil
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandConfigEnv substitutes ${NAME} references from the environment and
// reports names that were unset. Unset references expand to empty strings so
// validation catches the resulting holes.
func expandConfigEnv(data []byte) ([]byte, []string) {
	var missing []string
	expanded := envRefPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(envRefPattern.FindSubmatch(match)[1])
		value, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return nil
		}
		return []byte(value)
	})
	return expanded, missing
}

// RedactDSN strips credentials from a connection string so it can be logged.
func RedactDSN(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Host == "" {
		return "(redacted)"
	}
	if parsed.User != nil {
		parsed.User = url.User(parsed.User.Username())
	}
	parsed.RawQuery = ""
	return parsed.Redacted()
}
