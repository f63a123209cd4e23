// Package config loads the listing-resolver configuration from a YAML file
// and the environment.
package config

import (
	"errors"
	"net"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/Sternrassler/listing-resolver/pkg/cache"
	"github.com/Sternrassler/listing-resolver/pkg/circuitbreaker"
	"github.com/Sternrassler/listing-resolver/pkg/provider"
	"github.com/Sternrassler/listing-resolver/pkg/ratelimit"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

const (
	CacheBackendFile     = "file"
	CacheBackendRedis    = "redis"
	CacheBackendSQLite   = "sqlite"
	CacheBackendPostgres = "postgres"
)

// EnvPrefix prefixes every environment override, e.g.
// LISTING_RESOLVER_SERVER_ADDRESS.
const EnvPrefix = "LISTING_RESOLVER"

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	Environment     string        `mapstructure:"environment"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type CacheConfig struct {
	Backend      string                   `mapstructure:"backend"`
	File         string                   `mapstructure:"file"`
	MaxSize      int                      `mapstructure:"max_size"`
	SyncInterval time.Duration            `mapstructure:"sync_interval"`
	RedisAddr    string                   `mapstructure:"redis_addr"`
	RedisPrefix  string                   `mapstructure:"redis_prefix"`
	SQLitePath   string                   `mapstructure:"sqlite_path"`
	PostgresDSN  string                   `mapstructure:"postgres_dsn"`
	TTL          map[string]time.Duration `mapstructure:"ttl"`
}

// ProviderConfig tunes one provider. Credentials never live here; they are
// read from the process environment.
type ProviderConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	BaseURL          string        `mapstructure:"base_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `mapstructure:"reset_timeout"`
	RatePerSecond    float64       `mapstructure:"rate_per_second"`
	Burst            int           `mapstructure:"burst"`
}

// FallbackConfig points at the fallback chain file. Watch reloads it on change.
type FallbackConfig struct {
	ChainsFile string `mapstructure:"chains_file"`
	Watch      bool   `mapstructure:"watch"`
}

type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	File    string `mapstructure:"file"`
}

type BatchConfig struct {
	MaxConcurrency int `mapstructure:"max_concurrency"`
}

type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Cache     CacheConfig               `mapstructure:"cache"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Fallback  FallbackConfig            `mapstructure:"fallback"`
	Audit     AuditConfig               `mapstructure:"audit"`
	Batch     BatchConfig               `mapstructure:"batch"`
}

// ProviderOrder is the resolution waterfall, most trusted first.
var ProviderOrder = []string{
	provider.NameEtsyAPI,
	provider.NameSerper,
	provider.NamePerplexity,
	provider.NameBrave,
}

type providerDefaults struct {
	threshold int
	reset     time.Duration
	rate      float64
	burst     int
}

var defaultProviders = map[string]providerDefaults{
	provider.NameEtsyAPI:    {threshold: 3, reset: 5 * time.Minute, rate: 10, burst: 10},
	provider.NameSerper:     {threshold: 5, reset: 3 * time.Minute, rate: 5, burst: 5},
	provider.NamePerplexity: {threshold: 5, reset: 3 * time.Minute, rate: 1, burst: 2},
	provider.NameBrave:      {threshold: 5, reset: 3 * time.Minute, rate: 1, burst: 1},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.pretty", false)

	v.SetDefault("cache.backend", CacheBackendFile)
	v.SetDefault("cache.file", cache.DefaultCacheFile)
	v.SetDefault("cache.max_size", cache.DefaultMaxSize)
	v.SetDefault("cache.sync_interval", cache.DefaultSyncInterval.String())
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.redis_prefix", cache.DefaultRedisPrefix)
	v.SetDefault("cache.sqlite_path", cache.DefaultSQLiteFile)
	v.SetDefault("cache.postgres_dsn", "")
	for source, ttl := range cache.DefaultTTLPolicy().BySource {
		v.SetDefault("cache.ttl."+source, ttl.String())
	}

	for _, name := range ProviderOrder {
		d := defaultProviders[name]
		key := "providers." + name + "."
		v.SetDefault(key+"enabled", true)
		v.SetDefault(key+"timeout", provider.DefaultTimeout.String())
		v.SetDefault(key+"failure_threshold", d.threshold)
		v.SetDefault(key+"reset_timeout", d.reset.String())
		v.SetDefault(key+"rate_per_second", d.rate)
		v.SetDefault(key+"burst", d.burst)
	}

	v.SetDefault("fallback.chains_file", "")
	v.SetDefault("fallback.watch", false)
	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.file", "data/logs/audit.jsonl")
	v.SetDefault("batch.max_concurrency", 4)
}

// Load reads configuration. With an empty path it looks for config.yaml in
// ./config and the working directory; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Error().Err(err).Msg("Failed to read config file")
			return nil, err
		}
		log.Info().Msg("Config file not found, using defaults and environment variables")
	} else {
		log.Info().Str("file", v.ConfigFileUsed()).Msg("Loaded config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		log.Error().Err(err).Msg("Failed to unmarshal config")
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
					validation.Field(&sc.ShutdownTimeout, validation.Min(time.Duration(0))),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.Cache, validation.By(validateCacheConfig)),
		validation.Field(&c.Providers,
			validation.Each(validation.By(validateProviderConfig)),
		),
		validation.Field(&c.Batch,
			validation.By(func(value interface{}) error {
				bc, ok := value.(BatchConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a BatchConfig")
				}
				return validation.ValidateStruct(&bc,
					validation.Field(&bc.MaxConcurrency, validation.Required, validation.Min(1)),
				)
			}),
		),
		validation.Field(&c.Audit,
			validation.By(func(value interface{}) error {
				ac, ok := value.(AuditConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an AuditConfig")
				}
				return validation.ValidateStruct(&ac,
					validation.Field(&ac.File, validation.When(ac.Enabled, validation.Required)),
				)
			}),
		),
	)
}

func validateCacheConfig(value interface{}) error {
	cc, ok := value.(CacheConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a CacheConfig")
	}
	return validation.ValidateStruct(&cc,
		validation.Field(&cc.Backend,
			validation.Required,
			validation.In(CacheBackendFile, CacheBackendRedis, CacheBackendSQLite, CacheBackendPostgres),
		),
		validation.Field(&cc.File, validation.When(cc.Backend == CacheBackendFile, validation.Required)),
		validation.Field(&cc.RedisAddr,
			validation.When(cc.Backend == CacheBackendRedis, validation.Required, validation.By(validateHostPort)),
		),
		validation.Field(&cc.SQLitePath, validation.When(cc.Backend == CacheBackendSQLite, validation.Required)),
		validation.Field(&cc.PostgresDSN, validation.When(cc.Backend == CacheBackendPostgres, validation.Required)),
		validation.Field(&cc.MaxSize, validation.Required, validation.Min(1)),
		validation.Field(&cc.SyncInterval, validation.Required, validation.Min(time.Second)),
		validation.Field(&cc.TTL, validation.Each(validation.Min(time.Duration(0)))),
	)
}

func validateProviderConfig(value interface{}) error {
	pc, ok := value.(ProviderConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a ProviderConfig")
	}
	return validation.ValidateStruct(&pc,
		validation.Field(&pc.BaseURL, is.URL),
		validation.Field(&pc.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&pc.FailureThreshold, validation.Min(0)),
		validation.Field(&pc.ResetTimeout, validation.Min(time.Duration(0))),
		validation.Field(&pc.RatePerSecond, validation.Min(0.0)),
		validation.Field(&pc.Burst, validation.Min(0)),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

// TTLPolicy returns the configured per-source cache TTLs.
func (c CacheConfig) TTLPolicy() cache.TTLPolicy {
	policy := cache.DefaultTTLPolicy()
	for source, ttl := range c.TTL {
		if ttl > 0 {
			policy.BySource[source] = ttl
		}
	}
	return policy
}

// Provider returns the settings for name, falling back to its defaults when
// the name is absent from the file.
func (c *Config) Provider(name string) ProviderConfig {
	if pc, ok := c.Providers[name]; ok {
		return pc
	}
	d := defaultProviders[name]
	return ProviderConfig{
		Enabled:          true,
		Timeout:          provider.DefaultTimeout,
		FailureThreshold: d.threshold,
		ResetTimeout:     d.reset,
		RatePerSecond:    d.rate,
		Burst:            d.burst,
	}
}

// Breaker converts the provider settings to a breaker config.
func (pc ProviderConfig) Breaker() circuitbreaker.Config {
	return circuitbreaker.Config{
		FailureThreshold: pc.FailureThreshold,
		ResetTimeout:     pc.ResetTimeout,
	}
}

// RateLimits collects every provider's pacing.
func (c *Config) RateLimits() map[string]ratelimit.Limit {
	limits := make(map[string]ratelimit.Limit, len(ProviderOrder))
	for _, name := range ProviderOrder {
		pc := c.Provider(name)
		limits[name] = ratelimit.Limit{RatePerSecond: pc.RatePerSecond, Burst: pc.Burst}
	}
	return limits
}
