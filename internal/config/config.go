// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Redis      RedisConfig      `mapstructure:"redis"`
	DB         DBConfig         `mapstructure:"db"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port        int `mapstructure:"port"`
	MetricsPort int `mapstructure:"metrics_port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	APIKey   string `mapstructure:"api_key"`
	AdminKey string `mapstructure:"admin_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// RedisConfig controls the Tier-2 cache, the queue, locks and rate-limit
// buckets. All cross-process coordination runs through this one connection.
type RedisConfig struct {
	URL              string `mapstructure:"url"`
	QueueName        string `mapstructure:"queue_name"`
	ResultTTLSeconds int    `mapstructure:"result_ttl_seconds"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	AutoCreateTable bool   `mapstructure:"auto_create_table"`
}

// CacheConfig sets tier capacities, TTLs, and the durable retention window.
type CacheConfig struct {
	MemoryCapacity   int `mapstructure:"memory_capacity"`
	MemoryTTLSeconds int `mapstructure:"memory_ttl_seconds"`
	RedisTTLSeconds  int `mapstructure:"redis_ttl_seconds"`
	RetentionDays    int `mapstructure:"retention_days"`
}

// ExtractionConfig governs the dual-engine extraction ladder.
type ExtractionConfig struct {
	TimeoutSeconds       int     `mapstructure:"timeout_seconds"`
	MaxAttempts          int     `mapstructure:"max_attempts"`
	BackoffBaseSeconds   float64 `mapstructure:"backoff_base_seconds"`
	BackoffCapSeconds    float64 `mapstructure:"backoff_cap_seconds"`
	OEmbedTimeoutSeconds int     `mapstructure:"oembed_timeout_seconds"`
	UpstreamRPS          float64 `mapstructure:"upstream_rps"`
	UpstreamBurst        int     `mapstructure:"upstream_burst"`
}

// RateLimitConfig parameterizes the per-principal token bucket.
type RateLimitConfig struct {
	PerMinute int  `mapstructure:"per_minute"`
	Burst     int  `mapstructure:"burst"`
	FailOpen  bool `mapstructure:"fail_open"`
}

// WorkerConfig bounds worker concurrency and shutdown behavior.
type WorkerConfig struct {
	Concurrency            int `mapstructure:"concurrency"`
	GracefulTimeoutSeconds int `mapstructure:"graceful_timeout_seconds"`
	DequeueTimeoutSeconds  int `mapstructure:"dequeue_timeout_seconds"`
	LeaseGraceSeconds      int `mapstructure:"lease_grace_seconds"`
	ReaperIntervalSeconds  int `mapstructure:"reaper_interval_seconds"`
	SweepIntervalSeconds   int `mapstructure:"sweep_interval_seconds"`
}

// WebhookConfig controls signed delivery of job notifications.
type WebhookConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
	Secret         string `mapstructure:"secret"`
	DispatchPool   int    `mapstructure:"dispatch_pool"`
	QueueDepth     int    `mapstructure:"queue_depth"`
}

// ProxyConfig describes the outbound proxy pool used by the extractor.
type ProxyConfig struct {
	PoolPath        string `mapstructure:"pool_path"`
	Auth            string `mapstructure:"auth"`
	MaxFailures     int    `mapstructure:"max_failures"`
	CooldownSeconds int    `mapstructure:"cooldown_seconds"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SUBTITLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8010)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("logging.development", false)
	v.SetDefault("redis.url", "redis://localhost:6379/2")
	v.SetDefault("redis.queue_name", "youtube-extraction")
	v.SetDefault("redis.result_ttl_seconds", 86400)
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("db.auto_create_table", true)
	v.SetDefault("cache.memory_capacity", 1024)
	v.SetDefault("cache.memory_ttl_seconds", 300)
	v.SetDefault("cache.redis_ttl_seconds", 86400)
	v.SetDefault("cache.retention_days", 30)
	v.SetDefault("extraction.timeout_seconds", 30)
	v.SetDefault("extraction.max_attempts", 4)
	v.SetDefault("extraction.backoff_base_seconds", 1.0)
	v.SetDefault("extraction.backoff_cap_seconds", 8.0)
	v.SetDefault("extraction.oembed_timeout_seconds", 5)
	v.SetDefault("extraction.upstream_rps", 2.0)
	v.SetDefault("extraction.upstream_burst", 4)
	v.SetDefault("rate_limit.per_minute", 30)
	v.SetDefault("rate_limit.burst", 5)
	v.SetDefault("rate_limit.fail_open", false)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.graceful_timeout_seconds", 30)
	v.SetDefault("worker.dequeue_timeout_seconds", 5)
	v.SetDefault("worker.lease_grace_seconds", 15)
	v.SetDefault("worker.reaper_interval_seconds", 30)
	v.SetDefault("worker.sweep_interval_seconds", 3600)
	v.SetDefault("webhook.timeout_seconds", 10)
	v.SetDefault("webhook.max_retries", 3)
	v.SetDefault("webhook.dispatch_pool", 4)
	v.SetDefault("webhook.queue_depth", 256)
	v.SetDefault("proxy.max_failures", 3)
	v.SetDefault("proxy.cooldown_seconds", 60)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Extraction.TimeoutSeconds <= 0 {
		return fmt.Errorf("extraction.timeout_seconds must be > 0")
	}
	if c.Extraction.MaxAttempts <= 0 {
		return fmt.Errorf("extraction.max_attempts must be > 0")
	}
	if c.RateLimit.PerMinute <= 0 {
		return fmt.Errorf("rate_limit.per_minute must be > 0")
	}
	if c.Cache.MemoryCapacity <= 0 {
		return fmt.Errorf("cache.memory_capacity must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// ExtractionTimeout converts the configured extraction budget to a Duration.
func (c Config) ExtractionTimeout() time.Duration {
	return time.Duration(c.Extraction.TimeoutSeconds) * time.Second
}

// MemoryTTL is the Tier-1 per-entry TTL.
func (c Config) MemoryTTL() time.Duration {
	return time.Duration(c.Cache.MemoryTTLSeconds) * time.Second
}

// RedisTTL is the Tier-2 artifact TTL.
func (c Config) RedisTTL() time.Duration {
	return time.Duration(c.Cache.RedisTTLSeconds) * time.Second
}

// Retention is the Tier-3 retention window.
func (c Config) Retention() time.Duration {
	return time.Duration(c.Cache.RetentionDays) * 24 * time.Hour
}
