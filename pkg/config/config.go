// Package config loads the substrate configuration from a YAML file and the
// environment. Environment variables win over the file; the file wins over
// built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentbus/agentbus/pkg/keyspace"
	redisclient "github.com/agentbus/agentbus/pkg/redis"
	"github.com/agentbus/agentbus/pkg/worker"
)

// Config is the full configuration surface of one service instance
type Config struct {
	// ServiceName identifies this service in the keyspace; mandatory
	ServiceName string `mapstructure:"service_name"`
	// Environment partitions the keyspace (dev, staging, prod); mandatory
	Environment string `mapstructure:"environment"`
	// KeyRoot is the leading segment of every key
	KeyRoot string `mapstructure:"key_root"`

	Redis  RedisConfig  `mapstructure:"redis"`
	Worker WorkerConfig `mapstructure:"worker"`
	Client ClientConfig `mapstructure:"client"`
	Tier   TierConfig   `mapstructure:"tier"`

	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// RedisConfig is the connection section
type RedisConfig struct {
	URL              string        `mapstructure:"url"`
	Addresses        []string      `mapstructure:"addresses"`
	Username         string        `mapstructure:"username"`
	Password         string        `mapstructure:"password"`
	DB               int           `mapstructure:"db"`
	MaxRetries       int           `mapstructure:"max_retries"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	PoolSize         int           `mapstructure:"pool_size"`
	MinIdleConns     int           `mapstructure:"min_idle_conns"`
	BlockingPoolSize int           `mapstructure:"blocking_pool_size"`
	TLSEnabled       bool          `mapstructure:"tls_enabled"`

	SentinelEnabled  bool     `mapstructure:"sentinel_enabled"`
	MasterName       string   `mapstructure:"master_name"`
	SentinelAddrs    []string `mapstructure:"sentinel_addrs"`
	SentinelPassword string   `mapstructure:"sentinel_password"`
}

// WorkerConfig is the stream consumer section
type WorkerConfig struct {
	ConsumerName      string        `mapstructure:"consumer_name"`
	NumWorkers        int           `mapstructure:"num_workers"`
	BatchSize         int64         `mapstructure:"batch_size"`
	BlockTimeout      time.Duration `mapstructure:"block_timeout"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	ClaimInterval     time.Duration `mapstructure:"claim_interval"`
	MaxDeliveries     int64         `mapstructure:"max_deliveries"`
	RetryBackoff      time.Duration `mapstructure:"retry_backoff"`
	ProcessTimeout    time.Duration `mapstructure:"process_timeout"`
	ResponseTTL       time.Duration `mapstructure:"response_ttl"`
	MetricsInterval   time.Duration `mapstructure:"metrics_interval"`
	StreamMaxLen      int64         `mapstructure:"stream_max_len"`
	TrimInterval      time.Duration `mapstructure:"trim_interval"`
}

// ClientConfig is the action emission section
type ClientConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	ResponseTTL    time.Duration `mapstructure:"response_ttl"`
}

// TierConfig is the policy engine section
type TierConfig struct {
	// TablePath points to a YAML tier table; empty uses the built-in table
	TablePath string `mapstructure:"table_path"`
	// RateRPS and RateBurst tune the in-process per-tenant limiter; zero
	// RateRPS disables it
	RateRPS   int `mapstructure:"rate_rps"`
	RateBurst int `mapstructure:"rate_burst"`
}

// LoggingConfig is the log output section
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// TracingConfig is the trace export section
type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// Load reads configuration from the optional file at path and the
// environment. Pass an empty path to use environment and defaults only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional names most deployments already export
	_ = v.BindEnv("redis.url", "AGENTBUS_REDIS_URL", "REDIS_URL")
	_ = v.BindEnv("redis.password", "AGENTBUS_REDIS_PASSWORD", "REDIS_PASSWORD")
	_ = v.BindEnv("environment", "AGENTBUS_ENVIRONMENT", "ENVIRONMENT")
	_ = v.BindEnv("service_name", "AGENTBUS_SERVICE_NAME", "SERVICE_NAME")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("key_root", "agentbus")
	v.SetDefault("environment", "dev")

	v.SetDefault("redis.addresses", []string{"localhost:6379"})
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.dial_timeout", 10*time.Second)
	v.SetDefault("redis.read_timeout", 10*time.Second)
	v.SetDefault("redis.write_timeout", 10*time.Second)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.blocking_pool_size", 8)

	v.SetDefault("worker.num_workers", 5)
	v.SetDefault("worker.batch_size", 10)
	v.SetDefault("worker.block_timeout", 5*time.Second)
	v.SetDefault("worker.visibility_timeout", time.Minute)
	v.SetDefault("worker.claim_interval", 30*time.Second)
	v.SetDefault("worker.max_deliveries", 3)
	v.SetDefault("worker.retry_backoff", time.Second)
	v.SetDefault("worker.process_timeout", 30*time.Second)
	v.SetDefault("worker.response_ttl", 30*time.Second)
	v.SetDefault("worker.metrics_interval", time.Minute)
	v.SetDefault("worker.trim_interval", 5*time.Minute)

	v.SetDefault("client.default_timeout", 30*time.Second)
	v.SetDefault("client.response_ttl", 30*time.Second)

	v.SetDefault("tier.rate_rps", 0)
	v.SetDefault("tier.rate_burst", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
}

// Validate checks the mandatory fields
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if !keyspace.ValidSegment(c.ServiceName) {
		return fmt.Errorf("service_name %q is not a valid key segment", c.ServiceName)
	}
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	if !keyspace.ValidSegment(c.Environment) {
		return fmt.Errorf("environment %q is not a valid key segment", c.Environment)
	}
	if !keyspace.ValidSegment(c.KeyRoot) {
		return fmt.Errorf("key_root %q is not a valid key segment", c.KeyRoot)
	}
	if c.Redis.URL == "" && len(c.Redis.Addresses) == 0 && !c.Redis.SentinelEnabled {
		return fmt.Errorf("redis.url or redis.addresses is required")
	}
	return nil
}

// Keyspace builds the key generator for this configuration
func (c *Config) Keyspace() (*keyspace.Keyspace, error) {
	return keyspace.New(c.KeyRoot, c.Environment)
}

// RedisClientConfig converts the redis section into the connection layer's
// configuration
func (c *Config) RedisClientConfig() *redisclient.Config {
	rc := redisclient.DefaultConfig()
	rc.URL = c.Redis.URL
	if len(c.Redis.Addresses) > 0 {
		rc.Addresses = c.Redis.Addresses
	}
	rc.Username = c.Redis.Username
	rc.Password = c.Redis.Password
	rc.DB = c.Redis.DB
	if c.Redis.MaxRetries > 0 {
		rc.MaxRetries = c.Redis.MaxRetries
	}
	if c.Redis.DialTimeout > 0 {
		rc.DialTimeout = c.Redis.DialTimeout
	}
	if c.Redis.ReadTimeout > 0 {
		rc.ReadTimeout = c.Redis.ReadTimeout
	}
	if c.Redis.WriteTimeout > 0 {
		rc.WriteTimeout = c.Redis.WriteTimeout
	}
	if c.Redis.PoolSize > 0 {
		rc.PoolSize = c.Redis.PoolSize
	}
	if c.Redis.MinIdleConns > 0 {
		rc.MinIdleConns = c.Redis.MinIdleConns
	}
	if c.Redis.BlockingPoolSize > 0 {
		rc.BlockingPoolSize = c.Redis.BlockingPoolSize
	}
	rc.TLSEnabled = c.Redis.TLSEnabled
	rc.SentinelEnabled = c.Redis.SentinelEnabled
	rc.MasterName = c.Redis.MasterName
	rc.SentinelAddrs = c.Redis.SentinelAddrs
	rc.SentinelPassword = c.Redis.SentinelPassword
	return rc
}

// WorkerConfig converts the worker section into the stream consumer's
// configuration
func (c *Config) WorkerConfig() worker.Config {
	return worker.Config{
		ServiceName:       c.ServiceName,
		ConsumerName:      c.Worker.ConsumerName,
		NumWorkers:        c.Worker.NumWorkers,
		BatchSize:         c.Worker.BatchSize,
		BlockTimeout:      c.Worker.BlockTimeout,
		VisibilityTimeout: c.Worker.VisibilityTimeout,
		ClaimInterval:     c.Worker.ClaimInterval,
		MaxDeliveries:     c.Worker.MaxDeliveries,
		RetryBackoff:      c.Worker.RetryBackoff,
		ProcessTimeout:    c.Worker.ProcessTimeout,
		ResponseTTL:       c.Worker.ResponseTTL,
		MetricsInterval:   c.Worker.MetricsInterval,
		StreamMaxLen:      c.Worker.StreamMaxLen,
		TrimInterval:      c.Worker.TrimInterval,
	}
}
