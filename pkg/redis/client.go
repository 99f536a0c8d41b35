// Package redis provides the pooled connection layer the substrate speaks
// through. It exposes exactly the command families of the wire protocol:
// streams, lists, keys, and counters.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/agentbus/agentbus/pkg/observability"
)

// Config represents the connection configuration
type Config struct {
	// URL is a redis:// or rediss:// connection URL. When set it takes
	// precedence over Addresses.
	URL string `yaml:"url" json:"url" mapstructure:"url"`

	Addresses    []string      `yaml:"addresses" json:"addresses" mapstructure:"addresses"`
	Username     string        `yaml:"username" json:"username" mapstructure:"username"`
	Password     string        `yaml:"password" json:"password" mapstructure:"password"`
	DB           int           `yaml:"db" json:"db" mapstructure:"db"`
	MaxRetries   int           `yaml:"max_retries" json:"max_retries" mapstructure:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff" json:"retry_backoff" mapstructure:"retry_backoff"`

	DialTimeout  time.Duration `yaml:"dial_timeout" json:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" mapstructure:"write_timeout"`

	TLSEnabled bool        `yaml:"tls_enabled" json:"tls_enabled" mapstructure:"tls_enabled"`
	TLSConfig  *tls.Config `yaml:"-" json:"-" mapstructure:"-"`

	PoolSize     int           `yaml:"pool_size" json:"pool_size" mapstructure:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns" json:"min_idle_conns" mapstructure:"min_idle_conns"`
	PoolTimeout  time.Duration `yaml:"pool_timeout" json:"pool_timeout" mapstructure:"pool_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout" mapstructure:"idle_timeout"`

	// BlockingPoolSize sizes the dedicated pool used for blocking commands
	// (XREADGROUP BLOCK, BLPOP) so they never starve the shared pool.
	BlockingPoolSize int `yaml:"blocking_pool_size" json:"blocking_pool_size" mapstructure:"blocking_pool_size"`

	// Sentinel settings
	SentinelEnabled  bool     `yaml:"sentinel_enabled" json:"sentinel_enabled" mapstructure:"sentinel_enabled"`
	MasterName       string   `yaml:"master_name" json:"master_name" mapstructure:"master_name"`
	SentinelAddrs    []string `yaml:"sentinel_addrs" json:"sentinel_addrs" mapstructure:"sentinel_addrs"`
	SentinelPassword string   `yaml:"sentinel_password" json:"sentinel_password" mapstructure:"sentinel_password"`
}

// DefaultConfig returns a default connection configuration
func DefaultConfig() *Config {
	return &Config{
		Addresses:        []string{"localhost:6379"},
		MaxRetries:       3,
		RetryBackoff:     100 * time.Millisecond,
		DialTimeout:      10 * time.Second,
		ReadTimeout:      10 * time.Second,
		WriteTimeout:     10 * time.Second,
		PoolSize:         10,
		MinIdleConns:     2,
		PoolTimeout:      4 * time.Second,
		IdleTimeout:      5 * time.Minute,
		BlockingPoolSize: 8,
	}
}

// Client wraps two go-redis clients over one logical Redis deployment: a
// shared pool for ordinary commands and a dedicated pool for blocking reads.
type Client struct {
	config *Config
	logger observability.Logger

	mu       sync.RWMutex
	client   redis.UniversalClient
	blocking redis.UniversalClient

	healthy         bool
	healthMu        sync.RWMutex
	lastHealthCheck time.Time
	stopHealth      chan struct{}
	stopOnce        sync.Once
}

// NewClient connects to Redis and starts the health-check loop
func NewClient(config *Config, logger observability.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	c := &Client{
		config:     config,
		logger:     logger,
		healthy:    true,
		stopHealth: make(chan struct{}),
	}

	if err := c.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	go c.healthCheckLoop()

	return c, nil
}

func (c *Client) options() (*redis.Options, error) {
	if c.config.URL != "" {
		opts, err := redis.ParseURL(c.config.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		if c.config.Password != "" {
			opts.Password = c.config.Password
		}
		return opts, nil
	}

	if len(c.config.Addresses) == 0 {
		return nil, fmt.Errorf("no Redis addresses configured")
	}

	opts := &redis.Options{
		Addr:     c.config.Addresses[0],
		Username: c.config.Username,
		Password: c.config.Password,
		DB:       c.config.DB,
	}
	if c.config.TLSEnabled {
		opts.TLSConfig = c.config.TLSConfig
		if opts.TLSConfig == nil {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
	}
	return opts, nil
}

func (c *Client) applyPool(opts *redis.Options, poolSize int) {
	opts.MaxRetries = c.config.MaxRetries
	opts.MinRetryBackoff = c.config.RetryBackoff
	opts.DialTimeout = c.config.DialTimeout
	opts.ReadTimeout = c.config.ReadTimeout
	opts.WriteTimeout = c.config.WriteTimeout
	opts.PoolSize = poolSize
	opts.MinIdleConns = c.config.MinIdleConns
	opts.PoolTimeout = c.config.PoolTimeout
	opts.ConnMaxIdleTime = c.config.IdleTimeout
}

func (c *Client) connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var client, blocking redis.UniversalClient

	if c.config.SentinelEnabled {
		if len(c.config.SentinelAddrs) == 0 {
			return fmt.Errorf("no Sentinel addresses configured")
		}
		mk := func(poolSize int) redis.UniversalClient {
			return redis.NewFailoverClient(&redis.FailoverOptions{
				MasterName:       c.config.MasterName,
				SentinelAddrs:    c.config.SentinelAddrs,
				SentinelPassword: c.config.SentinelPassword,
				Username:         c.config.Username,
				Password:         c.config.Password,
				DB:               c.config.DB,
				MaxRetries:       c.config.MaxRetries,
				MinRetryBackoff:  c.config.RetryBackoff,
				DialTimeout:      c.config.DialTimeout,
				ReadTimeout:      c.config.ReadTimeout,
				WriteTimeout:     c.config.WriteTimeout,
				PoolSize:         poolSize,
				MinIdleConns:     c.config.MinIdleConns,
				PoolTimeout:      c.config.PoolTimeout,
				ConnMaxIdleTime:  c.config.IdleTimeout,
				TLSConfig:        c.config.TLSConfig,
			})
		}
		client = mk(c.config.PoolSize)
		blocking = mk(c.blockingPoolSize())
	} else {
		opts, err := c.options()
		if err != nil {
			return err
		}
		c.applyPool(opts, c.config.PoolSize)
		client = redis.NewClient(opts)

		bopts := *opts
		c.applyPool(&bopts, c.blockingPoolSize())
		blocking = redis.NewClient(&bopts)
	}

	// Initial ping gets a generous budget: dial + TLS handshake + AUTH
	testTimeout := c.config.DialTimeout + c.config.ReadTimeout
	if testTimeout == 0 {
		testTimeout = 20 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		_ = blocking.Close()
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	c.client = client
	c.blocking = blocking
	c.logger.Info("Connected to Redis", map[string]interface{}{
		"mode":      c.mode(),
		"addresses": c.config.Addresses,
	})

	return nil
}

func (c *Client) blockingPoolSize() int {
	if c.config.BlockingPoolSize > 0 {
		return c.config.BlockingPoolSize
	}
	return 8
}

func (c *Client) mode() string {
	if c.config.SentinelEnabled {
		return "sentinel"
	}
	if c.config.URL != "" && strings.HasPrefix(c.config.URL, "rediss://") {
		return "single-tls"
	}
	return "single"
}

func (c *Client) healthCheckLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHealth:
			return
		case <-ticker.C:
			c.checkHealth()
		}
	}
}

func (c *Client) checkHealth() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	err := c.Unwrap().Ping(ctx).Err()

	c.healthMu.Lock()
	c.healthy = err == nil
	c.lastHealthCheck = time.Now()
	c.healthMu.Unlock()

	if err != nil {
		c.logger.Error("Redis health check failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// IsHealthy returns the last observed health status
func (c *Client) IsHealthy() bool {
	c.healthMu.RLock()
	defer c.healthMu.RUnlock()
	return c.healthy
}

// Close stops the health loop and closes both pools
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stopHealth) })

	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	if c.client != nil {
		err = c.client.Close()
	}
	if c.blocking != nil {
		if berr := c.blocking.Close(); err == nil {
			err = berr
		}
	}
	return err
}

// Unwrap returns the shared-pool client for direct command access
func (c *Client) Unwrap() redis.UniversalClient {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

// Blocking returns the dedicated-pool client for blocking commands
func (c *Client) Blocking() redis.UniversalClient {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.blocking
}
