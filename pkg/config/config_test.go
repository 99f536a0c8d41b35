package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("AGENTBUS_SERVICE_NAME", "orchestrator")
	t.Setenv("AGENTBUS_ENVIRONMENT", "staging")
	t.Setenv("AGENTBUS_REDIS_URL", "redis://localhost:6390/1")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "orchestrator", cfg.ServiceName)
	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, "redis://localhost:6390/1", cfg.Redis.URL)

	// Defaults fill the rest
	assert.Equal(t, "agentbus", cfg.KeyRoot)
	assert.Equal(t, 5, cfg.Worker.NumWorkers)
	assert.Equal(t, int64(3), cfg.Worker.MaxDeliveries)
	assert.Equal(t, time.Second, cfg.Worker.RetryBackoff)
	assert.Equal(t, 30*time.Second, cfg.Client.DefaultTimeout)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service_name: embedding
environment: prod
key_root: agentbus
redis:
  url: redis://redis.internal:6379
  pool_size: 20
  blocking_pool_size: 12
worker:
  num_workers: 8
  max_deliveries: 5
  retry_backoff: 250ms
  visibility_timeout: 2m
  response_ttl: 45s
tier:
  rate_rps: 50
  rate_burst: 100
logging:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "embedding", cfg.ServiceName)
	assert.Equal(t, "prod", cfg.Environment)
	assert.Equal(t, 20, cfg.Redis.PoolSize)
	assert.Equal(t, 12, cfg.Redis.BlockingPoolSize)
	assert.Equal(t, 8, cfg.Worker.NumWorkers)
	assert.Equal(t, int64(5), cfg.Worker.MaxDeliveries)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.RetryBackoff)
	assert.Equal(t, 2*time.Minute, cfg.Worker.VisibilityTimeout)
	assert.Equal(t, 45*time.Second, cfg.Worker.ResponseTTL)
	assert.Equal(t, 50, cfg.Tier.RateRPS)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service_name: embedding
environment: dev
redis:
  url: redis://file-host:6379
`), 0o644))

	t.Setenv("AGENTBUS_REDIS_URL", "redis://env-host:6379")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis://env-host:6379", cfg.Redis.URL)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			ServiceName: "orchestrator",
			Environment: "dev",
			KeyRoot:     "agentbus",
			Redis:       RedisConfig{URL: "redis://localhost:6379"},
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("missing service name", func(t *testing.T) {
		c := base()
		c.ServiceName = ""
		assert.Error(t, c.Validate())
	})

	t.Run("service name with separator", func(t *testing.T) {
		c := base()
		c.ServiceName = "bad:name"
		assert.Error(t, c.Validate())
	})

	t.Run("missing environment", func(t *testing.T) {
		c := base()
		c.Environment = ""
		assert.Error(t, c.Validate())
	})

	t.Run("no redis target", func(t *testing.T) {
		c := base()
		c.Redis = RedisConfig{}
		assert.Error(t, c.Validate())
	})

	t.Run("sentinel without url", func(t *testing.T) {
		c := base()
		c.Redis = RedisConfig{SentinelEnabled: true, MasterName: "main", SentinelAddrs: []string{"s:26379"}}
		assert.NoError(t, c.Validate())
	})
}

func TestLoadRejectsIncomplete(t *testing.T) {
	// No service name anywhere
	_, err := Load("")
	assert.Error(t, err)
}

func TestConversions(t *testing.T) {
	cfg := &Config{
		ServiceName: "orchestrator",
		Environment: "dev",
		KeyRoot:     "agentbus",
		Redis: RedisConfig{
			URL:              "redis://localhost:6379",
			PoolSize:         15,
			BlockingPoolSize: 6,
		},
		Worker: WorkerConfig{
			NumWorkers:        4,
			MaxDeliveries:     2,
			RetryBackoff:      2 * time.Second,
			VisibilityTimeout: 90 * time.Second,
		},
	}

	t.Run("keyspace", func(t *testing.T) {
		ks, err := cfg.Keyspace()
		require.NoError(t, err)
		stream, err := ks.ActionStream("orchestrator")
		require.NoError(t, err)
		assert.Equal(t, "agentbus:dev:orchestrator:actions", stream)
	})

	t.Run("redis client config", func(t *testing.T) {
		rc := cfg.RedisClientConfig()
		assert.Equal(t, "redis://localhost:6379", rc.URL)
		assert.Equal(t, 15, rc.PoolSize)
		assert.Equal(t, 6, rc.BlockingPoolSize)
		// Unset fields keep their defaults
		assert.Equal(t, 3, rc.MaxRetries)
	})

	t.Run("worker config", func(t *testing.T) {
		wc := cfg.WorkerConfig()
		assert.Equal(t, "orchestrator", wc.ServiceName)
		assert.Equal(t, 4, wc.NumWorkers)
		assert.Equal(t, int64(2), wc.MaxDeliveries)
		assert.Equal(t, 2*time.Second, wc.RetryBackoff)
		assert.Equal(t, 90*time.Second, wc.VisibilityTimeout)
	})
}
