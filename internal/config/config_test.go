package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, 8081, cfg.HTTP.Port)
	assert.Equal(t, 30*time.Second, cfg.HTTP.ShutdownTimeout)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, EventsNone, cfg.Events.Mode)
	assert.Equal(t, "prescription.events", cfg.Kafka.EventsTopic)
	assert.Equal(t, "prescription.commands", cfg.Kafka.CommandsTopic)
	assert.True(t, cfg.Store.Breaker.Enabled)
	assert.Equal(t, int64(64<<20), cfg.Store.Cache.MaxCost)
	assert.Equal(t, 5*time.Second, cfg.Store.Cache.TTL)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("RXLEDGER_HTTP_PORT", "9090")
	t.Setenv("RXLEDGER_STORE_BACKEND", "redis")
	t.Setenv("RXLEDGER_STORE_REDIS_URL", "redis://cache:6379/2")
	t.Setenv("RXLEDGER_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("RXLEDGER_HTTP_API_KEYS", "abc=pharmacy-portal,def")

	cfg, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "redis://cache:6379/2", cfg.Store.RedisURL)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, map[string]string{"abc": "pharmacy-portal", "def": "default"}, cfg.APIKeyClients())
}

func TestConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	yaml := []byte(`
store:
  backend: sqlite
  sqlite_path: /var/lib/rxledger/ledger.db
  cache:
    enabled: true
events:
  mode: kafka
workers:
  count: 2
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rxledger.yaml"), yaml, 0o600))

	cfg, err := Load(New())
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "/var/lib/rxledger/ledger.db", cfg.Store.SQLitePath)
	assert.True(t, cfg.Store.Cache.Enabled)
	assert.Equal(t, EventsKafka, cfg.Events.Mode)
	assert.Equal(t, 2, cfg.Workers.Count)
	assert.Equal(t, 256, cfg.Workers.QueueSize)
}

func TestMalformedConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rxledger.yaml"), []byte("store: [unclosed"), 0o600))

	_, err := Load(New())
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown backend":      func(c *Config) { c.Store.Backend = "cassandra" },
		"postgres without url": func(c *Config) { c.Store.Backend = BackendPostgres },
		"outbox without url":   func(c *Config) { c.Events.Mode = EventsOutbox },
		"unknown events mode":  func(c *Config) { c.Events.Mode = "sns" },
		"zero workers":         func(c *Config) { c.Workers.Count = 0 },
		"sample rate":          func(c *Config) { c.Tracing.SampleRate = 1.5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			cfg, err := Load(New())
			require.NoError(t, err)
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
