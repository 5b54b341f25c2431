// Package config loads ledger settings from defaults, an optional rxledger.yaml and
// RXLEDGER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides: store.backend is read from RXLEDGER_STORE_BACKEND.
const EnvPrefix = "RXLEDGER"

type Config struct {
	HTTP    HTTPConfig    `mapstructure:"http"`
	Log     LogConfig     `mapstructure:"log"`
	Store   StoreConfig   `mapstructure:"store"`
	Events  EventsConfig  `mapstructure:"events"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Workers WorkersConfig `mapstructure:"workers"`
}

type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	APIKeys         []string      `mapstructure:"api_keys"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type StoreConfig struct {
	Backend     string        `mapstructure:"backend"`
	SQLitePath  string        `mapstructure:"sqlite_path"`
	PostgresURL string        `mapstructure:"postgres_url"`
	RedisURL    string        `mapstructure:"redis_url"`
	Cache       CacheConfig   `mapstructure:"cache"`
	Breaker     BreakerConfig `mapstructure:"breaker"`
}

// CacheConfig controls the read cache in front of the store. With several processes on one
// shared backend, TTL bounds how stale a read may be; writes are never affected.
type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	MaxCost int64         `mapstructure:"max_cost"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type BreakerConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// EventsConfig selects where domain events go. The outbox mode writes to the Postgres
// outbox at store.postgres_url.
type EventsConfig struct {
	Mode string `mapstructure:"mode"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	GroupID       string   `mapstructure:"group_id"`
	EventsTopic   string   `mapstructure:"events_topic"`
	CommandsTopic string   `mapstructure:"commands_topic"`
}

type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

type WorkersConfig struct {
	Count     int `mapstructure:"count"`
	QueueSize int `mapstructure:"queue_size"`
}

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"

	EventsNone   = "none"
	EventsKafka  = "kafka"
	EventsOutbox = "outbox"
)

// New returns a viper instance with every key defaulted and environment binding enabled.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("http.port", 8081)
	v.SetDefault("http.api_keys", []string{})
	v.SetDefault("http.shutdown_timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.sqlite_path", "rxledger.db")
	v.SetDefault("store.postgres_url", "")
	v.SetDefault("store.redis_url", "redis://localhost:6379/0")
	v.SetDefault("store.cache.enabled", false)
	v.SetDefault("store.cache.max_cost", 64<<20)
	v.SetDefault("store.cache.ttl", 5*time.Second)
	v.SetDefault("store.breaker.enabled", true)
	v.SetDefault("events.mode", EventsNone)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "rxledger-command-consumer")
	v.SetDefault("kafka.events_topic", "prescription.events")
	v.SetDefault("kafka.commands_topic", "prescription.commands")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("workers.count", 8)
	v.SetDefault("workers.queue_size", 256)

	v.SetConfigName("rxledger")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/rxledger")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file into v and decodes the result. A missing file is
// not an error; a malformed one is.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
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

// Validate checks enumerations and the settings each choice depends on.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Store.PostgresURL == "" {
			return errors.New("store.postgres_url is required for the postgres backend")
		}
	case BackendRedis:
		if c.Store.RedisURL == "" {
			return errors.New("store.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	switch c.Events.Mode {
	case EventsNone:
	case EventsKafka:
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers is required for kafka events")
		}
	case EventsOutbox:
		if c.Store.PostgresURL == "" {
			return errors.New("store.postgres_url is required for outbox events")
		}
	default:
		return fmt.Errorf("unknown events.mode %q", c.Events.Mode)
	}

	if c.Workers.Count <= 0 || c.Workers.QueueSize <= 0 {
		return errors.New("workers.count and workers.queue_size must be positive")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0,1], got %v", c.Tracing.SampleRate)
	}
	return nil
}

// APIKeyClients parses http.api_keys entries of the form "key=client". A bare key maps to
// the client name "default".
func (c *Config) APIKeyClients() map[string]string {
	out := make(map[string]string, len(c.HTTP.APIKeys))
	for _, entry := range c.HTTP.APIKeys {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		key, client, ok := strings.Cut(entry, "=")
		if !ok {
			client = "default"
		}
		out[key] = client
	}
	return out
}
