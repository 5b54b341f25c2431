// Package bootstrap assembles the ledger from configuration: the store backend and its
// decorators, the event publisher and the prescription service shared by every host.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/umodzi/rxledger/internal/config"
	"github.com/umodzi/rxledger/internal/domain/prescription"
	"github.com/umodzi/rxledger/internal/infrastructure/postgres"
	"github.com/umodzi/rxledger/internal/infrastructure/redpanda"
	"github.com/umodzi/rxledger/internal/ledger"
	"github.com/umodzi/rxledger/internal/ledger/memory"
	pgstore "github.com/umodzi/rxledger/internal/ledger/postgres"
	redisstore "github.com/umodzi/rxledger/internal/ledger/redis"
	"github.com/umodzi/rxledger/internal/ledger/sqlite"
	"github.com/umodzi/rxledger/internal/observability/metrics"
	"github.com/umodzi/rxledger/pkg/circuitbreaker"
)

// Ledger is a configured store and service with the connections they hold.
type Ledger struct {
	Store    ledger.Store
	Service  *prescription.Service
	Metrics  *metrics.Metrics
	Breakers *circuitbreaker.Manager

	// Pool is set when the store backend or the outbox uses PostgreSQL.
	Pool *pgxpool.Pool
	// Producer is set in kafka events mode.
	Producer *redpanda.Producer

	logger  *zap.Logger
	pingers []func(context.Context) error
	closers []func()
}

// Open builds a Ledger for cfg. m may be nil. The caller must Close the result.
func Open(ctx context.Context, cfg *config.Config, m *metrics.Metrics, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	l := &Ledger{
		Metrics:  m,
		Breakers: circuitbreaker.NewManager(logger),
		logger:   logger,
	}

	store, err := l.openStore(ctx, cfg)
	if err != nil {
		l.Close()
		return nil, err
	}
	l.Store = store

	publisher, err := l.openPublisher(ctx, cfg)
	if err != nil {
		l.Close()
		return nil, err
	}

	l.Service = prescription.NewService(store, logger, prescription.WithPublisher(publisher))
	logger.Info("ledger opened",
		zap.String("backend", cfg.Store.Backend),
		zap.String("events", cfg.Events.Mode),
		zap.Bool("cache", cfg.Store.Cache.Enabled),
		zap.Bool("breaker", cfg.Store.Breaker.Enabled))
	return l, nil
}

func (l *Ledger) breaker(name string) (*circuitbreaker.CircuitBreaker, error) {
	cfg := circuitbreaker.DefaultConfig(name)
	cfg.OnStateChange = l.Metrics.SetBreakerState
	return l.Breakers.GetOrCreate(name, cfg)
}

func (l *Ledger) postgresPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	if l.Pool != nil {
		return l.Pool, nil
	}
	pool, err := pgstore.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	l.Pool = pool
	l.pingers = append(l.pingers, pool.Ping)
	l.closers = append(l.closers, pool.Close)
	return pool, nil
}

func (l *Ledger) openStore(ctx context.Context, cfg *config.Config) (ledger.Store, error) {
	var store ledger.Store

	switch cfg.Store.Backend {
	case config.BackendMemory:
		store = memory.New()

	case config.BackendSQLite:
		s, err := sqlite.Open(ctx, cfg.Store.SQLitePath, sqlite.WithLogger(l.logger))
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		l.closers = append(l.closers, func() { _ = s.Close() })
		store = s

	case config.BackendPostgres:
		pool, err := l.postgresPool(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		s := pgstore.New(pool, l.logger)
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
		store = s

	case config.BackendRedis:
		client, err := redisstore.Connect(ctx, cfg.Store.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		l.pingers = append(l.pingers, func(ctx context.Context) error { return client.Ping(ctx).Err() })
		l.closers = append(l.closers, func() { _ = client.Close() })
		store = redisstore.New(goredis.UniversalClient(client), redisstore.WithLogger(l.logger))

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	return l.decorate(cfg, store)
}

// decorate applies the breaker below the cache, so cache hits never count against the
// backend's circuit.
func (l *Ledger) decorate(cfg *config.Config, store ledger.Store) (ledger.Store, error) {
	if cfg.Store.Breaker.Enabled && cfg.Store.Backend != config.BackendMemory {
		b, err := l.breaker("ledger-" + cfg.Store.Backend)
		if err != nil {
			return nil, fmt.Errorf("create store breaker: %w", err)
		}
		store = ledger.NewGuardedStore(store, b)
	}
	if cfg.Store.Cache.Enabled {
		cached, err := ledger.NewCachedStore(store, cfg.Store.Cache.MaxCost, cfg.Store.Cache.TTL)
		if err != nil {
			return nil, fmt.Errorf("create store cache: %w", err)
		}
		l.closers = append(l.closers, cached.Close)
		store = cached
	}
	return store, nil
}

func (l *Ledger) openPublisher(ctx context.Context, cfg *config.Config) (prescription.Publisher, error) {
	var publisher prescription.Publisher

	switch cfg.Events.Mode {
	case config.EventsNone:
		return prescription.NopPublisher, nil

	case config.EventsKafka:
		producer, err := redpanda.NewProducer(redpanda.DefaultProducerConfig(cfg.Kafka.Brokers), l.logger)
		if err != nil {
			return nil, fmt.Errorf("create event producer: %w", err)
		}
		l.Producer = producer
		l.pingers = append(l.pingers, producer.Ping)
		l.closers = append(l.closers, func() { _ = producer.Close() })

		b, err := l.breaker("event-producer")
		if err != nil {
			return nil, fmt.Errorf("create producer breaker: %w", err)
		}
		publisher = redpanda.NewEventPublisher(producer, cfg.Kafka.EventsTopic, b, l.logger)

	case config.EventsOutbox:
		pool, err := l.postgresPool(ctx, cfg.Store.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("open outbox: %w", err)
		}
		if err := postgres.MigrateOutbox(ctx, pool); err != nil {
			return nil, err
		}
		publisher = postgres.NewEventWriter(pool, cfg.Kafka.EventsTopic)

	default:
		return nil, fmt.Errorf("unknown events mode %q", cfg.Events.Mode)
	}

	return CountingPublisher(publisher, l.Metrics), nil
}

// CountingPublisher records publish outcomes in m.
func CountingPublisher(next prescription.Publisher, m *metrics.Metrics) prescription.Publisher {
	return prescription.PublisherFunc(func(ctx context.Context, event *prescription.Event) error {
		if err := next.Publish(ctx, event); err != nil {
			m.EventPublishFailures.Inc()
			return err
		}
		m.EventsPublished.Inc()
		return nil
	})
}

// Ready pings every external dependency.
func (l *Ledger) Ready(ctx context.Context) error {
	var errs []error
	for _, ping := range l.pingers {
		if err := ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, status := range l.Breakers.GetHealthStatus() {
		if !status.Healthy {
			errs = append(errs, fmt.Errorf("circuit %s is %s", status.Name, status.State))
		}
	}
	return errors.Join(errs...)
}

// Close releases connections in reverse order of opening.
func (l *Ledger) Close() {
	for i := len(l.closers) - 1; i >= 0; i-- {
		l.closers[i]()
	}
	l.closers = nil
}
