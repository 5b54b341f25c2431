// Package main provides the outbox relay entry point. It drains the PostgreSQL event
// outbox to the events topic.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/umodzi/rxledger/internal/bootstrap"
	"github.com/umodzi/rxledger/internal/config"
	"github.com/umodzi/rxledger/internal/infrastructure/postgres"
	"github.com/umodzi/rxledger/internal/infrastructure/redpanda"
	pgstore "github.com/umodzi/rxledger/internal/ledger/postgres"
	"github.com/umodzi/rxledger/pkg/circuitbreaker"
)

const serviceName = "outbox-relay"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// guardedSender trips a breaker on broker failures so a dead broker is not hammered by
// every poll.
type guardedSender struct {
	producer *redpanda.Producer
	breaker  *circuitbreaker.CircuitBreaker
}

func (s guardedSender) Publish(ctx context.Context, topic, key string, value []byte) error {
	_, err := circuitbreaker.Do(ctx, s.breaker, func() (struct{}, error) {
		return struct{}{}, s.producer.Publish(ctx, topic, key, value)
	})
	return err
}

func run() error {
	cfg, err := config.Load(config.New())
	if err != nil {
		return err
	}
	if cfg.Store.PostgresURL == "" {
		return errors.New("store.postgres_url is required for the outbox relay")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := bootstrap.NewTelemetry(ctx, cfg, serviceName)
	if err != nil {
		return err
	}
	defer tel.Shutdown(context.Background())
	logger := tel.Logger

	pool, err := pgstore.Connect(ctx, cfg.Store.PostgresURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := postgres.MigrateOutbox(ctx, pool); err != nil {
		return err
	}

	producer, err := redpanda.NewProducer(redpanda.DefaultProducerConfig(cfg.Kafka.Brokers), logger)
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	defer producer.Close()

	bcfg := circuitbreaker.DefaultConfig("outbox-producer")
	bcfg.OnStateChange = tel.Metrics.SetBreakerState
	breaker, err := circuitbreaker.New(bcfg, logger)
	if err != nil {
		return err
	}

	outbox := postgres.NewOutbox(pool, guardedSender{producer: producer, breaker: breaker},
		postgres.DefaultOutboxConfig(), logger)
	outbox.Start()
	defer outbox.Stop()

	logger.Info("outbox relay started", zap.Strings("brokers", cfg.Kafka.Brokers))

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			maintain(ctx, outbox, tel, logger)
		}
	}
}

// maintain moves exhausted entries to the dead letter topic, prunes old rows and refreshes
// the pending gauge.
func maintain(ctx context.Context, outbox *postgres.Outbox, tel *bootstrap.Telemetry, logger *zap.Logger) {
	if moved, err := outbox.MoveToDeadLetter(ctx); err != nil {
		logger.Error("dead letter sweep failed", zap.Error(err))
	} else if moved > 0 {
		logger.Warn("outbox entries dead-lettered", zap.Int64("count", moved))
	}

	if _, err := outbox.CleanupProcessed(ctx, 7*24*time.Hour); err != nil {
		logger.Error("outbox cleanup failed", zap.Error(err))
	}

	stats, err := outbox.GetStats(ctx)
	if err != nil {
		logger.Error("outbox stats failed", zap.Error(err))
		return
	}
	tel.Metrics.OutboxPending.Set(float64(stats.Pending))
}
