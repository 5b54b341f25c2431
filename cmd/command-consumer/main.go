// Package main provides the command consumer entry point. It applies issue, dispense and
// delete commands from the commands topic to the ledger.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/umodzi/rxledger/internal/api/handlers"
	"github.com/umodzi/rxledger/internal/bootstrap"
	"github.com/umodzi/rxledger/internal/commands"
	"github.com/umodzi/rxledger/internal/config"
	"github.com/umodzi/rxledger/internal/infrastructure/redpanda"
	pgstore "github.com/umodzi/rxledger/internal/ledger/postgres"
	"github.com/umodzi/rxledger/pkg/idempotency"
	"github.com/umodzi/rxledger/pkg/workerpool"
)

const serviceName = "command-consumer"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(config.New())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := bootstrap.NewTelemetry(ctx, cfg, serviceName)
	if err != nil {
		return err
	}
	defer tel.Shutdown(context.Background())
	logger := tel.Logger

	ledger, err := bootstrap.Open(ctx, cfg, tel.Metrics, logger)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer ledger.Close()

	// Deduplicate across instances when Postgres is configured; otherwise per process.
	var inbox idempotency.Processor = idempotency.NewMemoryInbox(commands.Terminal)
	if cfg.Store.PostgresURL != "" {
		pool := ledger.Pool
		if pool == nil {
			if pool, err = pgstore.Connect(ctx, cfg.Store.PostgresURL); err != nil {
				return fmt.Errorf("open inbox: %w", err)
			}
			defer pool.Close()
		}
		icfg := idempotency.DefaultInboxConfig()
		icfg.Terminal = commands.Terminal
		pgInbox := idempotency.NewInbox(pool, icfg, logger)
		if err := pgInbox.Migrate(ctx); err != nil {
			return err
		}
		pgInbox.StartCleanup()
		defer pgInbox.Stop()
		inbox = pgInbox
	}

	deadLetter := ledger.Producer
	if deadLetter == nil {
		if deadLetter, err = redpanda.NewProducer(redpanda.DefaultProducerConfig(cfg.Kafka.Brokers), logger); err != nil {
			return fmt.Errorf("create dead letter producer: %w", err)
		}
		defer deadLetter.Close()
	}

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.Workers.Count
	poolCfg.QueueSize = cfg.Workers.QueueSize
	handler, err := commands.NewHandler(ledger.Service, inbox, deadLetter, tel.Metrics, poolCfg, logger)
	if err != nil {
		return err
	}
	handler.Start()
	defer func() {
		if err := handler.Stop(); err != nil {
			logger.Warn("worker pool stop", zap.Error(err))
		}
	}()

	consumer, err := redpanda.NewConsumer(
		redpanda.DefaultConsumerConfig(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.CommandsTopic),
		handler.HandleMessage, logger)
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	consumer.Start()

	r := chi.NewRouter()
	r.Get("/health", handlers.Health(serviceName, bootstrap.Version))
	r.Get("/ready", handlers.Ready(ledger.Ready))
	r.Method(http.MethodGet, "/metrics", tel.Metrics.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("command consumer started",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.CommandsTopic),
		zap.String("group", cfg.Kafka.GroupID),
		zap.Int("workers", poolCfg.Workers))

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	if err := consumer.Stop(); err != nil {
		logger.Warn("consumer stop", zap.Error(err))
	}
	stats := consumer.Stats()
	logger.Info("command consumer stopped",
		zap.Int64("messages", stats.MessagesRead),
		zap.Int64("errors", stats.ErrorCount))
	return nil
}
