// Package main provides the ledger HTTP API entry point.
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

	"go.uber.org/zap"

	"github.com/umodzi/rxledger/internal/api"
	"github.com/umodzi/rxledger/internal/bootstrap"
	"github.com/umodzi/rxledger/internal/config"
)

const serviceName = "ledger-api"

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

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler: api.NewRouter(api.Options{
			ServiceName: serviceName,
			Version:     bootstrap.Version,
			Service:     ledger.Service,
			Metrics:     tel.Metrics,
			Logger:      logger,
			APIKeys:     cfg.APIKeyClients(),
			Ready:       ledger.Ready,
		}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting ledger API",
			zap.Int("port", cfg.HTTP.Port),
			zap.String("backend", cfg.Store.Backend))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
	return nil
}
