package bootstrap

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/umodzi/rxledger/internal/config"
	"github.com/umodzi/rxledger/internal/observability/logging"
	"github.com/umodzi/rxledger/internal/observability/metrics"
	"github.com/umodzi/rxledger/internal/observability/tracing"
)

// Version is stamped into logs and trace resources.
var Version = "dev"

// Telemetry is the logger, metrics and tracer of one process.
type Telemetry struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Tracing *tracing.Provider
}

// NewTelemetry builds telemetry for service. Metrics go to a registry of their own that also
// carries the Go runtime and process collectors.
func NewTelemetry(ctx context.Context, cfg *config.Config, service string) (*Telemetry, error) {
	logger, err := logging.New(cfg.Log.Level, service)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	tcfg := tracing.DefaultConfig(service)
	tcfg.Enabled = cfg.Tracing.Enabled
	tcfg.OTLPEndpoint = cfg.Tracing.Endpoint
	tcfg.SampleRate = cfg.Tracing.SampleRate
	tcfg.ServiceVersion = Version
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	return &Telemetry{Logger: logger, Metrics: metrics.New(reg), Tracing: tp}, nil
}

// Shutdown flushes traces and logs.
func (t *Telemetry) Shutdown(ctx context.Context) {
	if err := t.Tracing.Shutdown(ctx); err != nil {
		t.Logger.Warn("tracing shutdown failed", zap.Error(err))
	}
	_ = t.Logger.Sync()
}
