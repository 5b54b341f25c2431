// Package api assembles the ledger HTTP API.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/umodzi/rxledger/internal/api/handlers"
	"github.com/umodzi/rxledger/internal/api/middleware"
	"github.com/umodzi/rxledger/internal/domain/prescription"
	"github.com/umodzi/rxledger/internal/observability/metrics"
)

// Options configures NewRouter.
type Options struct {
	ServiceName string
	Version     string
	Service     *prescription.Service
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	// APIKeys maps accepted keys to client ids. Empty disables authentication.
	APIKeys map[string]string
	// Ready backs /ready. Nil always reports ready.
	Ready func(context.Context) error
}

// NewRouter returns the API: health, readiness and metrics without auth, prescriptions
// under /api/v1 behind API key auth.
func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(nil)
	}
	if opts.Ready == nil {
		opts.Ready = func(context.Context) error { return nil }
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(opts.Logger))
	r.Use(middleware.Logger(opts.Logger))
	r.Use(middleware.Tracing(opts.ServiceName))

	r.Get("/health", handlers.Health(opts.ServiceName, opts.Version))
	r.Get("/ready", handlers.Ready(opts.Ready))
	r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())

	prescriptions := handlers.NewPrescriptionHandler(opts.Service, opts.Metrics, opts.Logger)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(opts.APIKeys))
		r.Mount("/prescriptions", prescriptions.Routes())
	})
	return r
}
