package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nholik/watch-notifier/internal/healthcheck"
	"github.com/nholik/watch-notifier/internal/metrics"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 5 * time.Second

// Options configures the HTTP servers.
type Options struct {
	PollInterval time.Duration
	Tracker      *healthcheck.Tracker
	Store        healthcheck.Pinger
	Metrics      *metrics.Metrics
	Admin        AdminOptions
	HealthPort   int
	MetricsPort  int
	// AdminPort serves the admin API on its own listener; 0 disables it.
	AdminPort int
}

// Start launches health, metrics and admin HTTP servers as configured.
func Start(ctx context.Context, logger zerolog.Logger, opts Options) {
	if opts.AdminPort > 0 {
		startServer(ctx, logger, AdminHandler(logger, opts.Admin), opts.AdminPort, "admin")
	}

	if opts.HealthPort == 0 && opts.MetricsPort == 0 {
		return
	}

	if opts.HealthPort > 0 && opts.MetricsPort > 0 && opts.HealthPort == opts.MetricsPort {
		startServer(ctx, logger, Handler(logger, opts), opts.HealthPort, "health/metrics")
		return
	}

	if opts.HealthPort > 0 {
		r := newRouter(logger)
		registerHealthRoutes(r, opts)
		startServer(ctx, logger, r, opts.HealthPort, "health")
	}

	if opts.MetricsPort > 0 {
		r := chi.NewRouter()
		registerMetricsRoute(r, opts.Metrics)
		startServer(ctx, logger, r, opts.MetricsPort, "metrics")
	}
}

// Handler builds the health and metrics routes without starting a listener.
func Handler(logger zerolog.Logger, opts Options) http.Handler {
	r := newRouter(logger)
	registerHealthRoutes(r, opts)
	registerMetricsRoute(r, opts.Metrics)
	return r
}

// AdminHandler builds the admin API routes.
func AdminHandler(logger zerolog.Logger, admin AdminOptions) http.Handler {
	r := newRouter(logger)
	registerAdminRoutes(r, logger, admin)
	return r
}

func newRouter(logger zerolog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))
	return r
}

func registerHealthRoutes(r chi.Router, opts Options) {
	r.Get("/healthz", healthcheck.HealthHandler(opts.Tracker, opts.PollInterval))
	r.Get("/readyz", healthcheck.ReadyHandler(opts.Tracker, opts.Store))
}

func registerMetricsRoute(r chi.Router, metricsCollector *metrics.Metrics) {
	if metricsCollector == nil {
		return
	}
	r.Method(http.MethodGet, "/metrics", metricsCollector.Handler())
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("http request")
		})
	}
}

func startServer(ctx context.Context, logger zerolog.Logger, handler http.Handler, port int, label string) {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("server", label).Int("port", port).Msg("http server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("server", label).Int("port", port).Msg("http server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Str("server", label).Int("port", port).Msg("http server shutdown failed")
		}
	}()
}
