package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/imagekiln/kiln/cmd/api/api"
	"github.com/imagekiln/kiln/lib/middleware"
	otelsetup "github.com/imagekiln/kiln/lib/otel"
	"github.com/imagekiln/kiln/lib/providers"
)

func main() {
	if err := run(); err != nil {
		slog.Error("application terminated", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := providers.ProvideConfig()

	logger := providers.ProvideLogger()
	slog.SetDefault(logger)

	shutdownMetrics, err := otelsetup.SetupMetrics(context.Background(), "kiln")
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Error("failed to flush metrics", "error", err)
		}
	}()

	meter := providers.ProvideMeter()

	client := providers.ProvideRegistryClient(cfg)

	builders, err := providers.ProvideBuilderRegistry(cfg, logger)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}

	orch, err := providers.ProvideOrchestrator(cfg, builders, client, logger, meter)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	// Setup context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Create router
	r := chi.NewRouter()

	// Middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.AccessLogger(logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.InjectLogger(logger))

	httpMetrics, err := middleware.NewHTTPMetrics(meter)
	if err != nil {
		return fmt.Errorf("http metrics: %w", err)
	}
	r.Use(httpMetrics.Middleware)

	api.New(orch, logger).Routes(r)

	// Builds can take minutes, so no blanket request timeout; the server
	// relies on client disconnects and the orchestrator's own bounds.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Error group for coordinated shutdown
	grp, gctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		logger.Info("starting kiln API server", "port", cfg.Port,
			"default_registry", cfg.DefaultRegistry, "builders", builders.IDs())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			return err
		}
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown http server", "error", err)
			return err
		}

		logger.Info("http server shutdown complete")
		return nil
	})

	return grp.Wait()
}
