// Package providers wires the application components together. Everything is
// constructed explicitly and passed down; there is no ambient global state,
// which keeps the orchestrator testable in isolation.
package providers

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/imagekiln/kiln/cmd/api/config"
	"github.com/imagekiln/kiln/lib/builder"
	dockerbuilder "github.com/imagekiln/kiln/lib/builder/docker"
	"github.com/imagekiln/kiln/lib/logger"
	"github.com/imagekiln/kiln/lib/orchestrator"
	"github.com/imagekiln/kiln/lib/registryclient"
)

// ProvideContext provides a base context
func ProvideContext() context.Context {
	return context.Background()
}

// ProvideLogger provides a structured logger
func ProvideLogger() *slog.Logger {
	return logger.New(slog.LevelInfo)
}

// ProvideConfig provides the application configuration
func ProvideConfig() *config.Config {
	return config.Load()
}

// ProvideMeter provides the OTel meter. The global provider is a no-op
// unless the host process installs a real one.
func ProvideMeter() metric.Meter {
	return otel.Meter("kiln")
}

// ProvideRegistryClient provides the registry transport client
func ProvideRegistryClient(cfg *config.Config) registryclient.Client {
	var opts []registryclient.RemoteOption
	if cfg.InsecureRegistry {
		opts = append(opts, registryclient.WithInsecure())
	}
	return registryclient.NewRemote(opts...)
}

// ProvideBuilderRegistry provides the builder registry with the default
// builders registered. The docker engine builder is the default, highest
// priority; additional builders register here as they are added.
func ProvideBuilderRegistry(cfg *config.Config, log *slog.Logger) (*builder.Registry, error) {
	reg := builder.NewRegistry()

	db, err := dockerbuilder.New(dockerbuilder.Options{
		Host:             cfg.DockerHost,
		Username:         cfg.RegistryUsername,
		Password:         cfg.RegistryPassword,
		DefaultBaseImage: cfg.DefaultBaseImage,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("create docker builder: %w", err)
	}

	if err := reg.Register(db, 10); err != nil {
		return nil, err
	}
	return reg, nil
}

// ProvideOrchestrator provides the build orchestrator
func ProvideOrchestrator(
	cfg *config.Config,
	builders *builder.Registry,
	client registryclient.Client,
	log *slog.Logger,
	meter metric.Meter,
) (*orchestrator.Orchestrator, error) {
	oc := orchestrator.DefaultConfig()
	if cfg.ExistsMaxTries > 0 {
		oc.ExistsMaxTries = cfg.ExistsMaxTries
	}

	return orchestrator.New(
		builders,
		client,
		orchestrator.Defaults{
			Registry:   cfg.DefaultRegistry,
			Repository: cfg.DefaultRepo,
			Builder:    cfg.DefaultBuilder,
		},
		oc,
		log,
		meter,
	)
}
