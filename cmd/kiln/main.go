// Command kiln resolves an image spec file to a pushed image reference.
//
//	kiln -f image.yaml
//	kiln -f image.yaml -registry ghcr.io/acme -builder docker
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/imagekiln/kiln/lib/imagespec"
	"github.com/imagekiln/kiln/lib/providers"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kiln: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		specPath = flag.String("f", "", "path to the image spec YAML file (required)")
		registry = flag.String("registry", "", "override the spec's target registry")
		builderF = flag.String("builder", "", "override the spec's builder")
		name     = flag.String("name", "", "override the spec's image name")
		identity = flag.Bool("identity", false, "print the spec identity and exit without building")
	)
	flag.Parse()

	if *specPath == "" {
		flag.Usage()
		return fmt.Errorf("-f is required")
	}

	overrides, err := imagespec.LoadOverrides(*specPath)
	if err != nil {
		return err
	}
	spec := imagespec.Spec{}.Apply(overrides)

	if *registry != "" {
		spec.Registry = *registry
	}
	if *builderF != "" {
		spec.Builder = *builderF
	}
	if *name != "" {
		spec.Name = *name
	}

	if *identity {
		if err := spec.Validate(); err != nil {
			return err
		}
		id, err := spec.Identity()
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := providers.ProvideConfig()
	logger := providers.ProvideLogger()
	meter := providers.ProvideMeter()
	client := providers.ProvideRegistryClient(cfg)

	builders, err := providers.ProvideBuilderRegistry(cfg, logger)
	if err != nil {
		return err
	}

	orch, err := providers.ProvideOrchestrator(cfg, builders, client, logger, meter)
	if err != nil {
		return err
	}

	ref, err := orch.ResolveImage(ctx, spec)
	if err != nil {
		return err
	}

	fmt.Println(ref)
	return nil
}
