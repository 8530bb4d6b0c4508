// Package orchestrator resolves declarative image specs into concrete,
// uniquely tagged image references. It owns the identity-level cache and the
// build/push protocol: check the in-process record, check the registry,
// and only then delegate to a builder. It never builds images itself.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v5"
	"github.com/nrednav/cuid2"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/imagekiln/kiln/lib/builder"
	"github.com/imagekiln/kiln/lib/imagespec"
	"github.com/imagekiln/kiln/lib/registryclient"
)

// Defaults are the process-wide fallbacks applied when a spec leaves the
// corresponding field empty.
type Defaults struct {
	// Registry is the target registry/namespace, e.g. "ghcr.io/myorg".
	Registry string

	// Repository is the repository name images are pushed under.
	Repository string

	// Builder, when set, is used for specs that do not name a builder.
	// Empty means priority-based selection.
	Builder string
}

// Config holds orchestrator tuning knobs.
type Config struct {
	// ExistsMaxTries bounds the existence-check retry loop (first attempt
	// included).
	ExistsMaxTries uint

	// ExistsInitialBackoff is the first retry delay; subsequent delays
	// grow exponentially.
	ExistsInitialBackoff time.Duration
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		ExistsMaxTries:       4,
		ExistsInitialBackoff: 250 * time.Millisecond,
	}
}

// Orchestrator coordinates spec resolution. Safe for concurrent use; the
// build record and the coalescing group are the only mutable state.
type Orchestrator struct {
	builders *builder.Registry
	client   registryclient.Client
	defaults Defaults
	config   Config
	logger   *slog.Logger
	metrics  *Metrics

	mu     sync.RWMutex
	record map[string]string // identity -> resolved reference
	group  singleflight.Group
}

// New creates an orchestrator. A nil meter disables metrics.
func New(
	builders *builder.Registry,
	client registryclient.Client,
	defaults Defaults,
	config Config,
	logger *slog.Logger,
	meter metric.Meter,
) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ExistsMaxTries == 0 {
		config = DefaultConfig()
	}

	o := &Orchestrator{
		builders: builders,
		client:   client,
		defaults: defaults,
		config:   config,
		logger:   logger,
		record:   make(map[string]string),
	}

	if meter != nil {
		metrics, err := NewMetrics(meter)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		o.metrics = metrics
	}

	return o, nil
}

// ResolveImage returns the fully qualified reference of an image satisfying
// the spec, building and pushing one if the registry does not already hold
// it. Concurrent calls for the same spec identity coalesce onto a single
// build; all callers see the same reference or the same error.
func (o *Orchestrator) ResolveImage(ctx context.Context, spec imagespec.Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	spec = spec.Normalize()
	identity, err := spec.Identity()
	if err != nil {
		return "", err
	}

	// Fast path: resolved before in this process, no I/O.
	if ref, ok := o.lookup(identity); ok {
		o.recordResolve(ctx, outcomeRecordHit)
		return ref, nil
	}

	// All concurrent callers for one identity share a single in-flight
	// resolution. The inner context is detached from the caller so one
	// caller abandoning the request cannot fail the other waiters; the
	// record is populated for future callers either way.
	buildCtx := context.WithoutCancel(ctx)
	v, err, shared := o.group.Do(identity, func() (any, error) {
		return o.resolve(buildCtx, spec, identity)
	})
	if err != nil {
		o.recordResolve(ctx, outcomeFailed)
		return "", err
	}
	if shared {
		o.logger.Debug("resolution coalesced with in-flight build", "identity", identity)
	}
	return v.(string), nil
}

// resolve runs the request state machine for one identity:
// record check, registry existence check, builder dispatch, record update.
func (o *Orchestrator) resolve(ctx context.Context, spec imagespec.Spec, identity string) (string, error) {
	// A previous holder of this identity may have finished between the
	// caller's fast-path check and entering the group.
	if ref, ok := o.lookup(identity); ok {
		return ref, nil
	}

	reqID := cuid2.Generate()
	ref := o.reference(spec, identity)
	log := o.logger.With("req", reqID, "identity", identity, "ref", ref)

	exists, err := o.existsWithRetry(ctx, ref)
	if err != nil {
		// Inconclusive checks must not fall through to a rebuild: a
		// rebuild after an inconclusive answer can race another
		// process on the same tag.
		log.Error("existence check failed", "error", err)
		return "", err
	}
	if exists {
		log.Info("image already in registry, skipping build")
		o.store(identity, ref)
		o.recordResolve(ctx, outcomeRegistryHit)
		return ref, nil
	}

	lookup := spec
	if lookup.Builder == "" {
		lookup.Builder = o.defaults.Builder
	}
	b, err := o.builders.Resolve(lookup)
	if err != nil {
		return "", err
	}

	log.Info("building image", "builder", b.ID())
	start := time.Now()

	built, err := b.BuildAndPush(ctx, spec, ref)
	duration := time.Since(start)
	if err != nil {
		log.Error("build failed", "builder", b.ID(), "error", err, "duration", duration)
		o.recordBuild(ctx, b.ID(), statusFailed, duration)
		return "", o.wrapBuildFailure(b.ID(), identity, ref, err)
	}
	if built != "" {
		ref = built
	}

	log.Info("build succeeded", "builder", b.ID(), "duration", duration)
	o.store(identity, ref)
	o.recordBuild(ctx, b.ID(), statusSuccess, duration)
	o.recordResolve(ctx, outcomeBuilt)
	return ref, nil
}

// wrapBuildFailure keeps registry transport failures distinguishable from
// builder failures; everything else becomes a BuildError annotated with the
// builder identifier and the spec identity.
func (o *Orchestrator) wrapBuildFailure(builderID, identity, ref string, err error) error {
	var rerr *registryclient.RegistryError
	if errors.As(err, &rerr) {
		return fmt.Errorf("publish %s (builder %q, spec %s): %w", ref, builderID, identity, err)
	}
	var berr *builder.BuildError
	if errors.As(err, &berr) {
		return err
	}
	return &builder.BuildError{BuilderID: builderID, Identity: identity, Err: err}
}

// existsWithRetry queries the registry with bounded exponential backoff.
// Only the existence check is retried; pushes are not, to avoid publishing
// ambiguous artifacts twice.
func (o *Orchestrator) existsWithRetry(ctx context.Context, ref string) (bool, error) {
	attempt := 0
	exists, err := backoff.Retry(ctx, func() (bool, error) {
		attempt++
		ok, err := o.client.Exists(ctx, ref)
		if err != nil {
			if attempt > 1 {
				o.recordExistsRetry(ctx)
			}
			return false, err
		}
		return ok, nil
	},
		backoff.WithBackOff(o.newExistsBackoff()),
		backoff.WithMaxTries(o.config.ExistsMaxTries),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		var rerr *registryclient.RegistryError
		if errors.As(err, &rerr) {
			return false, fmt.Errorf("existence check exhausted %d attempts: %w", attempt, err)
		}
		return false, &registryclient.RegistryError{Op: "exists", Ref: ref, Err: err}
	}
	return exists, nil
}

func (o *Orchestrator) newExistsBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.config.ExistsInitialBackoff
	b.MaxInterval = 5 * time.Second
	b.Multiplier = 2.0
	return b
}

// reference assembles {registry}/{repository}:{tag} with process defaults
// filling the blanks.
func (o *Orchestrator) reference(spec imagespec.Spec, tag string) string {
	registry := spec.Registry
	if registry == "" {
		registry = o.defaults.Registry
	}
	repository := spec.Name
	if repository == "" {
		repository = o.defaults.Repository
	}
	if registry == "" {
		return repository + ":" + tag
	}
	return registry + "/" + repository + ":" + tag
}

func (o *Orchestrator) lookup(identity string) (string, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ref, ok := o.record[identity]
	return ref, ok
}

func (o *Orchestrator) store(identity, ref string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.record[identity] = ref
}
