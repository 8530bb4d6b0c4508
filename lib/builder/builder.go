// Package builder defines the pluggable builder contract and the registry
// that selects a builder for a given image spec.
package builder

import (
	"context"
	"errors"
	"fmt"

	"github.com/imagekiln/kiln/lib/imagespec"
)

// Builder turns an image spec into a built, pushed container image.
// Implementations are treated as black boxes around a real build engine.
type Builder interface {
	// ID returns the stable builder identifier used for registration and
	// for explicit selection via spec.Builder.
	ID() string

	// CanBuild reports whether this builder supports the spec. It must be
	// cheap and local: no network or filesystem access.
	CanBuild(spec imagespec.Spec) bool

	// BuildAndPush builds the image described by spec and publishes it to
	// ref (registry/repository:tag), returning the fully qualified
	// reference it produced. It must be idempotent at the tag level:
	// rebuilding the same spec under the same tag yields an equivalent
	// image. Deduplication is the orchestrator's job, not the builder's.
	BuildAndPush(ctx context.Context, spec imagespec.Spec, ref string) (string, error)
}

var (
	ErrDuplicateBuilder = errors.New("builder already registered")
	ErrUnknownBuilder   = errors.New("unknown builder")
	ErrNoCapableBuilder = errors.New("no capable builder for spec")
)

// BuildError reports a builder-reported failure, annotated with the builder
// identifier and the spec identity it was building. Build failures are never
// retried automatically.
type BuildError struct {
	BuilderID string
	Identity  string
	Err       error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("builder %q failed for spec %s: %v", e.BuilderID, e.Identity, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }
