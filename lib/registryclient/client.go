// Package registryclient is the thin transport capability the orchestrator
// uses to talk to container registries: existence checks for tagged images
// and pushes of locally built artifacts. The orchestrator never inlines
// registry transport itself.
//
// Correctness note: the orchestrator's cache-hit guarantee assumes the
// registry answers existence checks with read-after-write consistency. An
// eventually consistent registry can report a miss for a tag another process
// just pushed, which triggers a redundant (tag-idempotent) rebuild.
package registryclient

import (
	"context"
	"fmt"

	v1 "github.com/google/go-containerregistry/pkg/v1"
)

// Client checks for and publishes tagged images in a registry.
type Client interface {
	// Exists reports whether ref (registry/repository:tag) is present.
	// A clean 404 is (false, nil); transport failures are *RegistryError.
	Exists(ctx context.Context, ref string) (bool, error)

	// Push publishes a local image artifact under ref.
	Push(ctx context.Context, img v1.Image, ref string) error
}

// RegistryError reports a transport failure while talking to a registry.
type RegistryError struct {
	Op  string // "exists" or "push"
	Ref string
	Err error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry %s %s: %v", e.Op, e.Ref, e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }
