package registryclient

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

// Remote is a Client backed by go-containerregistry's remote transport.
// Existence checks use HEAD requests against the manifest endpoint, so no
// image content is pulled.
type Remote struct {
	insecure bool
}

// RemoteOption configures a Remote client.
type RemoteOption func(*Remote)

// WithInsecure allows plain-HTTP registries (local daemons, test servers).
func WithInsecure() RemoteOption {
	return func(r *Remote) { r.insecure = true }
}

// NewRemote creates a registry client using the default keychain for auth.
func NewRemote(opts ...RemoteOption) *Remote {
	r := &Remote{}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Remote) parse(ref string) (name.Reference, error) {
	var opts []name.Option
	if r.insecure {
		opts = append(opts, name.Insecure)
	}
	return name.ParseReference(ref, opts...)
}

// Exists checks whether the tagged manifest is present in the registry.
func (r *Remote) Exists(ctx context.Context, ref string) (bool, error) {
	parsed, err := r.parse(ref)
	if err != nil {
		return false, &RegistryError{Op: "exists", Ref: ref, Err: err}
	}

	_, err = remote.Head(parsed,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
	)
	if err == nil {
		return true, nil
	}

	// A 404 is a definitive miss, not a transport failure.
	var terr *transport.Error
	if errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound {
		return false, nil
	}

	return false, &RegistryError{Op: "exists", Ref: ref, Err: err}
}

// Push publishes the image under ref.
func (r *Remote) Push(ctx context.Context, img v1.Image, ref string) error {
	parsed, err := r.parse(ref)
	if err != nil {
		return &RegistryError{Op: "push", Ref: ref, Err: err}
	}

	if err := remote.Write(parsed, img,
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(authn.DefaultKeychain),
	); err != nil {
		return &RegistryError{Op: "push", Ref: ref, Err: err}
	}
	return nil
}
