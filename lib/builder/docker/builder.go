// Package docker implements the builder contract on top of a Docker Engine
// daemon. It synthesizes a Dockerfile from the image spec, ships an in-memory
// build context to the daemon, and pushes the result to the target registry.
// The daemon does the actual layering and layer caching; this package only
// delegates.
package docker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/blang/semver/v4"
	"github.com/distribution/reference"
	"github.com/docker/docker/api/types"
	imagetypes "github.com/docker/docker/api/types/image"
	registrytypes "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"

	"github.com/imagekiln/kiln/lib/imagespec"
	"github.com/imagekiln/kiln/lib/registryclient"
)

// BuilderID is the identifier this builder registers under.
const BuilderID = "docker"

// Options configures the Docker engine builder.
type Options struct {
	// Host overrides the daemon address; empty uses the environment
	// (DOCKER_HOST et al).
	Host string

	// Username and Password authenticate pushes. Empty means anonymous.
	Username string
	Password string

	// DefaultBaseImage is used when the spec pins neither a base image
	// nor a Python version.
	DefaultBaseImage string
}

// Builder delegates image construction to a Docker Engine daemon.
type Builder struct {
	cli    *client.Client
	opts   Options
	logger *slog.Logger
}

// New creates a Docker engine builder. The daemon is not contacted until the
// first build.
func New(opts Options, logger *slog.Logger) (*Builder, error) {
	if logger == nil {
		logger = slog.Default()
	}

	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &Builder{cli: cli, opts: opts, logger: logger}, nil
}

// Close releases the daemon connection.
func (b *Builder) Close() error {
	return b.cli.Close()
}

// ID returns the builder identifier.
func (b *Builder) ID() string { return BuilderID }

// CanBuild reports whether this builder supports the spec. Any base image is
// fine; a pinned Python runtime must be a Python 3 line since that is what
// the synthesized Dockerfile knows how to install. No I/O happens here.
func (b *Builder) CanBuild(spec imagespec.Spec) bool {
	if spec.PythonVersion == "" {
		return true
	}
	v, err := semver.ParseTolerant(spec.PythonVersion)
	if err != nil {
		return false
	}
	return v.Major == 3
}

// BuildAndPush builds the image described by spec and publishes it under ref.
// Build failures come back as plain errors for the orchestrator to classify;
// push transport failures come back as *registryclient.RegistryError.
func (b *Builder) BuildAndPush(ctx context.Context, spec imagespec.Spec, ref string) (string, error) {
	dockerfile := Render(spec, b.opts.DefaultBaseImage)

	buildCtx, err := buildContext(dockerfile, spec.Source)
	if err != nil {
		return "", fmt.Errorf("assemble build context: %w", err)
	}

	b.logger.Info("building image via docker engine", "ref", ref)

	resp, err := b.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{ref},
		Dockerfile: dockerfileName,
		Remove:     true,
		PullParent: true,
	})
	if err != nil {
		return "", fmt.Errorf("start image build: %w", err)
	}
	defer resp.Body.Close()

	// The daemon streams JSON messages; a message with an "error" field
	// surfaces here as *jsonmessage.JSONError.
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, b.logSink(), 0, false, nil); err != nil {
		return "", fmt.Errorf("image build: %w", err)
	}

	auth, err := b.registryAuth(ref)
	if err != nil {
		return "", err
	}

	pushResp, err := b.cli.ImagePush(ctx, ref, imagetypes.PushOptions{RegistryAuth: auth})
	if err != nil {
		return "", &registryclient.RegistryError{Op: "push", Ref: ref, Err: err}
	}
	defer pushResp.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(pushResp, b.logSink(), 0, false, nil); err != nil {
		return "", &registryclient.RegistryError{Op: "push", Ref: ref, Err: err}
	}

	b.logger.Info("image pushed", "ref", ref)
	return ref, nil
}

// registryAuth encodes the push credentials the way the engine API expects:
// base64 of a JSON AuthConfig. Anonymous pushes send an empty value.
func (b *Builder) registryAuth(ref string) (string, error) {
	if b.opts.Username == "" {
		return "", nil
	}

	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", fmt.Errorf("parse push reference: %w", err)
	}

	payload, err := json.Marshal(registrytypes.AuthConfig{
		Username:      b.opts.Username,
		Password:      b.opts.Password,
		ServerAddress: reference.Domain(named),
	})
	if err != nil {
		return "", fmt.Errorf("encode registry auth: %w", err)
	}
	return base64.URLEncoding.EncodeToString(payload), nil
}

func (b *Builder) logSink() *engineLogWriter {
	return &engineLogWriter{logger: b.logger}
}

// engineLogWriter forwards the daemon's build/push output to the structured
// logger at debug level.
type engineLogWriter struct {
	logger *slog.Logger
}

func (w *engineLogWriter) Write(p []byte) (int, error) {
	w.logger.Debug("engine output", "output", string(p))
	return len(p), nil
}
