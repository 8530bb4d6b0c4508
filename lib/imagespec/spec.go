// Package imagespec defines the declarative description of a container image:
// what packages, runtime version, environment, and target registry the image
// should have. A Spec carries intent only; nothing here touches the network
// or the filesystem. The orchestrator turns a Spec into a concrete, tagged
// image reference.
package imagespec

import (
	"strings"

	"github.com/blang/semver/v4"
	"github.com/distribution/reference"
)

// Spec describes a desired container image. Specs are value types: construct
// one, validate it, and treat it as immutable afterwards. Normalize and
// Identity never mutate the receiver.
//
// JSON tags double as the flat key/value override surface, so a Spec can be
// supplied or overridden by an external YAML/JSON document.
type Spec struct {
	// Name is the repository name the image is pushed under.
	// Defaults to the process-wide repository when empty.
	Name string `json:"name,omitempty"`

	// Packages are language-ecosystem (Python) packages, in install order.
	Packages []string `json:"packages,omitempty"`

	// AptPackages are system packages, in install order.
	AptPackages []string `json:"apt_packages,omitempty"`

	// PythonVersion pins the language runtime (e.g. "3.9").
	// Empty means the builder's default.
	PythonVersion string `json:"python_version,omitempty"`

	// Env holds environment variables baked into the image.
	Env map[string]string `json:"env,omitempty"`

	// Registry is the target registry (and optional namespace),
	// e.g. "ghcr.io/myorg" or a Docker Hub namespace like "myrepo".
	// Defaults to the process-wide registry when empty.
	Registry string `json:"registry,omitempty"`

	// BaseImage overrides the base image the builder starts from.
	BaseImage string `json:"base_image,omitempty"`

	// Builder names the builder to use. Empty selects by priority.
	Builder string `json:"builder,omitempty"`

	// Source lists local files to include in the build context.
	// Paths are relative to the caller's working directory.
	Source []string `json:"source,omitempty"`
}

// Validate checks the spec against the registry/tag grammar and the
// constraints builders rely on. It returns a *ValidationError describing the
// first offending field. Validation performs no I/O.
func (s Spec) Validate() error {
	for _, p := range s.Packages {
		if strings.TrimSpace(p) == "" {
			return &ValidationError{Field: "packages", Reason: "entry is empty or whitespace-only"}
		}
	}
	for _, p := range s.AptPackages {
		if strings.TrimSpace(p) == "" {
			return &ValidationError{Field: "apt_packages", Reason: "entry is empty or whitespace-only"}
		}
	}

	if s.PythonVersion != "" {
		if _, err := semver.ParseTolerant(s.PythonVersion); err != nil {
			return &ValidationError{Field: "python_version", Reason: "not a dotted version: " + s.PythonVersion}
		}
	}

	for k := range s.Env {
		if k == "" {
			return &ValidationError{Field: "env", Reason: "variable name is empty"}
		}
		if strings.ContainsAny(k, "= ") {
			return &ValidationError{Field: "env", Reason: "variable name contains '=' or space: " + k}
		}
	}

	if s.Name != "" {
		if _, err := reference.ParseNormalizedNamed(s.Name); err != nil {
			return &ValidationError{Field: "name", Reason: err.Error()}
		}
	}
	if s.Registry != "" {
		// The registry is validated as the prefix of a full repository path,
		// which is how it is ultimately used.
		repo := strings.TrimSuffix(s.Registry, "/") + "/" + defaultRepositoryProbe(s.Name)
		if _, err := reference.ParseNormalizedNamed(repo); err != nil {
			return &ValidationError{Field: "registry", Reason: err.Error()}
		}
	}
	if s.BaseImage != "" {
		if _, err := reference.ParseNormalizedNamed(s.BaseImage); err != nil {
			return &ValidationError{Field: "base_image", Reason: err.Error()}
		}
	}

	for _, src := range s.Source {
		if strings.TrimSpace(src) == "" {
			return &ValidationError{Field: "source", Reason: "entry is empty"}
		}
		if strings.HasPrefix(src, "/") || strings.Contains(src, "..") {
			return &ValidationError{Field: "source", Reason: "path must be relative and stay inside the build context: " + src}
		}
	}

	return nil
}

// defaultRepositoryProbe returns a repository path component used only to
// validate the registry prefix when the spec has no name of its own.
func defaultRepositoryProbe(name string) string {
	if name != "" {
		return name
	}
	return "kiln"
}
