package docker

import (
	"fmt"
	"sort"
	"strings"

	"github.com/blang/semver/v4"

	"github.com/imagekiln/kiln/lib/imagespec"
)

const (
	dockerfileName = "Dockerfile"

	// fallbackBaseImage is used when neither the spec nor the builder
	// options pin a base.
	fallbackBaseImage = "python:3.11-slim"
)

// Render synthesizes a Dockerfile for the spec. The output is deterministic:
// identical normalized specs render byte-identical Dockerfiles, which keeps
// tag-level rebuilds equivalent.
func Render(spec imagespec.Spec, defaultBase string) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "FROM %s\n", baseImage(spec, defaultBase))

	if len(spec.AptPackages) > 0 {
		fmt.Fprintf(&sb,
			"RUN apt-get update && apt-get install -y --no-install-recommends %s && rm -rf /var/lib/apt/lists/*\n",
			strings.Join(spec.AptPackages, " "))
	}

	if len(spec.Packages) > 0 {
		fmt.Fprintf(&sb, "RUN pip install --no-cache-dir %s\n", strings.Join(spec.Packages, " "))
	}

	if len(spec.Env) > 0 {
		keys := make([]string, 0, len(spec.Env))
		for k := range spec.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "ENV %s=%q\n", k, spec.Env[k])
		}
	}

	if len(spec.Source) > 0 {
		sb.WriteString("WORKDIR /app\n")
		srcs := append([]string(nil), spec.Source...)
		sort.Strings(srcs)
		for _, src := range srcs {
			fmt.Fprintf(&sb, "COPY %s %s\n", src, src)
		}
	}

	return sb.String()
}

// baseImage picks the FROM line: an explicit base wins, then a pinned Python
// version selects the matching slim image, then the configured default.
func baseImage(spec imagespec.Spec, defaultBase string) string {
	if spec.BaseImage != "" {
		return spec.BaseImage
	}
	if spec.PythonVersion != "" {
		if v, err := semver.ParseTolerant(spec.PythonVersion); err == nil {
			return fmt.Sprintf("python:%d.%d-slim", v.Major, v.Minor)
		}
	}
	if defaultBase != "" {
		return defaultBase
	}
	return fallbackBaseImage
}
