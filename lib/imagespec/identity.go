package imagespec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/blang/semver/v4"
	"github.com/samber/lo"
)

// Normalize returns a canonical copy of the spec. Ordered fields (packages)
// keep their order but are trimmed and deduped; unordered fields (env, source)
// are sorted; version strings and registry hosts are canonicalized. Two specs
// that normalize equal are interchangeable for build purposes.
func (s Spec) Normalize() Spec {
	out := s

	out.Packages = normalizeList(s.Packages)
	out.AptPackages = normalizeList(s.AptPackages)
	out.PythonVersion = canonicalVersion(s.PythonVersion)
	out.Registry = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(s.Registry), "/"))
	out.Name = strings.TrimSpace(s.Name)
	out.BaseImage = strings.TrimSpace(s.BaseImage)
	out.Builder = strings.TrimSpace(s.Builder)

	if s.Env != nil {
		env := make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			env[k] = v
		}
		out.Env = env
	}

	if s.Source != nil {
		src := normalizeList(s.Source)
		sort.Strings(src)
		out.Source = src
	}

	return out
}

func normalizeList(in []string) []string {
	if in == nil {
		return nil
	}
	trimmed := lo.Map(in, func(s string, _ int) string { return strings.TrimSpace(s) })
	return lo.Uniq(trimmed)
}

// canonicalVersion rewrites a tolerant version string ("3.9", "v3.9") into
// the full dotted form ("3.9.0") so equivalent pins hash identically.
// Unparseable values pass through untouched; Validate rejects them anyway.
func canonicalVersion(v string) string {
	if v == "" {
		return ""
	}
	parsed, err := semver.ParseTolerant(v)
	if err != nil {
		return v
	}
	return parsed.String()
}

// envPair exists so env maps marshal deterministically.
type envPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// canonicalForm is the exact payload that gets hashed. Field order is fixed;
// adding a field changes every identity, which is the desired behavior when
// the spec grows a new semantic attribute.
type canonicalForm struct {
	Name          string    `json:"name,omitempty"`
	Packages      []string  `json:"packages,omitempty"`
	AptPackages   []string  `json:"apt_packages,omitempty"`
	PythonVersion string    `json:"python_version,omitempty"`
	Env           []envPair `json:"env,omitempty"`
	Registry      string    `json:"registry,omitempty"`
	BaseImage     string    `json:"base_image,omitempty"`
	Builder       string    `json:"builder,omitempty"`
	Source        []string  `json:"source,omitempty"`
}

// Identity returns the stable content-derived digest of the normalized spec:
// a 64-character lower-case hex string, which also satisfies the registry tag
// grammar [a-z0-9]{1,64}. The same spec yields the same identity across
// process runs.
func (s Spec) Identity() (string, error) {
	n := s.Normalize()

	form := canonicalForm{
		Name:          n.Name,
		Packages:      n.Packages,
		AptPackages:   n.AptPackages,
		PythonVersion: n.PythonVersion,
		Registry:      n.Registry,
		BaseImage:     n.BaseImage,
		Builder:       n.Builder,
		Source:        n.Source,
	}

	if len(n.Env) > 0 {
		keys := lo.Keys(n.Env)
		sort.Strings(keys)
		form.Env = lo.Map(keys, func(k string, _ int) envPair {
			return envPair{Name: k, Value: n.Env[k]}
		})
	}

	payload, err := json.Marshal(form)
	if err != nil {
		return "", fmt.Errorf("marshal canonical spec: %w", err)
	}

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

// Tag returns the image tag derived from the spec identity.
func (s Spec) Tag() (string, error) {
	return s.Identity()
}
