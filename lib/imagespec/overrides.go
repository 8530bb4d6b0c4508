package imagespec

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
)

// Overrides is the flat key/value override document for a Spec. Scalars are
// pointers and collections are nil-able so that "not present in the document"
// is distinguishable from "explicitly set to empty". Overrides replace the
// corresponding field wholesale; they do not merge element-wise.
//
// A YAML file like the following overrides just the fields it names:
//
//	python_version: "3.11"
//	packages:
//	  - pandas
//	  - numpy
//	env:
//	  Debug: "True"
type Overrides struct {
	Name          *string           `json:"name,omitempty"`
	Packages      []string          `json:"packages,omitempty"`
	AptPackages   []string          `json:"apt_packages,omitempty"`
	PythonVersion *string           `json:"python_version,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Registry      *string           `json:"registry,omitempty"`
	BaseImage     *string           `json:"base_image,omitempty"`
	Builder       *string           `json:"builder,omitempty"`
	Source        []string          `json:"source,omitempty"`
}

// LoadOverrides reads an override document from a YAML (or JSON) file.
func LoadOverrides(path string) (Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Overrides{}, fmt.Errorf("read override file: %w", err)
	}
	return ParseOverrides(data)
}

// ParseOverrides parses an override document.
func ParseOverrides(data []byte) (Overrides, error) {
	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Overrides{}, fmt.Errorf("parse override document: %w", err)
	}
	return o, nil
}

// Apply returns a copy of the spec with every field named by the override
// document replaced. The receiver is not mutated.
func (s Spec) Apply(o Overrides) Spec {
	out := s

	if o.Name != nil {
		out.Name = *o.Name
	}
	if o.Packages != nil {
		out.Packages = append([]string(nil), o.Packages...)
	}
	if o.AptPackages != nil {
		out.AptPackages = append([]string(nil), o.AptPackages...)
	}
	if o.PythonVersion != nil {
		out.PythonVersion = *o.PythonVersion
	}
	if o.Env != nil {
		env := make(map[string]string, len(o.Env))
		for k, v := range o.Env {
			env[k] = v
		}
		out.Env = env
	}
	if o.Registry != nil {
		out.Registry = *o.Registry
	}
	if o.BaseImage != nil {
		out.BaseImage = *o.BaseImage
	}
	if o.Builder != nil {
		out.Builder = *o.Builder
	}
	if o.Source != nil {
		out.Source = append([]string(nil), o.Source...)
	}

	return out
}
