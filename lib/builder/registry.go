package builder

import (
	"fmt"
	"sort"
	"sync"

	"github.com/imagekiln/kiln/lib/imagespec"
)

// Registration pairs a builder with its selection priority. Higher priority
// wins when the spec does not name a builder explicitly.
type Registration struct {
	Builder  Builder
	Priority int
}

// Registry maps builder identifiers to registrations. Registration happens
// once at startup; Resolve is called concurrently afterwards, so reads take
// a shared lock and writes an exclusive one.
type Registry struct {
	mu   sync.RWMutex
	regs map[string]Registration
}

// NewRegistry creates an empty builder registry.
func NewRegistry() *Registry {
	return &Registry{regs: make(map[string]Registration)}
}

// Register adds a builder under its ID. It fails with ErrDuplicateBuilder if
// the ID is already taken; use Replace for an explicit override.
func (r *Registry) Register(b Builder, priority int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := b.ID()
	if _, ok := r.regs[id]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateBuilder, id)
	}
	r.regs[id] = Registration{Builder: b, Priority: priority}
	return nil
}

// Replace registers a builder, overriding any existing registration with the
// same ID.
func (r *Registry) Replace(b Builder, priority int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[b.ID()] = Registration{Builder: b, Priority: priority}
}

// Resolve selects a builder for the spec. A spec that names a builder gets
// exactly that builder or ErrUnknownBuilder. Otherwise registrations are
// scanned in descending priority order (ties broken by ID so selection is
// deterministic) and the first whose CanBuild accepts the spec wins;
// ErrNoCapableBuilder if none do.
func (r *Registry) Resolve(spec imagespec.Spec) (Builder, error) {
	if spec.Builder != "" {
		r.mu.RLock()
		reg, ok := r.regs[spec.Builder]
		r.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownBuilder, spec.Builder)
		}
		return reg.Builder, nil
	}

	// Snapshot under the read lock; capability checks run unlocked since
	// they are builder code we don't control.
	r.mu.RLock()
	ordered := make([]Registration, 0, len(r.regs))
	for _, reg := range r.regs {
		ordered = append(ordered, reg)
	}
	r.mu.RUnlock()

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].Builder.ID() < ordered[j].Builder.ID()
	})

	for _, reg := range ordered {
		if reg.Builder.CanBuild(spec) {
			return reg.Builder, nil
		}
	}
	return nil, ErrNoCapableBuilder
}

// IDs returns the registered builder identifiers, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.regs))
	for id := range r.regs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
