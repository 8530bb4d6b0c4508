package builder

import (
	"context"
	"sync"
	"testing"

	"github.com/imagekiln/kiln/lib/imagespec"
	"github.com/stretchr/testify/require"
)

// fakeBuilder is a test double with a controllable capability check.
type fakeBuilder struct {
	id       string
	canBuild bool
}

func (f *fakeBuilder) ID() string                            { return f.id }
func (f *fakeBuilder) CanBuild(_ imagespec.Spec) bool        { return f.canBuild }
func (f *fakeBuilder) BuildAndPush(_ context.Context, _ imagespec.Spec, ref string) (string, error) {
	return ref, nil
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeBuilder{id: "docker", canBuild: true}, 10))

	err := r.Register(&fakeBuilder{id: "docker", canBuild: true}, 20)
	require.ErrorIs(t, err, ErrDuplicateBuilder)

	// Explicit override is allowed.
	r.Replace(&fakeBuilder{id: "docker", canBuild: false}, 20)

	_, err = r.Resolve(imagespec.Spec{})
	require.ErrorIs(t, err, ErrNoCapableBuilder)
}

func TestResolveExplicitBuilder(t *testing.T) {
	r := NewRegistry()
	// Even a builder whose capability check says no is returned when the
	// spec names it explicitly; capability scanning only applies to
	// priority-based selection.
	require.NoError(t, r.Register(&fakeBuilder{id: "envd", canBuild: false}, 1))

	b, err := r.Resolve(imagespec.Spec{Builder: "envd"})
	require.NoError(t, err)
	require.Equal(t, "envd", b.ID())

	_, err = r.Resolve(imagespec.Spec{Builder: "missing"})
	require.ErrorIs(t, err, ErrUnknownBuilder)
}

func TestResolveByPriority(t *testing.T) {
	// Priorities [10, 5, 1] where only the priority-5 builder is capable.
	// Registration order must not matter.
	orders := [][]struct {
		id       string
		prio     int
		canBuild bool
	}{
		{{"high", 10, false}, {"mid", 5, true}, {"low", 1, true}},
		{{"low", 1, true}, {"high", 10, false}, {"mid", 5, true}},
		{{"mid", 5, true}, {"low", 1, true}, {"high", 10, false}},
	}

	for _, order := range orders {
		r := NewRegistry()
		for _, reg := range order {
			require.NoError(t, r.Register(&fakeBuilder{id: reg.id, canBuild: reg.canBuild}, reg.prio))
		}

		b, err := r.Resolve(imagespec.Spec{})
		require.NoError(t, err)
		require.Equal(t, "mid", b.ID())
	}
}

func TestResolvePriorityTieIsDeterministic(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeBuilder{id: "bbb", canBuild: true}, 5))
	require.NoError(t, r.Register(&fakeBuilder{id: "aaa", canBuild: true}, 5))

	for range 10 {
		b, err := r.Resolve(imagespec.Spec{})
		require.NoError(t, err)
		require.Equal(t, "aaa", b.ID())
	}
}

func TestResolveNoCapableBuilder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeBuilder{id: "docker", canBuild: false}, 10))

	_, err := r.Resolve(imagespec.Spec{})
	require.ErrorIs(t, err, ErrNoCapableBuilder)
}

func TestConcurrentResolve(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeBuilder{id: "docker", canBuild: true}, 10))

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := r.Resolve(imagespec.Spec{})
			require.NoError(t, err)
			require.Equal(t, "docker", b.ID())
		}()
	}
	wg.Wait()
}

func TestIDs(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeBuilder{id: "envd"}, 1))
	require.NoError(t, r.Register(&fakeBuilder{id: "docker"}, 2))
	require.Equal(t, []string{"docker", "envd"}, r.IDs())
}
