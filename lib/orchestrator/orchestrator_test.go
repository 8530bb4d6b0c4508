package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/stretchr/testify/require"

	"github.com/imagekiln/kiln/lib/builder"
	"github.com/imagekiln/kiln/lib/imagespec"
	"github.com/imagekiln/kiln/lib/registryclient"
)

// fakeClient is an in-memory registry client. Errors can be injected per
// call to exercise the retry path.
type fakeClient struct {
	mu          sync.Mutex
	tags        map[string]bool
	existsCalls int
	existsErrs  []error // consumed one per Exists call
}

func newFakeClient() *fakeClient {
	return &fakeClient{tags: make(map[string]bool)}
}

func (c *fakeClient) Exists(_ context.Context, ref string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.existsCalls++
	if len(c.existsErrs) > 0 {
		err := c.existsErrs[0]
		c.existsErrs = c.existsErrs[1:]
		if err != nil {
			return false, &registryclient.RegistryError{Op: "exists", Ref: ref, Err: err}
		}
	}
	return c.tags[ref], nil
}

func (c *fakeClient) Push(_ context.Context, _ v1.Image, ref string) error {
	c.markPushed(ref)
	return nil
}

func (c *fakeClient) markPushed(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags[ref] = true
}

func (c *fakeClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.existsCalls
}

// countingBuilder records invocations and "pushes" by marking the tag in the
// fake client. An optional gate blocks builds until released.
type countingBuilder struct {
	id     string
	client *fakeClient
	builds atomic.Int32
	gate   chan struct{}
	err    error
}

func (b *countingBuilder) ID() string                     { return b.id }
func (b *countingBuilder) CanBuild(_ imagespec.Spec) bool { return true }

func (b *countingBuilder) BuildAndPush(_ context.Context, _ imagespec.Spec, ref string) (string, error) {
	if b.gate != nil {
		<-b.gate
	}
	b.builds.Add(1)
	if b.err != nil {
		return "", b.err
	}
	b.client.markPushed(ref)
	return ref, nil
}

func testConfig() Config {
	return Config{ExistsMaxTries: 3, ExistsInitialBackoff: time.Millisecond}
}

func newTestOrchestrator(t *testing.T, client *fakeClient, b builder.Builder) *Orchestrator {
	t.Helper()
	reg := builder.NewRegistry()
	require.NoError(t, reg.Register(b, 10))

	o, err := New(reg, client, Defaults{Registry: "myrepo", Repository: "kiln"},
		testConfig(), slog.Default(), nil)
	require.NoError(t, err)
	return o
}

func TestFirstMissBuildsThenSecondCallHitsRegistry(t *testing.T) {
	spec := imagespec.Spec{
		Packages:      []string{"pandas", "numpy"},
		PythonVersion: "3.9",
		Registry:      "myrepo",
	}
	identity, err := spec.Identity()
	require.NoError(t, err)

	client := newFakeClient()
	b := &countingBuilder{id: "docker", client: client}
	o := newTestOrchestrator(t, client, b)

	ref, err := o.ResolveImage(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, "myrepo/kiln:"+identity, ref)
	require.Equal(t, int32(1), b.builds.Load())

	// A fresh orchestrator (new process, empty record) finds the pushed
	// tag via the existence check and never invokes a builder.
	b2 := &countingBuilder{id: "docker", client: client}
	o2 := newTestOrchestrator(t, client, b2)

	ref2, err := o2.ResolveImage(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, ref, ref2)
	require.Equal(t, int32(0), b2.builds.Load())
}

func TestRecordHitSkipsAllIO(t *testing.T) {
	spec := imagespec.Spec{Packages: []string{"pandas"}}

	client := newFakeClient()
	b := &countingBuilder{id: "docker", client: client}
	o := newTestOrchestrator(t, client, b)

	ref1, err := o.ResolveImage(context.Background(), spec)
	require.NoError(t, err)
	callsAfterFirst := client.calls()

	ref2, err := o.ResolveImage(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, ref1, ref2)
	require.Equal(t, callsAfterFirst, client.calls(), "record hit must not touch the registry")
	require.Equal(t, int32(1), b.builds.Load())
}

func TestCacheIdempotenceWhenRegistryAlreadyHasTag(t *testing.T) {
	spec := imagespec.Spec{Packages: []string{"pandas"}}
	identity, err := spec.Identity()
	require.NoError(t, err)

	client := newFakeClient()
	client.markPushed("myrepo/kiln:" + identity)
	b := &countingBuilder{id: "docker", client: client}
	o := newTestOrchestrator(t, client, b)

	for range 2 {
		ref, err := o.ResolveImage(context.Background(), spec)
		require.NoError(t, err)
		require.Equal(t, "myrepo/kiln:"+identity, ref)
	}
	require.Equal(t, int32(0), b.builds.Load())
}

func TestCoalescingConcurrentResolves(t *testing.T) {
	spec := imagespec.Spec{Packages: []string{"pandas"}}

	client := newFakeClient()
	b := &countingBuilder{id: "docker", client: client, gate: make(chan struct{})}
	o := newTestOrchestrator(t, client, b)

	const n = 20
	refs := make([]string, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			refs[i], errs[i] = o.ResolveImage(context.Background(), spec)
		}()
	}

	// Let the callers pile up behind the in-flight build, then release it.
	time.Sleep(50 * time.Millisecond)
	close(b.gate)
	wg.Wait()

	require.Equal(t, int32(1), b.builds.Load(), "concurrent resolves must coalesce onto one build")
	for i := range n {
		require.NoError(t, errs[i])
		require.Equal(t, refs[0], refs[i])
	}
}

func TestBuildFailureLeavesNoRecordAndIsRetryable(t *testing.T) {
	spec := imagespec.Spec{Packages: []string{"pandas"}}
	identity, err := spec.Identity()
	require.NoError(t, err)

	client := newFakeClient()
	boom := errors.New("toolchain exploded")
	b := &countingBuilder{id: "docker", client: client, err: boom}
	o := newTestOrchestrator(t, client, b)

	_, err = o.ResolveImage(context.Background(), spec)
	require.Error(t, err)

	var berr *builder.BuildError
	require.ErrorAs(t, err, &berr)
	require.Equal(t, "docker", berr.BuilderID)
	require.Equal(t, identity, berr.Identity)
	require.ErrorIs(t, err, boom)

	_, recorded := o.lookup(identity)
	require.False(t, recorded, "failed build must not populate the record")

	// A retry re-runs the whole protocol: existence check first, then a
	// fresh build attempt.
	b.err = nil
	ref, err := o.ResolveImage(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, "myrepo/kiln:"+identity, ref)
	require.Equal(t, int32(2), b.builds.Load())
}

func TestExistenceCheckRetriesThenSurfacesRegistryError(t *testing.T) {
	spec := imagespec.Spec{Packages: []string{"pandas"}}

	client := newFakeClient()
	transient := errors.New("connection reset")
	client.existsErrs = []error{transient, transient, transient, transient}
	b := &countingBuilder{id: "docker", client: client}
	o := newTestOrchestrator(t, client, b)

	_, err := o.ResolveImage(context.Background(), spec)
	require.Error(t, err)

	var rerr *registryclient.RegistryError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, 3, client.calls(), "bounded retry")
	require.Equal(t, int32(0), b.builds.Load(), "inconclusive check must not fall through to a build")
}

func TestExistenceCheckRecoversFromTransientErrors(t *testing.T) {
	spec := imagespec.Spec{Packages: []string{"pandas"}}

	client := newFakeClient()
	client.existsErrs = []error{errors.New("timeout"), errors.New("timeout"), nil}
	b := &countingBuilder{id: "docker", client: client}
	o := newTestOrchestrator(t, client, b)

	ref, err := o.ResolveImage(context.Background(), spec)
	require.NoError(t, err)
	require.NotEmpty(t, ref)
	require.Equal(t, int32(1), b.builds.Load())
}

func TestValidationFailsBeforeAnyIO(t *testing.T) {
	client := newFakeClient()
	b := &countingBuilder{id: "docker", client: client}
	o := newTestOrchestrator(t, client, b)

	_, err := o.ResolveImage(context.Background(), imagespec.Spec{Packages: []string{"  "}})

	var verr *imagespec.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Zero(t, client.calls())
	require.Equal(t, int32(0), b.builds.Load())
}

func TestUnknownBuilderSurfaces(t *testing.T) {
	client := newFakeClient()
	b := &countingBuilder{id: "docker", client: client}
	o := newTestOrchestrator(t, client, b)

	_, err := o.ResolveImage(context.Background(), imagespec.Spec{
		Packages: []string{"pandas"},
		Builder:  "envd",
	})
	require.ErrorIs(t, err, builder.ErrUnknownBuilder)
}

func TestDistinctEnvSpecsGetIndependentEntries(t *testing.T) {
	on := imagespec.Spec{Packages: []string{"pandas"}, Env: map[string]string{"Debug": "True"}}
	off := imagespec.Spec{Packages: []string{"pandas"}, Env: map[string]string{"Debug": "False"}}

	client := newFakeClient()
	b := &countingBuilder{id: "docker", client: client}
	o := newTestOrchestrator(t, client, b)

	refOn, err := o.ResolveImage(context.Background(), on)
	require.NoError(t, err)
	refOff, err := o.ResolveImage(context.Background(), off)
	require.NoError(t, err)

	require.NotEqual(t, refOn, refOff)
	require.Equal(t, int32(2), b.builds.Load())

	// Both entries are independently cached now.
	ref, err := o.ResolveImage(context.Background(), on)
	require.NoError(t, err)
	require.Equal(t, refOn, ref)
	require.Equal(t, int32(2), b.builds.Load())
}

func TestSpecRegistryOverridesDefault(t *testing.T) {
	spec := imagespec.Spec{Packages: []string{"pandas"}, Registry: "ghcr.io/other", Name: "svc"}
	identity, err := spec.Identity()
	require.NoError(t, err)

	client := newFakeClient()
	b := &countingBuilder{id: "docker", client: client}
	o := newTestOrchestrator(t, client, b)

	ref, err := o.ResolveImage(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, "ghcr.io/other/svc:"+identity, ref)
}
