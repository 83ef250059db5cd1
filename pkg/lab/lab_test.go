package lab_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/lab"
	"github.com/dukex/entropy/pkg/models"
	"github.com/dukex/entropy/pkg/protocol"
	"github.com/dukex/entropy/pkg/registry"
	"github.com/dukex/entropy/pkg/results"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type scope struct {
	name      string
	args      []any
	kwargs    map[string]any
	state     string
	torndown  int
	failClose bool
}

func (s *scope) Connect(context.Context) error { return nil }

func (s *scope) Teardown(context.Context) error {
	s.torndown++
	if s.failClose {
		return errors.New("teardown failed")
	}

	return nil
}

func (s *scope) Instance() any              { return s }
func (s *scope) SetEntropyName(name string) { s.name = name }

func (s *scope) Snapshot(context.Context, bool) (string, error) { return s.state, nil }

func (s *scope) RevertToSnapshot(_ context.Context, snapshot string) error {
	s.state = snapshot

	return nil
}

func (s *scope) DynamicDriverSpec(context.Context) (models.DriverSpec, error) {
	return models.DriverSpec{Parameters: []models.Parameter{{Name: "gain", Unit: "dB"}}}, nil
}

type plain struct{}

func (plain) Connect(context.Context) error  { return nil }
func (plain) Teardown(context.Context) error { return nil }
func (plain) Instance() any                  { return "plain" }

type fixture struct {
	lab      *lab.Registry
	created  []*scope
	registry *registry.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, results.MigrateCatalog(t.Context(), testLogger(), dir))

	store, err := results.Open(t.Context(), testLogger(), dir, results.Options{BulkStorage: true})
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close(t.Context()) })

	f := &fixture{registry: registry.NewRegistry(testLogger())}

	f.registry.RegisterDriver(registry.NewDriver("drivers.Scope", func(args []any, kwargs map[string]any) (protocol.Resource, error) {
		s := &scope{args: args, kwargs: kwargs, state: "gain=1\noffset=0\n"}
		f.created = append(f.created, s)

		return s, nil
	}, map[string]any{
		"type": "object",
		"properties": map[string]any{
			"address": map[string]any{"type": "string"},
			"gain":    map[string]any{"type": "number"},
		},
	}))
	f.registry.RegisterDriver(registry.NewDriver("drivers.Plain", func([]any, map[string]any) (protocol.Resource, error) {
		return plain{}, nil
	}, nil))

	f.lab = lab.New(testLogger(), store.DB(), f.registry, nil)

	return f
}

func TestRegistry_Register(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	err := f.lab.Register(ctx, "scope", "drivers.Scope", lab.RegisterOptions{
		Args:             []any{"usb0"},
		Kwargs:           map[string]any{"address": "10.0.0.1"},
		ExperimentArgs:   []any{1},
		ExperimentKwargs: map[string]any{"gain": 2},
		DiscoverSpec:     true,
	})
	require.NoError(t, err)

	require.Len(t, f.created, 1)
	assert.Equal(t, 1, f.created[0].torndown)
	assert.Equal(t, "scope", f.created[0].name)
	assert.Equal(t, []any{"usb0", 1}, f.created[0].args)

	err = f.lab.Register(ctx, "scope", "drivers.Scope", lab.RegisterOptions{})
	assert.True(t, errdefs.IsAlreadyExists(err))

	registered, err := f.lab.RegisterIfAbsent(ctx, "scope", "drivers.Scope", lab.RegisterOptions{})
	require.NoError(t, err)
	assert.False(t, registered)

	info, err := f.lab.GetInfo(ctx, "scope")
	require.NoError(t, err)
	assert.Equal(t, "drivers", info.Module)
	assert.Equal(t, "Scope", info.ClassName)
	assert.Equal(t, []any{"usb0"}, info.Args)
	assert.Equal(t, map[string]any{"address": "10.0.0.1"}, info.Kwargs)
	assert.Equal(t, 1, info.NumberOfExperimentArgs)
	assert.Equal(t, []string{"gain"}, info.KeysOfExperimentKwargs)
	assert.Equal(t, "gain", info.CachedMetadata.Parameters[0].Name)

	err = f.lab.Register(ctx, "bad", "drivers.Scope", lab.RegisterOptions{Kwargs: map[string]any{"gain": "loud"}})
	assert.True(t, errdefs.IsInvalidArgument(err))

	err = f.lab.Register(ctx, "ghost", "drivers.Missing", lab.RegisterOptions{})
	assert.True(t, errdefs.IsNotFound(err))

	names, err := f.lab.ListAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"scope"}, names)
}

func TestRegistry_GetResource(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	require.NoError(t, f.lab.Register(ctx, "scope", "drivers.Scope", lab.RegisterOptions{
		Args:             []any{"usb0"},
		ExperimentArgs:   []any{1},
		ExperimentKwargs: map[string]any{"gain": 2},
	}))

	_, err := f.lab.GetResource(ctx, "scope", nil, nil)
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, err = f.lab.GetResource(ctx, "scope", []any{5}, map[string]any{"other": 1})
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, err = f.lab.GetResource(ctx, "nope", nil, nil)
	assert.True(t, errdefs.IsNotFound(err))

	resource, err := f.lab.GetResource(ctx, "scope", []any{5}, map[string]any{"gain": 3})
	require.NoError(t, err)

	instance := resource.(*scope)
	assert.Equal(t, []any{"usb0", 5}, instance.args)
	assert.Equal(t, 3, instance.kwargs["gain"])

	again, err := f.lab.GetResource(ctx, "scope", []any{5}, nil)
	require.NoError(t, err)
	assert.Same(t, resource, again)

	// A built instance does not bypass the argument checks.
	_, err = f.lab.GetResource(ctx, "scope", nil, nil)
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, err = f.lab.GetResource(ctx, "scope", []any{5, 6}, nil)
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, err = f.lab.GetResource(ctx, "scope", []any{5}, map[string]any{"other": 1})
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestRegistry_RegisterConcurrent(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	var built atomic.Int32

	f.registry.RegisterDriver(registry.NewDriver("drivers.Slow", func([]any, map[string]any) (protocol.Resource, error) {
		built.Add(1)
		time.Sleep(50 * time.Millisecond)

		return plain{}, nil
	}, nil))

	const contenders = 2

	errs := make([]error, contenders)

	var wg sync.WaitGroup

	for i := range contenders {
		wg.Add(1)

		go func() {
			defer wg.Done()

			errs[i] = f.lab.Register(ctx, "slow", "drivers.Slow", lab.RegisterOptions{})
		}()
	}

	wg.Wait()

	succeeded := 0

	for _, err := range errs {
		if err == nil {
			succeeded++

			continue
		}

		assert.True(t, errdefs.IsAlreadyExists(err), err)
	}

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, int32(1), built.Load())
}

func TestRegistry_UpdateAndRemove(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	require.NoError(t, f.lab.Register(ctx, "scope", "drivers.Scope", lab.RegisterOptions{Args: []any{"v1"}}))
	require.NoError(t, f.lab.Update(ctx, "scope", "drivers.Scope", lab.RegisterOptions{Args: []any{"v2"}}))

	info, err := f.lab.GetInfo(ctx, "scope")
	require.NoError(t, err)
	assert.Equal(t, []any{"v2"}, info.Args)

	require.NoError(t, f.lab.Remove(ctx, "scope"))

	exists, err := f.lab.ResourceExists(ctx, "scope")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.True(t, errdefs.IsNotFound(f.lab.Remove(ctx, "scope")))
}

func TestRegistry_Snapshots(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	require.NoError(t, f.lab.Register(ctx, "scope", "drivers.Scope", lab.RegisterOptions{}))
	require.NoError(t, f.lab.Register(ctx, "plain", "drivers.Plain", lab.RegisterOptions{}))

	err := f.lab.SaveSnapshot(ctx, "scope", "base")
	assert.True(t, errdefs.IsNotFound(err))

	resource, err := f.lab.GetResource(ctx, "scope", nil, nil)
	require.NoError(t, err)

	require.NoError(t, f.lab.SaveSnapshot(ctx, "scope", "base"))

	resource.(*scope).state = "gain=2\noffset=0\n"
	require.NoError(t, f.lab.SaveSnapshot(ctx, "scope", "base"))

	state, err := f.lab.GetSnapshot(ctx, "scope", "base")
	require.NoError(t, err)
	assert.Equal(t, "gain=2\noffset=0\n", state)

	_, err = f.lab.GetSnapshot(ctx, "scope", "missing")
	assert.True(t, errdefs.IsNotFound(err))

	states, err := f.lab.GetAllStates(ctx, "scope")
	require.NoError(t, err)
	assert.Len(t, states, 2)

	_, err = f.lab.GetResource(ctx, "plain", nil, nil)
	require.NoError(t, err)
	assert.True(t, errdefs.IsUnsupported(f.lab.SaveSnapshot(ctx, "plain", "base")))

	diff, err := lab.DiffFromSnapshot(ctx, resource.(*scope), "gain=1\noffset=0\n")
	require.NoError(t, err)
	assert.True(t, strings.Contains(diff, "-gain=1"))
	assert.True(t, strings.Contains(diff, "+gain=2"))
}

func TestRegistry_LockAndRelease(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	require.NoError(t, f.lab.Register(ctx, "a", "drivers.Scope", lab.RegisterOptions{}))
	require.NoError(t, f.lab.Register(ctx, "b", "drivers.Scope", lab.RegisterOptions{}))

	assert.True(t, errdefs.IsNotFound(f.lab.Lock(ctx, "alice", []string{"a", "missing"})))

	// The failed batch released "a".
	require.NoError(t, f.lab.Lock(ctx, "bob", []string{"a"}))
	assert.True(t, errdefs.IsIllegalState(f.lab.Lock(ctx, "alice", []string{"b", "a"})))
	require.NoError(t, f.lab.Lock(ctx, "carol", []string{"b"}))

	resource, err := f.lab.GetResource(ctx, "a", nil, nil)
	require.NoError(t, err)

	resource.(*scope).failClose = true

	// Names alice does not hold are ignored.
	require.NoError(t, f.lab.Release(ctx, "alice", []string{"a", "b"}))

	err = f.lab.Release(ctx, "bob", []string{"a"})
	require.Error(t, err)
	assert.Equal(t, 1, resource.(*scope).torndown)

	require.NoError(t, f.lab.Lock(ctx, "alice", []string{"a"}))
}
