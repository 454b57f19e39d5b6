package runtime_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/errdefs"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/runtime/runtimetest"
	"github.com/cuemby/hutch/pkg/types"
)

func TestNewUnknownBackend(t *testing.T) {
	_, err := runtime.New(runtime.Config{Backend: "podman"})
	require.Error(t, err)
	assert.True(t, errdefs.IsConfiguration(err))
}

func TestRun(t *testing.T) {
	rt := runtimetest.New()

	id, err := runtime.Run(context.Background(), rt, &types.ContainerSpec{Name: "web", Image: "nginx"})
	require.NoError(t, err)

	state, err := rt.Inspect(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, types.ContainerStatusRunning, state.Status)
	assert.Equal(t, "web", state.Name)
}

func TestRunCreateFailure(t *testing.T) {
	rt := runtimetest.New()
	rt.CreateHook = func(*types.ContainerSpec) error { return errors.New("no such image") }

	_, err := runtime.Run(context.Background(), rt, &types.ContainerSpec{Name: "web", Image: "missing"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such image")
	assert.Empty(t, rt.Calls("start"))
}

func TestRunStartFailureRemovesContainer(t *testing.T) {
	rt := runtimetest.New()
	rt.StartHook = func(*types.ContainerSpec) error { return errors.New("exec format error") }

	_, err := runtime.Run(context.Background(), rt, &types.ContainerSpec{Name: "web", Image: "nginx"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start container web")

	assert.Len(t, rt.Calls("force-delete"), 1)
	assert.Empty(t, rt.Containers())
}

func TestRunRemovesPartiallyCreatedContainer(t *testing.T) {
	rt := runtimetest.New()
	rt.CreatedHook = func(id string, spec *types.ContainerSpec) error {
		return errors.New("failed to connect container to network shop_back: network not found")
	}

	id, err := runtime.Run(context.Background(), rt, &types.ContainerSpec{Name: "web", Image: "nginx"})
	require.Error(t, err)
	assert.Empty(t, id)
	assert.Contains(t, err.Error(), "failed to create container web")

	deletes := rt.Calls("force-delete")
	require.Len(t, deletes, 1)
	assert.Equal(t, "ctr-0001", deletes[0].ID)
	assert.Empty(t, rt.Calls("start"))
	assert.Empty(t, rt.Containers())
}
