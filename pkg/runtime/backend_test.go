package runtime

import (
	"testing"

	"github.com/containerd/containerd"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

func TestDockerConfig(t *testing.T) {
	spec := &types.ContainerSpec{
		Name:  "web",
		Image: "nginx:alpine",
		Args:  []string{"nginx", "-g", "daemon off;"},
		Env:   []string{"A=1"},
		Ports: []types.PortMapping{
			{HostPort: 8080, ContainerPort: 80},
			{ContainerPort: 9000, Protocol: "udp"},
		},
		Mounts: []types.Mount{
			{Source: "/srv/data", Target: "/data"},
			{Source: "/srv/conf", Target: "/etc/app", ReadOnly: true},
		},
		Labels: map[string]string{LabelProject: "demo"},
	}

	config, hostConfig, err := dockerConfig(spec)
	require.NoError(t, err)

	assert.Equal(t, "nginx:alpine", config.Image)
	assert.Empty(t, config.Entrypoint)
	assert.Equal(t, []string{"nginx", "-g", "daemon off;"}, []string(config.Cmd))
	assert.Equal(t, "demo", config.Labels[LabelProject])

	assert.Contains(t, config.ExposedPorts, nat.Port("80/tcp"))
	assert.Contains(t, config.ExposedPorts, nat.Port("9000/udp"))
	assert.Equal(t, []nat.PortBinding{{HostPort: "8080"}}, hostConfig.PortBindings[nat.Port("80/tcp")])
	assert.NotContains(t, hostConfig.PortBindings, nat.Port("9000/udp"))

	require.Len(t, hostConfig.Mounts, 2)
	assert.Equal(t, mount.TypeBind, hostConfig.Mounts[0].Type)
	assert.False(t, hostConfig.Mounts[0].ReadOnly)
	assert.True(t, hostConfig.Mounts[1].ReadOnly)
}

func TestDockerStatus(t *testing.T) {
	tests := map[string]types.ContainerStatus{
		"created":    types.ContainerStatusCreated,
		"running":    types.ContainerStatusRunning,
		"restarting": types.ContainerStatusRunning,
		"paused":     types.ContainerStatusPaused,
		"exited":     types.ContainerStatusStopped,
		"dead":       types.ContainerStatusStopped,
		"bogus":      types.ContainerStatusUnknown,
	}
	for in, want := range tests {
		assert.Equal(t, want, dockerStatus(in), in)
	}
}

func TestLabelFilter(t *testing.T) {
	filter := labelFilter(map[string]string{
		LabelService: "web",
		LabelProject: "demo",
	})
	assert.Equal(t, `labels."hutch.project"=="demo",labels."hutch.service"=="web"`, filter)
	assert.Empty(t, labelFilter(nil))
}

func TestOCIMounts(t *testing.T) {
	mounts := ociMounts([]types.Mount{
		{Source: "/a", Target: "/b"},
		{Source: "/c", Target: "/d", ReadOnly: true},
	})
	require.Len(t, mounts, 2)
	assert.Equal(t, "bind", mounts[0].Type)
	assert.Equal(t, []string{"rbind", "rw"}, mounts[0].Options)
	assert.Equal(t, "/d", mounts[1].Destination)
	assert.Equal(t, []string{"rbind", "ro"}, mounts[1].Options)
}

func TestContainerdStatus(t *testing.T) {
	assert.Equal(t, types.ContainerStatusRunning, containerdStatus(containerd.Running))
	assert.Equal(t, types.ContainerStatusPaused, containerdStatus(containerd.Pausing))
	assert.Equal(t, types.ContainerStatusStopped, containerdStatus(containerd.Stopped))
	assert.Equal(t, types.ContainerStatusUnknown, containerdStatus(containerd.Unknown))
}

func TestMatchLabels(t *testing.T) {
	have := map[string]string{"a": "1", "b": "2"}
	assert.True(t, matchLabels(have, nil))
	assert.True(t, matchLabels(have, map[string]string{"a": "1"}))
	assert.False(t, matchLabels(have, map[string]string{"a": "2"}))
}
