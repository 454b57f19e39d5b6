package compose

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/errdefs"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/runtime/runtimetest"
	"github.com/cuemby/hutch/pkg/types"
)

const twoServices = `
services:
  a:
    image: nginx:alpine
    ports: ["8080:80"]
    networks: [net]
  b:
    image: nginx:alpine
    ports: ["8081:81"]
    networks: [net]
networks:
  net:
    driver: bridge
`

type fixture struct {
	stateRoot string
	workDir   string
	rt        *runtimetest.Runtime
	mgr       *Manager
}

func newFixture(t *testing.T, compose string) *fixture {
	t.Helper()

	base := t.TempDir()
	f := &fixture{
		stateRoot: filepath.Join(base, "state"),
		workDir:   filepath.Join(base, "demo"),
		rt:        runtimetest.New(),
	}
	require.NoError(t, os.MkdirAll(f.workDir, 0755))
	if compose != "" {
		f.write(t, "compose.yml", compose)
	}

	mgr, err := NewManager(Options{StateRoot: f.stateRoot, WorkDir: f.workDir, Runtime: f.rt})
	require.NoError(t, err)
	mgr.now = func() time.Time { return time.Unix(1700000123, 0) }
	f.mgr = mgr
	return f
}

func (f *fixture) write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.workDir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestNewManager(t *testing.T) {
	_, err := NewManager(Options{Runtime: runtimetest.New()})
	assert.True(t, errdefs.IsConfiguration(err))

	_, err = NewManager(Options{StateRoot: t.TempDir()})
	assert.True(t, errdefs.IsConfiguration(err))

	mgr, err := NewManager(Options{StateRoot: "/var/lib/hutch", WorkDir: "/src/shop/", Runtime: runtimetest.New()})
	require.NoError(t, err)
	assert.Equal(t, "shop", mgr.Project())
	assert.Equal(t, "/var/lib/hutch/compose/shop", mgr.Root())

	mgr, err = NewManager(Options{StateRoot: "/var/lib/hutch", WorkDir: "/src/shop", Project: "other", Runtime: runtimetest.New()})
	require.NoError(t, err)
	assert.Equal(t, "other", mgr.Project())

	_, err = NewManager(Options{StateRoot: "/var/lib/hutch", Project: "../escape", Runtime: runtimetest.New()})
	assert.True(t, errdefs.IsConfiguration(err))
}

func TestUpAndDown(t *testing.T) {
	f := newFixture(t, twoServices)
	ctx := context.Background()

	require.NoError(t, f.mgr.Up(ctx, ""))

	data, err := os.ReadFile(filepath.Join(f.mgr.Root(), StateFile))
	require.NoError(t, err)
	var state types.ProjectState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, "demo", state.ProjectName)
	require.Len(t, state.Containers, 2)
	assert.Equal(t, "demo_a_123", state.Containers[0].Name)
	assert.Equal(t, "demo_b_123", state.Containers[1].Name)
	assert.Equal(t, types.ContainerStatusRunning, state.Containers[0].Status)

	spec, ok := f.rt.Spec(state.Containers[0].ID)
	require.True(t, ok)
	assert.Equal(t, []types.PortMapping{{HostPort: 8080, ContainerPort: 80}}, spec.Ports)
	assert.Equal(t, []string{"demo_net"}, spec.Networks)
	assert.Equal(t, "demo", spec.Labels[runtime.LabelProject])
	assert.Equal(t, "a", spec.Labels[runtime.LabelService])
	assert.Contains(t, f.rt.Networks(), "demo_net")

	require.NoError(t, f.mgr.Down(ctx))
	assert.NoDirExists(t, f.mgr.Root())
	assert.Empty(t, f.rt.Containers())

	err = f.mgr.Down(ctx)
	require.Error(t, err)
	assert.True(t, errdefs.IsState(err))
}

func TestUpExistingProject(t *testing.T) {
	f := newFixture(t, twoServices)
	require.NoError(t, os.MkdirAll(f.mgr.Root(), 0755))
	marker := filepath.Join(f.mgr.Root(), "keep")
	require.NoError(t, os.WriteFile(marker, nil, 0644))

	err := f.mgr.Up(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errdefs.IsState(err))
	assert.FileExists(t, marker)
	assert.Empty(t, f.rt.Calls())
}

func TestUpRollsBackOnStartFailure(t *testing.T) {
	f := newFixture(t, twoServices)
	f.rt.StartHook = func(spec *types.ContainerSpec) error {
		if strings.HasPrefix(spec.Name, "demo_b_") {
			return errors.New("port is already allocated")
		}
		return nil
	}

	err := f.mgr.Up(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errdefs.IsOrchestration(err))
	assert.Contains(t, err.Error(), "failed to start service b")

	assert.Empty(t, f.rt.Containers())
	assert.NoDirExists(t, f.mgr.Root())

	// The failed container is removed by the runtime helper, then the
	// started one by the rollback
	deletes := f.rt.Calls("force-delete")
	require.Len(t, deletes, 2)
	assert.Equal(t, "ctr-0002", deletes[0].ID)
	assert.Equal(t, "ctr-0001", deletes[1].ID)

	// Nothing blocks a retry
	f.rt.StartHook = nil
	require.NoError(t, f.mgr.Up(context.Background(), ""))
}

func TestUpRollbackToleratesDeleteErrors(t *testing.T) {
	f := newFixture(t, twoServices)
	f.rt.StartHook = func(spec *types.ContainerSpec) error {
		if strings.HasPrefix(spec.Name, "demo_b_") {
			return errors.New("boom")
		}
		return nil
	}
	f.rt.DeleteHook = func(id string) error { return errors.New("runtime unavailable") }

	err := f.mgr.Up(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errdefs.IsOrchestration(err))
	assert.NoDirExists(t, f.mgr.Root())
}

func TestUpInvalidPortLeavesNothing(t *testing.T) {
	f := newFixture(t, `
services:
  a:
    image: nginx
    ports: ["80"]
`)

	err := f.mgr.Up(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errdefs.IsValidation(err))
	assert.NoDirExists(t, f.mgr.Root())
	assert.Empty(t, f.rt.Calls("create"))
}

func TestUpNetworkFailure(t *testing.T) {
	f := newFixture(t, `
services:
  a:
    image: nginx
    networks: [ext]
networks:
  ext:
    external: true
`)

	err := f.mgr.Up(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errdefs.IsOrchestration(err))
	assert.True(t, errdefs.IsConfiguration(err))
	assert.NoDirExists(t, f.mgr.Root())
	assert.Empty(t, f.rt.Calls("create"))

	f.rt.AddNetwork("ext")
	require.NoError(t, f.mgr.Up(context.Background(), ""))
}

func TestUpSpecErrors(t *testing.T) {
	tests := []struct {
		name    string
		compose string
	}{
		{name: "missing file"},
		{name: "unknown top-level field", compose: "services:\n  a:\n    image: x\nextra: 1\n"},
		{name: "unknown service field", compose: "services:\n  a:\n    image: x\n    entrypoint: [sh]\n"},
		{name: "no image", compose: "services:\n  a:\n    ports: [\"1:1\"]\n"},
		{name: "no services", compose: "name: demo\n"},
		{name: "undeclared volume", compose: "services:\n  a:\n    image: x\n    volumes: [\"data:/data\"]\n"},
		{name: "bad volume driver", compose: "services:\n  a:\n    image: x\nvolumes:\n  data:\n    driver: nfs\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.compose)

			err := f.mgr.Up(context.Background(), "")
			require.Error(t, err)
			assert.True(t, errdefs.IsConfiguration(err), err.Error())
			assert.NoDirExists(t, f.mgr.Root())
			assert.Empty(t, f.rt.Containers())
		})
	}
}

func TestUpDependencyOrderIgnored(t *testing.T) {
	f := newFixture(t, `
services:
  web:
    image: nginx
    depends_on: [db]
  db:
    image: postgres
`)

	require.NoError(t, f.mgr.Up(context.Background(), ""))

	containers := f.rt.Containers()
	require.Len(t, containers, 2)
	assert.Equal(t, "demo_web_123", containers[0].Name)
	assert.Equal(t, "demo_db_123", containers[1].Name)
}

func TestUpAcceptsUnresolvedDependencies(t *testing.T) {
	f := newFixture(t, `
services:
  web:
    image: nginx
    depends_on: [db, web]
`)

	require.NoError(t, f.mgr.Up(context.Background(), ""))
	containers := f.rt.Containers()
	require.Len(t, containers, 1)
	assert.Equal(t, "demo_web_123", containers[0].Name)
}

func TestUpRollsBackWhenStateCannotBeWritten(t *testing.T) {
	f := newFixture(t, twoServices)
	f.rt.StartHook = func(spec *types.ContainerSpec) error {
		if strings.HasPrefix(spec.Name, "demo_b_") {
			return os.Mkdir(filepath.Join(f.mgr.Root(), StateFile), 0755)
		}
		return nil
	}

	err := f.mgr.Up(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errdefs.IsOrchestration(err))
	assert.Contains(t, err.Error(), "failed to write project state")

	assert.Empty(t, f.rt.Containers())
	assert.NoDirExists(t, f.mgr.Root())

	deletes := f.rt.Calls("force-delete")
	require.Len(t, deletes, 2)
	assert.Equal(t, "ctr-0001", deletes[0].ID)
	assert.Equal(t, "ctr-0002", deletes[1].ID)

	f.rt.StartHook = nil
	require.NoError(t, f.mgr.Up(context.Background(), ""))
	state, err := f.mgr.State()
	require.NoError(t, err)
	assert.Len(t, state.Containers, 2)
}

func TestUpStartOrderFollowsNetworks(t *testing.T) {
	f := newFixture(t, `
services:
  web:
    image: nginx
    container_name: shop-web
    networks: [front, back]
  db:
    image: postgres
    networks: [back]
  cron:
    image: busybox
    command: ["crond", "-f"]
networks:
  back: {}
  front: {}
`)

	require.NoError(t, f.mgr.Up(context.Background(), ""))

	containers := f.rt.Containers()
	require.Len(t, containers, 3)
	assert.Equal(t, "demo_db_123", containers[0].Name)
	assert.Equal(t, "shop-web", containers[1].Name)
	assert.Equal(t, "demo_cron_123", containers[2].Name)

	web, _ := f.rt.Spec(containers[1].ID)
	assert.Equal(t, []string{"demo_front", "demo_back"}, web.Networks)

	cron, _ := f.rt.Spec(containers[2].ID)
	assert.Equal(t, []string{"crond", "-f"}, cron.Args)
	assert.Empty(t, cron.Command)
	assert.Equal(t, []string{"demo_default"}, cron.Networks)
}

func TestUpMounts(t *testing.T) {
	f := newFixture(t, `
services:
  app:
    image: app
    volumes:
      - data:/var/lib/app
      - ./html:/usr/share/html:ro
    configs: [appconf]
    secrets: [token]
volumes:
  data:
configs:
  appconf:
    file: ./app.conf
secrets:
  token:
    file: ./token.txt
`)
	f.write(t, "app.conf", "key=value\n")
	f.write(t, "token.txt", "s3cret\n")

	require.NoError(t, f.mgr.Up(context.Background(), ""))

	containers := f.rt.Containers()
	require.Len(t, containers, 1)
	spec, _ := f.rt.Spec(containers[0].ID)

	assert.Equal(t, []types.Mount{
		{Source: filepath.Join(f.mgr.Root(), "volumes", "data"), Target: "/var/lib/app"},
		{Source: filepath.Join(f.workDir, "html"), Target: "/usr/share/html", ReadOnly: true},
		{Source: filepath.Join(f.workDir, "app.conf"), Target: "/appconf", ReadOnly: true},
		{Source: filepath.Join(f.workDir, "token.txt"), Target: "/run/secrets/token", ReadOnly: true},
	}, spec.Mounts)
	assert.DirExists(t, filepath.Join(f.mgr.Root(), "volumes", "data"))
}

func TestUpExplicitFile(t *testing.T) {
	f := newFixture(t, "")
	path := f.write(t, "deploy/stack.yml", twoServices)

	require.NoError(t, f.mgr.Up(context.Background(), path))
	assert.Len(t, f.rt.Containers(), 2)
}

func TestDownWithoutState(t *testing.T) {
	f := newFixture(t, twoServices)
	require.NoError(t, os.MkdirAll(f.mgr.Root(), 0755))

	require.NoError(t, f.mgr.Down(context.Background()))
	assert.NoDirExists(t, f.mgr.Root())
}

func TestDownToleratesMissingContainers(t *testing.T) {
	f := newFixture(t, twoServices)
	ctx := context.Background()
	require.NoError(t, f.mgr.Up(ctx, ""))

	state, err := f.mgr.State()
	require.NoError(t, err)
	require.NoError(t, f.rt.Delete(ctx, state.Containers[0].ID, true))

	require.NoError(t, f.mgr.Down(ctx))
	assert.Empty(t, f.rt.Containers())
	assert.NoDirExists(t, f.mgr.Root())
}

func TestPs(t *testing.T) {
	f := newFixture(t, "name: shop\n"+twoServices)
	ctx := context.Background()

	// Containers of a project named after the file, started elsewhere
	_, err := f.rt.Create(ctx, &types.ContainerSpec{
		Name:   "shop_web_1",
		Image:  "nginx",
		Labels: map[string]string{runtime.LabelProject: "shop"},
	})
	require.NoError(t, err)

	containers, err := f.mgr.Ps(ctx, "")
	require.NoError(t, err)
	require.Len(t, containers, 1)
	assert.Equal(t, "shop_web_1", containers[0].Name)

	// Once up, the project's own containers are listed
	require.NoError(t, f.mgr.Up(ctx, ""))
	containers, err = f.mgr.Ps(ctx, "")
	require.NoError(t, err)
	require.Len(t, containers, 2)
	assert.Equal(t, "demo_a_123", containers[0].Name)
}

func TestPsWithoutProjectName(t *testing.T) {
	f := newFixture(t, twoServices)

	_, err := f.mgr.Ps(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errdefs.IsConfiguration(err))

	f = newFixture(t, "")
	_, err = f.mgr.Ps(context.Background(), "")
	assert.True(t, errdefs.IsConfiguration(err))
}
