package compose

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/errdefs"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/network"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/volume"
)

const (
	// StateFile is the project state document inside the project root
	StateFile = "state.json"

	projectsDir = "compose"
	volumesDir  = "volumes"
)

// Options configures a Manager
type Options struct {
	// StateRoot holds the compose projects and shared volumes
	StateRoot string
	// Project names the project; empty selects the base name of WorkDir
	Project string
	// WorkDir is where spec files are discovered; empty selects the
	// process working directory
	WorkDir string
	Runtime runtime.Runtime
}

// Manager runs one compose project on the local host
type Manager struct {
	stateRoot string
	project   string
	root      string
	workDir   string
	rt        runtime.Runtime
	logger    zerolog.Logger

	now func() time.Time
}

// NewManager creates a manager for a project
func NewManager(opts Options) (*Manager, error) {
	if opts.StateRoot == "" {
		return nil, errdefs.Configuration("state root is required")
	}
	if opts.Runtime == nil {
		return nil, errdefs.Configuration("runtime is required")
	}

	workDir := opts.WorkDir
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		workDir = wd
	}

	project, err := ResolveProjectName(opts.Project, workDir)
	if err != nil {
		return nil, err
	}

	return &Manager{
		stateRoot: opts.StateRoot,
		project:   project,
		root:      ProjectRoot(opts.StateRoot, project),
		workDir:   workDir,
		rt:        opts.Runtime,
		logger:    log.WithProject(project),
		now:       time.Now,
	}, nil
}

// ResolveProjectName returns name when set, else the base name of dir
func ResolveProjectName(name, dir string) (string, error) {
	if name == "" {
		name = filepath.Base(filepath.Clean(dir))
	}
	if name == "" || name == "." || name == string(filepath.Separator) || filepath.Base(name) != name {
		return "", errdefs.Configuration("invalid project name %q", name)
	}
	return name, nil
}

// ProjectRoot is the directory holding the state of a project
func ProjectRoot(stateRoot, project string) string {
	return filepath.Join(stateRoot, projectsDir, project)
}

// Project returns the project name
func (m *Manager) Project() string {
	return m.project
}

// Root returns the project root directory
func (m *Manager) Root() string {
	return m.root
}

// Up starts every service of the compose file and records them in the
// project state. Either all services end up running or none do and the
// project root is gone.
func (m *Manager) Up(ctx context.Context, file string) (err error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.ComposeDuration, "up")
		metrics.ComposeOperations.WithLabelValues("up", metrics.Result(err)).Inc()
	}()

	if _, err := os.Stat(m.root); err == nil {
		return errdefs.State("project %s already exists", m.project)
	}

	path, err := FindSpecFile(m.workDir, file)
	if err != nil {
		return err
	}
	spec, err := ParseSpec(path)
	if err != nil {
		return err
	}

	if err := m.claimRoot(); err != nil {
		return err
	}

	networks, vols, err := m.provision(ctx, spec, filepath.Dir(path))
	if err != nil {
		m.removeRoot()
		return errdefs.Orchestration("project %s: %w", m.project, err)
	}

	plan, err := m.plan(spec, networks, vols)
	if err != nil {
		m.removeRoot()
		return err
	}

	states, err := m.start(ctx, plan)
	if err != nil {
		m.removeRoot()
		return err
	}

	if err := m.writeState(states); err != nil {
		m.logger.Error().Err(err).Msg("Failed to record project state, rolling back")
		m.rollback(ctx, states)
		m.removeRoot()
		return errdefs.Orchestration("project %s: %w", m.project, err)
	}

	m.logger.Info().Int("containers", len(states)).Msg("Project started")
	return nil
}

// claimRoot creates the project root, failing when another invocation
// created it first
func (m *Manager) claimRoot() error {
	if err := os.MkdirAll(filepath.Dir(m.root), 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(m.root), err)
	}
	if err := os.Mkdir(m.root, 0755); err != nil {
		if errors.Is(err, os.ErrExist) {
			return errdefs.State("project %s already exists", m.project)
		}
		return fmt.Errorf("failed to create project root: %w", err)
	}
	return nil
}

func (m *Manager) removeRoot() {
	if err := os.RemoveAll(m.root); err != nil {
		m.logger.Warn().Err(err).Str("root", m.root).Msg("Failed to remove project root")
	}
}

// provision realizes networks and volumes. Nothing done here is undone
// when a later step fails, apart from removing the project root.
func (m *Manager) provision(ctx context.Context, spec *types.ComposeSpec, specDir string) ([]network.Network, *volume.Manager, error) {
	networks, err := network.NewManager(m.project, m.rt).Handle(ctx, spec)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up networks: %w", err)
	}

	vols, err := volume.NewManager(volume.Options{
		ProjectDir: filepath.Join(m.root, volumesDir),
		SharedDir:  filepath.Join(m.stateRoot, volumesDir),
		SpecDir:    specDir,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up volumes: %w", err)
	}
	if err := vols.Handle(spec); err != nil {
		return nil, nil, fmt.Errorf("failed to set up volumes: %w", err)
	}

	return networks, vols, nil
}

// plan builds the container specs in start order: networks in declaration
// order, and within a network the services whose first network it is
func (m *Manager) plan(spec *types.ComposeSpec, networks []network.Network, vols *volume.Manager) ([]*types.ContainerSpec, error) {
	var plan []*types.ContainerSpec

	for _, n := range networks {
		for _, name := range n.Primary {
			svc, _ := spec.Services.Get(name)

			ports, err := ParsePorts(svc.Ports)
			if err != nil {
				return nil, fmt.Errorf("service %s: %w", name, err)
			}
			mounts, err := vols.Mounts(svc)
			if err != nil {
				return nil, fmt.Errorf("service %s: %w", name, err)
			}

			plan = append(plan, &types.ContainerSpec{
				Name:     m.containerName(name, svc),
				Image:    svc.Image,
				Args:     svc.Command,
				Ports:    ports,
				Mounts:   mounts,
				Networks: network.RuntimeNames(networks, svc.Networks),
				Labels: map[string]string{
					runtime.LabelProject: m.project,
					runtime.LabelService: name,
				},
			})
		}
	}
	return plan, nil
}

// containerName is container_name, else <root>_<service>_<unix seconds mod 1000>
func (m *Manager) containerName(service string, svc *types.ServiceSpec) string {
	if svc.ContainerName != "" {
		return svc.ContainerName
	}
	return fmt.Sprintf("%s_%s_%d", filepath.Base(m.root), service, m.now().Unix()%1000)
}

// start runs the planned containers in order. On failure the containers
// started so far are force-deleted, in start order.
func (m *Manager) start(ctx context.Context, plan []*types.ContainerSpec) ([]types.ContainerState, error) {
	states := make([]types.ContainerState, 0, len(plan))

	for _, spec := range plan {
		service := spec.Labels[runtime.LabelService]
		logger := m.logger.With().Str("service", service).Str("container", spec.Name).Logger()

		id, err := runtime.Run(ctx, m.rt, spec)
		if err == nil {
			var state *types.ContainerState
			state, err = m.rt.Inspect(ctx, id)
			if err != nil {
				m.deleteContainer(ctx, id)
				err = fmt.Errorf("failed to inspect container %s: %w", spec.Name, err)
			} else {
				states = append(states, *state)
				logger.Info().Str("id", id).Msg("Service started")
				continue
			}
		}

		logger.Error().Err(err).Msg("Service failed to start, rolling back")
		m.rollback(ctx, states)
		return nil, errdefs.Orchestration("failed to start service %s: %w", service, err)
	}

	return states, nil
}

// rollback force-deletes started containers in start order
func (m *Manager) rollback(ctx context.Context, states []types.ContainerState) {
	for _, s := range states {
		m.deleteContainer(ctx, s.ID)
	}
}

func (m *Manager) deleteContainer(ctx context.Context, id string) {
	if err := m.rt.Delete(context.WithoutCancel(ctx), id, true); err != nil {
		m.logger.Warn().Err(err).Str("id", id).Msg("Failed to delete container")
		return
	}
	m.logger.Info().Str("id", id).Msg("Container deleted")
}

func (m *Manager) writeState(containers []types.ContainerState) error {
	data, err := json.MarshalIndent(types.ProjectState{
		ProjectName: m.project,
		Containers:  containers,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode project state: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.root, StateFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write project state: %w", err)
	}
	return nil
}

// State reads the recorded state of the project
func (m *Manager) State() (*types.ProjectState, error) {
	data, err := os.ReadFile(filepath.Join(m.root, StateFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errdefs.State("project %s has no state: %w", m.project, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read project state: %w", err)
	}

	var state types.ProjectState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errdefs.State("corrupt project state: %w", err)
	}
	return &state, nil
}

// Down deletes the containers recorded for the project, best effort, and
// removes the project root
func (m *Manager) Down(ctx context.Context) (err error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDurationVec(metrics.ComposeDuration, "down")
		metrics.ComposeOperations.WithLabelValues("down", metrics.Result(err)).Inc()
	}()

	if _, err := os.Stat(m.root); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errdefs.State("project %s does not exist", m.project)
		}
		return fmt.Errorf("failed to stat project root: %w", err)
	}

	state, err := m.State()
	if err != nil {
		m.logger.Warn().Err(err).Msg("No usable project state, removing local state only")
	} else {
		for _, c := range state.Containers {
			if err := m.rt.Delete(ctx, c.ID, true); err != nil && !errdefs.IsNotFound(err) {
				m.logger.Warn().Err(err).Str("container", c.Name).Msg("Failed to delete container")
				continue
			}
			m.logger.Info().Str("container", c.Name).Msg("Container deleted")
		}
	}

	if err := os.RemoveAll(m.root); err != nil {
		return errdefs.Orchestration("failed to remove project %s: %w", m.project, err)
	}

	m.logger.Info().Msg("Project removed")
	return nil
}

// Ps lists the containers of the project. When the project has no root,
// the project is named by the discoverable compose file instead.
func (m *Manager) Ps(ctx context.Context, file string) ([]types.ContainerState, error) {
	project := m.project

	if _, err := os.Stat(m.root); errors.Is(err, os.ErrNotExist) {
		path, err := FindSpecFile(m.workDir, file)
		if err != nil {
			return nil, err
		}
		spec, err := ParseSpec(path)
		if err != nil {
			return nil, err
		}
		if spec.Name == "" {
			return nil, errdefs.Configuration("compose file %s sets no project name", path)
		}
		project = spec.Name
	}

	containers, err := m.rt.List(ctx, map[string]string{runtime.LabelProject: project})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers of project %s: %w", project, err)
	}
	return containers, nil
}
