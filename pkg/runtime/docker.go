package runtime

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/cuemby/hutch/pkg/errdefs"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

// DockerRuntime implements Runtime and NetworkProvisioner against a Docker
// Engine API endpoint.
type DockerRuntime struct {
	client *client.Client
}

// NewDockerRuntime connects to the Docker daemon. An empty socket falls back
// to DOCKER_HOST or the platform default.
func NewDockerRuntime(socket string) (*DockerRuntime, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if socket != "" {
		host := socket
		if !strings.Contains(socket, "://") {
			host = "unix://" + socket
		}
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return &DockerRuntime{client: cli}, nil
}

// Close closes the Docker client
func (r *DockerRuntime) Close() error {
	return r.client.Close()
}

func (r *DockerRuntime) ensureImage(ctx context.Context, ref string) error {
	if _, err := r.client.ImageInspect(ctx, ref); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}

	logger := log.WithComponent("runtime")
	logger.Info().Str("image", ref).Msg("Pulling image")
	reader, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	// Consume pull output to ensure pull completes
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return nil
}

// Create creates a container named after the spec. The first network is
// attached at creation, the others right after.
func (r *DockerRuntime) Create(ctx context.Context, spec *types.ContainerSpec) (string, error) {
	if err := r.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	config, hostConfig, err := dockerConfig(spec)
	if err != nil {
		return "", err
	}

	networking := &network.NetworkingConfig{}
	if len(spec.Networks) > 0 {
		networking.EndpointsConfig = map[string]*network.EndpointSettings{
			spec.Networks[0]: {},
		}
	}

	resp, err := r.client.ContainerCreate(ctx, config, hostConfig, networking, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	logger := log.WithComponent("runtime")
	for _, w := range resp.Warnings {
		logger.Warn().Str("container", spec.Name).Msg(w)
	}

	for _, name := range spec.Networks[min(1, len(spec.Networks)):] {
		if err := r.client.NetworkConnect(ctx, name, resp.ID, nil); err != nil {
			return resp.ID, fmt.Errorf("failed to connect container to network %s: %w", name, err)
		}
	}

	return resp.ID, nil
}

// Start starts a created container
func (r *DockerRuntime) Start(ctx context.Context, id string) error {
	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return r.apiError(id, "start", err)
	}
	return nil
}

// Stop stops a container, killing it after timeout
func (r *DockerRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := r.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		return r.apiError(id, "stop", err)
	}
	return nil
}

// Delete removes a container
func (r *DockerRuntime) Delete(ctx context.Context, id string, force bool) error {
	if err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}); err != nil {
		return r.apiError(id, "remove", err)
	}
	return nil
}

// Inspect returns the container's current state
func (r *DockerRuntime) Inspect(ctx context.Context, id string) (*types.ContainerState, error) {
	info, err := r.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, r.apiError(id, "inspect", err)
	}

	state := &types.ContainerState{
		ID:     info.ID,
		Name:   strings.TrimPrefix(info.Name, "/"),
		Status: types.ContainerStatusUnknown,
	}
	if info.Config != nil {
		state.Image = info.Config.Image
		state.Labels = info.Config.Labels
	}
	if info.State != nil {
		state.Status = dockerStatus(string(info.State.Status))
		state.Pid = info.State.Pid
	}
	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		state.Created = created
	}

	return state, nil
}

// List returns the containers carrying all given labels, oldest first
func (r *DockerRuntime) List(ctx context.Context, labels map[string]string) ([]types.ContainerState, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}

	summaries, err := r.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	states := make([]types.ContainerState, 0, len(summaries))
	for _, s := range summaries {
		name := s.ID
		if len(s.Names) > 0 {
			name = strings.TrimPrefix(s.Names[0], "/")
		}
		states = append(states, types.ContainerState{
			ID:      s.ID,
			Name:    name,
			Image:   s.Image,
			Status:  dockerStatus(string(s.State)),
			Created: time.Unix(s.Created, 0).UTC(),
			Labels:  s.Labels,
		})
	}

	sort.SliceStable(states, func(i, j int) bool {
		return states[i].Created.Before(states[j].Created)
	})
	return states, nil
}

// EnsureNetwork creates a network unless one with the same name exists.
// External networks must already exist.
func (r *DockerRuntime) EnsureNetwork(ctx context.Context, opts NetworkOptions) error {
	existing, err := r.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", opts.Name)),
	})
	if err != nil {
		return fmt.Errorf("failed to list networks: %w", err)
	}
	// The name filter matches substrings
	for _, n := range existing {
		if n.Name == opts.Name {
			return nil
		}
	}

	if opts.External {
		return errdefs.Configuration("external network %s not found", opts.Name)
	}

	resp, err := r.client.NetworkCreate(ctx, opts.Name, network.CreateOptions{
		Driver: opts.Driver,
		Labels: opts.Labels,
	})
	if err != nil {
		return fmt.Errorf("failed to create network %s: %w", opts.Name, err)
	}

	logger := log.WithComponent("runtime")
	logger.Info().
		Str("network", opts.Name).
		Str("id", resp.ID).
		Msg("Network created")
	return nil
}

func (r *DockerRuntime) apiError(id, op string, err error) error {
	if client.IsErrNotFound(err) {
		return fmt.Errorf("container %s: %w", id, errdefs.ErrNotFound)
	}
	return fmt.Errorf("failed to %s container %s: %w", op, id, err)
}

// dockerConfig converts a ContainerSpec to Docker API configs
func dockerConfig(spec *types.ContainerSpec) (*container.Config, *container.HostConfig, error) {
	config := &container.Config{
		Image:      spec.Image,
		Entrypoint: spec.Command,
		Cmd:        spec.Args,
		Env:        spec.Env,
		WorkingDir: spec.WorkingDir,
		Labels:     spec.Labels,
	}
	hostConfig := &container.HostConfig{}

	if len(spec.Ports) > 0 {
		config.ExposedPorts = make(nat.PortSet)
		hostConfig.PortBindings = make(nat.PortMap)
	}
	for _, port := range spec.Ports {
		natPort, err := nat.NewPort(protocolOf(port), strconv.Itoa(port.ContainerPort))
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port: %w", err)
		}
		config.ExposedPorts[natPort] = struct{}{}

		if port.HostPort > 0 {
			hostConfig.PortBindings[natPort] = append(hostConfig.PortBindings[natPort], nat.PortBinding{
				HostIP:   port.HostIP,
				HostPort: strconv.Itoa(port.HostPort),
			})
		}
	}

	for _, m := range spec.Mounts {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	return config, hostConfig, nil
}

func dockerStatus(state string) types.ContainerStatus {
	switch state {
	case "created":
		return types.ContainerStatusCreated
	case "running", "restarting":
		return types.ContainerStatusRunning
	case "paused":
		return types.ContainerStatusPaused
	case "exited", "dead", "removing":
		return types.ContainerStatusStopped
	default:
		return types.ContainerStatusUnknown
	}
}
