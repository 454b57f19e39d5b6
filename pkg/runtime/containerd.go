package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	cerrdefs "github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/containerd/pkg/dialer"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/cuemby/hutch/pkg/errdefs"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	// DefaultNamespace is the containerd namespace for hutch
	DefaultNamespace = "hutch"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	connectTimeout = 10 * time.Second
)

// ContainerdRuntime implements Runtime on top of containerd. Containers share
// the host network namespace; published ports are redirected with iptables.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	ports     *PortPublisher
}

// NewContainerdRuntime connects to the containerd socket
func NewContainerdRuntime(socketPath, namespace string) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	backoffConfig := backoff.DefaultConfig
	backoffConfig.MaxDelay = 3 * time.Second

	client, err := containerd.New(socketPath,
		containerd.WithTimeout(connectTimeout),
		containerd.WithDialOpts([]grpc.DialOption{
			grpc.WithBlock(),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithConnectParams(grpc.ConnectParams{Backoff: backoffConfig}),
			grpc.WithContextDialer(dialer.ContextDialer),
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: namespace,
		ports:     NewPortPublisher(),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) withNamespace(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, r.namespace)
}

// ensureImage returns the local image, pulling and unpacking it when missing
func (r *ContainerdRuntime) ensureImage(ctx context.Context, ref string) (containerd.Image, error) {
	image, err := r.client.GetImage(ctx, ref)
	if err == nil {
		return image, nil
	}
	if !cerrdefs.IsNotFound(err) {
		return nil, fmt.Errorf("failed to get image %s: %w", ref, err)
	}

	logger := log.WithComponent("runtime")
	logger.Info().Str("image", ref).Msg("Pulling image")
	image, err = r.client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return image, nil
}

// Create creates a container named after the spec
func (r *ContainerdRuntime) Create(ctx context.Context, spec *types.ContainerSpec) (string, error) {
	ctx = r.withNamespace(ctx)

	image, err := r.ensureImage(ctx, spec.Image)
	if err != nil {
		return "", err
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
	}
	switch {
	case len(spec.Command) > 0:
		opts = append(opts, oci.WithProcessArgs(append(append([]string{}, spec.Command...), spec.Args...)...))
	case len(spec.Args) > 0:
		opts = append(opts, oci.WithImageConfigArgs(image, spec.Args))
	}
	if len(spec.Env) > 0 {
		opts = append(opts, oci.WithEnv(spec.Env))
	}
	if spec.WorkingDir != "" {
		opts = append(opts, oci.WithProcessCwd(spec.WorkingDir))
	}
	if len(spec.Mounts) > 0 {
		opts = append(opts, oci.WithMounts(ociMounts(spec.Mounts)))
	}

	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	if len(spec.Ports) > 0 {
		labels[LabelPorts] = encodePorts(spec.Ports)
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return container.ID(), nil
}

// Start launches the container's task and publishes its ports
func (r *ContainerdRuntime) Start(ctx context.Context, id string) error {
	ctx = r.withNamespace(ctx)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return r.loadError(id, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		if _, derr := task.Delete(ctx, containerd.WithProcessKill); derr != nil {
			logger := log.WithComponent("runtime")
			logger.Warn().Err(derr).Str("container", id).Msg("Failed to delete task")
		}
		return fmt.Errorf("failed to start task: %w", err)
	}

	labels, err := container.Labels(ctx)
	if err != nil {
		return fmt.Errorf("failed to read container labels: %w", err)
	}
	if err := r.ports.Publish(id, decodePorts(labels[LabelPorts])); err != nil {
		return err
	}

	return nil
}

// Stop sends SIGTERM and escalates to SIGKILL after timeout
func (r *ContainerdRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	ctx = r.withNamespace(ctx)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return r.loadError(id, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// Task might not exist (container not running)
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// Delete removes a container and its snapshot. Without force a container
// with a running task is refused.
func (r *ContainerdRuntime) Delete(ctx context.Context, id string, force bool) error {
	ctx = r.withNamespace(ctx)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return r.loadError(id, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		status, err := task.Status(ctx)
		if err != nil {
			return fmt.Errorf("failed to get task status: %w", err)
		}
		if status.Status == containerd.Running && !force {
			return fmt.Errorf("container %s is running", id)
		}
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("failed to delete task: %w", err)
		}
	}

	labels, err := container.Labels(ctx)
	if err == nil {
		r.ports.Unpublish(id, decodePorts(labels[LabelPorts]))
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	return nil
}

// Inspect returns the container's current state
func (r *ContainerdRuntime) Inspect(ctx context.Context, id string) (*types.ContainerState, error) {
	ctx = r.withNamespace(ctx)

	container, err := r.client.LoadContainer(ctx, id)
	if err != nil {
		return nil, r.loadError(id, err)
	}
	return r.inspect(ctx, container)
}

func (r *ContainerdRuntime) inspect(ctx context.Context, container containerd.Container) (*types.ContainerState, error) {
	info, err := container.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container info: %w", err)
	}

	state := &types.ContainerState{
		ID:      info.ID,
		Name:    info.ID,
		Image:   info.Image,
		Status:  types.ContainerStatusCreated,
		Created: info.CreatedAt,
		Labels:  info.Labels,
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means the container was never started
		return state, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get task status: %w", err)
	}
	state.Status = containerdStatus(status.Status)
	state.Pid = int(task.Pid())

	return state, nil
}

// List returns the containers carrying all given labels, oldest first
func (r *ContainerdRuntime) List(ctx context.Context, labels map[string]string) ([]types.ContainerState, error) {
	ctx = r.withNamespace(ctx)

	containers, err := r.client.Containers(ctx, labelFilter(labels))
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	states := make([]types.ContainerState, 0, len(containers))
	for _, c := range containers {
		state, err := r.inspect(ctx, c)
		if err != nil {
			if cerrdefs.IsNotFound(err) {
				// Removed while listing
				continue
			}
			return nil, err
		}
		if !matchLabels(state.Labels, labels) {
			continue
		}
		states = append(states, *state)
	}

	sort.SliceStable(states, func(i, j int) bool {
		return states[i].Created.Before(states[j].Created)
	})
	return states, nil
}

func (r *ContainerdRuntime) loadError(id string, err error) error {
	if cerrdefs.IsNotFound(err) {
		return fmt.Errorf("container %s: %w", id, errdefs.ErrNotFound)
	}
	return fmt.Errorf("failed to load container %s: %w", id, err)
}

// labelFilter builds a containerd filter matching every label. Filters
// passed separately are ORed, so the selectors are joined into one.
func labelFilter(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	selectors := make([]string, 0, len(keys))
	for _, k := range keys {
		selectors = append(selectors, fmt.Sprintf("labels.%q==%q", k, labels[k]))
	}
	return strings.Join(selectors, ",")
}

func ociMounts(mounts []types.Mount) []specs.Mount {
	out := make([]specs.Mount, 0, len(mounts))
	for _, m := range mounts {
		options := []string{"rbind", "rw"}
		if m.ReadOnly {
			options = []string{"rbind", "ro"}
		}
		out = append(out, specs.Mount{
			Source:      m.Source,
			Destination: m.Target,
			Type:        "bind",
			Options:     options,
		})
	}
	return out
}

func containerdStatus(status containerd.ProcessStatus) types.ContainerStatus {
	switch status {
	case containerd.Created:
		return types.ContainerStatusCreated
	case containerd.Running:
		return types.ContainerStatusRunning
	case containerd.Paused, containerd.Pausing:
		return types.ContainerStatusPaused
	case containerd.Stopped:
		return types.ContainerStatusStopped
	default:
		return types.ContainerStatusUnknown
	}
}
