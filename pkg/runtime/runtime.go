package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/hutch/pkg/errdefs"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

// Backend names accepted by New
const (
	BackendContainerd = "containerd"
	BackendDocker     = "docker"
)

// Label keys stamped on containers created through hutch
const (
	LabelProject = "hutch.project"
	LabelService = "hutch.service"
	LabelPod     = "hutch.pod"
	LabelNode    = "hutch.node"
	LabelPorts   = "hutch.ports"
)

// DefaultStopTimeout is the grace period between SIGTERM and SIGKILL
const DefaultStopTimeout = 10 * time.Second

// Runtime is the container execution capability used by the agent and the
// compose orchestrator.
type Runtime interface {
	// Create prepares a container (pulling the image if needed) and returns its ID.
	// An ID returned together with an error names a container that exists
	// but is unusable; the caller removes it.
	Create(ctx context.Context, spec *types.ContainerSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	// Delete removes a container. With force a running container is killed first.
	Delete(ctx context.Context, id string, force bool) error
	Inspect(ctx context.Context, id string) (*types.ContainerState, error)
	// List returns the containers carrying every given label.
	List(ctx context.Context, labels map[string]string) ([]types.ContainerState, error)
	Close() error
}

// NetworkOptions describes a network a runtime should provide
type NetworkOptions struct {
	Name     string
	Driver   string
	External bool
	Labels   map[string]string
}

// NetworkProvisioner is implemented by runtimes able to create networks.
// External networks are only checked for existence.
type NetworkProvisioner interface {
	EnsureNetwork(ctx context.Context, opts NetworkOptions) error
}

// Config selects and configures a runtime backend
type Config struct {
	Backend   string
	Socket    string
	Namespace string
}

// New connects to the configured backend
func New(cfg Config) (Runtime, error) {
	switch cfg.Backend {
	case "", BackendContainerd:
		return NewContainerdRuntime(cfg.Socket, cfg.Namespace)
	case BackendDocker:
		return NewDockerRuntime(cfg.Socket)
	default:
		return nil, errdefs.Configuration("unknown runtime backend %q", cfg.Backend)
	}
}

// Run creates and starts a container. A container that fails to be created
// completely or to start is removed again, so no half-created container is
// left behind.
func Run(ctx context.Context, rt Runtime, spec *types.ContainerSpec) (string, error) {
	id, err := rt.Create(ctx, spec)
	if err != nil {
		if id != "" {
			discard(ctx, rt, id, spec.Name)
		}
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}

	if err := rt.Start(ctx, id); err != nil {
		discard(ctx, rt, id, spec.Name)
		return "", fmt.Errorf("failed to start container %s: %w", spec.Name, err)
	}

	return id, nil
}

func discard(ctx context.Context, rt Runtime, id, name string) {
	if err := rt.Delete(context.WithoutCancel(ctx), id, true); err != nil && !errdefs.IsNotFound(err) {
		logger := log.WithComponent("runtime")
		logger.Warn().
			Err(err).
			Str("container", name).
			Msg("Failed to remove half-created container")
	}
}

// matchLabels reports whether have carries every key/value of want
func matchLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
