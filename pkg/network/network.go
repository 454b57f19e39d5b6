package network

import (
	"context"
	"fmt"

	"github.com/cuemby/hutch/pkg/errdefs"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/types"
)

// DefaultNetwork holds the services that declare no network
const DefaultNetwork = "default"

// Network is a network of a compose project as the runtime sees it
type Network struct {
	// Name is the key in the compose document
	Name string
	// RuntimeName is the name the runtime knows the network by
	RuntimeName string
	Driver      types.NetworkDriver
	External    bool
	// Services lists every member service in declaration order
	Services []string
	// Primary lists the services whose first network this is; each
	// service is started once, under its primary network.
	Primary []string
}

// Manager plans and provisions the networks of a compose project
type Manager struct {
	project string
	rt      runtime.Runtime
}

// NewManager creates a network manager for a project
func NewManager(project string, rt runtime.Runtime) *Manager {
	return &Manager{project: project, rt: rt}
}

// Plan validates the network references of every service and returns the
// project networks in declaration order, followed by the implicit default
// network when a service declares none.
func (m *Manager) Plan(spec *types.ComposeSpec) ([]Network, error) {
	networks := make([]Network, 0, len(spec.Networks)+1)
	index := make(map[string]int, len(spec.Networks)+1)

	for _, nn := range spec.Networks {
		ns := nn.Network
		if ns == nil {
			ns = &types.NetworkSpec{}
		}
		index[nn.Name] = len(networks)
		networks = append(networks, m.describe(nn.Name, ns))
	}

	for _, svc := range spec.Services {
		names := svc.Service.Networks
		if len(names) == 0 {
			if _, ok := index[DefaultNetwork]; !ok {
				index[DefaultNetwork] = len(networks)
				networks = append(networks, m.describe(DefaultNetwork, &types.NetworkSpec{}))
			}
			names = []string{DefaultNetwork}
		}

		for i, name := range names {
			pos, ok := index[name]
			if !ok {
				return nil, errdefs.Configuration("service %s refers to undeclared network %s", svc.Name, name)
			}
			networks[pos].Services = append(networks[pos].Services, svc.Name)
			if i == 0 {
				networks[pos].Primary = append(networks[pos].Primary, svc.Name)
			}
		}
	}

	return networks, nil
}

func (m *Manager) describe(name string, ns *types.NetworkSpec) Network {
	driver := ns.Driver
	if driver == "" {
		driver = types.NetworkDriverBridge
	}

	runtimeName := fmt.Sprintf("%s_%s", m.project, name)
	switch {
	case ns.External:
		runtimeName = name
	case driver == types.NetworkDriverHost, driver == types.NetworkDriverNone:
		// Predefined by the engines, never created
		runtimeName = string(driver)
	}

	return Network{
		Name:        name,
		RuntimeName: runtimeName,
		Driver:      driver,
		External:    ns.External || driver == types.NetworkDriverHost || driver == types.NetworkDriverNone,
	}
}

// Handle plans the networks and, when the runtime can provision networks,
// ensures each of them exists.
func (m *Manager) Handle(ctx context.Context, spec *types.ComposeSpec) ([]Network, error) {
	networks, err := m.Plan(spec)
	if err != nil {
		return nil, err
	}

	logger := log.WithProject(m.project)

	provisioner, ok := m.rt.(runtime.NetworkProvisioner)
	if !ok {
		logger.Debug().Msg("Runtime does not provision networks, containers use the host network")
		return networks, nil
	}

	for _, n := range networks {
		if len(n.Services) == 0 && !n.External {
			logger.Debug().Str("network", n.Name).Msg("Skipping unused network")
			continue
		}
		err := provisioner.EnsureNetwork(ctx, runtime.NetworkOptions{
			Name:     n.RuntimeName,
			Driver:   string(n.Driver),
			External: n.External,
			Labels:   map[string]string{runtime.LabelProject: m.project},
		})
		if err != nil {
			return nil, fmt.Errorf("network %s: %w", n.Name, err)
		}
		logger.Info().Str("network", n.RuntimeName).Str("driver", string(n.Driver)).Msg("Network ready")
	}

	return networks, nil
}

// RuntimeNames maps network keys to runtime names for a service's networks
func RuntimeNames(networks []Network, names []string) []string {
	if len(names) == 0 {
		names = []string{DefaultNetwork}
	}

	out := make([]string, 0, len(names))
	for _, name := range names {
		for _, n := range networks {
			if n.Name == name {
				out = append(out, n.RuntimeName)
				break
			}
		}
	}
	return out
}
