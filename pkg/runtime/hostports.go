package runtime

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

// PortPublisher publishes host ports for containers sharing the host network
// namespace. A container listening on containerPort is made reachable on
// hostPort with iptables REDIRECT rules in the nat table.
type PortPublisher struct {
	mu        sync.Mutex
	published map[string][]types.PortMapping // containerID -> ports
	run       func(args []string) error
}

// NewPortPublisher creates a publisher driving the iptables binary
func NewPortPublisher() *PortPublisher {
	return &PortPublisher{
		published: make(map[string][]types.PortMapping),
		run:       runIPTables,
	}
}

// Publish installs the redirect rules for a container. Ports whose host and
// container side are equal need no rule. On failure the rules already
// installed for this call are removed.
func (p *PortPublisher) Publish(containerID string, ports []types.PortMapping) error {
	redirects := redirectPorts(ports)
	if len(redirects) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for i, port := range redirects {
		if err := p.addRedirect(port); err != nil {
			for _, done := range redirects[:i] {
				p.removeRedirect(done)
			}
			return fmt.Errorf("failed to publish port %d:%d: %w", port.HostPort, port.ContainerPort, err)
		}
	}

	p.published[containerID] = redirects
	return nil
}

// Unpublish removes the rules of a container. When the publisher has no
// record of the container (for example after an agent restart) the given
// ports are used instead.
func (p *PortPublisher) Unpublish(containerID string, ports []types.PortMapping) {
	p.mu.Lock()
	defer p.mu.Unlock()

	redirects, ok := p.published[containerID]
	if !ok {
		redirects = redirectPorts(ports)
	}
	for _, port := range redirects {
		p.removeRedirect(port)
	}
	delete(p.published, containerID)
}

// Published returns the ports currently published for a container
func (p *PortPublisher) Published(containerID string) []types.PortMapping {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published[containerID]
}

func (p *PortPublisher) addRedirect(port types.PortMapping) error {
	// External traffic enters through PREROUTING, locally generated traffic
	// through OUTPUT.
	if err := p.run(redirectRule("-A", "PREROUTING", port)); err != nil {
		return fmt.Errorf("failed to add PREROUTING rule: %w", err)
	}
	if err := p.run(redirectRule("-A", "OUTPUT", port)); err != nil {
		_ = p.run(redirectRule("-D", "PREROUTING", port))
		return fmt.Errorf("failed to add OUTPUT rule: %w", err)
	}
	return nil
}

func (p *PortPublisher) removeRedirect(port types.PortMapping) {
	logger := log.WithComponent("hostports")
	for _, chain := range []string{"PREROUTING", "OUTPUT"} {
		if err := p.run(redirectRule("-D", chain, port)); err != nil {
			logger.Debug().
				Err(err).
				Int("host_port", port.HostPort).
				Msg("Failed to remove redirect rule")
		}
	}
}

// redirectRule builds:
// iptables -t nat <op> <chain> -p <proto> [-d <hostIP>] --dport <hostPort> -j REDIRECT --to-ports <containerPort>
func redirectRule(op, chain string, port types.PortMapping) []string {
	rule := []string{"-t", "nat", op, chain, "-p", protocolOf(port)}
	if port.HostIP != "" && port.HostIP != "0.0.0.0" {
		rule = append(rule, "-d", port.HostIP)
	}
	if chain == "OUTPUT" {
		rule = append(rule, "-m", "addrtype", "--dst-type", "LOCAL")
	}
	return append(rule,
		"--dport", strconv.Itoa(port.HostPort),
		"-j", "REDIRECT",
		"--to-ports", strconv.Itoa(port.ContainerPort),
	)
}

func redirectPorts(ports []types.PortMapping) []types.PortMapping {
	var out []types.PortMapping
	for _, port := range ports {
		if port.HostPort > 0 && port.HostPort != port.ContainerPort {
			out = append(out, port)
		}
	}
	return out
}

func protocolOf(port types.PortMapping) string {
	if port.Protocol == "" {
		return "tcp"
	}
	return strings.ToLower(port.Protocol)
}

// encodePorts renders ports as a label value: [hostIP:]hostPort:containerPort/proto,...
func encodePorts(ports []types.PortMapping) string {
	parts := make([]string, 0, len(ports))
	for _, port := range ports {
		s := fmt.Sprintf("%d:%d/%s", port.HostPort, port.ContainerPort, protocolOf(port))
		if port.HostIP != "" {
			s = port.HostIP + ":" + s
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, ",")
}

// decodePorts parses a label written by encodePorts, skipping malformed entries
func decodePorts(value string) []types.PortMapping {
	if value == "" {
		return nil
	}

	var ports []types.PortMapping
	for _, entry := range strings.Split(value, ",") {
		spec, proto, _ := strings.Cut(entry, "/")
		fields := strings.Split(spec, ":")

		var port types.PortMapping
		switch len(fields) {
		case 2:
		case 3:
			port.HostIP = fields[0]
			fields = fields[1:]
		default:
			continue
		}

		host, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		container, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		port.HostPort = host
		port.ContainerPort = container
		port.Protocol = proto
		ports = append(ports, port)
	}
	return ports
}

// runIPTables executes an iptables command
func runIPTables(args []string) error {
	cmd := exec.Command("iptables", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables failed: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	return nil
}
