package compose

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/hutch/pkg/errdefs"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/validation"
)

// SpecFileNames are looked up in order when no file is given
var SpecFileNames = []string{"compose.yml", "compose.yaml"}

// FindSpecFile returns file when set, else the first of SpecFileNames that
// exists in dir.
func FindSpecFile(dir, file string) (string, error) {
	if file != "" {
		if _, err := os.Stat(file); err != nil {
			return "", errdefs.Configuration("compose file %s: %w", file, err)
		}
		return file, nil
	}

	for _, name := range SpecFileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", errdefs.Configuration("no %s in %s", strings.Join(SpecFileNames, " or "), dir)
}

// ParseSpec reads a compose file. Unknown fields anywhere reject the
// document, as do services without an image. depends_on is only checked
// for warnings.
func ParseSpec(path string) (*types.ComposeSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Configuration("failed to read compose file %s: %w", path, err)
	}

	spec := &types.ComposeSpec{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(spec); err != nil {
		return nil, errdefs.Configuration("invalid compose file %s: %w", path, err)
	}

	if err := validateSpec(spec); err != nil {
		return nil, errdefs.Configuration("invalid compose file %s: %w", path, err)
	}
	return spec, nil
}

func validateSpec(spec *types.ComposeSpec) error {
	if len(spec.Services) == 0 {
		return errdefs.Validation("no services defined")
	}

	for _, nn := range spec.Networks {
		if nn.Network == nil {
			continue
		}
		if err := validation.Struct(nn.Network); err != nil {
			return errdefs.Validation("network %s: %w", nn.Name, err)
		}
	}
	for name, vs := range spec.Volumes {
		if vs == nil {
			continue
		}
		if err := validation.Struct(vs); err != nil {
			return errdefs.Validation("volume %s: %w", name, err)
		}
	}

	logger := log.WithComponent("compose")
	for i, ns := range spec.Services {
		if err := validation.Struct(ns.Service); err != nil {
			return errdefs.Validation("service %s: %w", ns.Name, err)
		}

		// depends_on is checked but never changes start order
		for _, dep := range ns.Service.DependsOn {
			var msg string
			switch j := spec.Services.Index(dep); {
			case j < 0:
				msg = "Dependency is not a declared service"
			case j == i:
				msg = "Service depends on itself"
			case j > i:
				msg = "Dependency is declared after its dependent and may start later"
			default:
				continue
			}
			logger.Warn().Str("service", ns.Name).Str("depends_on", dep).Msg(msg)
		}
	}
	return nil
}

// ParsePorts parses the port strings of a service
func ParsePorts(ports []string) ([]types.PortMapping, error) {
	out := make([]types.PortMapping, 0, len(ports))
	for _, p := range ports {
		pm, err := ParsePort(p)
		if err != nil {
			return nil, err
		}
		out = append(out, pm)
	}
	return out, nil
}

// ParsePort parses "hostPort:containerPort" or
// "hostIP:hostPort:containerPort"
func ParsePort(s string) (types.PortMapping, error) {
	parts := strings.Split(s, ":")

	var hostIP, host, container string
	switch len(parts) {
	case 2:
		host, container = parts[0], parts[1]
	case 3:
		hostIP, host, container = parts[0], parts[1], parts[2]
	default:
		return types.PortMapping{}, errdefs.Validation("invalid port mapping %q: expected [hostIP:]hostPort:containerPort", s)
	}

	hostPort, err := parsePortNumber(host)
	if err != nil {
		return types.PortMapping{}, errdefs.Validation("invalid port mapping %q: host port: %w", s, err)
	}
	containerPort, err := parsePortNumber(container)
	if err != nil {
		return types.PortMapping{}, errdefs.Validation("invalid port mapping %q: container port: %w", s, err)
	}

	return types.PortMapping{
		ContainerPort: containerPort,
		HostPort:      hostPort,
		HostIP:        hostIP,
	}, nil
}

func parsePortNumber(s string) (int, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
