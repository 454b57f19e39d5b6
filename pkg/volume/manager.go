package volume

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/hutch/pkg/errdefs"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	// DriverLocal is the only supported volume driver
	DriverLocal = "local"

	// SecretsDir is where secrets are mounted inside containers
	SecretsDir = "/run/secrets"
)

// Options locate the directories a Manager works with
type Options struct {
	// ProjectDir holds the volumes owned by the project
	ProjectDir string
	// SharedDir holds external volumes, which outlive projects
	SharedDir string
	// SpecDir resolves relative host paths, normally the compose file's directory
	SpecDir string
}

// Manager realizes the volumes of a compose project and turns service
// volume, config and secret references into mounts.
type Manager struct {
	drivers map[string]VolumeDriver
	shared  VolumeDriver
	specDir string
	volumes map[string]*Volume
	configs map[string]string
	secrets map[string]string
}

// NewManager creates a manager backed by local drivers
func NewManager(opts Options) (*Manager, error) {
	local, err := NewLocalDriver(opts.ProjectDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create local driver: %w", err)
	}

	m := &Manager{
		drivers: map[string]VolumeDriver{
			DriverLocal: local,
		},
		specDir: opts.SpecDir,
		volumes: make(map[string]*Volume),
		configs: make(map[string]string),
		secrets: make(map[string]string),
	}

	if opts.SharedDir != "" {
		shared, err := NewLocalDriver(opts.SharedDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create shared driver: %w", err)
		}
		m.shared = shared
	}

	return m, nil
}

// GetDriver returns the driver for a volume
func (m *Manager) GetDriver(driverName string) (VolumeDriver, error) {
	if driverName == "" {
		driverName = DriverLocal
	}
	driver, ok := m.drivers[driverName]
	if !ok {
		return nil, errdefs.Configuration("unknown volume driver: %s", driverName)
	}
	return driver, nil
}

// Handle validates the top-level volumes, configs and secrets of a spec and
// creates the project's volumes.
func (m *Manager) Handle(spec *types.ComposeSpec) error {
	logger := log.WithComponent("volume")

	for name, vs := range spec.Volumes {
		if vs == nil {
			vs = &types.VolumeSpec{}
		}
		vol := &Volume{Name: name, Driver: vs.Driver, Labels: vs.Labels}

		if vs.External {
			if m.shared == nil {
				return errdefs.Configuration("external volume %s: no shared volume directory", name)
			}
			if err := m.shared.Lookup(vol); err != nil {
				return errdefs.Configuration("external volume %s: %w", name, err)
			}
			m.volumes[name] = vol
			continue
		}

		driver, err := m.GetDriver(vs.Driver)
		if err != nil {
			return fmt.Errorf("volume %s: %w", name, err)
		}
		if err := driver.Create(vol); err != nil {
			return fmt.Errorf("volume %s: %w", name, err)
		}
		m.volumes[name] = vol

		logger.Debug().Str("volume", name).Str("path", vol.MountPath).Msg("Volume created")
	}

	for name, fs := range spec.Configs {
		path, err := m.resolveFile("config", name, fs)
		if err != nil {
			return err
		}
		m.configs[name] = path
	}
	for name, fs := range spec.Secrets {
		path, err := m.resolveFile("secret", name, fs)
		if err != nil {
			return err
		}
		m.secrets[name] = path
	}

	return nil
}

func (m *Manager) resolveFile(kind, name string, fs *types.FileSpec) (string, error) {
	if fs == nil || fs.File == "" {
		return "", errdefs.Configuration("%s %s: file is required", kind, name)
	}
	path := m.resolvePath(fs.File)
	if err := checkFile(path); err != nil {
		return "", errdefs.Configuration("%s %s: %w", kind, name, err)
	}
	return path, nil
}

// Mounts returns every mount of a service in declaration order: volumes,
// then configs, then secrets.
func (m *Manager) Mounts(svc *types.ServiceSpec) ([]types.Mount, error) {
	mounts := make([]types.Mount, 0, len(svc.Volumes)+len(svc.Configs)+len(svc.Secrets))

	for _, entry := range svc.Volumes {
		mount, err := ParseMapping(entry)
		if err != nil {
			return nil, err
		}
		source, err := m.MapToSource(mount.Source)
		if err != nil {
			return nil, err
		}
		mount.Source = source
		mounts = append(mounts, mount)
	}

	for _, name := range svc.Configs {
		path, ok := m.configs[name]
		if !ok {
			return nil, errdefs.Configuration("config %s is not declared", name)
		}
		mounts = append(mounts, types.Mount{Source: path, Target: "/" + name, ReadOnly: true})
	}

	for _, name := range svc.Secrets {
		path, ok := m.secrets[name]
		if !ok {
			return nil, errdefs.Configuration("secret %s is not declared", name)
		}
		mounts = append(mounts, types.Mount{Source: path, Target: SecretsDir + "/" + name, ReadOnly: true})
	}

	return mounts, nil
}

// MapToSource resolves the host side of a volume mapping: a declared volume
// name maps to its directory, a path is made absolute against the spec dir.
func (m *Manager) MapToSource(host string) (string, error) {
	if isPath(host) {
		return m.resolvePath(host), nil
	}
	vol, ok := m.volumes[host]
	if !ok {
		return "", errdefs.Configuration("volume %s is not declared", host)
	}
	return vol.MountPath, nil
}

func (m *Manager) resolvePath(p string) string {
	if filepath.IsAbs(p) || m.specDir == "" {
		return filepath.Clean(p)
	}
	return filepath.Join(m.specDir, p)
}

// ParseMapping parses host:container or host:container:ro. Only the exact
// third field "ro" makes the mount read-only; other values are ignored.
func ParseMapping(s string) (types.Mount, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 2, 3:
	default:
		return types.Mount{}, errdefs.Validation("invalid volume mapping %q: expected host:container[:ro]", s)
	}

	if parts[0] == "" || parts[1] == "" {
		return types.Mount{}, errdefs.Validation("invalid volume mapping %q: empty path", s)
	}

	return types.Mount{
		Source:   parts[0],
		Target:   parts[1],
		ReadOnly: len(parts) == 3 && parts[2] == "ro",
	}, nil
}

func isPath(s string) bool {
	return strings.ContainsRune(s, '/') || s == "." || s == ".."
}

func checkFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}
