package volume

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuemby/hutch/pkg/errdefs"
)

// Volume is a named directory provided by a driver
type Volume struct {
	Name      string
	Driver    string
	Labels    map[string]string
	MountPath string
}

// VolumeDriver provides host directories for volumes
type VolumeDriver interface {
	// Create makes the volume directory and sets MountPath
	Create(volume *Volume) error

	// Lookup sets MountPath for a volume that must already exist
	Lookup(volume *Volume) error

	// Path is where the volume lives on the host
	Path(volume *Volume) string
}

// LocalDriver keeps one directory per volume under basePath
type LocalDriver struct {
	basePath string
}

// NewLocalDriver creates basePath if needed
func NewLocalDriver(basePath string) (*LocalDriver, error) {
	if basePath == "" {
		return nil, errdefs.Configuration("local volume driver needs a base path")
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create volumes directory: %w", err)
	}
	return &LocalDriver{basePath: basePath}, nil
}

func (d *LocalDriver) Create(volume *Volume) error {
	if err := checkName(volume.Name); err != nil {
		return err
	}
	path := d.Path(volume)
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create volume directory: %w", err)
	}
	volume.MountPath = path
	return nil
}

func (d *LocalDriver) Lookup(volume *Volume) error {
	if err := checkName(volume.Name); err != nil {
		return err
	}
	path := d.Path(volume)
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("volume %s does not exist in %s: %w", volume.Name, d.basePath, errdefs.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	volume.MountPath = path
	return nil
}

func (d *LocalDriver) Path(volume *Volume) string {
	return filepath.Join(d.basePath, volume.Name)
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return errdefs.Validation("invalid volume name %q", name)
	}
	return nil
}
