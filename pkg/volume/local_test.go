package volume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/errdefs"
)

func TestNewLocalDriver(t *testing.T) {
	base := filepath.Join(t.TempDir(), "volumes")

	driver, err := NewLocalDriver(base)
	require.NoError(t, err)
	assert.DirExists(t, base)
	assert.Equal(t, filepath.Join(base, "data"), driver.Path(&Volume{Name: "data"}))

	_, err = NewLocalDriver("")
	assert.True(t, errdefs.IsConfiguration(err))
}

func TestLocalDriverCreate(t *testing.T) {
	driver, err := NewLocalDriver(t.TempDir())
	require.NoError(t, err)

	vol := &Volume{Name: "data", Driver: DriverLocal}
	require.NoError(t, driver.Create(vol))
	assert.DirExists(t, vol.MountPath)
	assert.Equal(t, driver.Path(vol), vol.MountPath)

	// existing content survives a second create
	require.NoError(t, os.WriteFile(filepath.Join(vol.MountPath, "pg_version"), []byte("16"), 0644))
	require.NoError(t, driver.Create(vol))
	assert.FileExists(t, filepath.Join(vol.MountPath, "pg_version"))
}

func TestLocalDriverLookup(t *testing.T) {
	driver, err := NewLocalDriver(t.TempDir())
	require.NoError(t, err)

	vol := &Volume{Name: "shared"}
	err = driver.Lookup(vol)
	assert.True(t, errdefs.IsNotFound(err))
	assert.Empty(t, vol.MountPath)

	require.NoError(t, os.Mkdir(driver.Path(vol), 0755))
	require.NoError(t, driver.Lookup(vol))
	assert.Equal(t, driver.Path(vol), vol.MountPath)

	file := &Volume{Name: "plain"}
	require.NoError(t, os.WriteFile(driver.Path(file), nil, 0644))
	assert.Error(t, driver.Lookup(file))
}

func TestLocalDriverRejectsPathNames(t *testing.T) {
	driver, err := NewLocalDriver(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"", ".", "..", "../etc", "a/b"} {
		err := driver.Create(&Volume{Name: name})
		assert.True(t, errdefs.IsValidation(err), "name %q", name)
	}
}
