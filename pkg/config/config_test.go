package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/errdefs"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "containerd", cfg.Runtime.Backend)
	assert.Equal(t, "hutch", cfg.Runtime.Namespace)
	assert.Equal(t, int64(64<<10), cfg.MaxMessageSize)
	assert.Equal(t, 5*time.Second, cfg.Agent.HeartbeatInterval)
	assert.Equal(t, "0.0.0.0:7443", cfg.Controller.ListenAddr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.TLS.InsecureSkipVerify)
	assert.NotEmpty(t, cfg.StateRoot)

	// No defaults for where the controller is or who we are.
	err = cfg.ValidateAgent()
	require.Error(t, err)
	assert.True(t, errdefs.IsConfiguration(err))
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	cfgFile := writeFile(t, dir, "custom.yaml", `
state_root: /srv/hutch
agent:
  controller_addr: 10.0.0.1:7443
  node_file: /etc/hutch/node.yaml
runtime:
  backend: docker
log:
  level: debug
`)

	t.Setenv("HUTCH_RUNTIME_NAMESPACE", "edge")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("controller", "", "")
	flags.String("log-level", "", "")
	require.NoError(t, flags.Parse([]string{"--controller", "10.0.0.2:7443"}))

	cfg, err := Load(cfgFile, flags)
	require.NoError(t, err)

	assert.Equal(t, "/srv/hutch", cfg.StateRoot)
	assert.Equal(t, "10.0.0.2:7443", cfg.Agent.ControllerAddr, "flag wins over file")
	assert.Equal(t, "/etc/hutch/node.yaml", cfg.Agent.NodeFile)
	assert.Equal(t, "docker", cfg.Runtime.Backend)
	assert.Equal(t, "edge", cfg.Runtime.Namespace, "env wins over default")
	assert.Equal(t, "debug", cfg.Log.Level, "unset flag does not override file")
	assert.NoError(t, cfg.ValidateAgent())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	tests := []struct {
		name    string
		content string
	}{
		{"unknown backend", "runtime:\n  backend: podman\n"},
		{"bad log level", "log:\n  level: loud\n"},
		{"missing ca file", "tls:\n  ca_file: /does/not/exist.crt\n"},
		{"bad listen address", "controller:\n  listen_addr: nowhere\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, "hutch.yaml", tt.content)
			_, err := Load(path, nil)
			require.Error(t, err)
			assert.True(t, errdefs.IsConfiguration(err))
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

func TestValidateAgentAddress(t *testing.T) {
	cfg := &Config{Agent: AgentConfig{ControllerAddr: "controller", NodeFile: "node.yaml"}}
	assert.Error(t, cfg.ValidateAgent())

	cfg.Agent.ControllerAddr = "controller.local:7443"
	assert.NoError(t, cfg.ValidateAgent())
}

func TestValidateController(t *testing.T) {
	cfg := &Config{}
	assert.Error(t, cfg.ValidateController())

	cfg.TLS.CertFile, cfg.TLS.KeyFile = "controller.crt", "controller.key"
	assert.NoError(t, cfg.ValidateController())
}
