// Package config loads hutch settings from defaults, an optional YAML file,
// HUTCH_ environment variables and command-line flags, in increasing order of
// precedence.
//
// Environment variables use the HUTCH_ prefix and underscores for nested keys:
//   - HUTCH_AGENT_CONTROLLER_ADDR=10.0.0.1:7443
//   - HUTCH_TLS_CA_FILE=/etc/hutch/ca.crt
//   - HUTCH_RUNTIME_BACKEND=docker
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/cuemby/hutch/pkg/errdefs"
	"github.com/cuemby/hutch/pkg/validation"
)

// Config is the root configuration
type Config struct {
	// StateRoot holds compose projects and local volumes
	StateRoot string `mapstructure:"state_root" validate:"required"`

	// MaxMessageSize bounds one protocol message in bytes
	MaxMessageSize int64 `mapstructure:"max_message_size" validate:"gte=0"`

	Agent      AgentConfig      `mapstructure:"agent"`
	Controller ControllerConfig `mapstructure:"controller"`
	TLS        TLSConfig        `mapstructure:"tls"`
	Runtime    RuntimeConfig    `mapstructure:"runtime"`
	Log        LogConfig        `mapstructure:"log"`
}

// AgentConfig configures the node agent
type AgentConfig struct {
	ControllerAddr    string        `mapstructure:"controller_addr"`
	NodeFile          string        `mapstructure:"node_file"`
	MetricsAddr       string        `mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"gt=0"`
}

// ControllerConfig configures the controller endpoint
type ControllerConfig struct {
	ListenAddr       string        `mapstructure:"listen_addr" validate:"required,hostname_port"`
	DataDir          string        `mapstructure:"data_dir" validate:"required"`
	MetricsAddr      string        `mapstructure:"metrics_addr" validate:"omitempty,hostname_port"`
	Pods             []string      `mapstructure:"pods"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" validate:"gt=0"`
	CommandTimeout   time.Duration `mapstructure:"command_timeout" validate:"gt=0"`
}

// TLSConfig points at the certificate material of this process
type TLSConfig struct {
	CAFile             string `mapstructure:"ca_file" validate:"omitempty,file"`
	CertFile           string `mapstructure:"cert_file" validate:"omitempty,file"`
	KeyFile            string `mapstructure:"key_file" validate:"omitempty,file"`
	ServerName         string `mapstructure:"server_name"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// RuntimeConfig selects the container runtime backend
type RuntimeConfig struct {
	Backend   string `mapstructure:"backend" validate:"oneof=containerd docker"`
	Socket    string `mapstructure:"socket"`
	Namespace string `mapstructure:"namespace"`
}

// LogConfig configures process logging
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// flagKeys maps command-line flags onto configuration keys
var flagKeys = map[string]string{
	"state-root":           "state_root",
	"max-message-size":     "max_message_size",
	"controller":           "agent.controller_addr",
	"node":                 "agent.node_file",
	"heartbeat-interval":   "agent.heartbeat_interval",
	"listen":               "controller.listen_addr",
	"data-dir":             "controller.data_dir",
	"pod":                  "controller.pods",
	"heartbeat-timeout":    "controller.heartbeat_timeout",
	"command-timeout":      "controller.command_timeout",
	"ca-file":              "tls.ca_file",
	"cert-file":            "tls.cert_file",
	"key-file":             "tls.key_file",
	"server-name":          "tls.server_name",
	"insecure-skip-verify": "tls.insecure_skip_verify",
	"runtime":              "runtime.backend",
	"runtime-socket":       "runtime.socket",
	"runtime-namespace":    "runtime.namespace",
	"log-level":            "log.level",
	"log-json":             "log.json",
}

// Load reads configuration. An explicitly named file must exist; without
// one, hutch.yaml is looked up in the working directory and /etc/hutch.
// Flags that are present in flags override every other source.
func Load(cfgFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("hutch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/hutch")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, errdefs.Configuration("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("HUTCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errdefs.Configuration("unable to decode config: %w", err)
	}

	if err := validation.Struct(cfg); err != nil {
		return nil, errdefs.Configuration("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("state_root", defaultStateRoot())
	v.SetDefault("max_message_size", 64<<10)

	v.SetDefault("agent.heartbeat_interval", "5s")

	v.SetDefault("controller.listen_addr", "0.0.0.0:7443")
	v.SetDefault("controller.data_dir", "/var/lib/hutch/controller")
	v.SetDefault("controller.heartbeat_timeout", "20s")
	v.SetDefault("controller.command_timeout", "2m")

	v.SetDefault("runtime.backend", "containerd")
	v.SetDefault("runtime.namespace", "hutch")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

func defaultStateRoot() string {
	if os.Geteuid() == 0 {
		return "/var/lib/hutch"
	}
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".local", "share", "hutch")
	}
	return filepath.Join(os.TempDir(), "hutch")
}

// ValidateAgent checks the settings only the agent needs. The controller
// address and node descriptor have no defaults.
func (c *Config) ValidateAgent() error {
	if c.Agent.ControllerAddr == "" {
		return errdefs.Configuration("controller address is required")
	}
	if err := validation.Var(c.Agent.ControllerAddr, "hostname_port"); err != nil {
		return errdefs.Configuration("invalid controller address %q", c.Agent.ControllerAddr)
	}
	if c.Agent.NodeFile == "" {
		return errdefs.Configuration("node descriptor file is required")
	}
	return nil
}

// ValidateController checks the settings only the controller needs.
func (c *Config) ValidateController() error {
	if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
		return errdefs.Configuration("controller requires tls.cert_file and tls.key_file")
	}
	return nil
}
