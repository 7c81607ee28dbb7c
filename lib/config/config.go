// Package config loads modhost configuration from a file and MODMUX_
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/multierr"

	"github.com/snowmerak/modmux/lib/component"
)

const (
	// EnvPrefix prefixes every environment override, e.g. MODMUX_LOG_LEVEL.
	EnvPrefix = "MODMUX"

	RoleMain  = "main"
	RoleSlave = "slave"
)

// Module names a module file to load.
type Module struct {
	Name string `mapstructure:"name"`
	Path string `mapstructure:"path"`
}

// Transport selects how a host reaches its worker.
type Transport struct {
	// SocketPath switches the pipe to a unix socket when set.
	SocketPath string `mapstructure:"socket_path"`
	// WorkerPath is the executable forked for the stdio pipe.
	WorkerPath string `mapstructure:"worker_path"`
	// WorkerArgs are passed to the worker.
	WorkerArgs []string `mapstructure:"worker_args"`
}

// Log configures the host logger.
type Log struct {
	Level string `mapstructure:"level"`
}

// Config is the whole configuration.
type Config struct {
	// Role applies to commands that do not imply one; worker always runs
	// as slave and create as main.
	Role                string        `mapstructure:"role"`
	Modules             []Module      `mapstructure:"modules"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	Transport           Transport     `mapstructure:"transport"`
	Log                 Log           `mapstructure:"log"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		Role:                RoleMain,
		MaintenanceInterval: 30 * time.Second,
		Log:                 Log{Level: "info"},
	}
}

// Load reads path, when given, and applies environment overrides on top of
// the defaults. The result is validated.
func Load(path string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("role", defaults.Role)
	v.SetDefault("modules", defaults.Modules)
	v.SetDefault("maintenance_interval", defaults.MaintenanceInterval)
	v.SetDefault("transport.socket_path", defaults.Transport.SocketPath)
	v.SetDefault("transport.worker_path", defaults.Transport.WorkerPath)
	v.SetDefault("transport.worker_args", defaults.Transport.WorkerArgs)
	v.SetDefault("log.level", defaults.Log.Level)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var errs error

	if c.Role != RoleMain && c.Role != RoleSlave {
		errs = multierr.Append(errs, fmt.Errorf("unknown role %q", c.Role))
	}
	if c.MaintenanceInterval < 0 {
		errs = multierr.Append(errs, fmt.Errorf("negative maintenance interval %s", c.MaintenanceInterval))
	}

	seen := make(map[string]bool, len(c.Modules))
	for i, m := range c.Modules {
		switch {
		case m.Name == "":
			errs = multierr.Append(errs, fmt.Errorf("module %d has no name", i))
		case seen[m.Name]:
			errs = multierr.Append(errs, fmt.Errorf("module %q listed twice", m.Name))
		}
		seen[m.Name] = true
		if m.Path == "" {
			errs = multierr.Append(errs, fmt.Errorf("module %q has no path", m.Name))
		}
	}

	if errs != nil {
		return fmt.Errorf("invalid config: %w", errs)
	}
	return nil
}

// ComponentRole maps Role onto the component library's role.
func (c *Config) ComponentRole() component.Role {
	if c.Role == RoleSlave {
		return component.RoleSlave
	}
	return component.RoleMain
}
