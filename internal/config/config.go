// Package config loads tether configuration: built-in defaults,
// optionally overridden by a KDL config file.
package config

import (
	"os"
	"path/filepath"

	kdl "github.com/sblinch/kdl-go"
)

// Config file names.
const (
	// GlobalConfigFile lives under the user config dir
	// (~/.config/tether/config.kdl).
	GlobalConfigFile = "config.kdl"
	// ProjectConfigFile is looked up in the working directory.
	ProjectConfigFile = ".tether.kdl"
)

// Config holds the daemon settings.
type Config struct {
	// Addr is the loopback address the daemon listens on.
	Addr string

	// MaxConnections caps concurrent client connections (0 = unlimited).
	MaxConnections int
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:           "127.0.0.1:8377",
		MaxConnections: 64,
	}
}

// kdlConfig is the on-disk KDL shape.
type kdlConfig struct {
	Settings kdlSettings `kdl:"settings"`
}

type kdlSettings struct {
	Listen         string `kdl:"listen"`
	MaxConnections int    `kdl:"max-connections"`
}

// Load returns configuration for the daemon: the global config file if
// present, overridden by a project file in dir if present, overridden
// by defaults for anything unset. A missing file is not an error.
func Load(dir string) (*Config, error) {
	cfg := DefaultConfig()

	if path := globalConfigPath(); path != "" {
		if err := applyFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if dir != "" {
		if err := applyFile(cfg, filepath.Join(dir, ProjectConfigFile)); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadFile loads configuration from an explicit path, over defaults.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := applyFile(cfg, path); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return applyKDL(cfg, data)
}

func applyKDL(cfg *Config, data []byte) error {
	var k kdlConfig
	if err := kdl.Unmarshal(data, &k); err != nil {
		return err
	}
	if k.Settings.Listen != "" {
		cfg.Addr = k.Settings.Listen
	}
	if k.Settings.MaxConnections > 0 {
		cfg.MaxConnections = k.Settings.MaxConnections
	}
	return nil
}

func globalConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "tether", GlobalConfigFile)
}
