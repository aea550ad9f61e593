// Package config resolves where papyrus keeps its files.
//
// The store path is taken from, in order: the --file flag, PAPYRUS_FILE,
// store_path in config.yaml, and $XDG_DATA_HOME/papyrus/records.dat.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const (
	// AppName names the XDG subdirectories.
	AppName = "papyrus"
	// FileName is the config file inside the config directory.
	FileName = "config.yaml"
	// StoreFileName is the default store file name.
	StoreFileName = "records.dat"

	// EnvStoreFile overrides the store path.
	EnvStoreFile = "PAPYRUS_FILE"
	// EnvConfigFile overrides the config file path.
	EnvConfigFile = "PAPYRUS_CONFIG"
)

// Config is the content of config.yaml.
type Config struct {
	// StorePath is the store file. A leading ~ expands to the home directory.
	StorePath string `yaml:"store_path"`
	// Audit enables the audit log. Defaults to true.
	Audit *bool `yaml:"audit"`
	// MCPPolicy is the MCP policy file. Defaults to mcp-policy.yaml next
	// to the store.
	MCPPolicy string `yaml:"mcp_policy"`
}

// AuditEnabled reports whether the audit log is on.
func (c *Config) AuditEnabled() bool {
	return c.Audit == nil || *c.Audit
}

// DataDir returns the default data directory, $XDG_DATA_HOME/papyrus.
func DataDir() string {
	xdg.Reload()

	dataHome := xdg.DataHome
	if dataHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), AppName)
		}
		dataHome = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataHome, AppName)
}

// DefaultConfigPath returns PAPYRUS_CONFIG or $XDG_CONFIG_HOME/papyrus/config.yaml.
func DefaultConfigPath() string {
	if explicit := os.Getenv(EnvConfigFile); explicit != "" {
		return explicit
	}

	xdg.Reload()

	configHome := xdg.ConfigHome
	if configHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), AppName, FileName)
		}
		configHome = filepath.Join(home, ".config")
	}
	return filepath.Join(configHome, AppName, FileName)
}

// Load reads the config file at path. A missing file yields an empty
// config.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if cfg.StorePath, err = expandHome(cfg.StorePath); err != nil {
		return nil, err
	}
	if cfg.MCPPolicy, err = expandHome(cfg.MCPPolicy); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolveStorePath resolves the store file. flag is the value of --file.
func (c *Config) ResolveStorePath(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvStoreFile); env != "" {
		return env
	}
	if c.StorePath != "" {
		return c.StorePath
	}
	return filepath.Join(DataDir(), StoreFileName)
}

// PolicyPath resolves the MCP policy file for the store at storePath.
func (c *Config) PolicyPath(storePath string) string {
	if c.MCPPolicy != "" {
		return c.MCPPolicy
	}
	return filepath.Join(filepath.Dir(storePath), "mcp-policy.yaml")
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: cannot expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
