// Package config manages tally configuration and the .tally directory
// structure. It handles loading, saving, and initializing the workspace
// configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

const (
	TallyDir     = ".tally"
	ConfigFile   = "config"
	DatabaseFile = "tally.db"
)

// Config represents the tally workspace configuration
type Config struct {
	ServerURL     string `toml:"server_url"`
	Token         string `toml:"token"`
	DeviceID      string `toml:"device_id"`
	ProbeInterval int    `toml:"probe_interval_seconds"` // connectivity probe period, 0 = default
	path          string // path to .tally directory
}

// FindTallyRoot finds the .tally directory by walking up from current directory
func FindTallyRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		tallyPath := filepath.Join(dir, TallyDir)
		if info, err := os.Stat(tallyPath); err == nil && info.IsDir() {
			return tallyPath, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a tally workspace (or any parent up to root)")
		}
		dir = parent
	}
}

// Load loads the configuration from the .tally directory
func Load() (*Config, error) {
	tallyPath, err := FindTallyRoot()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(tallyPath, ConfigFile)
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.path = tallyPath
	return &cfg, nil
}

// Save saves the configuration to disk
func (c *Config) Save() error {
	configPath := filepath.Join(c.path, ConfigFile)
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0600)
}

// TallyPath returns the path to the .tally directory
func (c *Config) TallyPath() string {
	return c.path
}

// DatabasePath returns the path to the local SQLite database
func (c *Config) DatabasePath() string {
	return filepath.Join(c.path, DatabaseFile)
}

// Initialize creates a new .tally directory with initial configuration
func Initialize(serverURL, deviceID string) (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	tallyPath := filepath.Join(cwd, TallyDir)

	// Check if already initialized
	if _, err := os.Stat(tallyPath); err == nil {
		return nil, fmt.Errorf("tally workspace already exists")
	}

	if err := os.MkdirAll(tallyPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create .tally directory: %w", err)
	}

	cfg := &Config{
		ServerURL: serverURL,
		DeviceID:  deviceID,
		path:      tallyPath,
	}

	if err := cfg.Save(); err != nil {
		// Cleanup on failure
		os.RemoveAll(tallyPath)
		return nil, err
	}

	return cfg, nil
}
