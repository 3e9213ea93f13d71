// Package config provides configuration management for clawbox.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Environment overrides for the data and state roots.
const (
	DataDirEnv  = "CLAWBOX_DATA_DIR"
	StateDirEnv = "CLAWBOX_STATE_DIR"
)

// Paths holds platform-specific directory paths for clawbox.
type Paths struct {
	// ConfigDir is the directory for configuration files.
	// macOS: ~/Library/Application Support/clawbox
	// Linux: ~/.config/clawbox (or XDG_CONFIG_HOME)
	ConfigDir string

	// DataDir holds the secrets file and the state directory.
	// All platforms: ~/.clawbox, or $CLAWBOX_DATA_DIR
	DataDir string

	// StateDir holds descriptors, locks, sync sessions and logs.
	StateDir string

	// ConfigFile is the path to the main config file.
	ConfigFile string
}

// GetPaths returns platform-aware paths for clawbox.
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	p := &Paths{}

	p.DataDir = filepath.Join(home, ".clawbox")
	if dir := os.Getenv(DataDirEnv); dir != "" {
		p.DataDir = dir
	}

	p.StateDir = filepath.Join(p.DataDir, "state")
	if dir := os.Getenv(StateDirEnv); dir != "" {
		p.StateDir = dir
	}

	switch runtime.GOOS {
	case "darwin":
		p.ConfigDir = filepath.Join(home, "Library", "Application Support", "clawbox")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			p.ConfigDir = filepath.Join(xdgConfig, "clawbox")
		} else {
			p.ConfigDir = filepath.Join(home, ".config", "clawbox")
		}
	}

	p.ConfigFile = filepath.Join(p.DataDir, "config.yaml")

	return p, nil
}

// EnsureDirectories creates the config, data and state directories.
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir, p.StateDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
