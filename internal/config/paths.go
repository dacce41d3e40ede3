package config

import (
	"os"
	"path/filepath"
	"strings"
)

// DefaultConfigName is the filename probed in the well-known locations when
// neither --config nor $RINGDOWN_CONFIG_PATH names a file.
const DefaultConfigName = "ringdown.yaml"

// UserConfigDir returns the per-user configuration directory.
func UserConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		home = "."
	}
	return filepath.Join(home, ".ringdown")
}

// DefaultPath probes the well-known config locations in order and returns
// the first that exists: the working directory, the per-user directory,
// then /etc/ringdown. Returns "" when none of them holds a config file.
func DefaultPath() string {
	candidates := []string{
		DefaultConfigName,
		filepath.Join(UserConfigDir(), DefaultConfigName),
		filepath.Join("/etc/ringdown", DefaultConfigName),
	}
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}
