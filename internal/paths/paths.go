// Package paths resolves the default on-disk locations for Seneschal's
// configuration and state. All components that persist anything go
// through these helpers so a single override (or XDG environment) moves
// the whole installation.
package paths

import (
	"os"
	"path/filepath"
	"strings"
)

// appDir is the subdirectory name used under the config and data roots.
const appDir = "seneschal"

// ConfigDir returns the directory searched for config.yaml:
// $XDG_CONFIG_HOME/seneschal, falling back to ~/.config/seneschal.
func ConfigDir() string {
	if base := os.Getenv("XDG_CONFIG_HOME"); base != "" {
		return filepath.Join(base, appDir)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".config", appDir)
	}
	return appDir
}

// DataDir returns the directory for databases and other state:
// $XDG_DATA_HOME/seneschal, falling back to ~/.local/share/seneschal.
func DataDir() string {
	if base := os.Getenv("XDG_DATA_HOME"); base != "" {
		return filepath.Join(base, appDir)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", appDir)
	}
	return appDir
}

// DefaultStateDB returns the default path of the state database.
func DefaultStateDB() string {
	return filepath.Join(DataDir(), "state.db")
}

// ExpandHome replaces a leading ~ with the user's home directory.
// Paths without a leading tilde are returned unchanged, as is any
// path when the home directory cannot be determined. ~user forms are
// not resolved.
func ExpandHome(path string) string {
	rest, ok := strings.CutPrefix(path, "~")
	if !ok {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	switch {
	case rest == "":
		return home
	case rest[0] == '/' || rest[0] == filepath.Separator:
		return filepath.Join(home, rest[1:])
	}
	return path
}

// EnsureDir creates dir (and parents) if it does not exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
