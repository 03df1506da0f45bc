package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GetActuatorHome returns the actuator home directory.
// Priority order:
//  1. ACTUATOR_HOME environment variable (if set)
//  2. Project root (detected by a .actuator-root marker or the module's
//     go.mod), with .actuator appended
//  3. Current working directory (fallback)
//
// The directory is created if it doesn't exist.
func GetActuatorHome() (string, error) {
	return GetActuatorHomeWithRoot("")
}

// GetActuatorHomeWithRoot resolves the home directory against an explicit
// project root instead of walking the filesystem. The environment variable
// still wins. Tests use this to stay out of the real working directory.
func GetActuatorHomeWithRoot(root string) (string, error) {
	if home := os.Getenv("ACTUATOR_HOME"); home != "" {
		return home, nil
	}

	if root == "" {
		if found, err := findProjectRoot(); err == nil {
			root = found
		}
	}
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get working directory: %w", err)
		}
		root = cwd
	}

	home := filepath.Join(root, ".actuator")
	if err := os.MkdirAll(home, 0755); err != nil {
		return "", fmt.Errorf("failed to create actuator home directory: %w", err)
	}
	return home, nil
}

// findProjectRoot walks up from the working directory looking for a
// .actuator-root marker file or the module's own go.mod.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	current := cwd
	for {
		if _, err := os.Stat(filepath.Join(current, ".actuator-root")); err == nil {
			return current, nil
		}
		if data, err := os.ReadFile(filepath.Join(current, "go.mod")); err == nil {
			if strings.Contains(string(data), "github.com/harrison/actuator") {
				return current, nil
			}
		}

		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}

	return "", fmt.Errorf("project root not found (looking for .actuator-root or the actuator go.mod)")
}

// GetPatternDBPath returns the default pattern database path:
// $ACTUATOR_HOME/learning/patterns.db. The learning directory is created.
func GetPatternDBPath() (string, error) {
	dir, err := homeSubdir("learning")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "patterns.db"), nil
}

// GetLeaseDir returns the default lease directory: $ACTUATOR_HOME/leases.
func GetLeaseDir() (string, error) {
	return homeSubdir("leases")
}

// GetLogDir returns the default log directory: $ACTUATOR_HOME/logs.
func GetLogDir() (string, error) {
	return homeSubdir("logs")
}

func homeSubdir(name string) (string, error) {
	home, err := GetActuatorHome()
	if err != nil {
		return "", err
	}

	dir := filepath.Join(home, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s directory: %w", name, err)
	}
	return dir, nil
}
