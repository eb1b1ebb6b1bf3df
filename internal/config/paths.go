package config

import (
	"os"
	"path/filepath"
)

// Dir returns the application directory: $WINGBRIDGE_HOME or ~/.wingbridge.
func Dir() (string, error) {
	if d := os.Getenv("WINGBRIDGE_HOME"); d != "" {
		return d, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".wingbridge"), nil
}

// EnsureDir creates the application directory with owner-only permissions.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0700)
}

func (c *Config) Path() string   { return filepath.Join(c.Dir, fileName) }
func (c *Config) DBPath() string { return filepath.Join(c.Dir, "wingbridge.db") }
