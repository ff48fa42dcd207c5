package config

import (
	"os"
	"path/filepath"
)

// GetConfigPath returns the configuration file path. It first checks the
// SFA_CONFIG environment variable, then falls back to the default location
// (~/.secure-fs-access/config.yaml).
func GetConfigPath() (string, error) {
	if configPath := os.Getenv("SFA_CONFIG"); configPath != "" {
		return configPath, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".secure-fs-access", "config.yaml"), nil
}

// ResolvePath makes a relative path from the configuration absolute against
// the directory holding the config file.
func ResolvePath(configPath, p string) string {
	if p == "" || filepath.IsAbs(p) || configPath == "" {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}
