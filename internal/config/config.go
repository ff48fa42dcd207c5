// Package config loads the sfa configuration from a YAML file overlaid with
// SFA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration.
type Config struct {
	Device   DeviceConfig   `yaml:"device"`
	Grants   GrantsConfig   `yaml:"grants"`
	Transfer TransferConfig `yaml:"transfer"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DeviceConfig configures the directory-backed host device.
type DeviceConfig struct {
	Root       string `yaml:"root" env:"DEVICE_ROOT"`
	SDKVersion int    `yaml:"sdk_version" env:"SDK_VERSION"`
	// StorageState overrides the probed volume state: mounted, mounted_ro
	// or unmounted. Empty means probe.
	StorageState string `yaml:"storage_state" env:"STORAGE_STATE"`
	Permission   string `yaml:"permission" env:"PERMISSION"` // ask, grant, deny
}

// GrantsConfig configures grant persistence.
type GrantsConfig struct {
	Backend      string `yaml:"backend" env:"GRANTS_BACKEND"` // memory, sqlite
	DatabasePath string `yaml:"database_path" env:"GRANTS_DB"`
	// Watch forgets folder grants whose directory disappears.
	Watch bool `yaml:"watch" env:"GRANTS_WATCH"`
}

// TransferConfig tunes the transfer engine.
type TransferConfig struct {
	BufferSizeKB int    `yaml:"buffer_size_kb" env:"TRANSFER_BUFFER_KB"`
	MaxParallel  int    `yaml:"max_parallel" env:"TRANSFER_MAX_PARALLEL"`
	LockTimeout  string `yaml:"lock_timeout" env:"TRANSFER_LOCK_TIMEOUT"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"LOG_FORMAT"` // json, console
	File   string `yaml:"file" env:"LOG_FILE"`
}

// Backends and formats.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"

	FormatJSON    = "json"
	FormatConsole = "console"
)

var (
	validBackends     = []string{BackendMemory, BackendSQLite}
	validFormats      = []string{FormatJSON, FormatConsole}
	validLevels       = []string{"debug", "info", "warn", "error"}
	validPermissions  = []string{"ask", "grant", "deny"}
	validStorageState = []string{"", "mounted", "mounted_ro", "unmounted"}
)

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Device: DeviceConfig{
			Root:       "device",
			SDKVersion: 30,
			Permission: "ask",
		},
		Grants: GrantsConfig{
			Backend:      BackendMemory,
			DatabasePath: "grants.db",
		},
		Transfer: TransferConfig{
			BufferSizeKB: 128,
			MaxParallel:  4,
			LockTimeout:  "0s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: FormatJSON,
		},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file yields the defaults. An empty path
// skips the file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := ApplyEnv(cfg, nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path, replacing any existing file
// atomically.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to chmod config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Device.Root == "" {
		errs = append(errs, errors.New("device.root is required"))
	}
	if c.Device.SDKVersion < 1 {
		errs = append(errs, fmt.Errorf("device.sdk_version must be positive, got %d", c.Device.SDKVersion))
	}
	if !slices.Contains(validStorageState, c.Device.StorageState) {
		errs = append(errs, fmt.Errorf("invalid device.storage_state: %q (valid: %v)", c.Device.StorageState, validStorageState[1:]))
	}
	if !slices.Contains(validPermissions, c.Device.Permission) {
		errs = append(errs, fmt.Errorf("invalid device.permission: %q (valid: %v)", c.Device.Permission, validPermissions))
	}
	if !slices.Contains(validBackends, c.Grants.Backend) {
		errs = append(errs, fmt.Errorf("invalid grants.backend: %q (valid: %v)", c.Grants.Backend, validBackends))
	}
	if c.Grants.Backend == BackendSQLite && c.Grants.DatabasePath == "" {
		errs = append(errs, errors.New("grants.database_path is required for the sqlite backend"))
	}
	if c.Transfer.BufferSizeKB < 1 {
		errs = append(errs, fmt.Errorf("transfer.buffer_size_kb must be positive, got %d", c.Transfer.BufferSizeKB))
	}
	if c.Transfer.MaxParallel < 1 {
		errs = append(errs, fmt.Errorf("transfer.max_parallel must be positive, got %d", c.Transfer.MaxParallel))
	}
	if d, err := time.ParseDuration(c.Transfer.LockTimeout); err != nil {
		errs = append(errs, fmt.Errorf("invalid transfer.lock_timeout: %w", err))
	} else if d < 0 {
		errs = append(errs, fmt.Errorf("transfer.lock_timeout must not be negative, got %s", d))
	}
	if !slices.Contains(validLevels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("invalid logging.level: %q (valid: %v)", c.Logging.Level, validLevels))
	}
	if !slices.Contains(validFormats, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("invalid logging.format: %q (valid: %v)", c.Logging.Format, validFormats))
	}
	return errors.Join(errs...)
}

// GetLockTimeout returns the transfer lock timeout, or zero if unparsable.
func (c *Config) GetLockTimeout() time.Duration {
	d, err := time.ParseDuration(c.Transfer.LockTimeout)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// GetBufferSize returns the transfer buffer size in bytes.
func (c *Config) GetBufferSize() int {
	return c.Transfer.BufferSizeKB * 1024
}
