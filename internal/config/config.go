// Package config provides configuration management for the root daemon.
// It uses koanf v2 to load configuration from a YAML file and supports
// writing a configuration back out (e.g., generating a default file).
//
// Configuration is loaded from /data/adb/rootd/config.yaml by default.
// Runtime settings stored in the policy database (root access, multiuser
// mode, mount namespace mode) take precedence over the values here.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	goyaml "gopkg.in/yaml.v3"
)

// DefaultConfigPath is the default location for the daemon configuration file.
const DefaultConfigPath = "/data/adb/rootd/config.yaml"

// ManagerConfig statically registers a manager application endpoint for a
// user space.
type ManagerConfig struct {
	// UserID is the Android user space the manager serves (0 is the owner).
	UserID int `koanf:"user_id" yaml:"user_id"`

	// Socket is the manager's listening unix socket path.
	Socket string `koanf:"socket" yaml:"socket"`

	// Package is the manager application's package name.
	Package string `koanf:"package" yaml:"package"`

	// UID is the manager application's uid. Requests from it are allowed
	// without prompting.
	UID int `koanf:"uid" yaml:"uid"`
}

// Config holds the daemon configuration loaded from the YAML config file.
// Fields are tagged for both koanf (loading) and yaml (saving).
type Config struct {
	// SocketPath is where the daemon listens for client requests.
	SocketPath string `koanf:"socket_path" yaml:"socket_path"`

	// DataDir holds the policy and su log databases.
	DataDir string `koanf:"data_dir" yaml:"data_dir"`

	// LogLevel controls logging verbosity: "debug", "info", "warn", "error".
	LogLevel string `koanf:"log_level" yaml:"log_level"`

	// PromptTimeoutMs bounds the manager round trip, in milliseconds.
	// Default: 10000.
	PromptTimeoutMs int `koanf:"prompt_timeout_ms" yaml:"prompt_timeout_ms"`

	// RootAccess is the initial root access setting:
	// "disabled", "apps", "adb", "apps_and_adb". Default: "apps_and_adb".
	RootAccess string `koanf:"root_access" yaml:"root_access"`

	// MultiuserMode is the initial multiuser setting:
	// "owner_only", "owner_managed", "user". Default: "owner_only".
	MultiuserMode string `koanf:"multiuser_mode" yaml:"multiuser_mode"`

	// MountNamespaceMode is the initial mount namespace setting:
	// "global", "requester", "isolate". Default: "requester".
	MountNamespaceMode string `koanf:"mount_ns_mode" yaml:"mount_ns_mode"`

	// DefaultShell is used when a request names no shell.
	DefaultShell string `koanf:"default_shell" yaml:"default_shell"`

	// Managers lists the statically known manager endpoints.
	Managers []ManagerConfig `koanf:"managers" yaml:"managers"`

	// MaintenanceSchedule is the cron expression for policy and log cleanup.
	// Default: "@hourly".
	MaintenanceSchedule string `koanf:"maintenance_schedule" yaml:"maintenance_schedule"`

	// LogRetentionDays is how long su log records are kept. Default: 14.
	LogRetentionDays int `koanf:"log_retention_days" yaml:"log_retention_days"`

	// DeviceID identifies this device in published audit events.
	DeviceID string `koanf:"device_id" yaml:"device_id"`

	// NATSServers is a comma-separated list of NATS server URLs. When set
	// together with NATSNKeySeed, su decisions are also published to NATS.
	NATSServers string `koanf:"nats_servers" yaml:"nats_servers"`

	// NATSNKeySeed is the NKey seed for NATS authentication.
	NATSNKeySeed string `koanf:"nats_nkey_seed" yaml:"nats_nkey_seed"`

	// NATSSubjectPrefix prefixes published audit subjects. Default: "rootd".
	NATSSubjectPrefix string `koanf:"nats_subject_prefix" yaml:"nats_subject_prefix"`
}

// Validation errors returned by Load.
var (
	ErrSocketPathRequired   = errors.New("socket_path is required")
	ErrInvalidPromptTimeout = errors.New("prompt_timeout_ms must be positive")
	ErrInvalidRetention     = errors.New("log_retention_days must be positive")
	ErrInvalidRootAccess    = errors.New("root_access must be one of disabled, apps, adb, apps_and_adb")
	ErrInvalidMultiuserMode = errors.New("multiuser_mode must be one of owner_only, owner_managed, user")
	ErrInvalidMountNsMode   = errors.New("mount_ns_mode must be one of global, requester, isolate")
	ErrInvalidManager       = errors.New("manager entries require a socket and a non-negative user_id")
)

// Load reads configuration from the specified YAML file path.
// A missing file is not an error: defaults are used instead.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults sets default values for optional configuration fields.
func (c *Config) applyDefaults() {
	if c.SocketPath == "" {
		c.SocketPath = "/dev/rootd/rootd.sock"
	}
	if c.DataDir == "" {
		c.DataDir = "/data/adb/rootd"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.PromptTimeoutMs == 0 {
		c.PromptTimeoutMs = 10000
	}
	if c.RootAccess == "" {
		c.RootAccess = "apps_and_adb"
	}
	if c.MultiuserMode == "" {
		c.MultiuserMode = "owner_only"
	}
	if c.MountNamespaceMode == "" {
		c.MountNamespaceMode = "requester"
	}
	if c.DefaultShell == "" {
		c.DefaultShell = "/system/bin/sh"
	}
	if c.MaintenanceSchedule == "" {
		c.MaintenanceSchedule = "@hourly"
	}
	if c.LogRetentionDays == 0 {
		c.LogRetentionDays = 14
	}
	if c.NATSSubjectPrefix == "" {
		c.NATSSubjectPrefix = "rootd"
	}
}

// validate checks that configuration fields are present and valid.
func (c *Config) validate() error {
	if c.SocketPath == "" {
		return ErrSocketPathRequired
	}
	if c.PromptTimeoutMs <= 0 {
		return ErrInvalidPromptTimeout
	}
	if c.LogRetentionDays <= 0 {
		return ErrInvalidRetention
	}
	switch c.RootAccess {
	case "disabled", "apps", "adb", "apps_and_adb":
	default:
		return ErrInvalidRootAccess
	}
	switch c.MultiuserMode {
	case "owner_only", "owner_managed", "user":
	default:
		return ErrInvalidMultiuserMode
	}
	switch c.MountNamespaceMode {
	case "global", "requester", "isolate":
	default:
		return ErrInvalidMountNsMode
	}
	for _, m := range c.Managers {
		if m.Socket == "" || m.UserID < 0 {
			return ErrInvalidManager
		}
	}
	return nil
}

// Save writes the configuration to the specified YAML file path with 0600
// permissions, since it may contain the NATS seed.
func Save(path string, cfg *Config) error {
	data, err := goyaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", path, err)
	}

	return nil
}

// PromptTimeout returns the manager round-trip bound.
func (c *Config) PromptTimeout() time.Duration {
	return time.Duration(c.PromptTimeoutMs) * time.Millisecond
}

// LogRetention returns how long su log records are kept.
func (c *Config) LogRetention() time.Duration {
	return time.Duration(c.LogRetentionDays) * 24 * time.Hour
}

// PolicyDBPath is the bbolt file holding policies and settings.
func (c *Config) PolicyDBPath() string {
	return filepath.Join(c.DataDir, "policy.db")
}

// SuLogDBPath is the bbolt file holding su log records.
func (c *Config) SuLogDBPath() string {
	return filepath.Join(c.DataDir, "sulog.db")
}

// NATSEnabled returns true if NATS audit publishing is configured.
func (c *Config) NATSEnabled() bool {
	return c.NATSServers != "" && c.NATSNKeySeed != ""
}
