// Package config provides configuration loading and defaults for pvebatch.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the config file is looked up when neither --config
// nor PVEBATCH_CONFIG is given.
const DefaultPath = "/etc/pvebatch/config.yaml"

// Duration is a time.Duration written in YAML as a string such as "90s".
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// QMConfig locates the qm binary and the guest config files.
type QMConfig struct {
	Binary         string   `yaml:"binary"`
	ConfigDir      string   `yaml:"config_dir"`
	CommandTimeout Duration `yaml:"command_timeout"`
}

// LifecycleConfig controls the shutdown poll loop.
type LifecycleConfig struct {
	PollInterval    Duration `yaml:"poll_interval"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// SnapshotConfig controls how automatic snapshots are named.
type SnapshotConfig struct {
	NamePrefix  string `yaml:"name_prefix"`
	Description string `yaml:"description"`
}

// ResourceFilter holds allowlist and denylist glob patterns matched against
// guest VMIDs and names.
type ResourceFilter struct {
	Allowlist []string `yaml:"allowlist"`
	Denylist  []string `yaml:"denylist"`
}

// AuditConfig controls audit logging behaviour.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	LogPath string `yaml:"log_path"`
}

// HistoryConfig controls the batch run history database.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// LogConfig controls the structured logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// ServerConfig holds network and authentication settings for serve.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Config is the top-level configuration structure for pvebatch.
type Config struct {
	QM          QMConfig        `yaml:"qm"`
	Lifecycle   LifecycleConfig `yaml:"lifecycle"`
	Snapshot    SnapshotConfig  `yaml:"snapshot"`
	Safety      ResourceFilter  `yaml:"safety"`
	Audit       AuditConfig     `yaml:"audit"`
	History     HistoryConfig   `yaml:"history"`
	Log         LogConfig       `yaml:"log"`
	Server      ServerConfig    `yaml:"server"`
	RequireRoot bool            `yaml:"require_root"`
}

// LoadConfig reads and parses a YAML configuration file from the given path.
// Keys absent from the file keep their DefaultConfig values.
// On error, nil is returned for the config pointer.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Load resolves the config path, reads it if it exists, applies environment
// overrides and validates the result. A missing file yields the defaults.
func Load(flagPath string) (*Config, error) {
	path := ResolvePath(flagPath)
	cfg, err := LoadConfig(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg, err = DefaultConfig(), nil
	}
	if err != nil {
		return nil, err
	}
	ApplyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ResolvePath picks the config file: the flag value, then PVEBATCH_CONFIG,
// then DefaultPath.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv("PVEBATCH_CONFIG"); p != "" {
		return p
	}
	return DefaultPath
}

// DefaultConfig returns a new Config populated with sensible default values.
// Each call returns a distinct instance.
func DefaultConfig() *Config {
	return &Config{
		QM: QMConfig{
			Binary:         "qm",
			ConfigDir:      "/etc/pve/qemu-server",
			CommandTimeout: Duration(5 * time.Minute),
		},
		Lifecycle: LifecycleConfig{
			PollInterval:    Duration(time.Second),
			ShutdownTimeout: Duration(120 * time.Second),
		},
		Snapshot: SnapshotConfig{
			NamePrefix:  "pvebatch_",
			Description: "pvebatch automatic snapshot",
		},
		Audit: AuditConfig{
			Enabled: true,
			LogPath: "/var/log/pvebatch/audit.log",
		},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  "/var/lib/pvebatch/history.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Port: 8080,
		},
		RequireRoot: true,
	}
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if c.QM.Binary == "" {
		errs = append(errs, errors.New("qm.binary must not be empty"))
	}
	if c.QM.ConfigDir == "" {
		errs = append(errs, errors.New("qm.config_dir must not be empty"))
	}
	if c.QM.CommandTimeout < 0 {
		errs = append(errs, errors.New("qm.command_timeout must not be negative"))
	}
	if c.Lifecycle.PollInterval <= 0 {
		errs = append(errs, errors.New("lifecycle.poll_interval must be positive"))
	}
	if c.Lifecycle.ShutdownTimeout < c.Lifecycle.PollInterval {
		errs = append(errs, errors.New("lifecycle.shutdown_timeout must not be shorter than poll_interval"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be console or json", c.Log.Format))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	return errors.Join(errs...)
}

// ApplyEnvOverrides updates cfg in place with values from environment variables.
// Recognized variables:
//   - PVEBATCH_AUTH_TOKEN overrides cfg.Server.AuthToken
//   - PVEBATCH_QM_BINARY overrides cfg.QM.Binary
//   - PVEBATCH_LOG_LEVEL overrides cfg.Log.Level
func ApplyEnvOverrides(cfg *Config) {
	if token := os.Getenv("PVEBATCH_AUTH_TOKEN"); token != "" {
		cfg.Server.AuthToken = token
	}
	if bin := os.Getenv("PVEBATCH_QM_BINARY"); bin != "" {
		cfg.QM.Binary = bin
	}
	if level := os.Getenv("PVEBATCH_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
}

// EnsureAuthToken generates a random auth token and sets it on cfg if
// cfg.Server.AuthToken is empty. It returns the token (existing or generated)
// and any error encountered during generation.
func EnsureAuthToken(cfg *Config) (string, error) {
	if cfg.Server.AuthToken != "" {
		return cfg.Server.AuthToken, nil
	}
	token, err := GenerateRandomToken()
	if err != nil {
		return "", fmt.Errorf("generate auth token: %w", err)
	}
	cfg.Server.AuthToken = token
	return token, nil
}

// GenerateRandomToken returns a 32-character hex-encoded cryptographically
// random token string.
func GenerateRandomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("rand.Read: %w", err)
	}
	return hex.EncodeToString(b), nil
}
