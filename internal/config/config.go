// Package config loads capsule settings from a YAML file, CAPSULE_*
// environment variables and built-in defaults, in increasing order of
// precedence: defaults < file < environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/roach88/capsule/internal/ir"
	"github.com/roach88/capsule/internal/sandbox"
	"github.com/roach88/capsule/internal/syncengine"
)

// DefaultFile is read from the working directory when no path is given.
const DefaultFile = "capsule.yaml"

// EnvPrefix prefixes environment overrides, e.g. CAPSULE_SYNC_ENDPOINT.
const EnvPrefix = "CAPSULE"

// Config is the full capsule configuration.
type Config struct {
	Database      string        `mapstructure:"database"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	RetentionDays int           `mapstructure:"retention_days"`
	Log           LogConfig     `mapstructure:"log"`
	Sandbox       SandboxConfig `mapstructure:"sandbox"`
	Mods          ModsConfig    `mapstructure:"mods"`
	Sync          SyncConfig    `mapstructure:"sync"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// SandboxConfig bounds every script call.
type SandboxConfig struct {
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxInstructions int64         `mapstructure:"max_instructions"`
	MemoryLimitMB   int           `mapstructure:"memory_limit_mb"`
}

// ModsConfig locates mod packages.
type ModsConfig struct {
	Dir          string `mapstructure:"dir"`
	Watch        bool   `mapstructure:"watch"`
	AutoActivate bool   `mapstructure:"auto_activate"`
}

// SyncConfig configures replication. Sync is off unless Enabled.
type SyncConfig struct {
	Enabled         bool              `mapstructure:"enabled"`
	Endpoint        string            `mapstructure:"endpoint"`
	Interval        time.Duration     `mapstructure:"interval"`
	Strategy        string            `mapstructure:"strategy"`
	Tables          []string          `mapstructure:"tables"`
	ExcludeTables   []string          `mapstructure:"exclude_tables"`
	MaxRetryElapsed time.Duration     `mapstructure:"max_retry_elapsed"`
	Headers         map[string]string `mapstructure:"headers"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	limits := sandbox.DefaultLimits()
	return &Config{
		Database:      "capsule.db",
		PollInterval:  100 * time.Millisecond,
		RetentionDays: 7,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Sandbox: SandboxConfig{
			Timeout:         limits.Timeout,
			MaxInstructions: limits.MaxInstructions,
			MemoryLimitMB:   int(limits.MemoryLimit >> 20),
		},
		Mods: ModsConfig{
			Dir:          "mods",
			AutoActivate: true,
		},
		Sync: SyncConfig{
			Interval:        5 * time.Minute,
			Strategy:        syncengine.LastWriteWins.String(),
			MaxRetryElapsed: syncengine.DefaultMaxRetryElapsed,
		},
	}
}

// setDefaults registers every key so environment overrides apply even
// when the file omits it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database", d.Database)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("retention_days", d.RetentionDays)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("sandbox.timeout", d.Sandbox.Timeout)
	v.SetDefault("sandbox.max_instructions", d.Sandbox.MaxInstructions)
	v.SetDefault("sandbox.memory_limit_mb", d.Sandbox.MemoryLimitMB)
	v.SetDefault("mods.dir", d.Mods.Dir)
	v.SetDefault("mods.watch", d.Mods.Watch)
	v.SetDefault("mods.auto_activate", d.Mods.AutoActivate)
	v.SetDefault("sync.enabled", d.Sync.Enabled)
	v.SetDefault("sync.endpoint", d.Sync.Endpoint)
	v.SetDefault("sync.interval", d.Sync.Interval)
	v.SetDefault("sync.strategy", d.Sync.Strategy)
	v.SetDefault("sync.tables", []string{})
	v.SetDefault("sync.exclude_tables", []string{})
	v.SetDefault("sync.max_retry_elapsed", d.Sync.MaxRetryElapsed)
	v.SetDefault("sync.headers", map[string]string{})
}

// Load reads path, or DefaultFile if path is empty and it exists, applies
// environment overrides and validates the result. A missing explicit
// path is an error; a missing DefaultFile is not.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	switch {
	case path != "":
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	default:
		if _, err := os.Stat(DefaultFile); err == nil {
			v.SetConfigFile(DefaultFile)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", DefaultFile, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Database == "" {
		add("database: must not be empty")
	}
	if c.PollInterval < 0 {
		add("poll_interval: must be >= 0, got %s", c.PollInterval)
	}
	if c.RetentionDays < 0 {
		add("retention_days: must be >= 0, got %d", c.RetentionDays)
	}
	if _, err := c.LogLevel(); err != nil {
		add("log.level: %v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add("log.format: must be text or json, got %q", c.Log.Format)
	}
	if c.Sandbox.Timeout <= 0 {
		add("sandbox.timeout: must be positive, got %s", c.Sandbox.Timeout)
	}
	if c.Sandbox.MaxInstructions < 0 {
		add("sandbox.max_instructions: must be >= 0, got %d", c.Sandbox.MaxInstructions)
	}
	if c.Sandbox.MemoryLimitMB < 0 {
		add("sandbox.memory_limit_mb: must be >= 0, got %d", c.Sandbox.MemoryLimitMB)
	}
	if c.Mods.Watch && c.Mods.Dir == "" {
		add("mods.dir: required when mods.watch is set")
	}
	if _, err := syncengine.ParseStrategy(c.Sync.Strategy); err != nil {
		add("sync.strategy: %q is not supported", c.Sync.Strategy)
	}
	if c.Sync.MaxRetryElapsed < 0 {
		add("sync.max_retry_elapsed: must be >= 0, got %s", c.Sync.MaxRetryElapsed)
	}
	if c.Sync.Enabled {
		if u, err := url.Parse(c.Sync.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			add("sync.endpoint: must be an absolute URL when sync is enabled, got %q", c.Sync.Endpoint)
		}
		if c.Sync.Interval <= 0 {
			add("sync.interval: must be positive when sync is enabled, got %s", c.Sync.Interval)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return &ir.Error{Kind: ir.KindValidation, Op: "validate config", Err: errors.Join(errs...)}
}

// LogLevel parses Log.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown level %q", c.Log.Level)
	}
	return level, nil
}

// SandboxLimits converts the sandbox section.
func (c *Config) SandboxLimits() sandbox.Limits {
	return sandbox.Limits{
		Timeout:         c.Sandbox.Timeout,
		MaxInstructions: c.Sandbox.MaxInstructions,
		MemoryLimit:     uint64(c.Sandbox.MemoryLimitMB) << 20,
	}
}

// SyncEngineConfig converts the sync section.
func (c *Config) SyncEngineConfig() syncengine.Config {
	return syncengine.Config{
		Endpoint:        c.Sync.Endpoint,
		Interval:        c.Sync.Interval,
		Tables:          c.Sync.Tables,
		ExcludeTables:   c.Sync.ExcludeTables,
		MaxRetryElapsed: c.Sync.MaxRetryElapsed,
		Headers:         c.Sync.Headers,
	}
}
