// Package config loads server configuration from a TOML file. Every
// setting has a default; the file only has to name what it changes.
package config

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that decodes from TOML strings like "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full server configuration.
type Config struct {
	Server     ServerConfig     `toml:"server"`
	Storage    StorageConfig    `toml:"storage"`
	Auth       AuthConfig       `toml:"auth"`
	Sync       SyncConfig       `toml:"sync"`
	Validation ValidationConfig `toml:"validation"`
	Log        LogConfig        `toml:"log"`
}

// ServerConfig covers the HTTP listener and the transport keepalive.
type ServerConfig struct {
	ListenAddr      string   `toml:"listen_addr"`
	PingInterval    Duration `toml:"ping_interval"`
	WriteTimeout    Duration `toml:"write_timeout"`
	MalformedBudget int      `toml:"malformed_budget"`
	ConnectRate     int      `toml:"connect_rate"`
	ConnectWindow   Duration `toml:"connect_window"`
}

// StorageConfig selects the durable store backend.
type StorageConfig struct {
	// Backend is "sqlite" or "bolt".
	Backend string `toml:"backend"`
	Path    string `toml:"path"`
}

// AuthConfig covers the connection resume tokens.
type AuthConfig struct {
	JWTSecret      string   `toml:"jwt_secret"`
	ResumeTokenTTL Duration `toml:"resume_token_ttl"`
}

// SyncConfig covers change-log retention.
type SyncConfig struct {
	RetentionHorizon Duration `toml:"retention_horizon"`
	CleanupInterval  Duration `toml:"cleanup_interval"`
}

// ValidationConfig covers the validation oracle. Rules are keyed by
// form name, then field name.
type ValidationConfig struct {
	Timeout Duration                         `toml:"timeout"`
	Rules   map[string]map[string]RuleConfig `toml:"rules"`
}

// RuleConfig is one declarative field rule.
type RuleConfig struct {
	Pattern        string `toml:"pattern"`
	PatternMessage string `toml:"pattern_message"`
	MinLen         int    `toml:"min_len"`
	MaxLen         int    `toml:"max_len"`
	Required       bool   `toml:"required"`
}

// LogConfig selects logging verbosity.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			PingInterval:    Duration(30 * time.Second),
			WriteTimeout:    Duration(10 * time.Second),
			MalformedBudget: 10,
			ConnectRate:     30,
			ConnectWindow:   Duration(time.Minute),
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "syncd.db",
		},
		Auth: AuthConfig{
			JWTSecret:      "dev-secret-change-me",
			ResumeTokenTTL: Duration(24 * time.Hour),
		},
		Sync: SyncConfig{
			RetentionHorizon: Duration(7 * 24 * time.Hour),
			CleanupInterval:  Duration(time.Hour),
		},
		Validation: ValidationConfig{
			Timeout: Duration(5 * time.Second),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the file at path over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite", "bolt":
	default:
		return fmt.Errorf("unknown storage backend %q (want sqlite or bolt)", c.Storage.Backend)
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage path must not be empty")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth jwt_secret must not be empty")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen_addr must not be empty")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}

	for form, fields := range c.Validation.Rules {
		for field, rule := range fields {
			if rule.Pattern == "" {
				continue
			}
			if _, err := regexp.Compile(rule.Pattern); err != nil {
				return fmt.Errorf("bad pattern for %s.%s: %w", form, field, err)
			}
		}
	}

	return nil
}

// LogLevel returns the configured slog level.
func (c *Config) LogLevel() slog.Level {
	level, _ := parseLevel(c.Log.Level)
	return level
}

func parseLevel(name string) (slog.Level, error) {
	switch name {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}
