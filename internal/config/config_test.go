package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, 30*time.Second, cfg.Server.PingInterval.Std())
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel())
}

func TestLoad_FileOverridesOnlyNamedSettings(t *testing.T) {
	path := writeConfig(t, `
[server]
listen_addr = ":9090"
ping_interval = "5s"

[storage]
backend = "bolt"
path = "/var/lib/syncd/data.bolt"

[log]
level = "debug"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, 5*time.Second, cfg.Server.PingInterval.Std())
	assert.Equal(t, "bolt", cfg.Storage.Backend)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())

	// Settings the file does not name keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Server.WriteTimeout.Std())
	assert.Equal(t, 5*time.Second, cfg.Validation.Timeout.Std())
	assert.Equal(t, 7*24*time.Hour, cfg.Sync.RetentionHorizon.Std())
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name:    "unknown backend",
			content: "[storage]\nbackend = \"postgres\"\n",
			errMsg:  "unknown storage backend",
		},
		{
			name:    "empty secret",
			content: "[auth]\njwt_secret = \"\"\n",
			errMsg:  "jwt_secret",
		},
		{
			name:    "bad duration",
			content: "[server]\nping_interval = \"fast\"\n",
			errMsg:  "failed to load config",
		},
		{
			name:    "bad log level",
			content: "[log]\nlevel = \"loud\"\n",
			errMsg:  "unknown log level",
		},
		{
			name:    "bad rule pattern",
			content: "[validation.rules.post_form.slug]\npattern = \"[\"\n",
			errMsg:  "bad pattern for post_form.slug",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestLoad_ValidationRules(t *testing.T) {
	path := writeConfig(t, `
[validation.rules.post_form.title]
required = true
max_len = 120

[validation.rules.post_form.slug]
pattern = "^[a-z0-9-]+$"
pattern_message = "lowercase letters, numbers and dashes only"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	title := cfg.Validation.Rules["post_form"]["title"]
	assert.True(t, title.Required)
	assert.Equal(t, 120, title.MaxLen)

	slug := cfg.Validation.Rules["post_form"]["slug"]
	assert.Equal(t, "^[a-z0-9-]+$", slug.Pattern)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
