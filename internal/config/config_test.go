package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")
	credentialsPath := filepath.Join(tmpDir, "credentials.json")
	require.NoError(t, os.WriteFile(credentialsPath, []byte("{}"), 0o644))

	configJSON := `{
		"log_level": "debug",
		"store": {
			"path": "/var/lib/tokenkeeper/tokens.db",
			"encryption_key": "0123456789abcdef0123456789abcdef"
		},
		"auth": {
			"credentials_path": "` + credentialsPath + `",
			"scopes": ["https://www.googleapis.com/auth/gmail.readonly", "https://www.googleapis.com/auth/calendar"]
		},
		"refresh": {
			"buffer": "15m",
			"max_retries": 5
		},
		"server": {
			"listen_addr": ":8181"
		}
	}`
	require.NoError(t, os.WriteFile(configPath, []byte(configJSON), 0o644))

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/var/lib/tokenkeeper/tokens.db", cfg.Store.Path)
	assert.Equal(t, credentialsPath, cfg.Auth.CredentialsPath)
	assert.Len(t, cfg.Auth.Scopes, 2)
	assert.Equal(t, 15*time.Minute, cfg.Refresh.Buffer.Duration)
	assert.Equal(t, 5, cfg.Refresh.MaxRetries)
	assert.Equal(t, ":8181", cfg.Server.ListenAddr)

	// Fields the file omits keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Refresh.AttemptTimeout.Duration)
	assert.Equal(t, 4, cfg.Refresh.Workers)
	assert.Equal(t, ":9090", cfg.Server.MetricsAddr)
}

func TestLoad_MissingAndInvalidFiles(t *testing.T) {
	_, err := Load("does-not-exist.json")
	assert.Error(t, err)

	invalidPath := filepath.Join(t.TempDir(), "invalid.json")
	require.NoError(t, os.WriteFile(invalidPath, []byte("{invalid json}"), 0o644))
	_, err = Load(invalidPath)
	assert.Error(t, err)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("DB_PATH", "/tmp/env-tokens.db")
	t.Setenv("ENCRYPTION_KEY", "fedcba9876543210fedcba9876543210")
	t.Setenv("AUTH_SCOPES", "scope-a, scope-b")
	t.Setenv("REFRESH_BUFFER", "45m")
	t.Setenv("REFRESH_MAX_RETRIES", "7")
	t.Setenv("LISTEN_ADDR", ":7070")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "/tmp/env-tokens.db", cfg.Store.Path)
	assert.Equal(t, "fedcba9876543210fedcba9876543210", cfg.Store.EncryptionKey)
	assert.Equal(t, []string{"scope-a", "scope-b"}, cfg.Auth.Scopes)
	assert.Equal(t, 45*time.Minute, cfg.Refresh.Buffer.Duration)
	assert.Equal(t, 7, cfg.Refresh.MaxRetries)
	assert.Equal(t, ":7070", cfg.Server.ListenAddr)

	// Untouched fields keep their defaults.
	assert.Equal(t, ":9090", cfg.Server.MetricsAddr)
}

func TestLoad_BadEnvironmentValue(t *testing.T) {
	t.Setenv("REFRESH_BUFFER", "not-a-duration")
	_, err := Load("")
	assert.Error(t, err)

	t.Setenv("REFRESH_BUFFER", "30m")
	t.Setenv("REFRESH_MAX_RETRIES", "many")
	_, err = Load("")
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		shouldError bool
	}{
		{
			name:        "defaults are valid",
			mutate:      func(*Config) {},
			shouldError: false,
		},
		{
			name:        "buffer below minimum",
			mutate:      func(c *Config) { c.Refresh.Buffer = Duration{time.Minute} },
			shouldError: true,
		},
		{
			name:        "buffer above maximum",
			mutate:      func(c *Config) { c.Refresh.Buffer = Duration{3 * time.Hour} },
			shouldError: true,
		},
		{
			name:        "zero retries",
			mutate:      func(c *Config) { c.Refresh.MaxRetries = 0 },
			shouldError: true,
		},
		{
			name:        "too many retries",
			mutate:      func(c *Config) { c.Refresh.MaxRetries = 11 },
			shouldError: true,
		},
		{
			name:        "attempt timeout too short",
			mutate:      func(c *Config) { c.Refresh.AttemptTimeout = Duration{100 * time.Millisecond} },
			shouldError: true,
		},
		{
			name:        "unknown log level",
			mutate:      func(c *Config) { c.LogLevel = "verbose" },
			shouldError: true,
		},
		{
			name:        "missing store path",
			mutate:      func(c *Config) { c.Store.Path = "" },
			shouldError: true,
		},
		{
			name:        "encryption key too short",
			mutate:      func(c *Config) { c.Store.EncryptionKey = "tooshort" },
			shouldError: true,
		},
		{
			name:        "raw 32-byte encryption key",
			mutate:      func(c *Config) { c.Store.EncryptionKey = "0123456789abcdef0123456789abcdef" },
			shouldError: false,
		},
		{
			name:        "zero workers",
			mutate:      func(c *Config) { c.Refresh.Workers = 0 },
			shouldError: true,
		},
		{
			name:        "nonexistent credentials file",
			mutate:      func(c *Config) { c.Auth.CredentialsPath = "/definitely/not/here.json" },
			shouldError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.shouldError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
