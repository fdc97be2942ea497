package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all configuration for the service. Values come from an
// optional JSON file layered over Default(), then environment overrides,
// then validation.
type Config struct {
	LogLevel string `json:"log_level" validate:"oneof=debug info warn error"`

	Store   StoreConfig   `json:"store"`
	Auth    AuthConfig    `json:"auth"`
	Refresh RefreshConfig `json:"refresh"`
	Server  ServerConfig  `json:"server"`
}

// StoreConfig configures the token store.
type StoreConfig struct {
	Path string `json:"path" validate:"required"`
	// EncryptionKey is base64 or 32 raw bytes; empty opens the store
	// unencrypted.
	EncryptionKey string   `json:"encryption_key" validate:"omitempty,min=32"`
	BusyTimeout   Duration `json:"busy_timeout" validate:"min=100ms,max=1m"`
}

// AuthConfig configures the OAuth client side.
type AuthConfig struct {
	// CredentialsPath may be empty: refreshes then rely on the client
	// identity stored with each token.
	CredentialsPath string   `json:"credentials_path" validate:"omitempty,file"`
	Scopes          []string `json:"scopes"`
	RevokeURL       string   `json:"revoke_url" validate:"omitempty,url"`
}

// RefreshConfig bounds the background refresh machinery.
type RefreshConfig struct {
	Buffer         Duration `json:"buffer" validate:"min=5m,max=2h"`
	MaxRetries     int      `json:"max_retries" validate:"min=1,max=10"`
	AttemptTimeout Duration `json:"attempt_timeout" validate:"min=1s,max=5m"`
	Workers        int      `json:"workers" validate:"min=1,max=64"`
	QueueSize      int      `json:"queue_size" validate:"min=1,max=1024"`
}

// ServerConfig names the listen addresses. Empty disables the listener.
type ServerConfig struct {
	ListenAddr  string `json:"listen_addr"`
	MetricsAddr string `json:"metrics_addr"`
}

// Default returns the configuration used when the file and environment say
// nothing.
func Default() Config {
	return Config{
		LogLevel: "info",
		Store: StoreConfig{
			Path:        "tokens.db",
			BusyTimeout: Duration{5 * time.Second},
		},
		Auth: AuthConfig{
			Scopes: []string{"https://www.googleapis.com/auth/gmail.readonly"},
		},
		Refresh: RefreshConfig{
			Buffer:         Duration{30 * time.Minute},
			MaxRetries:     3,
			AttemptTimeout: Duration{30 * time.Second},
			Workers:        4,
			QueueSize:      16,
		},
		Server: ServerConfig{
			ListenAddr:  ":8080",
			MetricsAddr: ":9090",
		},
	}
}

// Duration wraps time.Duration with JSON support for both "30m" strings and
// raw nanosecond numbers.
type Duration struct {
	time.Duration
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value)
		return nil
	case string:
		var err error
		d.Duration, err = time.ParseDuration(value)
		return err
	default:
		return fmt.Errorf("invalid duration")
	}
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads configuration from a JSON file, applies environment overrides
// and validates the result. An empty path skips the file and uses defaults
// plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides overrides config fields with environment variables.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	// Store overrides
	if v := os.Getenv("DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		c.Store.EncryptionKey = v
	}

	// Auth overrides
	if v := os.Getenv("AUTH_CREDENTIALS_PATH"); v != "" {
		c.Auth.CredentialsPath = v
	}
	if v := os.Getenv("AUTH_SCOPES"); v != "" {
		c.Auth.Scopes = splitScopes(v)
	}
	if v := os.Getenv("AUTH_REVOKE_URL"); v != "" {
		c.Auth.RevokeURL = v
	}

	// Refresh overrides
	if v := os.Getenv("REFRESH_BUFFER"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing REFRESH_BUFFER: %w", err)
		}
		c.Refresh.Buffer = Duration{d}
	}
	if v := os.Getenv("REFRESH_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing REFRESH_MAX_RETRIES: %w", err)
		}
		c.Refresh.MaxRetries = n
	}
	if v := os.Getenv("REFRESH_ATTEMPT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing REFRESH_ATTEMPT_TIMEOUT: %w", err)
		}
		c.Refresh.AttemptTimeout = Duration{d}
	}
	if v := os.Getenv("REFRESH_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing REFRESH_WORKERS: %w", err)
		}
		c.Refresh.Workers = n
	}

	// Server overrides
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		c.Server.MetricsAddr = v
	}

	return nil
}

// Validate checks the configuration against the documented bounds.
func (c *Config) Validate() error {
	validate := validator.New()

	// Let validator see Duration fields as plain time.Duration so min/max
	// tags apply.
	validate.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if duration, ok := field.Interface().(Duration); ok {
			return duration.Duration
		}
		return nil
	}, Duration{})

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

func splitScopes(v string) []string {
	parts := strings.Split(v, ",")
	scopes := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			scopes = append(scopes, p)
		}
	}
	return scopes
}
