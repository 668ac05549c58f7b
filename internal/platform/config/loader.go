package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	platformerrors "m-sync-go/internal/platform/errors"
)

const (
	// DefaultPath is read from the working directory when MSYNC_CONFIG is unset.
	DefaultPath = ".config.yaml"
	// PathEnv overrides the configuration file location.
	PathEnv = "MSYNC_CONFIG"
)

// Loader reads .config.yaml on top of DefaultConfig and applies MSYNC_*
// environment overrides.
type Loader struct {
	useDotEnv bool
	path      string
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a loader for the default path (or MSYNC_CONFIG).
func NewLoader() *Loader {
	return &Loader{
		useDotEnv: true,
		lookupEnv: os.LookupEnv,
	}
}

// WithDotEnv toggles loading variables from a .env file before reading config.
func (l *Loader) WithDotEnv(enabled bool) *Loader {
	l.useDotEnv = enabled
	return l
}

// WithPath pins the configuration file path.
func (l *Loader) WithPath(path string) *Loader {
	l.path = path
	return l
}

// Path returns the file the loader reads.
func (l *Loader) Path() string {
	if l.path != "" {
		return l.path
	}
	if p, ok := l.lookupEnv(PathEnv); ok && p != "" {
		return p
	}
	return DefaultPath
}

// Load returns the effective configuration. A missing file is not an error.
func (l *Loader) Load() (*Config, error) {
	if l.useDotEnv {
		_ = godotenv.Load()
	}

	cfg := DefaultConfig()
	path := l.Path()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, platformerrors.Wrap(platformerrors.KindConfig, "load", "parse "+path, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, platformerrors.Wrap(platformerrors.KindConfig, "load", "read "+path, err)
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := l.validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

type envBinding struct {
	key   string
	apply func(cfg *Config, value string) error
}

var envBindings = []envBinding{
	{"MSYNC_SERVER_IP", func(c *Config, v string) error { c.Server.IP = v; return nil }},
	{"MSYNC_SERVER_PORT", func(c *Config, v string) error { return setInt(&c.Server.Port, v) }},
	{"MSYNC_AUTH_SECRET", func(c *Config, v string) error { c.Auth.Secret = v; return nil }},
	{"MSYNC_AUTH_STORE", func(c *Config, v string) error { c.Auth.Store.Type = v; return nil }},
	{"MSYNC_REDIS_ADDR", func(c *Config, v string) error { c.Auth.Store.Redis.Addr = v; return nil }},
	{"MSYNC_REDIS_PASSWORD", func(c *Config, v string) error { c.Auth.Store.Redis.Password = v; return nil }},
	{"MSYNC_DATABASE_DSN", func(c *Config, v string) error { c.Database.DSN = v; return nil }},
	{"MSYNC_LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{"MSYNC_LOG_DIR", func(c *Config, v string) error { c.Log.Dir = v; return nil }},
	{"MSYNC_SERVER_URL", func(c *Config, v string) error { c.Client.ServerURL = v; return nil }},
	{"MSYNC_CREDENTIAL_FILE", func(c *Config, v string) error { c.Client.CredentialFile = v; return nil }},
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func (l *Loader) applyEnv(cfg *Config) error {
	for _, b := range envBindings {
		value, ok := l.lookupEnv(b.key)
		if !ok || value == "" {
			continue
		}
		if err := b.apply(cfg, value); err != nil {
			return platformerrors.Wrap(platformerrors.KindConfig, "env", b.key, err)
		}
	}
	return nil
}

func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return platformerrors.New(platformerrors.KindConfig, "validate",
			fmt.Sprintf("invalid server port %d", cfg.Server.Port))
	}
	switch cfg.Auth.Store.Type {
	case "", "memory", "sqlite", "redis":
	default:
		return platformerrors.New(platformerrors.KindConfig, "validate",
			fmt.Sprintf("unsupported credential store %q", cfg.Auth.Store.Type))
	}
	if cfg.Auth.CredentialTTL < 0 {
		return platformerrors.New(platformerrors.KindConfig, "validate", "auth.credential_ttl must not be negative")
	}
	if cfg.WebSocket.LivenessInterval < 0 {
		return platformerrors.New(platformerrors.KindConfig, "validate", "websocket.liveness_interval must not be negative")
	}
	if cfg.Message.MaxContentBytes < 0 || cfg.Message.HistoryLimit < 0 {
		return platformerrors.New(platformerrors.KindConfig, "validate", "message limits must not be negative")
	}
	if cfg.Client.MaxReconnectAttempts < 0 || cfg.Client.Queue.MaxRetries < 0 {
		return platformerrors.New(platformerrors.KindConfig, "validate", "client retry limits must not be negative")
	}
	return nil
}
