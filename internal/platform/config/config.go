package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the root of .config.yaml. The broker reads every section except
// Client; the client binary reads Log and Client.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Database      DatabaseConfig      `yaml:"database"`
	Log           LogConfig           `yaml:"log"`
	WebSocket     WebSocketConfig     `yaml:"websocket"`
	Web           WebConfig           `yaml:"web"`
	Message       MessageConfig       `yaml:"message"`
	Observability ObservabilityConfig `yaml:"observability"`
	Client        ClientConfig        `yaml:"client"`
}

type ServerConfig struct {
	IP              string        `yaml:"ip"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type AuthConfig struct {
	// Secret signs credentials with HS256.
	Secret string `yaml:"secret"`
	// CredentialTTL is the lifetime of newly issued credentials. Zero means never expires.
	CredentialTTL time.Duration `yaml:"credential_ttl"`
	Store         StoreConfig   `yaml:"store"`
}

type StoreConfig struct {
	Type    string         `yaml:"type"`
	Cleanup time.Duration  `yaml:"cleanup"`
	Redis   AuthRedisStore `yaml:"redis,omitempty"`
}

type AuthRedisStore struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

type DatabaseConfig struct {
	// DSN is a sqlite path or URI. ":memory:" keeps everything in process.
	DSN string `yaml:"dsn"`
}

type LogConfig struct {
	Level string `yaml:"log_level"`
	Dir   string `yaml:"log_dir"`
	File  string `yaml:"log_file"`
}

type WebSocketConfig struct {
	Path             string        `yaml:"path"`
	LivenessInterval time.Duration `yaml:"liveness_interval"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadLimit        int64         `yaml:"read_limit"`
}

type WebConfig struct {
	StaticDir      string   `yaml:"static_dir"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type MessageConfig struct {
	MaxContentBytes int `yaml:"max_content_bytes"`
	HistoryLimit    int `yaml:"history_limit"`
	// Retention is how many messages per account are kept. Zero keeps all.
	Retention    int     `yaml:"retention"`
	PublishRate  float64 `yaml:"publish_rate"`
	PublishBurst int     `yaml:"publish_burst"`
}

type ObservabilityConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MetricsPath string `yaml:"metrics_path"`
}

type ClientConfig struct {
	ServerURL string `yaml:"server_url"`
	// WebSocketURL defaults to ServerURL with a ws scheme and the /ws path.
	WebSocketURL   string `yaml:"websocket_url"`
	CredentialFile string `yaml:"credential_file"`
	DeviceType     string `yaml:"device_type"`
	Label          string `yaml:"label"`
	// TokenInQuery also sends the credential as the token query parameter.
	TokenInQuery bool `yaml:"token_in_query"`

	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	RequestTimeout       time.Duration `yaml:"request_timeout"`

	RefreshCheckInterval time.Duration `yaml:"refresh_check_interval"`
	RefreshLookahead     time.Duration `yaml:"refresh_lookahead"`
	LoginTimeout         time.Duration `yaml:"login_timeout"`
	OpenBrowser          bool          `yaml:"open_browser"`
	OpenURLs             bool          `yaml:"open_urls"`

	Queue QueueConfig `yaml:"queue"`
}

type QueueConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
}

// WebSocketEndpoint returns WebSocketURL, or derives it from ServerURL.
func (c ClientConfig) WebSocketEndpoint() (string, error) {
	if c.WebSocketURL != "" {
		return c.WebSocketURL, nil
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return "", fmt.Errorf("client.server_url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("client.server_url: unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}
