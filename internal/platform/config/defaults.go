package config

import "time"

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			IP:              "0.0.0.0",
			Port:            8000,
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			Secret:        "msync-development-secret-change-me",
			CredentialTTL: 30 * 24 * time.Hour,
			Store: StoreConfig{
				Type:    "sqlite",
				Cleanup: 10 * time.Minute,
				Redis: AuthRedisStore{
					Addr:   "127.0.0.1:6379",
					Prefix: "msync:credential:",
				},
			},
		},
		Database: DatabaseConfig{
			DSN: "data/msync.db",
		},
		Log: LogConfig{
			Level: "INFO",
			Dir:   "data/logs",
			File:  "server.log",
		},
		WebSocket: WebSocketConfig{
			Path:             "/ws",
			LivenessInterval: 30 * time.Second,
			WriteTimeout:     10 * time.Second,
			HandshakeTimeout: 10 * time.Second,
			ReadLimit:        64 * 1024,
		},
		Web: WebConfig{
			AllowedOrigins: []string{"*"},
		},
		Message: MessageConfig{
			MaxContentBytes: 10000,
			HistoryLimit:    50,
			Retention:       500,
			PublishRate:     5,
			PublishBurst:    10,
		},
		Observability: ObservabilityConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
		},
		Client: ClientConfig{
			ServerURL:            "http://127.0.0.1:8000",
			CredentialFile:       "~/.msync/credential.json",
			DeviceType:           "desktop",
			HeartbeatInterval:    30 * time.Second,
			ReconnectBaseDelay:   5 * time.Second,
			MaxReconnectAttempts: 10,
			RequestTimeout:       10 * time.Second,
			RefreshCheckInterval: 5 * time.Minute,
			RefreshLookahead:     30 * time.Minute,
			LoginTimeout:         10 * time.Minute,
			OpenBrowser:          true,
			Queue: QueueConfig{
				Timeout:    5 * time.Second,
				MaxRetries: 3,
				BaseDelay:  100 * time.Millisecond,
			},
		},
	}
}
