package store

import (
	"context"
	"errors"
	"time"

	"m-sync-go/internal/domain/auth/model"
)

// ErrNotFound is returned when no record exists for a credential id.
var ErrNotFound = errors.New("credential not found")

// Store persists credential records.
type Store interface {
	// Store inserts or replaces the record with the same id.
	Store(ctx context.Context, cred model.Credential) error
	Get(ctx context.Context, id string) (model.Credential, error)
	// Revoke marks a record revoked at the given time. Revoking twice is a no-op.
	Revoke(ctx context.Context, id string, at time.Time, supersededBy string) error
	// ListByAccount returns every usable record of an account, oldest first.
	ListByAccount(ctx context.Context, accountID string) ([]model.Credential, error)
	// CleanupExpired drops expired records and revoked records older than the
	// retention window.
	CleanupExpired(ctx context.Context) error
	Stats(ctx context.Context) (map[string]any, error)
	Close(ctx context.Context) error
}

// Config describes the high level store selection parameters.
type Config struct {
	Driver string
	// RevokedRetention is how long revoked records are kept before cleanup.
	RevokedRetention time.Duration
	Redis            *RedisConfig
	Memory           *MemoryConfig
}

// MemoryConfig holds in-memory tuning knobs.
type MemoryConfig struct {
	GCInterval time.Duration
}

// RedisConfig captures connection options.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

const defaultRevokedRetention = 24 * time.Hour

func revokedRetention(cfg Config) time.Duration {
	if cfg.RevokedRetention > 0 {
		return cfg.RevokedRetention
	}
	return defaultRevokedRetention
}

// reclaimable reports whether cleanup may drop the record at now.
func reclaimable(cred model.Credential, now time.Time, retention time.Duration) bool {
	if cred.Expired(now) {
		return true
	}
	return cred.RevokedAt != nil && now.Sub(*cred.RevokedAt) > retention
}
