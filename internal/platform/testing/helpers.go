package testing

import (
	"io"
	"testing"

	"gorm.io/gorm"

	"m-sync-go/internal/platform/config"
	"m-sync-go/internal/platform/logging"
	"m-sync-go/internal/platform/storage"
)

// SetupTestConfig returns the default configuration pointed at in-memory
// backends and a throwaway log directory.
func SetupTestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Server.IP = "127.0.0.1"
	cfg.Auth.Secret = "test-secret"
	cfg.Auth.Store.Type = "memory"
	cfg.Database.DSN = storage.MemoryDSN
	cfg.Log.Level = "DEBUG"
	cfg.Log.Dir = t.TempDir()
	cfg.Log.File = "test.log"
	cfg.Observability.Enabled = false
	return cfg
}

// SetupTestLogger returns a debug-level logger that writes to a temporary
// JSON file only.
func SetupTestLogger(t *testing.T) *logging.Logger {
	t.Helper()

	cfg := SetupTestConfig(t)
	logger, err := logging.New(logging.Config{
		Level:    cfg.Log.Level,
		Dir:      cfg.Log.Dir,
		Filename: cfg.Log.File,
		Console:  io.Discard,
		NoColor:  true,
	})
	if err != nil {
		t.Fatalf("failed to create test logger: %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })

	return logger
}

// SetupTestDB opens a migrated in-memory sqlite database.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := storage.Open(storage.MemoryDSN)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close(db) })
	return db
}
