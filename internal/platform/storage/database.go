package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"m-sync-go/internal/platform/errors"
	"m-sync-go/internal/platform/storage/migrations"
)

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

// Open opens the sqlite database at dsn and applies all migrations.
func Open(dsn string) (*gorm.DB, error) {
	if dsn == "" {
		dsn = MemoryDSN
	}
	if !isMemory(dsn) && !strings.HasPrefix(dsn, "file:") {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrap(errors.KindStorage, "open", "create data directory", err)
			}
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "open", "open database", err)
	}

	if isMemory(dsn) {
		// every pooled connection to :memory: would see its own empty database
		sqlDB, err := db.DB()
		if err != nil {
			return nil, errors.Wrap(errors.KindStorage, "open", "access connection pool", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate applies every registered migration that has not run yet.
func Migrate(db *gorm.DB) error {
	manager := NewMigrationManager(db)
	manager.AddMigration(&migrations.Migration001Initial{})
	manager.AddMigration(&migrations.Migration002MessageIndexes{})
	if err := manager.RunMigrations(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isMemory(dsn string) bool {
	return dsn == MemoryDSN || strings.Contains(dsn, "mode=memory")
}
