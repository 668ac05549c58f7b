package migrations

import (
	"gorm.io/gorm"
)

// Migration001Initial creates accounts, credentials and messages.
type Migration001Initial struct{}

func (m *Migration001Initial) Version() string {
	return "001_initial"
}

func (m *Migration001Initial) Description() string {
	return "Create accounts, credentials and messages tables"
}

func (m *Migration001Initial) Up(db *gorm.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id VARCHAR(64) PRIMARY KEY,
			username VARCHAR(255) NOT NULL UNIQUE,
			password_hash VARCHAR(255) NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			id VARCHAR(64) PRIMARY KEY,
			account_id VARCHAR(64) NOT NULL,
			username VARCHAR(255),
			label VARCHAR(255),
			device_type VARCHAR(64),
			capabilities JSON NOT NULL,
			issued_at DATETIME NOT NULL,
			expires_at DATETIME,
			revoked_at DATETIME,
			superseded_by VARCHAR(64)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_account_id ON credentials(account_id)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_expires_at ON credentials(expires_at)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id VARCHAR(64) PRIMARY KEY,
			account_id VARCHAR(64) NOT NULL,
			type VARCHAR(16) NOT NULL,
			content TEXT NOT NULL,
			credential_id VARCHAR(64),
			created_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

func (m *Migration001Initial) Down(db *gorm.DB) error {
	for _, table := range []string{"messages", "credentials", "accounts"} {
		if err := db.Exec("DROP TABLE IF EXISTS " + table).Error; err != nil {
			return err
		}
	}
	return nil
}
