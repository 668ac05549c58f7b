package migrations

import (
	"gorm.io/gorm"
)

// Migration002MessageIndexes adds the index behind the latest-messages query.
type Migration002MessageIndexes struct{}

func (m *Migration002MessageIndexes) Version() string {
	return "002_message_indexes"
}

func (m *Migration002MessageIndexes) Description() string {
	return "Index messages by account and creation time"
}

func (m *Migration002MessageIndexes) Up(db *gorm.DB) error {
	return db.Exec(`CREATE INDEX IF NOT EXISTS idx_messages_account_created ON messages(account_id, created_at)`).Error
}

func (m *Migration002MessageIndexes) Down(db *gorm.DB) error {
	return db.Exec(`DROP INDEX IF EXISTS idx_messages_account_created`).Error
}
