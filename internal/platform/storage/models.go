package storage

import (
	"time"

	"gorm.io/datatypes"
)

// Account is a registered user. Usernames are unique.
type Account struct {
	ID           string    `gorm:"type:varchar(64);primaryKey"`
	Username     string    `gorm:"type:varchar(255);uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null" json:"-"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (Account) TableName() string {
	return "accounts"
}

// Credential is the persisted record behind an issued bearer credential.
// The bearer string itself is never stored.
type Credential struct {
	ID           string         `gorm:"type:varchar(64);primaryKey"`
	AccountID    string         `gorm:"type:varchar(64);index;not null"`
	Username     string         `gorm:"type:varchar(255)"`
	Label        string         `gorm:"type:varchar(255)"`
	DeviceType   string         `gorm:"type:varchar(64)"`
	Capabilities datatypes.JSON `gorm:"not null"`
	IssuedAt     time.Time      `gorm:"not null"`
	ExpiresAt    *time.Time     `gorm:"index"`
	RevokedAt    *time.Time
	SupersededBy string `gorm:"type:varchar(64)"`
}

func (Credential) TableName() string {
	return "credentials"
}

// Message is a published message kept for the bounded history query.
type Message struct {
	ID           string    `gorm:"type:varchar(64);primaryKey"`
	AccountID    string    `gorm:"type:varchar(64);index:idx_messages_account_created,priority:1;not null"`
	Type         string    `gorm:"type:varchar(16);not null"`
	Content      string    `gorm:"type:text;not null"`
	CredentialID string    `gorm:"type:varchar(64)"`
	CreatedAt    time.Time `gorm:"index:idx_messages_account_created,priority:2;not null"`
}

func (Message) TableName() string {
	return "messages"
}
