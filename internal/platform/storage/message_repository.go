package storage

import (
	"context"

	"gorm.io/gorm"

	"m-sync-go/internal/domain/message"
	"m-sync-go/internal/platform/errors"
	"m-sync-go/internal/protocol"
)

type messageRepository struct {
	db *gorm.DB
}

// NewMessageRepository returns the gorm-backed message history.
func NewMessageRepository(db *gorm.DB) message.Repository {
	return &messageRepository{db: db}
}

func (r *messageRepository) Save(ctx context.Context, accountID string, m protocol.Message) error {
	record := &Message{
		ID:           m.ID,
		AccountID:    accountID,
		Type:         string(m.Type),
		Content:      m.Content,
		CredentialID: m.CredentialID,
		CreatedAt:    m.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return errors.Wrap(errors.KindStorage, "message.save", "failed to save message", err)
	}
	return nil
}

func (r *messageRepository) Latest(ctx context.Context, accountID string, limit int) ([]protocol.Message, error) {
	var records []Message
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, errors.Wrap(errors.KindStorage, "message.latest", "failed to load messages", err)
	}

	out := make([]protocol.Message, len(records))
	for i, record := range records {
		out[i] = protocol.Message{
			ID:           record.ID,
			Type:         protocol.MessageType(record.Type),
			Content:      record.Content,
			CreatedAt:    record.CreatedAt,
			CredentialID: record.CredentialID,
		}
	}
	return out, nil
}

// Prune deletes all but the newest keep messages of an account.
func (r *messageRepository) Prune(ctx context.Context, accountID string, keep int) (int64, error) {
	sub := r.db.Model(&Message{}).
		Select("id").
		Where("account_id = ?", accountID).
		Order("created_at DESC").
		Limit(keep)
	res := r.db.WithContext(ctx).
		Where("account_id = ? AND id NOT IN (?)", accountID, sub).
		Delete(&Message{})
	if res.Error != nil {
		return 0, errors.Wrap(errors.KindStorage, "message.prune", "failed to prune messages", res.Error)
	}
	return res.RowsAffected, nil
}
