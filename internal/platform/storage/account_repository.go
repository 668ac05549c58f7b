package storage

import (
	"context"
	stderrors "errors"

	"gorm.io/gorm"

	"m-sync-go/internal/domain/account"
	"m-sync-go/internal/platform/errors"
)

type accountRepository struct {
	db *gorm.DB
}

// NewAccountRepository returns the gorm-backed account repository.
func NewAccountRepository(db *gorm.DB) account.Repository {
	return &accountRepository{db: db}
}

func (r *accountRepository) Create(ctx context.Context, a account.Account, passwordHash string) error {
	record := &Account{
		ID:           a.ID,
		Username:     a.Username,
		PasswordHash: passwordHash,
		CreatedAt:    a.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		if stderrors.Is(err, gorm.ErrDuplicatedKey) {
			return account.ErrUsernameTaken
		}
		return errors.Wrap(errors.KindStorage, "account.create", "failed to save account", err)
	}
	return nil
}

func (r *accountRepository) FindByUsername(ctx context.Context, username string) (account.Account, string, error) {
	var record Account
	err := r.db.WithContext(ctx).Where("username = ?", username).First(&record).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return account.Account{}, "", account.ErrNotFound
	}
	if err != nil {
		return account.Account{}, "", errors.Wrap(errors.KindStorage, "account.find_by_username", "failed to find account", err)
	}
	return r.fromModel(&record), record.PasswordHash, nil
}

func (r *accountRepository) FindByID(ctx context.Context, id string) (account.Account, error) {
	var record Account
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return account.Account{}, account.ErrNotFound
	}
	if err != nil {
		return account.Account{}, errors.Wrap(errors.KindStorage, "account.find_by_id", "failed to find account", err)
	}
	return r.fromModel(&record), nil
}

func (r *accountRepository) fromModel(record *Account) account.Account {
	return account.Account{
		ID:        record.ID,
		Username:  record.Username,
		CreatedAt: record.CreatedAt,
	}
}
