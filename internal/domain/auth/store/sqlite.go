package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"m-sync-go/internal/domain/auth/model"
	"m-sync-go/internal/platform/storage"
)

type sqliteStore struct {
	db        *gorm.DB
	retention time.Duration
}

// NewSQLite builds a SQLite-backed credential store on the shared database.
func NewSQLite(db *gorm.DB, cfg Config) (Store, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite store requires database handle")
	}
	return &sqliteStore{
		db:        db,
		retention: revokedRetention(cfg),
	}, nil
}

func (s *sqliteStore) Store(ctx context.Context, cred model.Credential) error {
	if cred.ID == "" {
		return fmt.Errorf("credential id required")
	}
	if cred.IssuedAt.IsZero() {
		cred.IssuedAt = time.Now()
	}
	cred = normalizeTimes(cred)
	caps, err := json.Marshal(cred.Capabilities)
	if err != nil {
		return err
	}
	record := &storage.Credential{
		ID:           cred.ID,
		AccountID:    cred.AccountID,
		Username:     cred.Username,
		Label:        cred.Label,
		DeviceType:   cred.DeviceType,
		Capabilities: datatypes.JSON(caps),
		IssuedAt:     cred.IssuedAt,
		ExpiresAt:    cred.ExpiresAt,
		RevokedAt:    cred.RevokedAt,
		SupersededBy: cred.SupersededBy,
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(record).Error
}

func (s *sqliteStore) Get(ctx context.Context, id string) (model.Credential, error) {
	var record storage.Credential
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Credential{}, ErrNotFound
	}
	if err != nil {
		return model.Credential{}, err
	}
	return fromRecord(record), nil
}

func (s *sqliteStore) Revoke(ctx context.Context, id string, at time.Time, supersededBy string) error {
	res := s.db.WithContext(ctx).
		Model(&storage.Credential{}).
		Where("id = ? AND revoked_at IS NULL", id).
		Updates(map[string]any{"revoked_at": at.UTC(), "superseded_by": supersededBy})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) ListByAccount(ctx context.Context, accountID string) ([]model.Credential, error) {
	var records []storage.Credential
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > ?)", accountID, time.Now().UTC()).
		Order("issued_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.Credential, len(records))
	for i, record := range records {
		out[i] = fromRecord(record)
	}
	return out, nil
}

func (s *sqliteStore) CleanupExpired(ctx context.Context) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).
		Where("(expires_at IS NOT NULL AND expires_at <= ?) OR (revoked_at IS NOT NULL AND revoked_at < ?)",
			now, now.Add(-s.retention)).
		Delete(&storage.Credential{}).
		Error
}

func (s *sqliteStore) Stats(ctx context.Context) (map[string]any, error) {
	var total, active int64
	if err := s.db.WithContext(ctx).Model(&storage.Credential{}).Count(&total).Error; err != nil {
		return nil, err
	}
	err := s.db.WithContext(ctx).Model(&storage.Credential{}).
		Where("revoked_at IS NULL AND (expires_at IS NULL OR expires_at > ?)", time.Now().UTC()).
		Count(&active).Error
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"type":   "sqlite",
		"total":  total,
		"active": active,
	}, nil
}

func (s *sqliteStore) Close(context.Context) error {
	return nil
}

func fromRecord(record storage.Credential) model.Credential {
	var names []string
	_ = json.Unmarshal(record.Capabilities, &names)
	return model.Credential{
		ID:           record.ID,
		AccountID:    record.AccountID,
		Username:     record.Username,
		Label:        record.Label,
		DeviceType:   record.DeviceType,
		Capabilities: model.ParseCapabilities(names),
		IssuedAt:     record.IssuedAt,
		ExpiresAt:    record.ExpiresAt,
		RevokedAt:    record.RevokedAt,
		SupersededBy: record.SupersededBy,
	}
}

// normalizeTimes stores every timestamp in UTC so that the textual sqlite
// comparisons above order correctly.
func normalizeTimes(cred model.Credential) model.Credential {
	cred.IssuedAt = cred.IssuedAt.UTC()
	if cred.ExpiresAt != nil {
		t := cred.ExpiresAt.UTC()
		cred.ExpiresAt = &t
	}
	if cred.RevokedAt != nil {
		t := cred.RevokedAt.UTC()
		cred.RevokedAt = &t
	}
	return cred
}
