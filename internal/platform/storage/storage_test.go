package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"m-sync-go/internal/domain/account"
	"m-sync-go/internal/protocol"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(MemoryDSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	return db
}

func TestOpen_AppliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "msync.db")
	db, err := Open(path)
	require.NoError(t, err)

	history, err := NewMigrationManager(db).GetMigrationHistory()
	require.NoError(t, err)
	assert.Len(t, history, 2)

	require.NoError(t, Migrate(db))
	history, err = NewMigrationManager(db).GetMigrationHistory()
	require.NoError(t, err)
	assert.Len(t, history, 2)
	require.NoError(t, Close(db))
}

func TestMigrationManager_Rollback(t *testing.T) {
	db := openTestDB(t)
	manager := NewMigrationManager(db)
	manager.AddMigration(&noopMigration{})

	require.NoError(t, manager.RunMigrations())
	require.NoError(t, manager.RollbackMigration("999_noop"))
	assert.Error(t, manager.RollbackMigration("999_noop"))
	assert.Error(t, manager.RollbackMigration("001_initial"))
}

type noopMigration struct{}

func (noopMigration) Version() string     { return "999_noop" }
func (noopMigration) Description() string { return "noop" }
func (noopMigration) Up(*gorm.DB) error   { return nil }
func (noopMigration) Down(*gorm.DB) error { return nil }

func TestAccountRepository(t *testing.T) {
	repo := NewAccountRepository(openTestDB(t))
	ctx := context.Background()

	a := account.Account{ID: "acct-1", Username: "alice", CreatedAt: time.Now().UTC()}
	require.NoError(t, repo.Create(ctx, a, "hash"))

	got, hash, err := repo.FindByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", got.ID)
	assert.Equal(t, "hash", hash)

	byID, err := repo.FindByID(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", byID.Username)

	err = repo.Create(ctx, account.Account{ID: "acct-2", Username: "alice", CreatedAt: time.Now()}, "x")
	assert.ErrorIs(t, err, account.ErrUsernameTaken)

	_, _, err = repo.FindByUsername(ctx, "bob")
	assert.ErrorIs(t, err, account.ErrNotFound)
	_, err = repo.FindByID(ctx, "missing")
	assert.ErrorIs(t, err, account.ErrNotFound)
}

func TestMessageRepository_LatestAndPrune(t *testing.T) {
	repo := NewMessageRepository(openTestDB(t))
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Save(ctx, "acct", protocol.Message{
			ID:        fmt.Sprintf("m-%d", i),
			Type:      protocol.MessageText,
			Content:   fmt.Sprintf("content %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, repo.Save(ctx, "other", protocol.Message{
		ID: "x", Type: protocol.MessageURL, Content: "https://example.com", CreatedAt: base,
	}))

	latest, err := repo.Latest(ctx, "acct", 3)
	require.NoError(t, err)
	require.Len(t, latest, 3)
	assert.Equal(t, "m-4", latest[0].ID)
	assert.Equal(t, "m-2", latest[2].ID)

	pruned, err := repo.Prune(ctx, "acct", 2)
	require.NoError(t, err)
	assert.EqualValues(t, 3, pruned)

	all, err := repo.Latest(ctx, "acct", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	other, err := repo.Latest(ctx, "other", 10)
	require.NoError(t, err)
	assert.Len(t, other, 1)
}
