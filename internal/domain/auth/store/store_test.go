package store

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"gorm.io/gorm"

	"m-sync-go/internal/domain/auth/model"
	"m-sync-go/internal/platform/storage"
)

func openSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(storage.MemoryDSN)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close(db) })
	return db
}

// testDrivers builds one fresh store per backend.
func testDrivers(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		DriverMemory: func(t *testing.T) Store {
			return NewMemory(Config{Memory: &MemoryConfig{GCInterval: time.Hour}})
		},
		DriverSQLite: func(t *testing.T) Store {
			s, err := NewSQLite(openSQLite(t), Config{})
			if err != nil {
				t.Fatalf("NewSQLite: %v", err)
			}
			return s
		},
		DriverRedis: func(t *testing.T) Store {
			mr := miniredis.RunT(t)
			s, err := NewRedis(Config{Redis: &RedisConfig{Addr: mr.Addr()}})
			if err != nil {
				t.Fatalf("NewRedis: %v", err)
			}
			return s
		},
	}
}

func credential(id, account string, issued time.Time, expires *time.Time) model.Credential {
	return model.Credential{
		ID:           id,
		AccountID:    account,
		Username:     "alice",
		Label:        "laptop",
		DeviceType:   "desktop",
		Capabilities: []model.Capability{model.CapabilityPublish, model.CapabilityRead},
		IssuedAt:     issued,
		ExpiresAt:    expires,
	}
}

func TestStoreLifecycle(t *testing.T) {
	for name, build := range testDrivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := build(t)
			t.Cleanup(func() { _ = store.Close(ctx) })

			now := time.Now().UTC().Truncate(time.Second)
			later := now.Add(time.Hour)
			if err := store.Store(ctx, credential("c-1", "acct", now, &later)); err != nil {
				t.Fatalf("Store: %v", err)
			}
			if err := store.Store(ctx, credential("c-2", "acct", now.Add(time.Second), nil)); err != nil {
				t.Fatalf("Store: %v", err)
			}
			if err := store.Store(ctx, credential("c-3", "other", now, nil)); err != nil {
				t.Fatalf("Store: %v", err)
			}

			got, err := store.Get(ctx, "c-1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.AccountID != "acct" || got.Label != "laptop" || !got.Has(model.CapabilityPublish) {
				t.Fatalf("unexpected record: %+v", got)
			}
			if got.ExpiresAt == nil || !got.ExpiresAt.Equal(later) {
				t.Fatalf("expiry not preserved: %v", got.ExpiresAt)
			}

			list, err := store.ListByAccount(ctx, "acct")
			if err != nil {
				t.Fatalf("ListByAccount: %v", err)
			}
			if len(list) != 2 || list[0].ID != "c-1" || list[1].ID != "c-2" {
				t.Fatalf("unexpected list: %+v", list)
			}

			if err := store.Revoke(ctx, "c-1", now, "c-9"); err != nil {
				t.Fatalf("Revoke: %v", err)
			}
			if err := store.Revoke(ctx, "c-1", now.Add(time.Minute), "ignored"); err != nil {
				t.Fatalf("second Revoke: %v", err)
			}
			revoked, err := store.Get(ctx, "c-1")
			if err != nil {
				t.Fatalf("Get revoked: %v", err)
			}
			if !revoked.Revoked() || revoked.SupersededBy != "c-9" {
				t.Fatalf("revocation not recorded: %+v", revoked)
			}

			list, err = store.ListByAccount(ctx, "acct")
			if err != nil {
				t.Fatalf("ListByAccount: %v", err)
			}
			if len(list) != 1 || list[0].ID != "c-2" {
				t.Fatalf("revoked credential still listed: %+v", list)
			}

			if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := store.Revoke(ctx, "missing", now, ""); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound on revoke, got %v", err)
			}

			stats, err := store.Stats(ctx)
			if err != nil {
				t.Fatalf("Stats: %v", err)
			}
			if stats["type"] != name {
				t.Fatalf("unexpected stats: %v", stats)
			}
		})
	}
}

func TestStoreCleanupExpired(t *testing.T) {
	for name, build := range testDrivers(t) {
		if name == DriverRedis {
			continue
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := build(t)
			t.Cleanup(func() { _ = store.Close(ctx) })

			now := time.Now().UTC()
			past := now.Add(-time.Minute)
			longAgo := now.Add(-48 * time.Hour)
			_ = store.Store(ctx, credential("expired", "acct", now.Add(-time.Hour), &past))
			_ = store.Store(ctx, credential("fresh", "acct", now, nil))
			_ = store.Store(ctx, credential("revoked-old", "acct", now, nil))
			_ = store.Store(ctx, credential("revoked-new", "acct", now, nil))
			_ = store.Revoke(ctx, "revoked-old", longAgo, "")
			_ = store.Revoke(ctx, "revoked-new", now, "")

			if err := store.CleanupExpired(ctx); err != nil {
				t.Fatalf("CleanupExpired: %v", err)
			}
			for _, id := range []string{"expired", "revoked-old"} {
				if _, err := store.Get(ctx, id); !errors.Is(err, ErrNotFound) {
					t.Fatalf("%s should be reclaimed, got %v", id, err)
				}
			}
			for _, id := range []string{"fresh", "revoked-new"} {
				if _, err := store.Get(ctx, id); err != nil {
					t.Fatalf("%s should survive cleanup: %v", id, err)
				}
			}
		})
	}
}

func TestRedisStoreExpiresWithCredential(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	store, err := NewRedis(Config{Redis: &RedisConfig{Addr: mr.Addr(), Prefix: "test:"}})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(ctx) })

	expires := time.Now().Add(time.Minute)
	if err := store.Store(ctx, credential("short", "acct", time.Now(), &expires)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := store.Store(ctx, credential("forever", "acct", time.Now(), nil)); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if ttl := mr.TTL("test:forever"); ttl != 0 {
		t.Fatalf("never-expiring credential should have no TTL, got %s", ttl)
	}

	mr.FastForward(2 * time.Minute)
	if _, err := store.Get(ctx, "short"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected expired key to vanish, got %v", err)
	}

	if err := store.CleanupExpired(ctx); err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	members, err := mr.Members("test:account:acct")
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 1 || members[0] != "forever" {
		t.Fatalf("account index not pruned: %v", members)
	}
}

func TestMemoryStoreGC(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(Config{Memory: &MemoryConfig{GCInterval: 10 * time.Millisecond}})
	t.Cleanup(func() { _ = store.Close(ctx) })

	soon := time.Now().Add(20 * time.Millisecond)
	if err := store.Store(ctx, credential("gc", "acct", time.Now(), &soon)); err != nil {
		t.Fatalf("Store: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := store.Get(ctx, "gc"); errors.Is(err, ErrNotFound) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expired credential was not collected")
}
