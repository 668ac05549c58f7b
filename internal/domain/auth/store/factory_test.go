package store

import (
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"m-sync-go/internal/domain/auth/model"
)

func TestFactoryMemory(t *testing.T) {
	store, err := New(Config{Driver: DriverMemory}, Dependencies{})
	if err != nil {
		t.Fatalf("New memory store: %v", err)
	}
	defer store.Close(context.Background())
}

func TestFactoryDefaultsToMemory(t *testing.T) {
	store, err := New(Config{}, Dependencies{})
	if err != nil {
		t.Fatalf("New default store: %v", err)
	}
	defer store.Close(context.Background())

	stats, err := store.Stats(context.Background())
	if err != nil || stats["type"] != DriverMemory {
		t.Fatalf("expected memory store, got %v (%v)", stats, err)
	}
}

func TestFactorySQLite(t *testing.T) {
	store, err := New(Config{Driver: DriverSQLite}, Dependencies{SQLiteDB: openSQLite(t)})
	if err != nil {
		t.Fatalf("New sqlite store: %v", err)
	}
	defer store.Close(context.Background())

	if err := store.Store(context.Background(), model.Credential{ID: "factory-sqlite", AccountID: "a", IssuedAt: time.Now()}); err != nil {
		t.Fatalf("Store error: %v", err)
	}
}

func TestFactorySQLiteRequiresDB(t *testing.T) {
	if _, err := New(Config{Driver: DriverSQLite}, Dependencies{}); err == nil {
		t.Fatal("expected error without database handle")
	}
}

func TestFactoryRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	store, err := New(Config{
		Driver: DriverRedis,
		Redis:  &RedisConfig{Addr: mr.Addr()},
	}, Dependencies{})
	if err != nil {
		t.Fatalf("New redis store: %v", err)
	}
	defer store.Close(context.Background())

	if err := store.Store(context.Background(), model.Credential{ID: "factory-redis", AccountID: "a"}); err != nil {
		t.Fatalf("Store error: %v", err)
	}
}

func TestFactoryRedisUnreachable(t *testing.T) {
	if _, err := New(Config{Driver: DriverRedis, Redis: &RedisConfig{Addr: "127.0.0.1:1"}}, Dependencies{}); err == nil {
		t.Fatal("expected ping failure")
	}
}

func TestFactoryUnsupported(t *testing.T) {
	_, err := New(Config{Driver: "unknown"}, Dependencies{})
	if err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
	if !strings.Contains(err.Error(), "memory, redis, sqlite") {
		t.Fatalf("expected driver list in %q", err)
	}
}

func TestFactoryDriverNameIsCaseInsensitive(t *testing.T) {
	store, err := New(Config{Driver: " Memory "}, Dependencies{})
	if err != nil {
		t.Fatalf("New memory store: %v", err)
	}
	defer store.Close(context.Background())
}
