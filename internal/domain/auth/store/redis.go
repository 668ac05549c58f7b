package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"m-sync-go/internal/domain/auth/model"
)

type redisStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
}

// NewRedis constructs a redis-backed credential store. Each record is one
// JSON value whose TTL follows the credential expiry; a per-account set
// indexes record ids.
func NewRedis(cfg Config) (Store, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis configuration missing")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.Redis.Prefix
	if prefix == "" {
		prefix = "msync:credential:"
	}
	return &redisStore{
		client:    client,
		prefix:    prefix,
		retention: revokedRetention(cfg),
	}, nil
}

func (s *redisStore) key(id string) string {
	return s.prefix + id
}

func (s *redisStore) accountKey(accountID string) string {
	return s.prefix + "account:" + accountID
}

func (s *redisStore) Store(ctx context.Context, cred model.Credential) error {
	if cred.ID == "" {
		return fmt.Errorf("credential id required")
	}
	if cred.IssuedAt.IsZero() {
		cred.IssuedAt = time.Now()
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(cred.ID), data, s.expiryFor(cred, time.Now()))
		pipe.SAdd(ctx, s.accountKey(cred.AccountID), cred.ID)
		return nil
	})
	return err
}

// expiryFor returns the key TTL. Zero means the key never expires.
func (s *redisStore) expiryFor(cred model.Credential, now time.Time) time.Duration {
	var ttl time.Duration
	if cred.ExpiresAt != nil {
		ttl = cred.ExpiresAt.Sub(now)
		if ttl <= 0 {
			ttl = time.Millisecond
		}
	}
	if cred.RevokedAt != nil {
		remaining := s.retention - now.Sub(*cred.RevokedAt)
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		if ttl == 0 || remaining < ttl {
			ttl = remaining
		}
	}
	return ttl
}

func (s *redisStore) Get(ctx context.Context, id string) (model.Credential, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Credential{}, ErrNotFound
	}
	if err != nil {
		return model.Credential{}, err
	}
	var cred model.Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return model.Credential{}, err
	}
	return cred, nil
}

func (s *redisStore) Revoke(ctx context.Context, id string, at time.Time, supersededBy string) error {
	cred, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if cred.RevokedAt != nil {
		return nil
	}
	cred.RevokedAt = &at
	cred.SupersededBy = supersededBy
	data, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(id), data, s.expiryFor(cred, time.Now())).Err()
}

func (s *redisStore) ListByAccount(ctx context.Context, accountID string) ([]model.Credential, error) {
	ids, err := s.client.SMembers(ctx, s.accountKey(accountID)).Result()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]model.Credential, 0, len(ids))
	var stale []interface{}
	for _, id := range ids {
		cred, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if cred.Active(now) {
			out = append(out, cred)
		}
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, s.accountKey(accountID), stale...).Err()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

// CleanupExpired prunes account index entries whose record has expired;
// redis reclaims the records themselves via TTL.
func (s *redisStore) CleanupExpired(ctx context.Context) error {
	var cursor uint64
	pattern := s.accountKey("*")
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			ids, err := s.client.SMembers(ctx, key).Result()
			if err != nil {
				return err
			}
			for _, id := range ids {
				exists, err := s.client.Exists(ctx, s.key(id)).Result()
				if err != nil {
					return err
				}
				if exists == 0 {
					s.client.SRem(ctx, key, id)
				}
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *redisStore) Stats(ctx context.Context) (map[string]any, error) {
	var cursor uint64
	total := 0
	accountPrefix := s.accountKey("")
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			if !strings.HasPrefix(key, accountPrefix) {
				total++
			}
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	return map[string]any{
		"type":  "redis",
		"total": total,
	}, nil
}

func (s *redisStore) Close(ctx context.Context) error {
	return s.client.Close()
}
