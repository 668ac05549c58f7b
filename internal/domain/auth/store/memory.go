package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"m-sync-go/internal/domain/auth/model"
)

const defaultMemoryGC = 5 * time.Minute

// memoryStore keeps records in process, indexed by id and by account.
type memoryStore struct {
	mu        sync.RWMutex
	byID      map[string]model.Credential
	byAccount map[string]map[string]struct{}
	retention time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemory builds an in-memory credential store. It reclaims expired and
// long-revoked records on its own until closed.
func NewMemory(cfg Config) Store {
	gc := defaultMemoryGC
	if cfg.Memory != nil && cfg.Memory.GCInterval > 0 {
		gc = cfg.Memory.GCInterval
	}
	s := &memoryStore{
		byID:      make(map[string]model.Credential),
		byAccount: make(map[string]map[string]struct{}),
		retention: revokedRetention(cfg),
		stop:      make(chan struct{}),
	}
	go s.reclaimEvery(gc)
	return s
}

func (s *memoryStore) reclaimEvery(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			_ = s.CleanupExpired(context.Background())
		}
	}
}

func (s *memoryStore) Store(_ context.Context, cred model.Credential) error {
	if cred.ID == "" {
		return fmt.Errorf("credential id required")
	}
	if cred.IssuedAt.IsZero() {
		cred.IssuedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.byID[cred.ID]; ok && prev.AccountID != cred.AccountID {
		s.unindexLocked(prev)
	}
	s.byID[cred.ID] = cred
	ids := s.byAccount[cred.AccountID]
	if ids == nil {
		ids = make(map[string]struct{})
		s.byAccount[cred.AccountID] = ids
	}
	ids[cred.ID] = struct{}{}
	return nil
}

func (s *memoryStore) Get(_ context.Context, id string) (model.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.byID[id]
	if !ok {
		return model.Credential{}, ErrNotFound
	}
	return cred, nil
}

func (s *memoryStore) Revoke(_ context.Context, id string, at time.Time, supersededBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.byID[id]
	switch {
	case !ok:
		return ErrNotFound
	case cred.Revoked():
		return nil
	}
	cred.RevokedAt = &at
	cred.SupersededBy = supersededBy
	s.byID[id] = cred
	return nil
}

func (s *memoryStore) ListByAccount(_ context.Context, accountID string) ([]model.Credential, error) {
	now := time.Now()
	s.mu.RLock()
	out := make([]model.Credential, 0, len(s.byAccount[accountID]))
	for id := range s.byAccount[accountID] {
		if cred := s.byID[id]; cred.Active(now) {
			out = append(out, cred)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.Before(out[j].IssuedAt) })
	return out, nil
}

func (s *memoryStore) CleanupExpired(_ context.Context) error {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cred := range s.byID {
		if reclaimable(cred, now, s.retention) {
			s.unindexLocked(cred)
		}
	}
	return nil
}

func (s *memoryStore) unindexLocked(cred model.Credential) {
	delete(s.byID, cred.ID)
	ids := s.byAccount[cred.AccountID]
	delete(ids, cred.ID)
	if len(ids) == 0 {
		delete(s.byAccount, cred.AccountID)
	}
}

func (s *memoryStore) Stats(_ context.Context) (map[string]any, error) {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := 0
	for _, cred := range s.byID {
		if cred.Active(now) {
			active++
		}
	}
	return map[string]any{
		"type":     DriverMemory,
		"total":    len(s.byID),
		"active":   active,
		"accounts": len(s.byAccount),
	}, nil
}

func (s *memoryStore) Close(_ context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}
