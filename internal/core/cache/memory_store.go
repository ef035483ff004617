package cache

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/markdave123-py/docpipe/internal/core"
	"github.com/markdave123-py/docpipe/internal/models"
)

// MemoryStore keeps records in a map guarded by a mutex. Each instance has
// its own state.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[core.CacheKey]models.CacheRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[core.CacheKey]models.CacheRecord)}
}

func (s *MemoryStore) Load(_ context.Context, key core.CacheKey) (*models.CacheRecord, error) {
	s.mu.RLock()
	rec, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, core.ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) Save(_ context.Context, key core.CacheKey, rec *models.CacheRecord) error {
	cp := *rec
	cp.Data = append([]byte(nil), rec.Data...)
	s.mu.Lock()
	s.entries[key] = cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key core.CacheKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok, nil
}

func (s *MemoryStore) DeleteIfExpired(_ context.Context, key core.CacheKey, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entries[key]
	if !ok || !rec.Expired(now) {
		return false, nil
	}
	delete(s.entries, key)
	return true, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := len(s.entries)
	maps.DeleteFunc(s.entries, func(_ core.CacheKey, rec models.CacheRecord) bool {
		return rec.Expired(now)
	})
	return before - len(s.entries), nil
}

func (s *MemoryStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

var _ core.ExpiryDeleter = (*MemoryStore)(nil)
