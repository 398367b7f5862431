package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/devrev/distcache/internal/model"
	"go.uber.org/zap"
)

// MemoryStore implements CacheStore using an in-process map. It is private
// to the node, so its keys move with ownership during a rehash.
type MemoryStore struct {
	data   map[string]*model.CacheEntry
	mu     sync.RWMutex
	logger *zap.Logger

	cleanupInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(cleanupInterval time.Duration, logger *zap.Logger) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &MemoryStore{
		data:            make(map[string]*model.CacheEntry),
		logger:          logger,
		cleanupInterval: cleanupInterval,
	}
}

// Start launches the expiry sweeper
func (s *MemoryStore) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return nil
	}
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.cleanup(s.stopCh)
	return nil
}

// Stop halts the sweeper
func (s *MemoryStore) Stop() error {
	s.mu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		s.wg.Wait()
	}
	return nil
}

// Load retrieves an entry
func (s *MemoryStore) Load(ctx context.Context, key string) LoadResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.data[key]
	if !exists || entry.IsExpired(time.Now()) {
		return NotFound()
	}
	return Found(entry.Clone())
}

// Store writes an entry, replacing any previous value
func (s *MemoryStore) Store(ctx context.Context, entry *model.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[entry.Key] = entry.Clone()
	return nil
}

// Remove deletes an entry and reports whether a live one existed
func (s *MemoryStore) Remove(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.removeLocked(key, time.Now()), nil
}

// RemoveAll deletes a batch of entries
func (s *MemoryStore) RemoveAll(ctx context.Context, keys []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := make([]string, 0, len(keys))
	for _, key := range keys {
		if s.removeLocked(key, now) {
			removed = append(removed, key)
		}
	}
	return removed, nil
}

func (s *MemoryStore) removeLocked(key string, now time.Time) bool {
	entry, exists := s.data[key]
	if !exists {
		return false
	}
	delete(s.data, key)
	return !entry.IsExpired(now)
}

// Contains reports whether a live entry exists
func (s *MemoryStore) Contains(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.data[key]
	return exists && !entry.IsExpired(time.Now()), nil
}

// Clear removes all entries
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = make(map[string]*model.CacheEntry)
	return nil
}

// LoadAllKeys returns the live keys in sorted order
func (s *MemoryStore) LoadAllKeys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	keys := make([]string, 0, len(s.data))
	for key, entry := range s.data {
		if !entry.IsExpired(now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Size returns the number of stored entries, expired ones included
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// cleanup periodically removes expired entries
func (s *MemoryStore) cleanup(stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			purged := 0
			for key, entry := range s.data {
				if entry.IsExpired(now) {
					delete(s.data, key)
					purged++
				}
			}
			s.mu.Unlock()
			if purged > 0 {
				s.logger.Debug("Purged expired store entries", zap.Int("count", purged))
			}
		}
	}
}
