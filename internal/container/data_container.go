package container

import (
	"sort"
	"sync"
	"time"

	"github.com/devrev/distcache/internal/model"
	"go.uber.org/zap"
)

// EvictionCallback receives entries pushed out of a full container. It runs
// after the container lock is released. Until it returns the evicted entries
// stay readable, and writes to their keys wait for it.
type EvictionCallback func(evicted []*model.CacheEntry)

// Config holds data container configuration
type Config struct {
	// MaxEntries bounds the number of entries; zero means unbounded
	MaxEntries      int
	FrequencyWeight float64
	RecencyWeight   float64
}

// DataContainer is the in-memory entry map of a cache node. When full, it
// evicts the entry with the lowest frequency/recency score.
type DataContainer struct {
	config  Config
	entries map[string]*trackedEntry
	onEvict EvictionCallback
	logger  *zap.Logger
	mu      sync.RWMutex

	// passivating holds evicted entries while the eviction callback runs
	passivating map[string]*passivation

	evictions int64
}

type passivation struct {
	entry *model.CacheEntry
	done  chan struct{}
}

type trackedEntry struct {
	entry       *model.CacheEntry
	accessCount int64
	lastAccess  time.Time
}

// NewDataContainer creates a new data container
func NewDataContainer(cfg Config, logger *zap.Logger) *DataContainer {
	if cfg.FrequencyWeight == 0 && cfg.RecencyWeight == 0 {
		cfg.FrequencyWeight = 0.5
		cfg.RecencyWeight = 0.5
	}
	return &DataContainer{
		config:  cfg,
		entries: make(map[string]*trackedEntry),
		logger:  logger,

		passivating: make(map[string]*passivation),
	}
}

// SetEvictionCallback installs the callback invoked on eviction
func (c *DataContainer) SetEvictionCallback(cb EvictionCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = cb
}

// Get returns a copy of a live entry and records the access
func (c *DataContainer) Get(key string) (*model.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	te, found := c.entries[key]
	if !found {
		return c.passivatingEntry(key)
	}
	now := time.Now()
	if te.entry.IsExpired(now) {
		delete(c.entries, key)
		return nil, false
	}

	te.accessCount++
	te.lastAccess = now
	return te.entry.Clone(), true
}

// Peek returns a copy of a live entry without recording an access
func (c *DataContainer) Peek(key string) (*model.CacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	te, found := c.entries[key]
	if !found {
		return c.passivatingEntry(key)
	}
	if te.entry.IsExpired(time.Now()) {
		return nil, false
	}
	return te.entry.Clone(), true
}

// passivatingEntry returns an entry whose eviction is still being handled.
// The caller holds the lock.
func (c *DataContainer) passivatingEntry(key string) (*model.CacheEntry, bool) {
	p, found := c.passivating[key]
	if !found || p.entry.IsExpired(time.Now()) {
		return nil, false
	}
	return p.entry.Clone(), true
}

// awaitPassivation blocks until no eviction of key is in flight. The caller
// holds the write lock, which is released while waiting.
func (c *DataContainer) awaitPassivation(key string) {
	for {
		p, found := c.passivating[key]
		if !found {
			return
		}
		c.mu.Unlock()
		<-p.done
		c.mu.Lock()
	}
}

func (c *DataContainer) finishPassivation(evicted []*passivation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range evicted {
		if c.passivating[p.entry.Key] == p {
			delete(c.passivating, p.entry.Key)
		}
		close(p.done)
	}
}

// Put adds or replaces an entry, evicting others if the container is full.
// The eviction callback runs before Put returns.
func (c *DataContainer) Put(entry *model.CacheEntry) {
	c.mu.Lock()
	c.awaitPassivation(entry.Key)

	now := time.Now()
	if existing, found := c.entries[entry.Key]; found {
		existing.entry = entry.Clone()
		existing.accessCount++
		existing.lastAccess = now
		c.mu.Unlock()
		return
	}

	var evicted []*model.CacheEntry
	for c.config.MaxEntries > 0 && len(c.entries) >= c.config.MaxEntries {
		victim := c.evictLowestScore(now)
		if victim == nil {
			break
		}
		if !victim.IsExpired(now) {
			evicted = append(evicted, victim)
		}
	}

	c.entries[entry.Key] = &trackedEntry{
		entry:       entry.Clone(),
		accessCount: 1,
		lastAccess:  now,
	}

	onEvict := c.onEvict
	if len(evicted) == 0 || onEvict == nil {
		c.mu.Unlock()
		return
	}
	inFlight := make([]*passivation, 0, len(evicted))
	for _, victim := range evicted {
		p := &passivation{entry: victim, done: make(chan struct{})}
		c.passivating[victim.Key] = p
		inFlight = append(inFlight, p)
	}
	c.mu.Unlock()

	onEvict(evicted)
	c.finishPassivation(inFlight)
}

// Remove deletes an entry and returns it if it was live
func (c *DataContainer) Remove(key string) (*model.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.awaitPassivation(key)

	te, found := c.entries[key]
	if !found {
		return nil, false
	}
	delete(c.entries, key)
	if te.entry.IsExpired(time.Now()) {
		return nil, false
	}
	return te.entry, true
}

// Contains reports whether a live entry exists
func (c *DataContainer) Contains(key string) bool {
	_, found := c.Peek(key)
	return found
}

// Keys returns the live keys in sorted order, including entries still
// being passivated
func (c *DataContainer) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	keys := make([]string, 0, len(c.entries)+len(c.passivating))
	for k, te := range c.entries {
		if !te.entry.IsExpired(now) {
			keys = append(keys, k)
		}
	}
	for k, p := range c.passivating {
		if _, found := c.entries[k]; !found && !p.entry.IsExpired(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Entries returns copies of all live entries
func (c *DataContainer) Entries() []*model.CacheEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := time.Now()
	out := make([]*model.CacheEntry, 0, len(c.entries))
	for _, te := range c.entries {
		if !te.entry.IsExpired(now) {
			out = append(out, te.entry.Clone())
		}
	}
	return out
}

// Size returns the number of entries held, including expired ones not yet purged
func (c *DataContainer) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops every entry without invoking the eviction callback
func (c *DataContainer) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*trackedEntry)
}

// PurgeExpired removes expired entries and returns how many were dropped
func (c *DataContainer) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	purged := 0
	for k, te := range c.entries {
		if te.entry.IsExpired(now) {
			delete(c.entries, k)
			purged++
		}
	}
	return purged
}

// score computes the adaptive eviction score (higher is better)
func (c *DataContainer) score(te *trackedEntry, now time.Time) float64 {
	frequencyScore := float64(te.accessCount)
	recencyScore := now.Sub(te.lastAccess).Seconds()
	return c.config.FrequencyWeight*frequencyScore - c.config.RecencyWeight*recencyScore
}

// evictLowestScore removes the weakest entry; expired entries go first
func (c *DataContainer) evictLowestScore(now time.Time) *model.CacheEntry {
	var (
		lowestKey   string
		lowestScore float64
		found       bool
	)
	for key, te := range c.entries {
		if te.entry.IsExpired(now) {
			lowestKey = key
			found = true
			break
		}
		s := c.score(te, now)
		// ties broken by key so eviction order is reproducible
		if !found || s < lowestScore || (s == lowestScore && key < lowestKey) {
			lowestKey = key
			lowestScore = s
			found = true
		}
	}
	if !found {
		return nil
	}

	victim := c.entries[lowestKey].entry
	delete(c.entries, lowestKey)
	c.evictions++

	c.logger.Debug("Evicted cache entry",
		zap.String("key", lowestKey),
		zap.Float64("score", lowestScore))
	return victim
}

// Stats returns container statistics
func (c *DataContainer) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Stats{
		EntryCount: len(c.entries),
		MaxEntries: c.config.MaxEntries,
		Evictions:  c.evictions,
	}
}

// Stats holds data container statistics
type Stats struct {
	EntryCount int
	MaxEntries int
	Evictions  int64
}
