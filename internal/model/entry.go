package model

import "time"

// CacheEntry is a single key/value pair as held by the data container or a store
type CacheEntry struct {
	Key       string        `codec:"key"`
	Value     []byte        `codec:"value"`
	Lifespan  time.Duration `codec:"lifespan"`
	CreatedAt time.Time     `codec:"created_at"`
}

// NewCacheEntry creates an entry stamped with the current time
func NewCacheEntry(key string, value []byte, lifespan time.Duration) *CacheEntry {
	return &CacheEntry{
		Key:       key,
		Value:     value,
		Lifespan:  lifespan,
		CreatedAt: time.Now(),
	}
}

// IsExpired reports whether the entry outlived its lifespan.
// A non-positive lifespan never expires.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	if e.Lifespan <= 0 {
		return false
	}
	return now.After(e.CreatedAt.Add(e.Lifespan))
}

// ExpiresAt returns the expiry instant, or the zero time for immortal entries
func (e *CacheEntry) ExpiresAt() time.Time {
	if e.Lifespan <= 0 {
		return time.Time{}
	}
	return e.CreatedAt.Add(e.Lifespan)
}

// Clone returns a deep copy of the entry
func (e *CacheEntry) Clone() *CacheEntry {
	value := make([]byte, len(e.Value))
	copy(value, e.Value)
	return &CacheEntry{
		Key:       e.Key,
		Value:     value,
		Lifespan:  e.Lifespan,
		CreatedAt: e.CreatedAt,
	}
}
