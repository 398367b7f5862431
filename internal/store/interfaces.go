package store

import (
	"context"

	"github.com/devrev/distcache/internal/model"
)

// LoadStatus tells a miss apart from a failed load
type LoadStatus int

const (
	// LoadFound means the store returned an entry
	LoadFound LoadStatus = iota
	// LoadNotFound means the store holds nothing for the key
	LoadNotFound
	// LoadIOFailure means the store could not be read
	LoadIOFailure
)

func (s LoadStatus) String() string {
	switch s {
	case LoadFound:
		return "found"
	case LoadNotFound:
		return "not_found"
	case LoadIOFailure:
		return "io_failure"
	default:
		return "unknown"
	}
}

// LoadResult is the outcome of CacheLoader.Load
type LoadResult struct {
	Status LoadStatus
	Entry  *model.CacheEntry
	Err    error
}

// Found wraps a loaded entry
func Found(entry *model.CacheEntry) LoadResult {
	return LoadResult{Status: LoadFound, Entry: entry}
}

// NotFound reports a miss
func NotFound() LoadResult {
	return LoadResult{Status: LoadNotFound}
}

// IOFailure reports a failed read
func IOFailure(err error) LoadResult {
	return LoadResult{Status: LoadIOFailure, Err: err}
}

// CacheLoader is a read-only view of a persistent backend
type CacheLoader interface {
	// Load returns the entry for key; expired entries count as NotFound
	Load(ctx context.Context, key string) LoadResult
	Contains(ctx context.Context, key string) (bool, error)
	// LoadAllKeys lists every live key held by the backend
	LoadAllKeys(ctx context.Context) ([]string, error)
	Start(ctx context.Context) error
	Stop() error
}

// CacheStore is a CacheLoader that can also be written to
type CacheStore interface {
	CacheLoader
	Store(ctx context.Context, entry *model.CacheEntry) error
	// Remove reports whether an entry actually existed
	Remove(ctx context.Context, key string) (bool, error)
	// RemoveAll removes a batch and returns the keys that existed
	RemoveAll(ctx context.Context, keys []string) ([]string, error)
	Clear(ctx context.Context) error
}

// Pinger is implemented by stores backed by a remote service
type Pinger interface {
	Ping(ctx context.Context) error
}

// AsCacheStore returns the loader as a CacheStore when it supports writes
func AsCacheStore(loader CacheLoader) (CacheStore, bool) {
	s, ok := loader.(CacheStore)
	return s, ok
}
