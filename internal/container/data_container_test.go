package container

import (
	"testing"
	"time"

	"github.com/devrev/distcache/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDataContainer_PutGetRemove(t *testing.T) {
	c := NewDataContainer(Config{}, zap.NewNop())

	_, found := c.Get("k")
	assert.False(t, found)

	c.Put(model.NewCacheEntry("k", []byte("v1"), 0))
	entry, found := c.Get("k")
	require.True(t, found)
	assert.Equal(t, []byte("v1"), entry.Value)

	c.Put(model.NewCacheEntry("k", []byte("v2"), 0))
	entry, _ = c.Peek("k")
	assert.Equal(t, []byte("v2"), entry.Value)
	assert.Equal(t, 1, c.Size())

	removed, ok := c.Remove("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), removed.Value)
	assert.False(t, c.Contains("k"))
}

func TestDataContainer_ExpiredEntriesAreMisses(t *testing.T) {
	c := NewDataContainer(Config{}, zap.NewNop())

	c.Put(&model.CacheEntry{Key: "old", Value: []byte("v"), Lifespan: time.Millisecond, CreatedAt: time.Now().Add(-time.Minute)})
	c.Put(model.NewCacheEntry("live", []byte("v"), time.Hour))

	_, found := c.Peek("old")
	assert.False(t, found)
	assert.Equal(t, []string{"live"}, c.Keys())
	assert.Len(t, c.Entries(), 1)
	assert.Equal(t, 1, c.PurgeExpired())
	assert.Equal(t, 1, c.Size())
}

func TestDataContainer_EvictsWhenFull(t *testing.T) {
	c := NewDataContainer(Config{MaxEntries: 2, FrequencyWeight: 1}, zap.NewNop())

	var evicted []*model.CacheEntry
	c.SetEvictionCallback(func(entries []*model.CacheEntry) {
		evicted = append(evicted, entries...)
	})

	c.Put(model.NewCacheEntry("a", []byte("1"), 0))
	c.Put(model.NewCacheEntry("b", []byte("2"), 0))

	// a becomes the most frequently used entry
	c.Get("a")
	c.Get("a")

	c.Put(model.NewCacheEntry("c", []byte("3"), 0))

	require.Len(t, evicted, 1)
	assert.Equal(t, "b", evicted[0].Key)
	assert.Equal(t, []string{"a", "c"}, c.Keys())
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestDataContainer_EvictedEntryReadableWhileCallbackRuns(t *testing.T) {
	c := NewDataContainer(Config{MaxEntries: 1}, zap.NewNop())

	release := make(chan struct{})
	entered := make(chan struct{})
	c.SetEvictionCallback(func([]*model.CacheEntry) {
		close(entered)
		<-release
	})

	c.Put(model.NewCacheEntry("a", []byte("1"), 0))
	putDone := make(chan struct{})
	go func() {
		c.Put(model.NewCacheEntry("b", []byte("2"), 0))
		close(putDone)
	}()
	<-entered

	// the container lock is free while the callback runs
	entry, found := c.Get("a")
	require.True(t, found)
	assert.Equal(t, []byte("1"), entry.Value)
	assert.Equal(t, []string{"a", "b"}, c.Keys())

	removed := make(chan bool)
	go func() {
		_, ok := c.Remove("a")
		removed <- ok
	}()
	select {
	case <-removed:
		t.Fatal("remove did not wait for the eviction to finish")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-putDone
	// once handled, the evicted entry is gone from memory
	assert.False(t, <-removed)
	assert.False(t, c.Contains("a"))
	assert.Equal(t, []string{"b"}, c.Keys())
}

func TestDataContainer_ExpiredVictimsAreNotReported(t *testing.T) {
	c := NewDataContainer(Config{MaxEntries: 1}, zap.NewNop())

	called := false
	c.SetEvictionCallback(func([]*model.CacheEntry) { called = true })

	c.Put(&model.CacheEntry{Key: "old", Value: []byte("v"), Lifespan: time.Millisecond, CreatedAt: time.Now().Add(-time.Minute)})
	c.Put(model.NewCacheEntry("new", []byte("v"), 0))

	assert.False(t, called)
	assert.Equal(t, []string{"new"}, c.Keys())
}

func TestDataContainer_ReturnsCopies(t *testing.T) {
	c := NewDataContainer(Config{}, zap.NewNop())
	c.Put(model.NewCacheEntry("k", []byte("abc"), 0))

	entry, _ := c.Get("k")
	entry.Value[0] = 'z'

	again, _ := c.Get("k")
	assert.Equal(t, []byte("abc"), again.Value)

	c.Clear()
	assert.Equal(t, 0, c.Size())
}
