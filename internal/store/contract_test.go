package store

import (
	"context"
	"testing"
	"time"

	"github.com/devrev/distcache/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expiredEntry(key string) *model.CacheEntry {
	return &model.CacheEntry{
		Key:       key,
		Value:     []byte("gone"),
		Lifespan:  time.Millisecond,
		CreatedAt: time.Now().Add(-time.Hour),
	}
}

// testCacheStoreContract checks the behaviour every CacheStore shares.
// Activation relies on Remove and RemoveAll reporting live entries only.
func testCacheStoreContract(t *testing.T, s CacheStore) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		require.NoError(t, s.Clear(ctx))
		entry := model.NewCacheEntry("k1", []byte("v1"), time.Hour)
		require.NoError(t, s.Store(ctx, entry))

		res := s.Load(ctx, "k1")
		require.Equal(t, LoadFound, res.Status)
		assert.Equal(t, []byte("v1"), res.Entry.Value)
		assert.Equal(t, time.Hour, res.Entry.Lifespan)
		assert.WithinDuration(t, entry.CreatedAt, res.Entry.CreatedAt, time.Millisecond)

		ok, err := s.Contains(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok)

		keys, err := s.LoadAllKeys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"k1"}, keys)

		assert.Equal(t, LoadNotFound, s.Load(ctx, "missing").Status)
	})

	t.Run("remove reports live entries", func(t *testing.T) {
		require.NoError(t, s.Clear(ctx))
		require.NoError(t, s.Store(ctx, model.NewCacheEntry("k", []byte("v"), 0)))
		require.NoError(t, s.Store(ctx, expiredEntry("old")))

		removed, err := s.Remove(ctx, "k")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = s.Remove(ctx, "k")
		require.NoError(t, err)
		assert.False(t, removed)

		removed, err = s.Remove(ctx, "old")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("remove all reports live entries", func(t *testing.T) {
		require.NoError(t, s.Clear(ctx))
		require.NoError(t, s.Store(ctx, model.NewCacheEntry("a", []byte("1"), 0)))
		require.NoError(t, s.Store(ctx, model.NewCacheEntry("c", []byte("3"), time.Hour)))
		require.NoError(t, s.Store(ctx, expiredEntry("x")))

		removed, err := s.RemoveAll(ctx, []string{"a", "b", "c", "x"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "c"}, removed)
		assert.Equal(t, LoadNotFound, s.Load(ctx, "a").Status)

		removed, err = s.RemoveAll(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, removed)
	})

	t.Run("expired entries are invisible", func(t *testing.T) {
		require.NoError(t, s.Clear(ctx))
		require.NoError(t, s.Store(ctx, expiredEntry("old")))
		require.NoError(t, s.Store(ctx, model.NewCacheEntry("live", []byte("v"), time.Hour)))

		assert.Equal(t, LoadNotFound, s.Load(ctx, "old").Status)
		ok, err := s.Contains(ctx, "old")
		require.NoError(t, err)
		assert.False(t, ok)

		keys, err := s.LoadAllKeys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"live"}, keys)
	})

	t.Run("clear", func(t *testing.T) {
		require.NoError(t, s.Store(ctx, model.NewCacheEntry("a", []byte("1"), 0)))
		require.NoError(t, s.Store(ctx, model.NewCacheEntry("b", []byte("2"), 0)))
		require.NoError(t, s.Clear(ctx))

		keys, err := s.LoadAllKeys(ctx)
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}
