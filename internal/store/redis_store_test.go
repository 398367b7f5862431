package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/devrev/distcache/internal/model"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestRedisStore connects to the server named by REDIS_ADDR. Every store
// gets its own key prefix so tests never see each other's keys.
func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if testing.Short() || addr == "" {
		t.Skip("Skipping Redis integration test, set REDIS_ADDR to run it")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	s := NewRedisStoreWithClient(client, "distcache-test-"+uuid.NewString()+":", zap.NewNop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		_ = s.Clear(context.Background())
		_ = s.Stop()
	})
	return s
}

func TestRedisStore_Contract(t *testing.T) {
	testCacheStoreContract(t, newTestRedisStore(t))
}

func TestRedisStore_LifespanBecomesTTL(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, s.Store(ctx, model.NewCacheEntry("ttl", []byte("v"), time.Hour)))
	ttl, err := s.client.TTL(ctx, s.redisKey("ttl")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)
	assert.LessOrEqual(t, ttl, time.Hour)

	require.NoError(t, s.Store(ctx, model.NewCacheEntry("forever", []byte("v"), 0)))
	ttl, err = s.client.TTL(ctx, s.redisKey("forever")).Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), ttl)
}

func TestRedisStore_PrefixIsolation(t *testing.T) {
	a := newTestRedisStore(t)
	b := newTestRedisStore(t)
	ctx := context.Background()

	require.NoError(t, a.Store(ctx, model.NewCacheEntry("shared-name", []byte("a"), 0)))
	require.NoError(t, b.Store(ctx, model.NewCacheEntry("shared-name", []byte("b"), 0)))
	require.NoError(t, b.Store(ctx, model.NewCacheEntry("only-b", []byte("b"), 0)))

	keys, err := a.LoadAllKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"shared-name"}, keys)

	require.NoError(t, a.Clear(ctx))
	res := b.Load(ctx, "shared-name")
	require.Equal(t, LoadFound, res.Status)
	assert.Equal(t, []byte("b"), res.Entry.Value)
}
