package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/devrev/distcache/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisScanCount = 500

// RedisStore implements CacheStore on top of Redis. Entry lifespans map onto
// Redis TTLs, so expiry is handled by the server.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// RedisOptions holds the connection settings of a RedisStore
type RedisOptions struct {
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisStore creates a new Redis-backed store and checks the connection
func NewRedisStore(opts RedisOptions, logger *zap.Logger) (*RedisStore, error) {
	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreWithClient(client, opts.KeyPrefix, logger), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, prefix string, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + key
}

// Start verifies the connection opened by the constructor
func (s *RedisStore) Start(ctx context.Context) error {
	return s.Ping(ctx)
}

// Stop closes the Redis client
func (s *RedisStore) Stop() error {
	return s.client.Close()
}

// Ping checks the Redis connection
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Load retrieves an entry
func (s *RedisStore) Load(ctx context.Context, key string) LoadResult {
	data, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return NotFound()
	}
	if err != nil {
		return IOFailure(fmt.Errorf("failed to load %s: %w", key, err))
	}

	entry, err := decodeEntry(key, data)
	if err != nil {
		return IOFailure(err)
	}
	if entry.IsExpired(time.Now()) {
		return NotFound()
	}
	return Found(entry)
}

// Store writes an entry with a TTL matching its remaining lifespan
func (s *RedisStore) Store(ctx context.Context, entry *model.CacheEntry) error {
	var ttl time.Duration
	if entry.Lifespan > 0 {
		ttl = time.Until(entry.ExpiresAt())
		if ttl <= 0 {
			return nil
		}
	}

	data, err := encodeEntry(entry)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.redisKey(entry.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store %s: %w", entry.Key, err)
	}
	return nil
}

// Remove deletes an entry and reports whether it existed
func (s *RedisStore) Remove(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Del(ctx, s.redisKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return n > 0, nil
}

// RemoveAll deletes a batch in one pipeline round trip
func (s *RedisStore) RemoveAll(ctx context.Context, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return []string{}, nil
	}

	cmds := make([]*redis.IntCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = pipe.Del(ctx, s.redisKey(key))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to remove %d keys: %w", len(keys), err)
	}

	removed := make([]string, 0, len(keys))
	for i, cmd := range cmds {
		if cmd.Val() > 0 {
			removed = append(removed, keys[i])
		}
	}
	return removed, nil
}

// Contains reports whether an entry exists
func (s *RedisStore) Contains(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.redisKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}
	return n > 0, nil
}

// Clear removes every key under the store prefix
func (s *RedisStore) Clear(ctx context.Context) error {
	keys, err := s.scan(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	redisKeys := make([]string, len(keys))
	for i, key := range keys {
		redisKeys[i] = s.redisKey(key)
	}
	if err := s.client.Del(ctx, redisKeys...).Err(); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	s.logger.Info("Cleared Redis store", zap.Int("keys", len(keys)), zap.String("prefix", s.prefix))
	return nil
}

// LoadAllKeys returns every key under the store prefix
func (s *RedisStore) LoadAllKeys(ctx context.Context) ([]string, error) {
	keys, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *RedisStore) scan(ctx context.Context) ([]string, error) {
	keys := make([]string, 0)
	iter := s.client.Scan(ctx, 0, s.prefix+"*", redisScanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), s.prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan keys: %w", err)
	}
	return keys, nil
}
