package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devrev/distcache/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore implements CacheStore using PostgreSQL
type PostgresStore struct {
	pool   *pgxpool.Pool
	table  string
	logger *zap.Logger
}

// PostgresOptions holds the connection settings of a PostgresStore
type PostgresOptions struct {
	Host           string
	Port           int
	Database       string
	User           string
	Password       string
	MaxConnections int
	MinConnections int
	Table          string
}

// NewPostgresStore creates a new PostgreSQL store and checks the connection
func NewPostgresStore(opts PostgresOptions, logger *zap.Logger) (*PostgresStore, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s pool_max_conns=%d pool_min_conns=%d",
		opts.Host, opts.Port, opts.Database, opts.User, opts.Password, opts.MaxConnections, opts.MinConnections,
	)

	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewPostgresStoreWithPool(pool, opts.Table, logger), nil
}

// NewPostgresStoreWithPool wraps an existing pool
func NewPostgresStoreWithPool(pool *pgxpool.Pool, table string, logger *zap.Logger) *PostgresStore {
	if table == "" {
		table = "cache_entries"
	}
	return &PostgresStore{
		pool:   pool,
		table:  table,
		logger: logger,
	}
}

// Start creates the entry table when missing
func (s *PostgresStore) Start(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			key         TEXT PRIMARY KEY,
			value       BYTEA NOT NULL,
			lifespan_ns BIGINT NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL,
			expires_at  TIMESTAMPTZ
		)
	`, s.table)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	s.logger.Info("PostgreSQL store ready", zap.String("table", s.table))
	return nil
}

// Stop closes the connection pool
func (s *PostgresStore) Stop() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Load retrieves a live entry
func (s *PostgresStore) Load(ctx context.Context, key string) LoadResult {
	query := fmt.Sprintf(`
		SELECT value, lifespan_ns, created_at
		FROM %s
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
	`, s.table)

	var (
		value      []byte
		lifespanNs int64
		createdAt  time.Time
	)
	err := s.pool.QueryRow(ctx, query, key).Scan(&value, &lifespanNs, &createdAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return NotFound()
	}
	if err != nil {
		return IOFailure(fmt.Errorf("failed to load %s: %w", key, err))
	}

	return Found(&model.CacheEntry{
		Key:       key,
		Value:     value,
		Lifespan:  time.Duration(lifespanNs),
		CreatedAt: createdAt,
	})
}

// Store upserts an entry
func (s *PostgresStore) Store(ctx context.Context, entry *model.CacheEntry) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (key, value, lifespan_ns, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			lifespan_ns = EXCLUDED.lifespan_ns,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`, s.table)

	var expiresAt *time.Time
	if entry.Lifespan > 0 {
		t := entry.ExpiresAt()
		expiresAt = &t
	}

	_, err := s.pool.Exec(ctx, query,
		entry.Key,
		entry.Value,
		int64(entry.Lifespan),
		entry.CreatedAt,
		expiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", entry.Key, err)
	}
	return nil
}

// Remove deletes an entry and reports whether a live one existed
func (s *PostgresStore) Remove(ctx context.Context, key string) (bool, error) {
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE key = $1
		RETURNING (expires_at IS NULL OR expires_at > now())
	`, s.table)

	var live bool
	err := s.pool.QueryRow(ctx, query, key).Scan(&live)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return live, nil
}

// RemoveAll deletes a batch with one statement and returns the keys that
// were live. Expired rows are dropped without being reported.
func (s *PostgresStore) RemoveAll(ctx context.Context, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return []string{}, nil
	}
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE key = ANY($1)
		RETURNING key, (expires_at IS NULL OR expires_at > now())
	`, s.table)

	rows, err := s.pool.Query(ctx, query, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to remove %d keys: %w", len(keys), err)
	}
	defer rows.Close()

	removed := make([]string, 0, len(keys))
	for rows.Next() {
		var (
			key  string
			live bool
		)
		if err := rows.Scan(&key, &live); err != nil {
			return nil, fmt.Errorf("failed to scan removed key: %w", err)
		}
		if live {
			removed = append(removed, key)
		}
	}
	return removed, rows.Err()
}

// Contains reports whether a live entry exists
func (s *PostgresStore) Contains(ctx context.Context, key string) (bool, error) {
	query := fmt.Sprintf(`
		SELECT EXISTS (
			SELECT 1 FROM %s WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
		)
	`, s.table)

	var exists bool
	if err := s.pool.QueryRow(ctx, query, key).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}
	return exists, nil
}

// Clear removes all entries
func (s *PostgresStore) Clear(ctx context.Context) error {
	query := fmt.Sprintf(`DELETE FROM %s`, s.table)

	result, err := s.pool.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	s.logger.Info("Cleared PostgreSQL store", zap.Int64("rows", result.RowsAffected()))
	return nil
}

// LoadAllKeys lists every live key
func (s *PostgresStore) LoadAllKeys(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`
		SELECT key FROM %s
		WHERE expires_at IS NULL OR expires_at > now()
		ORDER BY key
	`, s.table)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
