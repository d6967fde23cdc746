package graphrelay

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresDedupTableName   = "graphrelay_dedup"
	postgresClientsTableName = "graphrelay_clients"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresDedupCache backs the debounce window with a shared table so that
// multiple relay instances see each other's entries. Expired rows are treated
// as absent on read and cleaned up lazily on write; a NULL expires_at row
// never expires.
type PostgresDedupCache struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc
	now       func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresDedupCache(dsn string) (*PostgresDedupCache, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresDedupCache{
		dsn:       dsn,
		tableName: postgresDedupTableName,
		openDB:    sql.Open,
		now:       time.Now,
	}, nil
}

func (c *PostgresDedupCache) Get(ctx context.Context, key string) (string, bool, error) {
	if c == nil || key == "" {
		return "", false, nil
	}
	if err := c.ensureReady(); err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload, expires_at FROM %s WHERE cache_key = $1", postgresQuoteIdentifier(c.tableName))
	var payload string
	var expiresAt sql.NullTime
	err := c.db.QueryRowContext(ctx, query, key).Scan(&payload, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	if expiresAt.Valid && !c.now().Before(expiresAt.Time) {
		return "", false, nil
	}
	return payload, true, nil
}

func (c *PostgresDedupCache) Put(ctx context.Context, key, payload string, ttl time.Duration) error {
	if c == nil || key == "" {
		return ErrInvalidInput
	}
	if err := c.ensureReady(); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	var expiresAt any
	if ttl != NoExpiry {
		if ttl <= 0 {
			ttl = defaultDebounceTTL
		}
		expiresAt = c.now().Add(ttl)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (cache_key, payload, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (cache_key)
		DO UPDATE SET payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at`, postgresQuoteIdentifier(c.tableName))
	if _, err := c.db.ExecContext(ctx, query, key, payload, expiresAt); err != nil {
		return fmt.Errorf("%w: %v", ErrCacheUnavailable, err)
	}
	pruneQuery := fmt.Sprintf("DELETE FROM %s WHERE expires_at IS NOT NULL AND expires_at <= NOW()", postgresQuoteIdentifier(c.tableName))
	_, _ = c.db.ExecContext(ctx, pruneQuery)
	return nil
}

func (c *PostgresDedupCache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

func (c *PostgresDedupCache) ensureReady() error {
	if c == nil {
		return ErrInvalidInput
	}
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				cache_key TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				expires_at TIMESTAMPTZ
			)`, postgresQuoteIdentifier(c.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			c.initErr = err
			return
		}
		c.db = db
	})
	return c.initErr
}

// PostgresClientRegistry persists registered clients; rows are created on
// registration and never expire.
type PostgresClientRegistry struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc
	now       func() time.Time

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresClientRegistry(dsn string) (*PostgresClientRegistry, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresClientRegistry{
		dsn:       dsn,
		tableName: postgresClientsTableName,
		openDB:    sql.Open,
		now:       time.Now,
	}, nil
}

func (r *PostgresClientRegistry) Register(ctx context.Context, reg ClientRegistration) (RegisteredClient, error) {
	if err := r.ensureReady(); err != nil {
		return RegisteredClient{}, err
	}
	client, err := newRegisteredClient(reg, r.now())
	if err != nil {
		return RegisteredClient{}, err
	}
	payload, err := json.Marshal(client)
	if err != nil {
		return RegisteredClient{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("INSERT INTO %s (id, payload, created_at) VALUES ($1, $2, NOW())", postgresQuoteIdentifier(r.tableName))
	if _, err := r.db.ExecContext(ctx, query, client.ID, string(payload)); err != nil {
		return RegisteredClient{}, err
	}
	return client, nil
}

func (r *PostgresClientRegistry) Get(ctx context.Context, id string) (RegisteredClient, error) {
	if err := r.ensureReady(); err != nil {
		return RegisteredClient{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE id = $1", postgresQuoteIdentifier(r.tableName))
	var payload string
	err := r.db.QueryRowContext(ctx, query, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return RegisteredClient{}, ErrNotFound
	}
	if err != nil {
		return RegisteredClient{}, err
	}
	var client RegisteredClient
	if err := json.Unmarshal([]byte(payload), &client); err != nil {
		return RegisteredClient{}, err
	}
	client.Secret = ""
	return client, nil
}

func (r *PostgresClientRegistry) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *PostgresClientRegistry) ensureReady() error {
	if r == nil {
		return ErrInvalidInput
	}
	r.initOnce.Do(func() {
		db, err := r.openDB("postgres", r.dsn)
		if err != nil {
			r.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(r.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			r.initErr = err
			return
		}
		r.db = db
	})
	return r.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
