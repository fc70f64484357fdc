// Package postgres implements persistence.StorageBackend directly over
// jackc/pgx/v5, grounded on the teacher's audit log schema-ensure and
// parameterized-query idiom (invalidation/audit.go), adapted from an
// append-only audit table to a key/value table. pgx is driven directly
// through pgxpool rather than through Encore's sqldb wrapper — see
// DESIGN.md for why the wrapper itself doesn't transfer to an embedded
// client library.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/otero/querycache/errs"
)

// Backend is a Postgres-backed persistence.StorageBackend.
type Backend struct {
	pool      *pgxpool.Pool
	tableName string
}

// Open connects to dsn and ensures the backing table exists. tableName
// defaults to "query_cache_entries" when empty.
func Open(ctx context.Context, dsn, tableName string) (*Backend, error) {
	if tableName == "" {
		tableName = "query_cache_entries"
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "connect to postgres", err)
	}
	b := &Backend{pool: pool, tableName: tableName}
	if err := b.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return b, nil
}

// NewWithPool wraps an already-open pool, ensuring the schema exists.
func NewWithPool(ctx context.Context, pool *pgxpool.Pool, tableName string) (*Backend, error) {
	if tableName == "" {
		tableName = "query_cache_entries"
	}
	b := &Backend{pool: pool, tableName: tableName}
	if err := b.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Backend) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			sub_key    TEXT PRIMARY KEY,
			bytes      BYTEA NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`, b.tableName)
	if _, err := b.pool.Exec(ctx, query); err != nil {
		return errs.Wrap(errs.Storage, "ensure schema", err)
	}
	return nil
}

// Store upserts bytes at subKey.
func (b *Backend) Store(ctx context.Context, subKey string, data []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (sub_key, bytes, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (sub_key) DO UPDATE SET bytes = EXCLUDED.bytes, updated_at = NOW()
	`, b.tableName)
	if _, err := b.pool.Exec(ctx, query, subKey, data); err != nil {
		return errs.Wrap(errs.Storage, "store entry", err)
	}
	return nil
}

// Retrieve reads the bytes stored at subKey.
func (b *Backend) Retrieve(ctx context.Context, subKey string) ([]byte, bool, error) {
	query := fmt.Sprintf(`SELECT bytes FROM %s WHERE sub_key = $1`, b.tableName)
	row := b.pool.QueryRow(ctx, query, subKey)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, errs.Wrap(errs.Storage, "retrieve entry", err)
	}
	return data, true, nil
}

// Remove deletes the entry at subKey, if any.
func (b *Backend) Remove(ctx context.Context, subKey string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE sub_key = $1`, b.tableName)
	if _, err := b.pool.Exec(ctx, query, subKey); err != nil {
		return errs.Wrap(errs.Storage, "remove entry", err)
	}
	return nil
}

// ListKeys returns every subKey currently stored.
func (b *Backend) ListKeys(ctx context.Context) ([]string, error) {
	query := fmt.Sprintf(`SELECT sub_key FROM %s`, b.tableName)
	rows, err := b.pool.Query(ctx, query)
	if err != nil {
		return nil, errs.Wrap(errs.Storage, "list keys", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errs.Wrap(errs.Storage, "scan key", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Clear deletes every entry.
func (b *Backend) Clear(ctx context.Context) error {
	query := fmt.Sprintf(`TRUNCATE %s`, b.tableName)
	if _, err := b.pool.Exec(ctx, query); err != nil {
		return errs.Wrap(errs.Storage, "clear table", err)
	}
	return nil
}

// Size returns the number of entries currently stored.
func (b *Backend) Size(ctx context.Context) (int, error) {
	query := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, b.tableName)
	row := b.pool.QueryRow(ctx, query)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, errs.Wrap(errs.Storage, "count entries", err)
	}
	return count, nil
}

// Close releases the pool.
func (b *Backend) Close() {
	b.pool.Close()
}
