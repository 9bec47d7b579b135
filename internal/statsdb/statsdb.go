// Package statsdb is the durable backing store for counters and
// blacklist patterns: a single embedded sqlite file, queried through
// goqu the way the rest of the corpus builds its SQL.
package statsdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/doug-martin/goqu/v8"
	_ "github.com/doug-martin/goqu/v8/dialect/sqlite3"
	_ "modernc.org/sqlite"
)

const (
	statsTable     = "stats"
	blacklistTable = "package_blacklist"
)

// Counter keys stored in the stats table, one row per key.
const (
	KeyRequestsTotal = "requests_total"
	KeyCacheHits     = "cache_hits"
	KeyCacheMisses   = "cache_misses"
	KeyBytesServed   = "bytes_served"
	KeyStartTime     = "start_time"
)

// DB wraps a sqlite-backed connection and a goqu dialect bound to it.
type DB struct {
	sql *sql.DB
	dlt goqu.DialectWrapper
}

// Open opens (creating if necessary) the sqlite file at path and ensures
// the schema exists.
func Open(ctx context.Context, path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statsdb: open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers, avoid SQLITE_BUSY

	db := &DB{sql: conn, dlt: goqu.Dialect("sqlite3")}
	if err := db.migrate(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + statsTable + ` (
			key   TEXT PRIMARY KEY,
			value INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS ` + blacklistTable + ` (
			pattern TEXT PRIMARY KEY
		)`,
	}
	for _, s := range stmts {
		if _, err := d.sql.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("statsdb: migrate: %w", err)
		}
	}
	return nil
}

// LoadCounters returns the persisted value for every known counter key,
// defaulting missing keys to zero.
func (d *DB) LoadCounters(ctx context.Context) (map[string]int64, error) {
	out := map[string]int64{
		KeyRequestsTotal: 0,
		KeyCacheHits:     0,
		KeyCacheMisses:   0,
		KeyBytesServed:   0,
		KeyStartTime:     0,
	}

	query, _, err := d.dlt.From(statsTable).Select("key", "value").ToSQL()
	if err != nil {
		return nil, err
	}
	rows, err := d.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("statsdb: load counters: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value int64
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		out[key] = value
	}
	return out, rows.Err()
}

// SaveCounters upserts every counter in values.
func (d *DB) SaveCounters(ctx context.Context, values map[string]int64) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for key, value := range values {
		insert := d.dlt.Insert(statsTable).
			Rows(goqu.Record{"key": key, "value": value}).
			OnConflict(goqu.DoUpdate("key", goqu.Record{"value": value}))
		query, args, err := insert.Prepared(true).ToSQL()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("statsdb: save counter %s: %w", key, err)
		}
	}
	return tx.Commit()
}

// LoadBlacklist returns every persisted blacklist pattern.
func (d *DB) LoadBlacklist(ctx context.Context) ([]string, error) {
	query, _, err := d.dlt.From(blacklistTable).Select("pattern").ToSQL()
	if err != nil {
		return nil, err
	}
	rows, err := d.sql.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("statsdb: load blacklist: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var pattern string
		if err := rows.Scan(&pattern); err != nil {
			return nil, err
		}
		out = append(out, pattern)
	}
	return out, rows.Err()
}

// AddBlacklistPattern persists pattern, ignoring the insert if it's
// already present.
func (d *DB) AddBlacklistPattern(ctx context.Context, pattern string) error {
	insert := d.dlt.Insert(blacklistTable).
		Rows(goqu.Record{"pattern": pattern}).
		OnConflict(goqu.DoNothing())
	query, args, err := insert.Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	_, err = d.sql.ExecContext(ctx, query, args...)
	return err
}

// RemoveBlacklistPattern deletes pattern if present.
func (d *DB) RemoveBlacklistPattern(ctx context.Context, pattern string) error {
	del := d.dlt.Delete(blacklistTable).Where(goqu.Ex{"pattern": pattern})
	query, args, err := del.Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	_, err = d.sql.ExecContext(ctx, query, args...)
	return err
}
