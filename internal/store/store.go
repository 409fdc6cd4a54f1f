// Package store provides the local SQLite database for driftline.
//
// The database is the device-local source of truth: one table per synced
// collection, plus the sync_state table that persists the pull cursor.
// It is opened in embedded mode with WAL so domain reads stay fast while
// a sync cycle writes.
//
// Records are stored structurally: identity, timestamps and tombstone
// marker as columns, the domain payload as a JSON blob keyed by local
// field names. The engine never needs per-domain columns locally; fast
// domain queries belong to the repositories, not to this layer.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/driftline/driftline/internal/schema"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a record does not exist locally.
var ErrNotFound = errors.New("store: record not found")

// cursorKey is the sync_state key holding the last successful pull time.
const cursorKey = "last_pull_at"

// DB wraps the local SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the local database at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent
// reads. The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.Open(filepath.Join(home, ".driftline", "local.db"))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// WAL keeps domain reads concurrent with sync writes.
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
// The outbox store shares this connection so an enqueue is durable in
// the same database file as the record it describes.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// Init creates the local schema for every registered collection.
// Idempotent - safe to call on every startup.
func (db *DB) Init(reg *schema.Registry) error {
	return db.InitContext(context.Background(), reg)
}

// InitContext creates the local schema with context support.
func (db *DB) InitContext(ctx context.Context, reg *schema.Registry) error {
	stateSchema := `
	CREATE TABLE IF NOT EXISTS sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := db.conn.ExecContext(ctx, stateSchema); err != nil {
		return fmt.Errorf("failed to create sync_state table: %w", err)
	}

	for _, col := range reg.All() {
		table := localTable(col)
		colSchema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL DEFAULT '{}',
			updated_at TEXT NOT NULL,
			deleted_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_updated ON %[1]s(updated_at);
		`, table)

		if _, err := db.conn.ExecContext(ctx, colSchema); err != nil {
			return fmt.Errorf("failed to create table for %s: %w", col.Name, err)
		}
	}

	return nil
}

// Get loads a single record, tombstoned or not.
// Returns ErrNotFound if no row exists for the id.
func (db *DB) Get(ctx context.Context, col *schema.Collection, id string) (*schema.Record, error) {
	query := fmt.Sprintf(
		`SELECT id, payload, updated_at, deleted_at FROM %s WHERE id = ?`, localTable(col))

	row := db.conn.QueryRowContext(ctx, query, id)

	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", col.Name, id, err)
	}
	return rec, nil
}

// Put inserts or replaces a record. The write is an upsert keyed by id,
// so applying the same merged result twice is harmless.
func (db *DB) Put(ctx context.Context, col *schema.Collection, rec *schema.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	payload, err := rec.EncodeFields()
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", col.Name, rec.ID, err)
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (id, payload, updated_at, deleted_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		deleted_at = excluded.deleted_at
	`, localTable(col))

	_, err = db.conn.ExecContext(ctx, query,
		rec.ID,
		payload,
		formatTime(rec.UpdatedAt),
		timeToNullString(rec.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", col.Name, rec.ID, err)
	}

	return nil
}

// List returns records for a collection ordered by id.
// Tombstones are excluded unless includeDeleted is set.
func (db *DB) List(ctx context.Context, col *schema.Collection, includeDeleted bool) ([]*schema.Record, error) {
	query := fmt.Sprintf(
		`SELECT id, payload, updated_at, deleted_at FROM %s`, localTable(col))
	if !includeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY id ASC`

	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", col.Name, err)
	}
	defer rows.Close()

	var records []*schema.Record
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", col.Name, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s: %w", col.Name, err)
	}

	return records, nil
}

// Cursor returns the last successful pull time.
// The second return is false before the first successful pull.
func (db *DB) Cursor(ctx context.Context) (time.Time, bool, error) {
	var value string
	err := db.conn.QueryRowContext(ctx,
		`SELECT value FROM sync_state WHERE key = ?`, cursorKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read cursor: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse cursor %q: %w", value, err)
	}
	return t, true, nil
}

// SetCursor persists the pull cursor. Called exactly once per pull
// pass, after every collection succeeded.
func (db *DB) SetCursor(ctx context.Context, t time.Time) error {
	query := `
	INSERT INTO sync_state (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	if _, err := db.conn.ExecContext(ctx, query, cursorKey, formatTime(t)); err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}

// localTable returns the SQLite table name for a collection. Local
// tables reuse the snake_case name so export/debug tooling sees the
// same names on both sides.
func localTable(col *schema.Collection) string {
	return col.RemoteTable()
}

// scanRecord builds a Record from a row scan function.
func scanRecord(scan func(dest ...any) error) (*schema.Record, error) {
	var (
		rec       schema.Record
		payload   string
		updatedAt string
		deletedAt sql.NullString
	)

	if err := scan(&rec.ID, &payload, &updatedAt, &deletedAt); err != nil {
		return nil, err
	}

	t, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("invalid updated_at %q: %w", updatedAt, err)
	}
	rec.UpdatedAt = t

	if deletedAt.Valid {
		dt, err := time.Parse(time.RFC3339Nano, deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("invalid deleted_at %q: %w", deletedAt.String, err)
		}
		rec.DeletedAt = &dt
	}

	fields, err := schema.DecodeFields(payload)
	if err != nil {
		return nil, err
	}
	rec.Fields = fields

	return &rec, nil
}

// formatTime renders a timestamp in the canonical stored form.
func formatTime(t time.Time) string {
	return t.UTC().Format(schema.TimeLayout)
}

// timeToNullString converts an optional timestamp for storage.
func timeToNullString(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
