package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/driftline/driftline/internal/schema"
	_ "github.com/tursodatabase/go-libsql"
)

// LibSQL is the production remote store: a libSQL/Turso database
// reached over the network and shared by all of the principal's
// devices.
type LibSQL struct {
	conn *sql.DB
}

// OpenLibSQL connects to a libSQL database.
//
// The URL is a Turso connection string, e.g.
// "libsql://driftline-me.turso.io?authToken=...". The connection is
// verified with a ping so a bad URL or token surfaces immediately as
// ErrUnavailable.
func OpenLibSQL(ctx context.Context, url string) (*LibSQL, error) {
	conn, err := sql.Open("libsql", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetConnMaxIdleTime(time.Minute)

	return &LibSQL{conn: conn}, nil
}

// Close closes the remote connection.
func (r *LibSQL) Close() error {
	if r.conn == nil {
		return nil
	}
	if err := r.conn.Close(); err != nil {
		return fmt.Errorf("failed to close remote database: %w", err)
	}
	r.conn = nil
	return nil
}

// InitSchema creates the remote tables for every registered collection
// plus the sync_events ledger used for idempotency. Idempotent; only
// needed for self-managed remotes, hosted deployments usually migrate
// out of band.
func (r *LibSQL) InitSchema(ctx context.Context, reg *schema.Registry) error {
	eventsSchema := `
	CREATE TABLE IF NOT EXISTS sync_events (
		client_event_id TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	);
	`
	if _, err := r.conn.ExecContext(ctx, eventsSchema); err != nil {
		return fmt.Errorf("failed to create sync_events table: %w", err)
	}

	for _, col := range reg.All() {
		table := col.RemoteTable()
		tableSchema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			client_event_id TEXT NOT NULL DEFAULT '',
			payload TEXT NOT NULL DEFAULT '{}',
			updated_at TEXT NOT NULL,
			deleted_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_user_updated ON %[1]s(user_id, updated_at);
		`, table)

		if _, err := r.conn.ExecContext(ctx, tableSchema); err != nil {
			return fmt.Errorf("failed to create remote table %s: %w", table, err)
		}
	}

	return nil
}

// Upsert implements Store. The event claim and the row write share a
// transaction, so a replayed event id is a committed no-op.
func (r *LibSQL) Upsert(ctx context.Context, table string, row Row) error {
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert: %w", err)
	}
	defer tx.Rollback()

	applied, err := claimEvent(ctx, tx, row.EventID)
	if err != nil {
		return err
	}
	if applied {
		return tx.Commit()
	}

	payload, err := json.Marshal(row.Columns)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (id, user_id, client_event_id, payload, updated_at, deleted_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		user_id = excluded.user_id,
		client_event_id = excluded.client_event_id,
		payload = excluded.payload,
		updated_at = excluded.updated_at,
		deleted_at = excluded.deleted_at
	`, table)

	_, err = tx.ExecContext(ctx, query,
		row.ID,
		row.Principal,
		row.EventID,
		string(payload),
		row.UpdatedAt.UTC().Format(schema.TimeLayout),
		optionalTime(row.DeletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", table, row.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert: %w", err)
	}
	return nil
}

// Delete implements Store. Sets the tombstone columns rather than
// removing the row; creates the tombstone row when the entity was never
// pushed from this or any device.
func (r *LibSQL) Delete(ctx context.Context, table, id, principal, eventID string, deletedAt time.Time) error {
	tx, err := r.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delete: %w", err)
	}
	defer tx.Rollback()

	applied, err := claimEvent(ctx, tx, eventID)
	if err != nil {
		return err
	}
	if applied {
		return tx.Commit()
	}

	stamp := deletedAt.UTC().Format(schema.TimeLayout)

	query := fmt.Sprintf(`
	INSERT INTO %s (id, user_id, client_event_id, payload, updated_at, deleted_at)
	VALUES (?, ?, ?, '{}', ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		client_event_id = excluded.client_event_id,
		updated_at = excluded.updated_at,
		deleted_at = excluded.deleted_at
	`, table)

	_, err = tx.ExecContext(ctx, query, id, principal, eventID, stamp, stamp)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", table, id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// ChangedSince implements Store. The updated_at filter is a TEXT
// comparison; schema.TimeLayout keeps the stored strings in time order
// so no write after the cursor can be excluded.
func (r *LibSQL) ChangedSince(ctx context.Context, table, principal string, since time.Time) ([]Row, error) {
	query := fmt.Sprintf(`
	SELECT id, user_id, client_event_id, payload, updated_at, deleted_at
	FROM %s
	WHERE user_id = ? AND updated_at >= ?
	ORDER BY updated_at ASC, id ASC
	`, table)

	rows, err := r.conn.QueryContext(ctx, query,
		principal, since.UTC().Format(schema.TimeLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s changes: %w", table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			row       Row
			payload   string
			updatedAt string
			deletedAt sql.NullString
		)
		if err := rows.Scan(&row.ID, &row.Principal, &row.EventID,
			&payload, &updatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}

		t, err := time.Parse(time.RFC3339Nano, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("invalid updated_at %q: %w", updatedAt, err)
		}
		row.UpdatedAt = t

		if deletedAt.Valid {
			dt, err := time.Parse(time.RFC3339Nano, deletedAt.String)
			if err != nil {
				return nil, fmt.Errorf("invalid deleted_at %q: %w", deletedAt.String, err)
			}
			row.DeletedAt = &dt
		}

		if err := json.Unmarshal([]byte(payload), &row.Columns); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s/%s payload: %w", table, row.ID, err)
		}

		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s changes: %w", table, err)
	}

	return out, nil
}

// Ping implements Store.
func (r *LibSQL) Ping(ctx context.Context) error {
	if err := r.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// claimEvent records the event id in the idempotency ledger. Returns
// true if the event was already applied by an earlier push.
func claimEvent(ctx context.Context, tx *sql.Tx, eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("client event id is required")
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sync_events (client_event_id, applied_at) VALUES (?, ?)`,
		eventID, time.Now().UTC().Format(schema.TimeLayout))
	if err != nil {
		return false, fmt.Errorf("failed to claim event %s: %w", eventID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check event claim: %w", err)
	}
	return n == 0, nil
}

// optionalTime converts an optional timestamp for storage.
func optionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(schema.TimeLayout)
}
