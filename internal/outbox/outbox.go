// Package outbox implements the durable queue of pending local
// mutations awaiting transmission to the remote store.
//
// Every local write that must reach the remote is recorded here first
// (the outbox pattern), so a crash between the local write and the
// network send can never lose the mutation. Entries carry a client
// event id generated exactly once at enqueue time; the remote side uses
// it as an idempotency key, so a retried push never applies twice.
//
// The outbox shares the local SQLite database with the record tables.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/driftline/driftline/internal/schema"
)

// Operation is the kind of mutation an entry describes.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Status is the lifecycle state of an entry.
//
// pending -> in_flight -> synced on success, or -> failed on error.
// A failed entry re-enters eligibility (after its backoff delay) until
// the retry ceiling, where it is retained for diagnosis but no longer
// retried. in_flight entries are treated as eligible again on the next
// cycle: no acknowledgment of success was recorded, so a crash mid-push
// leaves them recoverable.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusSynced   Status = "synced"
	StatusFailed   Status = "failed"
)

// Entry is one pending mutation.
type Entry struct {
	ID            int64
	ClientEventID string
	EntityType    string
	EntityID      string
	Operation     Operation
	Payload       map[string]any
	Status        Status
	RetryCount    int
	LastError     string
	CreatedAt     time.Time
	SyncedAt      *time.Time
	NextAttemptAt *time.Time
}

// Config holds outbox tuning knobs.
type Config struct {
	// RetryCeiling is the number of failures after which an entry is
	// excluded from further attempts (default: 5).
	RetryCeiling int

	// BackoffMin is the delay before the first retry (default: 1s).
	BackoffMin time.Duration

	// BackoffMax caps the retry delay (default: 5m).
	BackoffMax time.Duration

	// Logger for outbox activity.
	Logger *log.Logger

	// Now is the clock, injectable for tests.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RetryCeiling: 5,
		BackoffMin:   time.Second,
		BackoffMax:   5 * time.Minute,
		Logger:       log.New(os.Stderr, "[outbox] ", log.LstdFlags),
		Now:          time.Now,
	}
}

// Store is the durable outbox queue.
type Store struct {
	conn   *sql.DB
	config *Config
}

// New creates an outbox store on the given database connection.
// Call Init before first use.
func New(conn *sql.DB, config *Config) *Store {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[outbox] ", log.LstdFlags)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.RetryCeiling <= 0 {
		config.RetryCeiling = 5
	}
	if config.BackoffMin <= 0 {
		config.BackoffMin = time.Second
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = 5 * time.Minute
	}
	return &Store{conn: conn, config: config}
}

// RetryCeiling returns the configured retry ceiling.
func (s *Store) RetryCeiling() int {
	return s.config.RetryCeiling
}

// Init creates the outbox table. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS outbox_entries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_event_id TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		synced_at TEXT,
		next_attempt_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox_entries(status);
	CREATE INDEX IF NOT EXISTS idx_outbox_order ON outbox_entries(created_at, id);
	`
	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create outbox schema: %w", err)
	}
	return nil
}

// Enqueue appends a pending mutation with a freshly generated client
// event id. This is a local durable write; a failure here is a fatal
// local-storage error, not a sync error.
func (s *Store) Enqueue(ctx context.Context, entityType, entityID string, op Operation, payload map[string]any) (*Entry, error) {
	if entityType == "" || entityID == "" {
		return nil, fmt.Errorf("entity type and id are required")
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	entry := &Entry{
		ClientEventID: uuid.NewString(),
		EntityType:    entityType,
		EntityID:      entityID,
		Operation:     op,
		Payload:       payload,
		Status:        StatusPending,
		CreatedAt:     s.config.Now().UTC(),
	}

	res, err := s.conn.ExecContext(ctx, `
	INSERT INTO outbox_entries (
		client_event_id, entity_type, entity_id, operation,
		payload, status, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ClientEventID,
		entry.EntityType,
		entry.EntityID,
		string(entry.Operation),
		string(payloadJSON),
		string(entry.Status),
		entry.CreatedAt.Format(schema.TimeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s/%s: %w", entityType, entityID, err)
	}

	entry.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read entry id: %w", err)
	}

	s.config.Logger.Printf("Enqueued %s %s/%s (event %s)",
		op, entityType, entityID, entry.ClientEventID)

	return entry, nil
}

// ListEligible returns entries awaiting a push attempt, oldest first.
//
// Eligible means pending, in_flight (recovered from a crashed cycle),
// or failed below the retry ceiling with its backoff delay elapsed.
// FIFO order per entity id follows from the global created_at ordering:
// an insert is never overtaken by a later update for the same entity.
func (s *Store) ListEligible(ctx context.Context) ([]*Entry, error) {
	// next_attempt_at is compared as TEXT; schema.TimeLayout keeps the
	// strings in time order at any fractional precision.
	now := s.config.Now().UTC().Format(schema.TimeLayout)

	rows, err := s.conn.QueryContext(ctx, `
	SELECT id, client_event_id, entity_type, entity_id, operation,
	       payload, status, retry_count, last_error,
	       created_at, synced_at, next_attempt_at
	FROM outbox_entries
	WHERE status IN (?, ?)
	   OR (status = ? AND retry_count < ?
	       AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
	ORDER BY created_at ASC, id ASC`,
		string(StatusPending), string(StatusInFlight),
		string(StatusFailed), s.config.RetryCeiling, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate entries: %w", err)
	}

	return entries, nil
}

// MarkInFlight transitions an entry to in_flight before its push
// attempt. Returns an error if the entry was already synced or does not
// exist, which prevents two overlapping cycles from double-processing.
func (s *Store) MarkInFlight(ctx context.Context, id int64) error {
	res, err := s.conn.ExecContext(ctx, `
	UPDATE outbox_entries SET status = ?
	WHERE id = ? AND status IN (?, ?, ?)`,
		string(StatusInFlight),
		id, string(StatusPending), string(StatusInFlight), string(StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("failed to mark entry %d in flight: %w", id, err)
	}
	return requireAffected(res, id, "in_flight")
}

// MarkSynced records a successful push.
func (s *Store) MarkSynced(ctx context.Context, id int64) error {
	res, err := s.conn.ExecContext(ctx, `
	UPDATE outbox_entries SET status = ?, synced_at = ?, last_error = ''
	WHERE id = ? AND status = ?`,
		string(StatusSynced),
		s.config.Now().UTC().Format(schema.TimeLayout),
		id, string(StatusInFlight),
	)
	if err != nil {
		return fmt.Errorf("failed to mark entry %d synced: %w", id, err)
	}
	return requireAffected(res, id, "synced")
}

// MarkFailed records a failed push attempt, increments the retry count
// and schedules the next attempt with exponential backoff. The entry is
// retained even past the retry ceiling for diagnosis.
func (s *Store) MarkFailed(ctx context.Context, id int64, cause error) error {
	var retryCount int
	err := s.conn.QueryRowContext(ctx,
		`SELECT retry_count FROM outbox_entries WHERE id = ?`, id).Scan(&retryCount)
	if err != nil {
		return fmt.Errorf("failed to load entry %d: %w", id, err)
	}

	retryCount++
	next := s.config.Now().UTC().Add(s.retryDelay(retryCount))

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	res, err := s.conn.ExecContext(ctx, `
	UPDATE outbox_entries
	SET status = ?, retry_count = ?, last_error = ?, next_attempt_at = ?
	WHERE id = ? AND status = ?`,
		string(StatusFailed), retryCount, msg,
		next.Format(schema.TimeLayout),
		id, string(StatusInFlight),
	)
	if err != nil {
		return fmt.Errorf("failed to mark entry %d failed: %w", id, err)
	}
	if err := requireAffected(res, id, "failed"); err != nil {
		return err
	}

	if retryCount >= s.config.RetryCeiling {
		s.config.Logger.Printf("Entry %d exhausted retries (%d): %s", id, retryCount, msg)
	} else {
		s.config.Logger.Printf("Entry %d failed (retry %d/%d, next at %s): %s",
			id, retryCount, s.config.RetryCeiling, next.Format(time.RFC3339), msg)
	}

	return nil
}

// PurgeSynced deletes synced entries older than maxAge and returns the
// count removed. Pending, in-flight and failed entries are never purged.
func (s *Store) PurgeSynced(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := s.config.Now().UTC().Add(-maxAge).Format(schema.TimeLayout)

	res, err := s.conn.ExecContext(ctx, `
	DELETE FROM outbox_entries
	WHERE status = ? AND synced_at IS NOT NULL AND synced_at < ?`,
		string(StatusSynced), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge synced entries: %w", err)
	}

	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged entries: %w", err)
	}

	if count > 0 {
		s.config.Logger.Printf("Purged %d synced entries older than %s", count, maxAge)
	}
	return count, nil
}

// Stats returns entry counts per status for status surfaces.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM outbox_entries GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox stats: %w", err)
	}
	defer rows.Close()

	stats := map[Status]int{
		StatusPending:  0,
		StatusInFlight: 0,
		StatusSynced:   0,
		StatusFailed:   0,
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats[Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stats: %w", err)
	}

	return stats, nil
}

// retryDelay computes the backoff delay for the given attempt number.
// Deterministic (no jitter): the pacing only spaces out re-eligibility,
// collisions are impossible on a single queue.
func (s *Store) retryDelay(retryCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.config.BackoffMin
	b.MaxInterval = s.config.BackoffMax
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	delay := b.NextBackOff()
	for i := 1; i < retryCount; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// requireAffected turns a zero-row update into a transition error.
func requireAffected(res sql.Result, id int64, target string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check transition of entry %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("entry %d not eligible for %s transition", id, target)
	}
	return nil
}

// scanEntry reads one row from a ListEligible-shaped query.
func scanEntry(rows *sql.Rows) (*Entry, error) {
	var (
		entry       Entry
		operation   string
		payload     string
		status      string
		createdAt   string
		syncedAt    sql.NullString
		nextAttempt sql.NullString
	)

	err := rows.Scan(
		&entry.ID,
		&entry.ClientEventID,
		&entry.EntityType,
		&entry.EntityID,
		&operation,
		&payload,
		&status,
		&entry.RetryCount,
		&entry.LastError,
		&createdAt,
		&syncedAt,
		&nextAttempt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan entry: %w", err)
	}

	entry.Operation = Operation(operation)
	entry.Status = Status(status)

	t, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
	}
	entry.CreatedAt = t

	if syncedAt.Valid {
		st, err := time.Parse(time.RFC3339Nano, syncedAt.String)
		if err != nil {
			return nil, fmt.Errorf("invalid synced_at %q: %w", syncedAt.String, err)
		}
		entry.SyncedAt = &st
	}
	if nextAttempt.Valid {
		nt, err := time.Parse(time.RFC3339Nano, nextAttempt.String)
		if err != nil {
			return nil, fmt.Errorf("invalid next_attempt_at %q: %w", nextAttempt.String, err)
		}
		entry.NextAttemptAt = &nt
	}

	if err := json.Unmarshal([]byte(payload), &entry.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload for entry %d: %w", entry.ID, err)
	}

	return &entry, nil
}
