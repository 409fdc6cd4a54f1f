// Package remote defines the contract with the shared remote store and
// its implementations.
//
// The remote side is a set of tables, one per synced collection, named
// by the snake_case naming map. Rows carry the owning principal, the
// idempotency key of the mutation that produced them, the last-modified
// timestamp and an optional tombstone timestamp. Writes are upserts
// keyed by entity id; deletes set the tombstone columns, they never
// remove the row.
package remote

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable marks the remote as unreachable or unconfigured.
// A sync cycle treats it as "skip quietly", not as a failure.
var ErrUnavailable = errors.New("remote: store unavailable")

// Row is one remote record in wire form. Columns holds the domain
// payload keyed by remote (snake_case) names.
type Row struct {
	ID        string
	Principal string
	EventID   string
	UpdatedAt time.Time
	DeletedAt *time.Time
	Columns   map[string]any
}

// IsTombstone reports whether the row marks a deletion.
func (r *Row) IsTombstone() bool {
	return r.DeletedAt != nil
}

// Store is the remote store contract.
//
// Upsert and Delete MUST be idempotent per event id: replaying a
// mutation with an already-applied EventID is a silent no-op, so a push
// retried after a lost acknowledgment never applies twice.
type Store interface {
	// Upsert inserts or updates a row keyed by entity id.
	Upsert(ctx context.Context, table string, row Row) error

	// Delete sets the tombstone columns for an entity. The row is
	// created as a tombstone if it does not exist yet, so a deletion
	// made offline still propagates to other devices.
	Delete(ctx context.Context, table, id, principal, eventID string, deletedAt time.Time) error

	// ChangedSince returns the principal's rows modified at or after
	// the cursor, oldest first. The comparison is inclusive: a write
	// that lands exactly at a pull's start timestamp is returned again
	// by the next pull rather than slipping through the window.
	ChangedSince(ctx context.Context, table, principal string, since time.Time) ([]Row, error)

	// Ping reports whether the remote is reachable.
	Ping(ctx context.Context) error
}
