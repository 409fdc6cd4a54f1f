package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/driftline/driftline/internal/merge"
	"github.com/driftline/driftline/internal/remote"
	"github.com/driftline/driftline/internal/schema"
	"github.com/driftline/driftline/internal/store"
)

// Puller reconciles remote changes into the local store.
type Puller struct {
	reg       *schema.Registry
	db        *store.DB
	remote    remote.Store
	principal string
	logger    *log.Logger
	now       func() time.Time
}

// PullResult summarizes one pull pass.
type PullResult struct {
	Applied        int
	Tombstoned     int
	CursorAdvanced bool
}

// batch holds one collection's fetched changes, split so deletions can
// be applied before any live record.
type batch struct {
	col        *schema.Collection
	tombstones []remote.Row
	live       []remote.Row
}

// Pull fetches every collection's changes since the cursor and applies
// them through conflict resolution.
//
// The pass is all-or-nothing with respect to the cursor: it advances to
// the pull's own start time only after every collection was fetched and
// applied. A partial failure leaves the cursor untouched, so the next
// pull re-fetches everything since the old cursor; re-applying a row is
// harmless because resolution is deterministic and local writes are
// upserts.
//
// Tombstones across all collections are applied before any live record.
// A pull that carries both a deletion and an older live copy of the
// same entity therefore converges on deleted, whatever order the remote
// returned them in.
func (p *Puller) Pull(ctx context.Context) (PullResult, error) {
	var result PullResult

	// The cursor must move to a time at or before the fetches below, so
	// a remote write racing this pull lands after the new cursor and is
	// picked up next time. Inclusive comparison on the remote side
	// covers a write at exactly this instant.
	pullStart := p.now().UTC()

	cursor, _, err := p.db.Cursor(ctx)
	if err != nil {
		return result, err
	}

	batches := make([]batch, 0, len(p.reg.All()))
	for _, col := range p.reg.All() {
		rows, err := p.remote.ChangedSince(ctx, col.RemoteTable(), p.principal, cursor)
		if err != nil {
			return result, fmt.Errorf("failed to fetch %s changes: %w", col.Name, err)
		}

		b := batch{col: col}
		for _, row := range rows {
			if row.IsTombstone() {
				b.tombstones = append(b.tombstones, row)
			} else {
				b.live = append(b.live, row)
			}
		}
		batches = append(batches, b)
	}

	for _, b := range batches {
		for _, row := range b.tombstones {
			if err := p.applyRow(ctx, b.col, row); err != nil {
				return result, err
			}
			result.Tombstoned++
		}
	}
	for _, b := range batches {
		for _, row := range b.live {
			if err := p.applyRow(ctx, b.col, row); err != nil {
				return result, err
			}
			result.Applied++
		}
	}

	if err := p.db.SetCursor(ctx, pullStart); err != nil {
		return result, err
	}
	result.CursorAdvanced = true

	if result.Applied > 0 || result.Tombstoned > 0 {
		p.logger.Printf("Pulled %d records, %d tombstones", result.Applied, result.Tombstoned)
	}
	return result, nil
}

// applyRow resolves one remote row against the local copy and stores
// the result.
func (p *Puller) applyRow(ctx context.Context, col *schema.Collection, row remote.Row) error {
	incoming := rowToRecord(col, row)

	local, err := p.db.Get(ctx, col, row.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	resolved := merge.Resolve(col, local, incoming)
	if err := p.db.Put(ctx, col, resolved); err != nil {
		return fmt.Errorf("failed to apply %s/%s: %w", col.Name, row.ID, err)
	}
	return nil
}

// rowToRecord converts a remote row into a local record, mapping column
// names and dropping remote-only columns through the allow-list.
func rowToRecord(col *schema.Collection, row remote.Row) *schema.Record {
	rec := &schema.Record{
		ID:        row.ID,
		UpdatedAt: row.UpdatedAt,
		Fields:    col.FromRemoteFields(row.Columns),
	}
	if row.DeletedAt != nil {
		t := row.DeletedAt.UTC()
		rec.DeletedAt = &t
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Unix(0, 0).UTC()
	}
	return rec
}
