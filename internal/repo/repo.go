// Package repo is the write boundary for domain code.
//
// Every domain mutation goes through here so the local write and its
// outbox entry always travel together: a record change that is not
// queued for push, or a queued push without the local change, cannot
// happen through this API. Reads hide tombstones; deleted records are
// gone as far as domain code is concerned, even though the rows remain
// until every device has seen the deletion.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/driftline/driftline/internal/merge"
	"github.com/driftline/driftline/internal/outbox"
	"github.com/driftline/driftline/internal/schema"
	"github.com/driftline/driftline/internal/store"
)

// ErrNotFound is returned for missing or deleted records.
var ErrNotFound = errors.New("repo: record not found")

// Repo mediates domain access to one local database.
type Repo struct {
	db     *store.DB
	outbox *outbox.Store
	reg    *schema.Registry
	now    func() time.Time
}

// New creates a repository over an initialized store and outbox.
func New(db *store.DB, ob *outbox.Store, reg *schema.Registry) *Repo {
	return &Repo{
		db:     db,
		outbox: ob,
		reg:    reg,
		now:    time.Now,
	}
}

// Put writes a record and queues it for push.
//
// UpdatedAt is stamped here, at write time; callers never supply it.
// The operation recorded in the outbox distinguishes a first write from
// an update, purely for diagnostics; the remote applies both as upserts.
func (r *Repo) Put(ctx context.Context, collection string, rec *schema.Record) error {
	col, err := r.collection(collection)
	if err != nil {
		return err
	}
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}

	op := outbox.OpUpdate
	existing, err := r.db.Get(ctx, col, rec.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		op = outbox.OpInsert
	case err != nil:
		return err
	case existing.IsTombstone():
		return fmt.Errorf("cannot update deleted record %s/%s", collection, rec.ID)
	}

	stamped := rec.Clone()
	stamped.UpdatedAt = r.now().UTC()
	stamped.DeletedAt = nil

	if err := r.db.Put(ctx, col, stamped); err != nil {
		return err
	}
	if _, err := r.outbox.Enqueue(ctx, collection, stamped.ID, op, outboxPayload(stamped)); err != nil {
		return err
	}

	rec.UpdatedAt = stamped.UpdatedAt
	return nil
}

// Delete tombstones a record and queues the deletion for push.
// Deleting a missing or already deleted record is a no-op.
func (r *Repo) Delete(ctx context.Context, collection, id string) error {
	col, err := r.collection(collection)
	if err != nil {
		return err
	}

	rec, err := r.db.Get(ctx, col, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.IsTombstone() {
		return nil
	}

	deletedAt := r.now().UTC()
	if err := r.db.Put(ctx, col, merge.Tombstone(rec, deletedAt)); err != nil {
		return err
	}

	payload := map[string]any{
		"deletedAt": deletedAt.Format(time.RFC3339Nano),
	}
	if _, err := r.outbox.Enqueue(ctx, collection, id, outbox.OpDelete, payload); err != nil {
		return err
	}
	return nil
}

// Get loads a live record. Tombstoned records return ErrNotFound.
func (r *Repo) Get(ctx context.Context, collection, id string) (*schema.Record, error) {
	col, err := r.collection(collection)
	if err != nil {
		return nil, err
	}

	rec, err := r.db.Get(ctx, col, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if rec.IsTombstone() {
		return nil, ErrNotFound
	}
	return rec, nil
}

// List returns the live records of a collection, ordered by id.
func (r *Repo) List(ctx context.Context, collection string) ([]*schema.Record, error) {
	col, err := r.collection(collection)
	if err != nil {
		return nil, err
	}
	return r.db.List(ctx, col, false)
}

func (r *Repo) collection(name string) (*schema.Collection, error) {
	col, ok := r.reg.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown collection %q", name)
	}
	return col, nil
}

// outboxPayload builds the push payload: the record's fields plus its
// write timestamp, which the pusher forwards as the row's UpdatedAt.
func outboxPayload(rec *schema.Record) map[string]any {
	payload := make(map[string]any, len(rec.Fields)+1)
	for k, v := range rec.Fields {
		payload[k] = v
	}
	payload["updatedAt"] = rec.UpdatedAt.Format(time.RFC3339Nano)
	return payload
}
