package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftline/driftline/internal/outbox"
	"github.com/driftline/driftline/internal/remote"
	"github.com/driftline/driftline/internal/schema"
	"github.com/driftline/driftline/internal/store"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// flakyRemote wraps the in-memory store with a per-table fetch failure
// for cursor-safety tests.
type flakyRemote struct {
	*remote.Memory
	failTable string
	err       error
}

func (f *flakyRemote) ChangedSince(ctx context.Context, table, principal string, since time.Time) ([]remote.Row, error) {
	if f.err != nil && table == f.failTable {
		return nil, f.err
	}
	return f.Memory.ChangedSince(ctx, table, principal, since)
}

type fixture struct {
	db     *store.DB
	outbox *outbox.Store
	remote *remote.Memory
	engine *Engine
	clock  *fakeClock
	reg    *schema.Registry
}

func newFixture(t *testing.T, rem remote.Store) *fixture {
	t.Helper()

	clock := &fakeClock{now: time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)}
	quiet := log.New(io.Discard, "", 0)

	db, err := store.Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	reg := schema.Default()
	if err := db.Init(reg); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	obConfig := outbox.DefaultConfig()
	obConfig.Now = clock.Now
	obConfig.Logger = quiet
	ob := outbox.New(db.RawDB(), obConfig)
	if err := ob.Init(context.Background()); err != nil {
		t.Fatalf("outbox Init() error = %v", err)
	}

	var mem *remote.Memory
	if rem == nil {
		mem = remote.NewMemory()
		rem = mem
	} else if m, ok := rem.(*remote.Memory); ok {
		mem = m
	}

	config := DefaultConfig()
	config.Now = clock.Now
	config.Logger = quiet

	return &fixture{
		db:     db,
		outbox: ob,
		remote: mem,
		engine: New(db, ob, rem, reg, "alice", config),
		clock:  clock,
		reg:    reg,
	}
}

func (f *fixture) col(t *testing.T, name string) *schema.Collection {
	t.Helper()
	col, ok := f.reg.Get(name)
	if !ok {
		t.Fatalf("collection %s not registered", name)
	}
	return col
}

// enqueue mimics a repository write: the payload carries the domain
// fields plus the record's own timestamp.
func (f *fixture) enqueue(t *testing.T, id string, op outbox.Operation, fields map[string]any) *outbox.Entry {
	t.Helper()
	payload := map[string]any{
		"updatedAt": f.clock.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range fields {
		payload[k] = v
	}
	entry, err := f.outbox.Enqueue(context.Background(), "tasks", id, op, payload)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	return entry
}

func TestCycleNoopWithoutRemote(t *testing.T) {
	f := newFixture(t, nil)
	f.engine.remote = nil
	f.engine.pusher.remote = nil
	f.engine.puller.remote = nil

	result, err := f.engine.FullSyncCycle(context.Background())
	if err != nil {
		t.Fatalf("FullSyncCycle() error = %v", err)
	}
	if result.Pushed != 0 || result.Applied != 0 {
		t.Errorf("unconfigured cycle did work: %+v", result)
	}
	if got := f.engine.Status(); got != StatusIdle {
		t.Errorf("Status() = %s, want idle", got)
	}
}

// TestCyclePushesOutboxFIFO verifies that an insert and a later update
// for the same entity arrive in order, so the remote ends on the update.
func TestCyclePushesOutboxFIFO(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.enqueue(t, "t-1", outbox.OpInsert, map[string]any{"title": "first"})
	f.clock.Advance(time.Second)
	f.enqueue(t, "t-1", outbox.OpUpdate, map[string]any{"title": "second"})

	result, err := f.engine.FullSyncCycle(ctx)
	if err != nil {
		t.Fatalf("FullSyncCycle() error = %v", err)
	}
	if result.Pushed != 2 {
		t.Errorf("Pushed = %d, want 2", result.Pushed)
	}

	row, ok := f.remote.Get("tasks", "t-1")
	if !ok {
		t.Fatal("remote row missing after push")
	}
	if row.Columns["title"] != "second" {
		t.Errorf("remote title = %v, want second", row.Columns["title"])
	}
	if row.Principal != "alice" {
		t.Errorf("remote principal = %q, want alice", row.Principal)
	}

	stats, err := f.outbox.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats[outbox.StatusSynced] != 2 || stats[outbox.StatusPending] != 0 {
		t.Errorf("outbox stats = %v, want 2 synced", stats)
	}
}

// TestCrashedPushDoesNotReapply verifies the idempotency key end to
// end: an entry whose push succeeded but whose acknowledgment was lost
// is retried with the same event id, and the remote applies it once.
func TestCrashedPushDoesNotReapply(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	entry := f.enqueue(t, "t-1", outbox.OpInsert, map[string]any{"title": "x"})

	if _, err := f.engine.FullSyncCycle(ctx); err != nil {
		t.Fatalf("FullSyncCycle() error = %v", err)
	}

	// Simulate a crash between the remote write and the local ack.
	_, err := f.db.RawDB().Exec(
		`UPDATE outbox_entries SET status = 'in_flight', synced_at = NULL WHERE id = ?`,
		entry.ID)
	if err != nil {
		t.Fatalf("failed to rewind entry: %v", err)
	}

	if _, err := f.engine.FullSyncCycle(ctx); err != nil {
		t.Fatalf("retry FullSyncCycle() error = %v", err)
	}

	if got := f.remote.Applied(entry.ClientEventID); got != 1 {
		t.Errorf("Applied(%s) = %d, want 1", entry.ClientEventID, got)
	}
	stats, err := f.outbox.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats[outbox.StatusSynced] != 1 {
		t.Errorf("outbox synced = %d, want 1", stats[outbox.StatusSynced])
	}
}

// TestFailedEntryDoesNotBlockQueue verifies one poisoned entity leaves
// the rest of the queue flowing.
func TestFailedEntryDoesNotBlockQueue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.enqueue(t, "t-bad", outbox.OpInsert, map[string]any{"title": "poison"})
	f.clock.Advance(time.Second)
	f.enqueue(t, "t-ok", outbox.OpInsert, map[string]any{"title": "fine"})

	f.remote.FailEntity("t-bad", errors.New("constraint violation"))

	result, err := f.engine.FullSyncCycle(ctx)
	if err != nil {
		t.Fatalf("FullSyncCycle() error = %v", err)
	}
	if result.Pushed != 1 || result.PushFailed != 1 {
		t.Errorf("result = %+v, want 1 pushed, 1 failed", result)
	}
	if _, ok := f.remote.Get("tasks", "t-ok"); !ok {
		t.Error("healthy entry was blocked by the poisoned one")
	}
}

func TestCyclePullsRemoteChanges(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.remote.Seed("tasks", remote.Row{
		ID:        "t-9",
		Principal: "alice",
		UpdatedAt: f.clock.Now().Add(-time.Hour),
		Columns:   map[string]any{"title": "from another device", "due_at": "2024-04-02"},
	})

	result, err := f.engine.FullSyncCycle(ctx)
	if err != nil {
		t.Fatalf("FullSyncCycle() error = %v", err)
	}
	if result.Applied != 1 {
		t.Errorf("Applied = %d, want 1", result.Applied)
	}

	rec, err := f.db.Get(ctx, f.col(t, "tasks"), "t-9")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Fields["title"] != "from another device" {
		t.Errorf("title = %v", rec.Fields["title"])
	}
	// Remote column names come back in local form.
	if rec.Fields["dueAt"] != "2024-04-02" {
		t.Errorf("dueAt = %v, want remapped from due_at", rec.Fields["dueAt"])
	}
	if _, leaked := rec.Fields["due_at"]; leaked {
		t.Error("remote column name leaked into local payload")
	}
}

// TestPullAppliesTombstonesFirst verifies a deletion and an older live
// copy of the same entity arriving in one pull converge on deleted.
func TestPullAppliesTombstonesFirst(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	deadAt := f.clock.Now().Add(-time.Minute)
	f.remote.Seed("tasks", remote.Row{
		ID:        "t-1",
		Principal: "alice",
		UpdatedAt: deadAt,
		DeletedAt: &deadAt,
	})
	// A stale live copy in a different collection position of the same
	// pull window must not resurrect it.
	f.remote.Seed("workouts", remote.Row{
		ID:        "w-1",
		Principal: "alice",
		UpdatedAt: f.clock.Now().Add(-2 * time.Hour),
		Columns:   map[string]any{"name": "run"},
	})

	result, err := f.engine.FullSyncCycle(ctx)
	if err != nil {
		t.Fatalf("FullSyncCycle() error = %v", err)
	}
	if result.Tombstoned != 1 || result.Applied != 1 {
		t.Errorf("result = %+v, want 1 tombstoned, 1 applied", result)
	}

	rec, err := f.db.Get(ctx, f.col(t, "tasks"), "t-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !rec.IsTombstone() {
		t.Error("pulled tombstone did not delete the local record")
	}

	// The tombstone also beats a newer local edit on the next pull.
	tombstoneAt := f.clock.Now().Add(time.Minute)
	f.clock.Advance(2 * time.Minute)
	live := &schema.Record{
		ID:        "t-2",
		UpdatedAt: f.clock.Now(),
		Fields:    map[string]any{"title": "edited locally"},
	}
	if err := f.db.Put(ctx, f.col(t, "tasks"), live); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	f.remote.Seed("tasks", remote.Row{
		ID: "t-2", Principal: "alice", UpdatedAt: tombstoneAt, DeletedAt: &tombstoneAt,
	})
	if _, err := f.engine.FullSyncCycle(ctx); err != nil {
		t.Fatalf("FullSyncCycle() error = %v", err)
	}
	rec, err = f.db.Get(ctx, f.col(t, "tasks"), "t-2")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !rec.IsTombstone() {
		t.Error("older remote tombstone lost to a newer local edit")
	}
}

// TestCursorNotAdvancedOnPartialFailure verifies the all-or-nothing
// cursor rule: a failing collection leaves the cursor untouched, and
// the next successful pull re-delivers everything.
func TestCursorNotAdvancedOnPartialFailure(t *testing.T) {
	mem := remote.NewMemory()
	flaky := &flakyRemote{Memory: mem, failTable: "workouts", err: errors.New("timeout")}
	f := newFixture(t, nil)
	f.engine.remote = flaky
	f.engine.puller.remote = flaky
	f.engine.pusher.remote = flaky
	f.remote = mem
	ctx := context.Background()

	mem.Seed("tasks", remote.Row{
		ID: "t-1", Principal: "alice",
		UpdatedAt: f.clock.Now().Add(-time.Hour),
		Columns:   map[string]any{"title": "x"},
	})

	if _, err := f.engine.FullSyncCycle(ctx); err == nil {
		t.Fatal("FullSyncCycle() succeeded despite a failing collection")
	}
	if got := f.engine.Status(); got != StatusError {
		t.Errorf("Status() = %s, want error", got)
	}

	if _, set, err := f.db.Cursor(ctx); err != nil || set {
		t.Fatalf("cursor advanced on partial failure (set=%v, err=%v)", set, err)
	}

	// Recovery: the row seeded before the failed pull still arrives.
	flaky.err = nil
	result, err := f.engine.FullSyncCycle(ctx)
	if err != nil {
		t.Fatalf("recovery FullSyncCycle() error = %v", err)
	}
	if result.Applied != 1 {
		t.Errorf("Applied = %d after recovery, want 1", result.Applied)
	}
	if _, set, err := f.db.Cursor(ctx); err != nil || !set {
		t.Errorf("cursor not advanced after clean pull (set=%v, err=%v)", set, err)
	}
}

// TestCursorWindowInclusive verifies a remote write landing exactly at
// a pull's start time is still delivered by the next pull.
func TestCursorWindowInclusive(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	if _, err := f.engine.FullSyncCycle(ctx); err != nil {
		t.Fatalf("FullSyncCycle() error = %v", err)
	}
	cursor, set, err := f.db.Cursor(ctx)
	if err != nil || !set {
		t.Fatalf("cursor missing after clean cycle (err=%v)", err)
	}

	// Another device writes at the exact cursor instant.
	f.remote.Seed("tasks", remote.Row{
		ID: "t-edge", Principal: "alice", UpdatedAt: cursor,
		Columns: map[string]any{"title": "raced the pull"},
	})

	f.clock.Advance(time.Minute)
	result, err := f.engine.FullSyncCycle(ctx)
	if err != nil {
		t.Fatalf("FullSyncCycle() error = %v", err)
	}
	if result.Applied != 1 {
		t.Errorf("Applied = %d, want the boundary write delivered", result.Applied)
	}
}

// TestPullKeepsNewerLocalEdit verifies last-writer-wins during pull: a
// local edit newer than the remote copy survives and stays queued for
// push.
func TestPullKeepsNewerLocalEdit(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.remote.Seed("tasks", remote.Row{
		ID: "t-1", Principal: "alice",
		UpdatedAt: f.clock.Now().Add(-time.Hour),
		Columns:   map[string]any{"title": "stale remote"},
	})
	local := &schema.Record{
		ID:        "t-1",
		UpdatedAt: f.clock.Now(),
		Fields:    map[string]any{"title": "fresh local"},
	}
	if err := f.db.Put(ctx, f.col(t, "tasks"), local); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	if _, err := f.engine.FullSyncCycle(ctx); err != nil {
		t.Fatalf("FullSyncCycle() error = %v", err)
	}

	rec, err := f.db.Get(ctx, f.col(t, "tasks"), "t-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Fields["title"] != "fresh local" {
		t.Errorf("title = %v, stale remote overwrote a newer local edit", rec.Fields["title"])
	}
}

func TestCycleOfflineStatus(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.remote.SetErr(errors.New("connection refused"))
	if _, err := f.engine.FullSyncCycle(ctx); !errors.Is(err, remote.ErrUnavailable) {
		t.Fatalf("FullSyncCycle() error = %v, want ErrUnavailable", err)
	}
	if got := f.engine.Status(); got != StatusOffline {
		t.Errorf("Status() = %s, want offline", got)
	}

	f.remote.SetErr(nil)
	if _, err := f.engine.FullSyncCycle(ctx); err != nil {
		t.Fatalf("FullSyncCycle() error = %v after recovery", err)
	}
	if got := f.engine.Status(); got != StatusIdle {
		t.Errorf("Status() = %s after recovery, want idle", got)
	}
}

func TestCycleReentrancyGuard(t *testing.T) {
	f := newFixture(t, nil)

	f.engine.mu.Lock()
	f.engine.syncing = true
	f.engine.mu.Unlock()

	if _, err := f.engine.FullSyncCycle(context.Background()); !errors.Is(err, ErrSyncInProgress) {
		t.Errorf("FullSyncCycle() error = %v, want ErrSyncInProgress", err)
	}
}

func TestCyclePurgesSyncedBacklog(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.enqueue(t, "t-1", outbox.OpInsert, map[string]any{"title": "x"})
	if _, err := f.engine.FullSyncCycle(ctx); err != nil {
		t.Fatalf("FullSyncCycle() error = %v", err)
	}

	f.clock.Advance(8 * 24 * time.Hour)
	result, err := f.engine.FullSyncCycle(ctx)
	if err != nil {
		t.Fatalf("FullSyncCycle() error = %v", err)
	}
	if result.Purged != 1 {
		t.Errorf("Purged = %d, want 1", result.Purged)
	}
}

func TestCycleDeletePropagates(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	deletedAt := f.clock.Now().UTC()
	payload := map[string]any{"deletedAt": deletedAt.Format(time.RFC3339Nano)}
	if _, err := f.outbox.Enqueue(ctx, "tasks", "t-gone", outbox.OpDelete, payload); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if _, err := f.engine.FullSyncCycle(ctx); err != nil {
		t.Fatalf("FullSyncCycle() error = %v", err)
	}

	row, ok := f.remote.Get("tasks", "t-gone")
	if !ok {
		t.Fatal("delete did not create a remote tombstone")
	}
	if !row.IsTombstone() || !row.DeletedAt.Equal(deletedAt) {
		t.Errorf("remote tombstone = %+v, want DeletedAt %v", row, deletedAt)
	}
}
