package export

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/driftline/driftline/internal/outbox"
	"github.com/driftline/driftline/internal/repo"
	"github.com/driftline/driftline/internal/schema"
	"github.com/driftline/driftline/internal/store"
)

func testFixture(t *testing.T) (*store.DB, *repo.Repo, *schema.Registry) {
	t.Helper()

	db, err := store.Open(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	reg := schema.Default()
	if err := db.Init(reg); err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	config := outbox.DefaultConfig()
	config.Logger = log.New(io.Discard, "", 0)
	ob := outbox.New(db.RawDB(), config)
	if err := ob.Init(context.Background()); err != nil {
		t.Fatalf("outbox Init() error = %v", err)
	}

	return db, repo.New(db, ob, reg), reg
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, r, reg := testFixture(t)

	seed := []struct {
		collection string
		id         string
		fields     map[string]any
	}{
		{"tasks", "t-1", map[string]any{"title": "water plants", "status": "open"}},
		{"tasks", "t-2", map[string]any{"title": "file taxes", "status": "done"}},
		{"workouts", "w-1", map[string]any{"name": "morning run", "durationSec": float64(1800)}},
	}
	for _, s := range seed {
		rec := &schema.Record{ID: s.id, Fields: s.fields}
		if err := r.Put(ctx, s.collection, rec); err != nil {
			t.Fatalf("Put(%s) error = %v", s.id, err)
		}
	}
	// A deleted record should not round-trip.
	if err := r.Delete(ctx, "tasks", "t-2"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	dir := t.TempDir()
	result, err := Export(ctx, db, reg, Options{Dir: dir, IncludeDeleted: true})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.RecordsWritten != 3 {
		t.Errorf("RecordsWritten = %d, want 3", result.RecordsWritten)
	}
	if result.FilesWritten != len(reg.All()) {
		t.Errorf("FilesWritten = %d, want %d", result.FilesWritten, len(reg.All()))
	}

	// Import into a fresh database.
	_, r2, _ := testFixture(t)
	imported, err := Import(ctx, r2, reg, dir)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if imported.RecordsImported != 2 {
		t.Errorf("RecordsImported = %d, want 2", imported.RecordsImported)
	}
	if imported.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1 tombstone", imported.Skipped)
	}
	if len(imported.Errors) != 0 {
		t.Errorf("Errors = %v", imported.Errors)
	}

	rec, err := r2.Get(ctx, "tasks", "t-1")
	if err != nil {
		t.Fatalf("Get() after import error = %v", err)
	}
	if rec.Fields["title"] != "water plants" {
		t.Errorf("imported title = %v", rec.Fields["title"])
	}
	if _, err := r2.Get(ctx, "tasks", "t-2"); err == nil {
		t.Error("tombstoned record was imported as live")
	}
}

func TestExportExcludesDeletedByDefault(t *testing.T) {
	ctx := context.Background()
	db, r, reg := testFixture(t)

	rec := &schema.Record{ID: "t-1", Fields: map[string]any{"title": "x"}}
	if err := r.Put(ctx, "tasks", rec); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := r.Delete(ctx, "tasks", "t-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	dir := t.TempDir()
	result, err := Export(ctx, db, reg, Options{Dir: dir})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.RecordsWritten != 0 {
		t.Errorf("RecordsWritten = %d, want 0", result.RecordsWritten)
	}
}

func TestExportDryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	db, r, reg := testFixture(t)

	rec := &schema.Record{ID: "t-1", Fields: map[string]any{"title": "x"}}
	if err := r.Put(ctx, "tasks", rec); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	dir := filepath.Join(t.TempDir(), "never-created")
	result, err := Export(ctx, db, reg, Options{Dir: dir, DryRun: true})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if result.RecordsWritten != 1 || result.FilesWritten != 0 {
		t.Errorf("dry run result = %+v", result)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Error("dry run created the output directory")
	}
}

func TestImportMissingDirIsEmpty(t *testing.T) {
	ctx := context.Background()
	_, r, reg := testFixture(t)

	result, err := Import(ctx, r, reg, filepath.Join(t.TempDir(), "empty"))
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if result.RecordsImported != 0 {
		t.Errorf("RecordsImported = %d, want 0", result.RecordsImported)
	}
}

func TestImportRejectsMalformedLine(t *testing.T) {
	ctx := context.Background()
	_, r, reg := testFixture(t)

	dir := t.TempDir()
	bad := `{"id":"t-1","updated_at":"2024-04-01T10:00:00Z"}` + "\n" + `{not json`
	if err := os.WriteFile(filepath.Join(dir, "tasks.jsonl"), []byte(bad), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err := Import(ctx, r, reg, dir)
	if err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("Import() error = %v, want line 2 parse failure", err)
	}
}
