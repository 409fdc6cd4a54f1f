// Package export moves collection data in and out of the local
// database as JSONL, one file per collection, one record per line.
//
// Export is a read-only snapshot for backup or inspection. Import is a
// domain write: records enter through the repository, so they are
// stamped, queued and synced like any other local edit.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/driftline/driftline/internal/repo"
	"github.com/driftline/driftline/internal/schema"
	"github.com/driftline/driftline/internal/store"
)

// Options configures an export run.
type Options struct {
	// Dir is the output directory; one <collection>.jsonl per collection.
	Dir string

	// IncludeDeleted also exports tombstoned records.
	IncludeDeleted bool

	// DryRun counts without writing.
	DryRun bool
}

// Result contains statistics about an export run.
type Result struct {
	RecordsWritten int
	FilesWritten   int
}

// ImportResult contains statistics about an import run.
type ImportResult struct {
	RecordsImported int
	Skipped         int
	Errors          []string
}

// Export writes every collection to JSONL files under opts.Dir.
func Export(ctx context.Context, db *store.DB, reg *schema.Registry, opts Options) (*Result, error) {
	result := &Result{}

	if !opts.DryRun {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create export directory: %w", err)
		}
	}

	for _, col := range reg.All() {
		records, err := db.List(ctx, col, opts.IncludeDeleted)
		if err != nil {
			return nil, err
		}
		result.RecordsWritten += len(records)

		if opts.DryRun {
			continue
		}

		path := filepath.Join(opts.Dir, col.RemoteTable()+".jsonl")
		if err := writeJSONL(path, records); err != nil {
			return nil, fmt.Errorf("failed to export %s: %w", col.Name, err)
		}
		result.FilesWritten++
	}

	return result, nil
}

// writeJSONL writes records atomically via a temp file, so a crashed
// export never leaves a truncated file behind.
func writeJSONL(path string, records []*schema.Record) error {
	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	encoder := json.NewEncoder(file)
	for _, rec := range records {
		if err := encoder.Encode(rec); err != nil {
			_ = file.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
		}
	}

	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Import reads JSONL files from dir and writes their records through
// the repository. Tombstoned lines are skipped; a deletion is not a
// record to re-create. Collections without a file are skipped quietly.
func Import(ctx context.Context, r *repo.Repo, reg *schema.Registry, dir string) (*ImportResult, error) {
	result := &ImportResult{}

	for _, col := range reg.All() {
		path := filepath.Join(dir, col.RemoteTable()+".jsonl")
		records, err := readJSONL(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}

		for _, rec := range records {
			if rec.IsTombstone() {
				result.Skipped++
				continue
			}
			if err := r.Put(ctx, col.Name, rec); err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("failed to import %s/%s: %v", col.Name, rec.ID, err))
				continue
			}
			result.RecordsImported++
		}
	}

	return result, nil
}

// readJSONL parses one exported file.
func readJSONL(path string) ([]*schema.Record, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []*schema.Record
	decoder := json.NewDecoder(file)
	lineNum := 0

	for {
		var rec schema.Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		if rec.ID == "" {
			return nil, fmt.Errorf("record at line %d has no id", lineNum)
		}
		records = append(records, &rec)
	}

	return records, nil
}
