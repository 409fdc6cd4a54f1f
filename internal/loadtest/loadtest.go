// Package loadtest provides load testing utilities for the local
// database layer.
//
// The engine's promise is that domain reads stay fast while a sync
// cycle writes. This package simulates concurrent domain readers
// against a database under write load to validate that WAL delivers
// on that, with sub-10ms average read latency at realistic sizes.
package loadtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/driftline/driftline/internal/schema"
	"github.com/driftline/driftline/internal/store"
)

// TestDatabase represents a populated test database for load testing.
type TestDatabase struct {
	DB           *store.DB
	Reg          *schema.Registry
	RecordIDs    []string
	TotalRecords int
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration // Median
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
	Durations    []time.Duration
}

// CreateTestDatabase creates a test database populated with numRecords
// task records. Creation times are staggered so updated_at ordering is
// realistic, and roughly a tenth of the records are tombstoned to make
// the live-record filter do real work.
func CreateTestDatabase(dbPath string, numRecords int) (*TestDatabase, error) {
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Pool sized for many concurrent readers.
	db.RawDB().SetMaxOpenConns(150)
	db.RawDB().SetMaxIdleConns(50)
	db.RawDB().SetConnMaxLifetime(10 * time.Minute)

	reg := schema.Default()
	if err := db.Init(reg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	td := &TestDatabase{
		DB:           db,
		Reg:          reg,
		RecordIDs:    make([]string, 0, numRecords),
		TotalRecords: numRecords,
	}

	col, _ := reg.Get("tasks")
	ctx := context.Background()
	baseTime := time.Now().Add(-30 * 24 * time.Hour).UTC()

	for i := 0; i < numRecords; i++ {
		rec := generateRecord(i, baseTime)
		if err := db.Put(ctx, col, rec); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to insert record %s: %w", rec.ID, err)
		}
		td.RecordIDs = append(td.RecordIDs, rec.ID)
	}

	return td, nil
}

// Close closes the test database connection.
func (td *TestDatabase) Close() error {
	if td.DB != nil {
		return td.DB.Close()
	}
	return nil
}

// RunConcurrentReads simulates N concurrent domain readers listing live
// records. Each reader performs queriesPerReader queries, recording
// latency for each. Returns aggregated latency statistics.
func (td *TestDatabase) RunConcurrentReads(numReaders, queriesPerReader int) (*LatencyStats, error) {
	var wg sync.WaitGroup

	resultsChan := make(chan []time.Duration, numReaders)
	errorsChan := make(chan error, numReaders)

	col, _ := td.Reg.Get("tasks")

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(readerID int) {
			defer wg.Done()

			durations := make([]time.Duration, 0, queriesPerReader)
			ctx := context.Background()

			for j := 0; j < queriesPerReader; j++ {
				start := time.Now()
				_, err := td.DB.List(ctx, col, false)
				durations = append(durations, time.Since(start))

				if err != nil {
					errorsChan <- fmt.Errorf("reader %d query %d failed: %w", readerID, j, err)
					return
				}
			}

			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	errorCount := 0
	for err := range errorsChan {
		if err != nil {
			errorCount++
			fmt.Printf("Error: %v\n", err)
		}
	}

	var allDurations []time.Duration
	for durations := range resultsChan {
		allDurations = append(allDurations, durations...)
	}

	if len(allDurations) == 0 {
		return nil, fmt.Errorf("no successful queries completed")
	}

	stats := computeLatencyStats(allDurations)
	stats.Errors = errorCount
	return stats, nil
}

// VerifyReadsDuringWrites runs concurrent readers while a writer
// applies sync-style upserts, and checks that every read sees
// consistent data: no empty ids, no tombstones in a live listing.
func (td *TestDatabase) VerifyReadsDuringWrites(numReaders int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	errorsChan := make(chan error, numReaders+1)

	col, _ := td.Reg.Get("tasks")

	// Writer: rewrite records the way a pull pass does.
	wg.Add(1)
	go func() {
		defer wg.Done()

		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				return
			default:
				id := td.RecordIDs[i%len(td.RecordIDs)]
				rec := &schema.Record{
					ID:        id,
					UpdatedAt: time.Now().UTC(),
					Fields: map[string]any{
						"title":  fmt.Sprintf("rewritten %d", i),
						"status": "open",
					},
				}
				if err := td.DB.Put(ctx, col, rec); err != nil && ctx.Err() == nil {
					errorsChan <- fmt.Errorf("writer upsert failed: %w", err)
					return
				}
			}
		}
	}()

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(readerID int) {
			defer wg.Done()

			for {
				select {
				case <-ctx.Done():
					return
				default:
					records, err := td.DB.List(ctx, col, false)
					if err != nil && ctx.Err() == nil {
						errorsChan <- fmt.Errorf("reader %d failed: %w", readerID, err)
						return
					}

					for _, rec := range records {
						if rec.ID == "" {
							errorsChan <- fmt.Errorf("reader %d found record with empty ID", readerID)
							return
						}
						if rec.IsTombstone() {
							errorsChan <- fmt.Errorf("reader %d found tombstone in live list: %s", readerID, rec.ID)
							return
						}
					}

					time.Sleep(1 * time.Millisecond)
				}
			}
		}(i)
	}

	wg.Wait()
	close(errorsChan)

	for err := range errorsChan {
		if err != nil {
			return err
		}
	}
	return nil
}

// generateRecord builds one test record. Every tenth record is
// tombstoned.
func generateRecord(i int, baseTime time.Time) *schema.Record {
	statuses := []string{"open", "open", "open", "done", "waiting"}
	createdAt := baseTime.Add(time.Duration(i) * time.Minute)

	rec := &schema.Record{
		ID:        fmt.Sprintf("load-%05d", i),
		UpdatedAt: createdAt,
		Fields: map[string]any{
			"title":  fmt.Sprintf("Task %d", i),
			"notes":  fmt.Sprintf("Generated record for load testing (batch %d)", i/100),
			"status": statuses[i%len(statuses)],
		},
	}
	if i%10 == 9 {
		deletedAt := createdAt.Add(time.Hour)
		rec.DeletedAt = &deletedAt
	}
	return rec
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	mean := sum / time.Duration(len(durations))

	p50 := sorted[len(sorted)*50/100]
	p95 := sorted[len(sorted)*95/100]
	p99 := sorted[len(sorted)*99/100]

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         mean,
		P50:          p50,
		P95:          p95,
		P99:          p99,
		TotalQueries: len(durations),
		Durations:    sorted,
	}
}

// PrintStats formats and prints latency statistics.
func (s *LatencyStats) PrintStats() {
	fmt.Printf("Latency Statistics:\n")
	fmt.Printf("  Total Queries: %d\n", s.TotalQueries)
	fmt.Printf("  Errors:        %d\n", s.Errors)
	fmt.Printf("  Min:           %v\n", s.Min)
	fmt.Printf("  P50 (Median):  %v\n", s.P50)
	fmt.Printf("  Mean:          %v\n", s.Mean)
	fmt.Printf("  P95:           %v\n", s.P95)
	fmt.Printf("  P99:           %v\n", s.P99)
	fmt.Printf("  Max:           %v\n", s.Max)
}
