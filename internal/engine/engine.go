// Package engine orchestrates the sync cycle: push the outbox, pull and
// reconcile remote changes, purge the synced backlog.
//
// The engine is the only component that talks to both sides. Domain
// code writes through repositories and never blocks on the network; the
// engine moves state in the background, on a timer, on a change
// notification, or on demand.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/driftline/driftline/internal/outbox"
	"github.com/driftline/driftline/internal/remote"
	"github.com/driftline/driftline/internal/schema"
	"github.com/driftline/driftline/internal/store"
)

// Status is the engine's externally visible state.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
	StatusOffline Status = "offline"
)

// ErrSyncInProgress is returned when a cycle is requested while another
// is still running. The caller drops the request; the running cycle
// already covers it.
var ErrSyncInProgress = errors.New("engine: sync already in progress")

// Result summarizes one full sync cycle.
type Result struct {
	Pushed     int
	PushFailed int
	Applied    int
	Tombstoned int
	Purged     int64
	Duration   time.Duration
}

// Config holds engine tuning knobs.
type Config struct {
	// Interval between scheduled cycles (default: 5m).
	Interval time.Duration

	// OutboxRetention is how long synced outbox entries are kept before
	// the end-of-cycle purge removes them (default: 168h).
	OutboxRetention time.Duration

	// OnCycle, when set, is invoked after every completed cycle with its
	// result. Used by the dashboard feed.
	OnCycle func(Result)

	// Logger for engine activity.
	Logger *log.Logger

	// Now is the clock, injectable for tests.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:        5 * time.Minute,
		OutboxRetention: 7 * 24 * time.Hour,
		Logger:          log.New(os.Stderr, "[engine] ", log.LstdFlags),
		Now:             time.Now,
	}
}

// Engine runs sync cycles against a local database and a remote store.
type Engine struct {
	db        *store.DB
	outbox    *outbox.Store
	remote    remote.Store
	reg       *schema.Registry
	principal string
	config    *Config

	pusher *Pusher
	puller *Puller

	mu       sync.Mutex
	status   Status
	syncing  bool
	lastErr  error
	lastSync time.Time

	kick chan struct{}
}

// New creates an engine. The remote store may be nil when the device is
// not configured for sync; every cycle is then a quiet no-op.
func New(db *store.DB, ob *outbox.Store, rem remote.Store, reg *schema.Registry, principal string, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.OutboxRetention <= 0 {
		config.OutboxRetention = 7 * 24 * time.Hour
	}

	e := &Engine{
		db:        db,
		outbox:    ob,
		remote:    rem,
		reg:       reg,
		principal: principal,
		config:    config,
		status:    StatusIdle,
		kick:      make(chan struct{}, 1),
	}
	e.pusher = &Pusher{
		reg:       reg,
		outbox:    ob,
		remote:    rem,
		principal: principal,
		logger:    config.Logger,
		now:       config.Now,
	}
	e.puller = &Puller{
		reg:       reg,
		db:        db,
		remote:    rem,
		principal: principal,
		logger:    config.Logger,
		now:       config.Now,
	}
	return e
}

// Status returns the engine's current state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// LastError returns the error from the most recent failed cycle, or nil.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// LastSync returns when the last successful cycle finished.
func (e *Engine) LastSync() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// FullSyncCycle runs one push-pull-purge cycle.
//
// Ordering matters: push first so this device's edits are on the remote
// before the pull compares states, purge last so the cycle's own synced
// entries age out normally. The cycle is guarded against re-entry; an
// overlapping request returns ErrSyncInProgress and is dropped, never
// queued.
func (e *Engine) FullSyncCycle(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	e.syncing = true
	e.status = StatusSyncing
	e.mu.Unlock()

	result, err := e.runCycle(ctx)

	e.mu.Lock()
	e.syncing = false
	switch {
	case err == nil && result != nil:
		e.status = StatusIdle
		e.lastErr = nil
		e.lastSync = e.config.Now().UTC()
	case errors.Is(err, remote.ErrUnavailable):
		e.status = StatusOffline
		e.lastErr = err
	default:
		e.status = StatusError
		e.lastErr = err
	}
	e.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if e.config.OnCycle != nil {
		e.config.OnCycle(*result)
	}
	return result, nil
}

func (e *Engine) runCycle(ctx context.Context) (*Result, error) {
	start := e.config.Now()

	// Not configured for sync: local-only mode, nothing to do.
	if e.remote == nil || e.principal == "" {
		return &Result{}, nil
	}

	if err := e.remote.Ping(ctx); err != nil {
		return nil, fmt.Errorf("remote unreachable: %w", err)
	}

	pushed, err := e.pusher.PushAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("push failed: %w", err)
	}

	pulled, err := e.puller.Pull(ctx)
	if err != nil {
		return nil, fmt.Errorf("pull failed: %w", err)
	}

	purged, err := e.outbox.PurgeSynced(ctx, e.config.OutboxRetention)
	if err != nil {
		return nil, fmt.Errorf("purge failed: %w", err)
	}

	result := &Result{
		Pushed:     pushed.Pushed,
		PushFailed: pushed.Failed,
		Applied:    pulled.Applied,
		Tombstoned: pulled.Tombstoned,
		Purged:     purged,
		Duration:   e.config.Now().Sub(start),
	}

	e.config.Logger.Printf("Cycle complete: pushed %d (%d failed), applied %d, tombstoned %d, purged %d in %s",
		result.Pushed, result.PushFailed, result.Applied, result.Tombstoned,
		result.Purged, result.Duration.Round(time.Millisecond))

	return result, nil
}

// Kick requests an immediate cycle from the scheduler loop. Non-blocking;
// a kick during a running cycle coalesces with any pending one.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Start runs the scheduler loop until the context is canceled: one
// cycle immediately, then one per interval, plus one per Kick. Ticks
// and kicks that land during a running cycle are dropped.
func (e *Engine) Start(ctx context.Context) {
	e.config.Logger.Printf("Scheduler started (interval %s)", e.config.Interval)

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	e.runScheduled(ctx)
	for {
		select {
		case <-ctx.Done():
			e.config.Logger.Printf("Scheduler stopped")
			return
		case <-ticker.C:
			e.runScheduled(ctx)
		case <-e.kick:
			e.runScheduled(ctx)
		}
	}
}

func (e *Engine) runScheduled(ctx context.Context) {
	if _, err := e.FullSyncCycle(ctx); err != nil {
		switch {
		case errors.Is(err, ErrSyncInProgress):
			// Dropped by design; the running cycle covers it.
		case errors.Is(err, remote.ErrUnavailable):
			e.config.Logger.Printf("Offline, will retry next interval")
		default:
			e.config.Logger.Printf("Cycle failed: %v", err)
		}
	}
}
