package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftline/driftline/internal/config"
	"github.com/driftline/driftline/internal/engine"
	"github.com/driftline/driftline/internal/outbox"
	"github.com/driftline/driftline/internal/remote"
	"github.com/driftline/driftline/internal/repo"
	"github.com/driftline/driftline/internal/schema"
	"github.com/driftline/driftline/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "drift",
	Short: "Local-first sync for personal productivity data",
	Long: `Driftline keeps tasks, journal entries and workouts in a local
SQLite database and synchronizes them with a shared remote store.

Every edit lands locally first and is queued for push; the engine moves
data in the background and resolves conflicts deterministically, so the
same data converges on every device.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("dir", "", "Data directory (default: ~/.driftline)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "data", Title: "Data Commands:"},
	)
}

// env bundles the opened local stores for one command invocation.
type env struct {
	cfg    *config.Config
	db     *store.DB
	reg    *schema.Registry
	outbox *outbox.Store
	repo   *repo.Repo
}

// openEnv loads configuration and opens the local database.
func openEnv(cmd *cobra.Command) (*env, error) {
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}

	reg := schema.Default()
	if err := db.Init(reg); err != nil {
		_ = db.Close()
		return nil, err
	}

	obConfig := outbox.DefaultConfig()
	obConfig.RetryCeiling = cfg.Sync.RetryCeiling
	ob := outbox.New(db.RawDB(), obConfig)
	if err := ob.Init(cmd.Context()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &env{
		cfg:    cfg,
		db:     db,
		reg:    reg,
		outbox: ob,
		repo:   repo.New(db, ob, reg),
	}, nil
}

// Close releases the local database.
func (e *env) Close() {
	_ = e.db.Close()
}

// openRemote connects to the configured remote store. Returns nil when
// the device is not configured for sync.
func (e *env) openRemote(ctx context.Context) (*remote.LibSQL, error) {
	if !e.cfg.Configured() {
		return nil, nil
	}

	rem, err := remote.OpenLibSQL(ctx, e.cfg.ConnectionString())
	if err != nil {
		return nil, err
	}
	if err := rem.InitSchema(ctx, e.reg); err != nil {
		_ = rem.Close()
		return nil, err
	}
	return rem, nil
}

// newEngine builds a sync engine from the environment.
func (e *env) newEngine(rem remote.Store, logger *log.Logger) *engine.Engine {
	cfg := engine.DefaultConfig()
	cfg.Interval = e.cfg.Sync.Interval
	cfg.OutboxRetention = e.cfg.Sync.OutboxRetention
	if logger != nil {
		cfg.Logger = logger
	}
	return engine.New(e.db, e.outbox, rem, e.reg, e.cfg.Principal, cfg)
}

// exitOffline prints a friendly message for an unreachable remote and
// exits nonzero.
func exitOffline(err error) {
	if errors.Is(err, remote.ErrUnavailable) {
		fmt.Fprintf(os.Stderr, "Error: remote unreachable; check your network and remote.url\n")
		os.Exit(1)
	}
}
