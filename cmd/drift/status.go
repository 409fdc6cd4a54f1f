package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/driftline/driftline/internal/outbox"
	"github.com/driftline/driftline/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show sync status",
	Long: `Display the current sync state of this device.

Shows:
  - Remote configuration and principal
  - Local database location and record counts
  - Outbox depth (pending, failed, synced)
  - Last successful pull time`,
	Run: func(cmd *cobra.Command, args []string) {
		env, err := openEnv(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer env.Close()
		ctx := cmd.Context()

		fmt.Printf("\n%s\n\n", ui.RenderBold("Driftline Status"))

		if env.cfg.Configured() {
			fmt.Printf("  Remote:    %s\n", env.cfg.Remote.URL)
			fmt.Printf("  Principal: %s\n", env.cfg.Principal)
			if env.cfg.Remote.NotifyURL != "" {
				fmt.Printf("  Notify:    %s\n", env.cfg.Remote.NotifyURL)
			}
		} else {
			fmt.Printf("  %s Not configured for sync (run 'drift setup')\n", ui.RenderWarn("⚠"))
		}
		fmt.Printf("  Database:  %s\n", env.db.Path())

		fmt.Printf("\n  %s\n", ui.RenderBold("Records"))
		for _, col := range env.reg.All() {
			records, err := env.db.List(ctx, col, false)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", col.Name, err)
				os.Exit(1)
			}
			fmt.Printf("    %-16s %d\n", col.Name, len(records))
		}

		stats, err := env.outbox.Stats(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading outbox: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\n  %s\n", ui.RenderBold("Outbox"))
		fmt.Printf("    pending          %d\n", stats[outbox.StatusPending])
		fmt.Printf("    in flight        %d\n", stats[outbox.StatusInFlight])
		fmt.Printf("    synced           %d\n", stats[outbox.StatusSynced])
		if failed := stats[outbox.StatusFailed]; failed > 0 {
			fmt.Printf("    %s           %s\n", ui.RenderWarn("failed"),
				ui.RenderWarn(fmt.Sprintf("%d", failed)))
		} else {
			fmt.Printf("    failed           0\n")
		}

		cursor, set, err := env.db.Cursor(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading cursor: %v\n", err)
			os.Exit(1)
		}
		if set {
			fmt.Printf("\n  Last pull: %s\n\n", cursor.Local().Format("2006-01-02 15:04:05"))
		} else {
			fmt.Printf("\n  Last pull: %s\n\n", ui.RenderMuted("never"))
		}
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
