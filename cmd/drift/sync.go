package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/driftline/driftline/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Run one full sync cycle",
	Long: `Run a single push-pull-purge cycle against the remote store.

The cycle:
  1. Pushes every queued local mutation, oldest first
  2. Pulls and reconciles remote changes since the last pull
  3. Purges synced outbox entries past their retention

Conflicts resolve deterministically: deletions win, journal entries
merge section by section, everything else is last-writer-wins.`,
	Run: func(cmd *cobra.Command, args []string) {
		env, err := openEnv(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer env.Close()

		if !env.cfg.Configured() {
			fmt.Printf("%s Sync is not configured\n", ui.RenderWarn("⚠"))
			fmt.Printf("   Run 'drift setup' to connect a remote\n")
			return
		}

		ctx := cmd.Context()
		rem, err := env.openRemote(ctx)
		if err != nil {
			exitOffline(err)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer rem.Close()

		fmt.Printf("%s Syncing with %s...\n", ui.RenderAccent("🔄"), env.cfg.Remote.URL)
		start := time.Now()

		eng := env.newEngine(rem, nil)
		result, err := eng.FullSyncCycle(ctx)
		if err != nil {
			exitOffline(err)
			fmt.Fprintf(os.Stderr, "Error during sync: %v\n", err)
			os.Exit(1)
		}

		elapsed := time.Since(start)
		fmt.Printf("%s Sync complete in %v\n", ui.RenderPass("✓"), elapsed.Round(time.Millisecond))
		fmt.Printf("   Pushed:     %d\n", result.Pushed)
		if result.PushFailed > 0 {
			fmt.Printf("   %s %d push(es) failed, will retry\n", ui.RenderWarn("⚠"), result.PushFailed)
		}
		fmt.Printf("   Applied:    %d\n", result.Applied)
		fmt.Printf("   Tombstoned: %d\n", result.Tombstoned)
		if result.Purged > 0 {
			fmt.Printf("   Purged:     %d\n", result.Purged)
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
