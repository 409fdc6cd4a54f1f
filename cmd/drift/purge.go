package main

import (
	"fmt"
	"os"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/driftline/driftline/internal/ui"
)

var purgeCmd = &cobra.Command{
	Use:     "purge",
	GroupID: "data",
	Short:   "Purge synced outbox entries",
	Long: `Remove synced outbox entries older than a cutoff.

Only entries that were successfully pushed are removed; pending and
failed entries are always kept. The daemon purges automatically per
sync.outbox_retention, so this command is for reclaiming space early.

The cutoff accepts natural language:
  drift purge --before "3 days ago"
  drift purge --before "last monday"`,
	Run: func(cmd *cobra.Command, args []string) {
		before, _ := cmd.Flags().GetString("before")

		cutoff, err := parseCutoff(before)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		maxAge := time.Since(cutoff)
		if maxAge < 0 {
			fmt.Fprintf(os.Stderr, "Error: cutoff %q is in the future\n", before)
			os.Exit(1)
		}

		env, err := openEnv(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer env.Close()

		count, err := env.outbox.PurgeSynced(cmd.Context(), maxAge)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Purged %d synced entries older than %s\n",
			ui.RenderPass("✓"), count, cutoff.Local().Format("2006-01-02 15:04"))
	},
}

// parseCutoff resolves a natural-language cutoff to a point in time.
func parseCutoff(text string) (time.Time, error) {
	if text == "" {
		return time.Time{}, fmt.Errorf("--before is required")
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(text, time.Now())
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse %q: %w", text, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("could not understand %q", text)
	}
	return result.Time, nil
}

func init() {
	purgeCmd.Flags().String("before", "", `Cutoff for purging, e.g. "3 days ago"`)
	rootCmd.AddCommand(purgeCmd)
}
