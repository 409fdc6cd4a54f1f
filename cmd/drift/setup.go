package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/driftline/driftline/internal/ui"
)

var setupCmd = &cobra.Command{
	Use:     "setup",
	GroupID: "sync",
	Short:   "Configure sync interactively",
	Long: `Connect this device to a remote store.

Prompts for the remote URL, auth token, principal and optional change
feed, then writes config.yaml to the data directory. Run once per
device; existing values are offered as defaults.`,
	Run: func(cmd *cobra.Command, args []string) {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Fprintf(os.Stderr, "Error: setup is interactive; edit config.yaml directly instead\n")
			os.Exit(1)
		}

		env, err := openEnv(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer env.Close()
		cfg := env.cfg

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Remote URL").
					Description("libSQL connection string, e.g. libsql://drift-you.turso.io").
					Value(&cfg.Remote.URL).
					Validate(func(s string) error {
						if strings.TrimSpace(s) == "" {
							return fmt.Errorf("remote URL is required")
						}
						return nil
					}),
				huh.NewInput().
					Title("Auth token").
					Description("Leave empty for an unauthenticated remote").
					EchoMode(huh.EchoModePassword).
					Value(&cfg.Remote.AuthToken),
				huh.NewInput().
					Title("Principal").
					Description("Your user id; scopes all synced data").
					Value(&cfg.Principal).
					Validate(func(s string) error {
						if strings.TrimSpace(s) == "" {
							return fmt.Errorf("principal is required")
						}
						return nil
					}),
				huh.NewInput().
					Title("Change feed URL (optional)").
					Description("Websocket feed for instant sync, e.g. wss://notify.example.com/feed").
					Value(&cfg.Remote.NotifyURL),
			),
		)

		if err := form.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if err := cfg.Save(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s Configuration saved to %s\n", ui.RenderPass("✓"), cfg.Dir())
		fmt.Printf("   Run 'drift sync' to sync now, or 'drift daemon' for background sync\n")
	},
}

func init() {
	rootCmd.AddCommand(setupCmd)
}
