package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/driftline/driftline/internal/dashboard"
	"github.com/driftline/driftline/internal/engine"
	"github.com/driftline/driftline/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the background sync daemon",
	Long: `Run continuous background sync until interrupted.

The daemon:
  1. Runs a full sync cycle on startup, then one per sync.interval
  2. Subscribes to the change feed (remote.notify_url) for instant sync
  3. Serves the websocket dashboard on dashboard.port
  4. Reloads settings when the config file changes

With log.file set, daemon logs rotate through that file instead of
stderr.

Example usage:
  drift daemon                   # Foreground, Ctrl+C to stop
  drift daemon --no-dashboard    # Without the websocket feed`,
	Run: func(cmd *cobra.Command, args []string) {
		noDashboard, _ := cmd.Flags().GetBool("no-dashboard")

		env, err := openEnv(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer env.Close()

		if !env.cfg.Configured() {
			fmt.Fprintf(os.Stderr, "Error: sync is not configured; run 'drift setup' first\n")
			os.Exit(1)
		}

		logger := daemonLogger(env.cfg.Log.File)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		rem, err := env.openRemote(ctx)
		if err != nil {
			exitOffline(err)
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer rem.Close()

		// Dashboard feed.
		var feed *dashboard.Server
		if !noDashboard {
			feed = dashboard.NewServer(&dashboard.Config{
				Port:   env.cfg.Dashboard.Port,
				Logger: logger,
			})
			if err := feed.Start(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
				os.Exit(1)
			}
			defer func() { _ = feed.Stop() }()
		}

		engConfig := engine.DefaultConfig()
		engConfig.Interval = env.cfg.Sync.Interval
		engConfig.OutboxRetention = env.cfg.Sync.OutboxRetention
		engConfig.Logger = logger
		if feed != nil {
			engConfig.OnCycle = func(result engine.Result) {
				feed.BroadcastCycle(result)
				if stats, err := env.outbox.Stats(ctx); err == nil {
					feed.BroadcastOutboxDepth(stats)
				}
			}
		}
		eng := engine.New(env.db, env.outbox, rem, env.reg, env.cfg.Principal, engConfig)

		// Change feed subscription.
		if env.cfg.Remote.NotifyURL != "" {
			notifier := &engine.Notifier{
				URL:      env.cfg.Remote.NotifyURL,
				OnChange: eng.Kick,
				Logger:   logger,
			}
			go notifier.Run(ctx)
		}

		// Settings changes take effect on the next restart; the watch
		// just makes that visible in the log.
		env.cfg.Watch(func() {
			logger.Printf("Config file changed; restart the daemon to apply")
		})

		fmt.Printf("%s Daemon started (interval %s)\n", ui.RenderPass("✓"), env.cfg.Sync.Interval)
		if feed != nil {
			fmt.Printf("   Dashboard: ws://localhost:%d/ws\n", env.cfg.Dashboard.Port)
		}
		fmt.Println("   Press Ctrl+C to stop...")

		eng.Start(ctx)
		fmt.Println("\nDaemon stopped")
	},
}

// daemonLogger returns a stderr logger, or a rotating file logger when
// a log file is configured.
func daemonLogger(file string) *log.Logger {
	var out io.Writer = os.Stderr
	if file != "" {
		out = &lumberjack.Logger{
			Filename:   file,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	return log.New(out, "[daemon] ", log.LstdFlags)
}

func init() {
	daemonCmd.Flags().Bool("no-dashboard", false, "Disable the websocket dashboard")
	rootCmd.AddCommand(daemonCmd)
}
