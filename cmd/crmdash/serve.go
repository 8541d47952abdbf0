package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zcrmtools/crmdash/internal/daemon"
	"github.com/zcrmtools/crmdash/internal/dashboard"
	"github.com/zcrmtools/crmdash/internal/schema"
	crmsync "github.com/zcrmtools/crmdash/internal/sync"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "sync",
	Short:   "Keep the cache in sync in the background and serve a live dashboard",
	Long: `Run the sync daemon together with a WebSocket status dashboard.

Each collection is loaded once at startup and then reconciled against the CRM
on an interval (daemon.interval). Edits to the config file reload the
hydration limits without a restart.

The dashboard broadcasts:
- progress: pass progress with a percentage and label
- state: orchestrator state transitions
- sync_complete / sync_failed: pass results
- stats: item and hydration counts of both collections

Example usage:
  crmdash serve                # Dashboard on the configured port (default 8080)
  crmdash serve --port 9000

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	Run: func(cmd *cobra.Command, args []string) {
		// The handler needs the app's state, so the reporter is attached
		// through a forwarding list filled in after construction.
		reporters := &crmsync.Reporters{}
		a, err := newApp(forward{reporters}, false)
		if err != nil {
			fatal("%v", err)
		}
		defer a.close()

		port := a.cfg.Dashboard.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}

		server := dashboard.NewServer(&dashboard.Config{
			Port:   port,
			Logger: a.logs.Logger("dashboard"),
		})
		handler := dashboard.NewHandler(server, a.state, a.logs.Logger("dashboard"))
		*reporters = append(*reporters, handler)

		if err := server.Start(); err != nil {
			a.fatal("failed to start dashboard: %v", err)
		}

		d, err := daemon.NewWithConfig(&daemon.Config{
			Interval:         a.cfg.Daemon.Interval,
			ConfigPath:       a.cfg.File,
			DebounceInterval: a.cfg.Daemon.Debounce,
			Logger:           a.logs.Logger("daemon"),
		}, a.orchestrators[schema.CollectionFunctions], a.orchestrators[schema.CollectionScripts])
		if err != nil {
			_ = server.Stop()
			a.fatal("%v", err)
		}

		host := server.GetAddr()
		if _, p, err := net.SplitHostPort(host); err == nil {
			host = "localhost:" + p
		}
		fmt.Printf("Dashboard server started on http://%s\n", host)
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", host)
		fmt.Printf("Health check: http://%s/health\n", host)
		if a.cfg.File != "" {
			fmt.Printf("Watching %s for limit changes\n", a.cfg.File)
		}
		fmt.Println("\nPress Ctrl+C to stop...")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := d.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}

		fmt.Println("\nShutting down...")
		_ = d.Stop()
		if err := server.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
			a.exit(1)
		}
		fmt.Println("Stopped")
	},
}

// forward relays events to a reporter list that is completed after the
// orchestrators are built.
type forward struct {
	rs *crmsync.Reporters
}

func (f forward) OnProgress(p crmsync.Progress)           { f.rs.OnProgress(p) }
func (f forward) OnStateChange(c crmsync.StateChange)     { f.rs.OnStateChange(c) }
func (f forward) OnOutcome(res crmsync.Result, err error) { f.rs.OnOutcome(res, err) }

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on (default: dashboard.port)")

	rootCmd.AddCommand(serveCmd)
}
