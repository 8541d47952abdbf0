package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zcrmtools/crmdash/internal/schema"
	crmsync "github.com/zcrmtools/crmdash/internal/sync"
	"github.com/zcrmtools/crmdash/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync [functions|scripts|all]",
	GroupID: "sync",
	Short:   "Bring the local cache up to date with the CRM",
	Long: `Load the cache and reconcile it against the CRM.

A warm cache is shown first and then updated incrementally: only new or
modified items have their source code fetched. With --refresh the cache is
cleared and everything is downloaded again.

Examples:
  crmdash sync                    # Both collections
  crmdash sync functions          # Functions only
  crmdash sync scripts --refresh  # Clear and reload client scripts`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		refresh, _ := cmd.Flags().GetBool("refresh")
		yes, _ := cmd.Flags().GetBool("yes")

		arg := ""
		if len(args) > 0 {
			arg = args[0]
		}
		collections, err := schema.ParseCollection(arg)
		if err != nil {
			fatal("%v", err)
		}

		if refresh && !yes {
			ok, err := ui.Confirm(
				"Clear the local cache and download everything again?",
				fmt.Sprintf("This reloads %s from the CRM and may take a while.", collectionList(collections)),
			)
			if err != nil {
				fatal("%v", err)
			}
			if !ok {
				fmt.Println("Cancelled.")
				return
			}
		}

		printer := ui.NewProgressPrinter(os.Stderr, ui.IsTerminal(os.Stderr))
		a, err := newApp(printer, true)
		if err != nil {
			fatal("%v", err)
		}
		defer a.close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		kind := crmsync.KindInit
		if refresh {
			kind = crmsync.KindRefresh
		}
		fmt.Printf("%s Syncing %s...\n", ui.RenderAccent("🔄"), collectionList(collections))

		results := make([]passOutcome, len(collections))
		var g errgroup.Group
		for i, c := range collections {
			i := i
			o := a.orchestrators[c]
			g.Go(func() error {
				var res crmsync.Result
				var err error
				if kind == crmsync.KindRefresh {
					res, err = o.Refresh(ctx)
				} else {
					res, err = o.Init(ctx)
				}
				results[i] = passOutcome{res, err}
				return nil
			})
		}
		_ = g.Wait()
		printer.Clear()

		for _, r := range results {
			fmt.Println(ui.RenderResult(r.res, r.err))
		}
		if code := exitCode(results); code != 0 {
			a.exit(code)
		}
	},
}

type passOutcome struct {
	res crmsync.Result
	err error
}

// exitCode is 1 when any pass failed.
func exitCode(results []passOutcome) int {
	for _, r := range results {
		if r.err != nil {
			return 1
		}
	}
	return 0
}

func collectionList(cs []schema.Collection) string {
	if len(cs) == len(schema.AllCollections) {
		return "functions and scripts"
	}
	return cs[0].String()
}

func init() {
	syncCmd.Flags().Bool("refresh", false, "clear the cache and reload everything")
	syncCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")

	rootCmd.AddCommand(syncCmd)
}
