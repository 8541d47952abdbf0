package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zcrmtools/crmdash/internal/schema"
	"github.com/zcrmtools/crmdash/internal/ui"
)

var showCmd = &cobra.Command{
	Use:     "show functions|scripts <id>",
	GroupID: "browse",
	Short:   "Show the metadata and source code of one item",
	Long: `Show a single function or client script, including its cached source.

Functions may be looked up by id or api name.

Examples:
  crmdash show functions 4000000012345
  crmdash show functions assign_lead_owner
  crmdash show scripts 4000000067890 --offline`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		c := collectionArg(cmd, args)
		id := args[1]
		offline, _ := cmd.Flags().GetBool("offline")

		printer := ui.NewProgressPrinter(os.Stderr, ui.IsTerminal(os.Stderr))
		a, err := newApp(printer, true)
		if err != nil {
			fatal("%v", err)
		}
		defer a.close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		if err := a.ensureLoaded(ctx, c, offline, printer); err != nil {
			a.fatal("%v", err)
		}

		switch c {
		case schema.CollectionFunctions:
			fn := findFunction(a.state.Functions(), id)
			if fn == nil {
				a.fatal("function %s not found", id)
			}
			fmt.Print(ui.FunctionDetail(fn))

		case schema.CollectionScripts:
			set := a.state.Scripts()
			if set == nil {
				a.fatal("no scripts loaded")
			}
			for i := range set.Scripts {
				if set.Scripts[i].ID == id {
					d, loaded := set.Detail(id)
					fmt.Print(ui.ScriptDetail(&set.Scripts[i], d, loaded))
					return
				}
			}
			a.fatal("script %s not found", id)
		}
	},
}

// findFunction matches on id first, then api name.
func findFunction(fns []schema.Function, key string) *schema.Function {
	for i := range fns {
		if fns[i].ID == key {
			return &fns[i]
		}
	}
	for i := range fns {
		if fns[i].APIName == key {
			return &fns[i]
		}
	}
	return nil
}

func init() {
	showCmd.Flags().Bool("offline", false, "read the local cache only, without contacting the CRM")

	rootCmd.AddCommand(showCmd)
}
