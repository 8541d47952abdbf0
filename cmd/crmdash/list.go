package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zcrmtools/crmdash/internal/config"
	"github.com/zcrmtools/crmdash/internal/schema"
	"github.com/zcrmtools/crmdash/internal/ui"
	"github.com/zcrmtools/crmdash/internal/view"
)

var listCmd = &cobra.Command{
	Use:     "list functions|scripts",
	GroupID: "browse",
	Short:   "Search and list cached functions or client scripts",
	Long: `List functions or client scripts, filtered and sorted.

The cache is synced first unless --offline is given. Search matches names,
descriptions and source code.

Examples:
  crmdash list functions --search lead --sort name
  crmdash list functions --category automation --since "last week"
  crmdash list scripts --partition module --module Leads --event onLoad
  crmdash list scripts --status inactive --offline
  crmdash list scripts --facets    # Modules, pages and events to filter on`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := collectionArg(cmd, args)
		offline, _ := cmd.Flags().GetBool("offline")
		limit, _ := cmd.Flags().GetInt("limit")
		jsonOut, _ := cmd.Flags().GetBool("json")
		facets, _ := cmd.Flags().GetBool("facets")

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

		if facets {
			printFacets(a, c, jsonOut)
			return
		}

		now := time.Now()
		switch c {
		case schema.CollectionFunctions:
			criteria, err := functionCriteria(cmd, now)
			if err != nil {
				a.fatal("%v", err)
			}
			out := a.projectFunctions(criteria)
			out = limitSlice(out, limit)
			if jsonOut {
				if err := printJSON(out); err != nil {
					a.fatal("%v", err)
				}
				return
			}
			fmt.Print(ui.FunctionList(out, len(a.state.Functions())))

		case schema.CollectionScripts:
			criteria, err := scriptCriteria(cmd, now)
			if err != nil {
				a.fatal("%v", err)
			}
			out, _, total := a.projectScripts(criteria)
			out = limitSlice(out, limit)
			if jsonOut {
				if err := printJSON(out); err != nil {
					a.fatal("%v", err)
				}
				return
			}
			fmt.Print(ui.ScriptList(out, total))
		}
		printLinks(a.cfg, c)
	},
}

// printFacets lists the values the category, module, page and event
// filters accept.
func printFacets(a *app, c schema.Collection, jsonOut bool) {
	if c == schema.CollectionFunctions {
		cats := view.FunctionCategories(a.state.Functions())
		if jsonOut {
			if err := printJSON(map[string][]string{"categories": cats}); err != nil {
				a.fatal("%v", err)
			}
			return
		}
		fmt.Println(ui.RenderBold("Categories"))
		for _, cat := range cats {
			fmt.Printf("  %s\n", ui.CategoryBadge(cat))
		}
		return
	}

	var scripts []schema.Script
	if set := a.state.Scripts(); set != nil {
		scripts = set.Scripts
	}
	f := view.Facets(scripts)
	if jsonOut {
		if err := printJSON(f); err != nil {
			a.fatal("%v", err)
		}
		return
	}
	fmt.Println(ui.RenderBold("Modules"))
	for _, m := range f.Modules {
		fmt.Printf("  %s\n", m)
	}
	fmt.Println(ui.RenderBold("Pages"))
	for _, p := range f.Pages {
		fmt.Printf("  %s %s\n", ui.PageBadge(p), ui.RenderMuted(p))
	}
	fmt.Println(ui.RenderBold("Events"))
	for _, e := range f.Events {
		fmt.Printf("  %s\n", ui.EventBadge(e))
	}
	fmt.Println()
	fmt.Println(ui.RenderBold("Partitions"))
	for _, p := range view.Partitions {
		fmt.Printf("  %-9s %d\n", p, view.PartitionCount(scripts, p))
	}
}

func limitSlice[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

func printLinks(cfg *config.Config, c schema.Collection) {
	fmt.Printf("%s %s\n", ui.RenderMuted("Manage:"), cfg.SettingsURL(c))
	fmt.Printf("%s %s\n", ui.RenderMuted("Docs:  "), config.HelpURL(c))
}

func init() {
	addCriteriaFlags(listCmd)
	listCmd.Flags().IntP("limit", "n", 0, "show at most this many items (0 = all)")
	listCmd.Flags().Bool("json", false, "print the projected items as JSON")
	listCmd.Flags().Bool("facets", false, "list the values the filters accept instead of items")

	rootCmd.AddCommand(listCmd)
}
