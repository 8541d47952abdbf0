package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zcrmtools/crmdash/internal/export"
	"github.com/zcrmtools/crmdash/internal/schema"
	"github.com/zcrmtools/crmdash/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:     "export functions|scripts",
	GroupID: "browse",
	Short:   "Export functions or client scripts to JSON, YAML or a ZIP archive",
	Long: `Export the filtered and sorted collection with its source code.

json and yaml write a single document with an export date, the collection
type, the item count and the items. zip writes one source file per item in
a folder tree, plus a manifest.toml describing every entry:

  functions:  <category>/<api_name>.dg
  scripts:    Static Resources/<name>.<ext>
              Commands/<name>.js
              Module Scripts/<module>/<page type>/<page>/<name> - <event>.js

The default file name is zoho_crm_<collection>_<date>.<ext>.

Examples:
  crmdash export functions
  crmdash export scripts --format zip --partition module
  crmdash export functions --format yaml --category automation -o automation.yaml`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := collectionArg(cmd, args)
		offline, _ := cmd.Flags().GetBool("offline")
		formatStr, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")
		yes, _ := cmd.Flags().GetBool("yes")

		format, err := export.ParseFormat(formatStr)
		if err != nil {
			fatal("%v", err)
		}

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

		now := time.Now()
		opts := export.Options{Format: format, OrgID: a.cfg.OrgID, Now: func() time.Time { return now }}

		var count int
		var write func(io.Writer) (*export.Result, error)
		switch c {
		case schema.CollectionFunctions:
			criteria, err := functionCriteria(cmd, now)
			if err != nil {
				a.fatal("%v", err)
			}
			fns := a.projectFunctions(criteria)
			count = len(fns)
			write = func(w io.Writer) (*export.Result, error) {
				return export.Functions(w, fns, opts)
			}

		case schema.CollectionScripts:
			criteria, err := scriptCriteria(cmd, now)
			if err != nil {
				a.fatal("%v", err)
			}
			scripts, details, _ := a.projectScripts(criteria)
			count = len(scripts)
			write = func(w io.Writer) (*export.Result, error) {
				return export.Scripts(w, scripts, details, opts)
			}
		}

		if count == 0 {
			fmt.Printf("%s Nothing to export: no %s match.\n", ui.RenderWarn("⚠"), c)
			return
		}

		if output == "" {
			output = export.DefaultFilename(c, format, now)
		}

		if !yes {
			ok, err := ui.Confirm(
				fmt.Sprintf("Export %d %s to %s?", count, c, output),
				fmt.Sprintf("Format: %s", format),
			)
			if err != nil {
				a.fatal("%v", err)
			}
			if !ok {
				fmt.Println("Cancelled.")
				return
			}
		}

		res, err := export.WriteFile(output, write)
		if err != nil {
			a.fatal("%v", err)
		}

		fmt.Printf("%s Exported %d %s to %s\n", ui.RenderPass("✓"), res.Items, c, res.Path)
		if res.Files > 0 {
			fmt.Printf("  %d files in archive\n", res.Files)
		}
	},
}

func init() {
	addCriteriaFlags(exportCmd)
	exportCmd.Flags().StringP("format", "f", "json", "output format: json, yaml or zip")
	exportCmd.Flags().StringP("output", "o", "", "output file (default: zoho_crm_<collection>_<date>.<ext>)")
	exportCmd.Flags().BoolP("yes", "y", false, "do not ask for confirmation")

	rootCmd.AddCommand(exportCmd)
}
