package main

import (
	"context"
	"fmt"
	"os"
	gosync "sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"

	"github.com/zcrmtools/crmdash/internal/config"
	"github.com/zcrmtools/crmdash/internal/logging"
	"github.com/zcrmtools/crmdash/internal/remote"
	"github.com/zcrmtools/crmdash/internal/schema"
	"github.com/zcrmtools/crmdash/internal/state"
	"github.com/zcrmtools/crmdash/internal/store"
	crmsync "github.com/zcrmtools/crmdash/internal/sync"
	"github.com/zcrmtools/crmdash/internal/ui"
	"github.com/zcrmtools/crmdash/internal/view"
)

// flagKeys maps persistent flags to config keys.
var flagKeys = map[string]string{
	"org":      config.KeyOrgID,
	"api-url":  config.KeyAPIURL,
	"token":    config.KeyToken,
	"db":       config.KeyDBPath,
	"color":    config.KeyColor,
	"lang":     config.KeyLanguage,
	"log-file": config.KeyLogFile,
}

// loadConfig resolves and validates the configuration, with flags set on
// the command line taking precedence.
func loadConfig() (*config.Config, error) {
	v, err := config.NewViper(cfgFile)
	if err != nil {
		return nil, err
	}
	for name, key := range flagKeys {
		if f := rootCmd.PersistentFlags().Lookup(name); f != nil && f.Changed {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind --%s: %w", name, err)
			}
		}
	}

	cfg := config.FromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	ui.SetColorMode(cfg.Color)
	return cfg, nil
}

// app wires the components one command needs.
type app struct {
	cfg           *config.Config
	logs          *logging.Output
	cache         *store.Lazy
	state         *state.App
	source        *remote.Client
	projector     *view.Projector
	orchestrators map[schema.Collection]*crmsync.Orchestrator

	closeOnce gosync.Once
}

// newApp builds the components. reporter receives orchestrator events and
// may be nil. interactive silences component logs on stderr unless
// --verbose is set or logs go to a file.
func newApp(reporter crmsync.Reporter, interactive bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logs, err := logging.Open(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	if interactive && !verbose && cfg.Log.File == "" {
		logs.Discard()
	}

	remoteCfg := remote.DefaultConfig()
	remoteCfg.BaseURL = cfg.APIURL
	remoteCfg.Token = cfg.Token
	remoteCfg.Timeout = cfg.Remote.Timeout
	remoteCfg.PageSize = cfg.Remote.PageSize
	remoteCfg.Logger = logs.Logger("remote")
	source, err := remote.NewWithConfig(remoteCfg)
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	tag, err := language.Parse(cfg.Language)
	if err != nil {
		tag = language.English
	}

	a := &app{
		cfg:           cfg,
		logs:          logs,
		cache:         store.NewLazy(cfg.DBPath, cfg.OrgID, logs.Logger("store")),
		state:         state.New(),
		source:        source,
		projector:     view.New(tag),
		orchestrators: make(map[schema.Collection]*crmsync.Orchestrator, 2),
	}

	for _, c := range schema.AllCollections {
		limits := cfg.Limits(c)
		deps := crmsync.Deps{
			Open:     crmsync.StoreOpener(a.cache),
			Source:   source,
			State:    a.state,
			Reporter: reporter,
			Logger:   logs.Logger("sync"),
			Limits:   &limits,
		}
		var o *crmsync.Orchestrator
		if c == schema.CollectionFunctions {
			o, err = crmsync.NewFunctions(deps)
		} else {
			o, err = crmsync.NewScripts(deps)
		}
		if err != nil {
			a.close()
			return nil, err
		}
		a.orchestrators[c] = o
	}
	return a, nil
}

// close stops the orchestrators, checkpoints the cache and flushes the
// log file. It is safe to call more than once.
func (a *app) close() {
	a.closeOnce.Do(func() {
		for _, o := range a.orchestrators {
			_ = o.Close()
		}
		_ = a.cache.Close()
		if a.logs != nil {
			_ = a.logs.Close()
		}
	})
}

// exit closes the app and terminates with code. Deferred calls do not run
// after os.Exit, so commands holding an app leave through here.
func (a *app) exit(code int) {
	a.close()
	os.Exit(code)
}

// fatal is the package fatal for commands holding an app.
func (a *app) fatal(format string, args ...any) {
	a.close()
	fatal(format, args...)
}

// withStore opens the log output and the cache of cfg, runs fn and closes
// both before returning fn's error.
func withStore(cfg *config.Config, fn func(*store.Store) error) error {
	logs, err := logging.Open(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logs.Close()

	st, err := store.Open(cfg.DBPath, cfg.OrgID, logs.Logger("store"))
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

// ensureLoaded publishes a collection into the in-memory state. Offline
// mode reads the cache only; otherwise an Init pass runs, which publishes
// a warm cache and reconciles it against the remote.
func (a *app) ensureLoaded(ctx context.Context, c schema.Collection, offline bool, progress *ui.ProgressPrinter) error {
	if !offline {
		_, err := a.orchestrators[c].Init(ctx)
		if progress != nil {
			progress.Clear()
		}
		if err != nil && !a.state.Published(c) {
			return err
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s showing cached %s: %v\n", ui.RenderWarn("⚠"), c, err)
		}
		return nil
	}

	st, err := a.cache.Open()
	if err != nil {
		return err
	}
	switch c {
	case schema.CollectionFunctions:
		fns, err := st.LoadFunctions(ctx)
		if err != nil {
			return err
		}
		meta, err := st.LoadFunctionMeta(ctx)
		if err != nil {
			return err
		}
		if meta == nil && len(fns) == 0 {
			return fmt.Errorf("no cached functions; run 'crmdash sync functions' first")
		}
		var updated time.Time
		if meta != nil {
			updated = meta.LastUpdate
		}
		a.state.PublishFunctions(fns, updated)
	case schema.CollectionScripts:
		set, ok, err := st.LoadScripts(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no cached scripts; run 'crmdash sync scripts' first")
		}
		a.state.PublishScripts(set)
	}
	return nil
}

// fatal prints an error the way every command does and exits.
func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// collectionArg parses the single collection argument of commands that
// act on exactly one collection.
func collectionArg(cmd *cobra.Command, args []string) schema.Collection {
	if len(args) == 0 {
		fatal("specify functions or scripts")
	}
	cs, err := schema.ParseCollection(args[0])
	if err != nil {
		fatal("%v", err)
	}
	if len(cs) != 1 {
		fatal("%s needs a single collection: functions or scripts", cmd.Name())
	}
	return cs[0]
}
