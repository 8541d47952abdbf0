// Package daemon keeps the caches warm in the background.
//
// The daemon:
//  1. Runs an initial Init pass for every collection
//  2. Reconciles every collection on a fixed interval
//  3. Watches the config file and applies new hydration limits
//  4. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/zcrmtools/crmdash/internal/config"
	"github.com/zcrmtools/crmdash/internal/schema"
	crmsync "github.com/zcrmtools/crmdash/internal/sync"
)

// Syncer is the part of a sync orchestrator the daemon drives.
type Syncer interface {
	Collection() schema.Collection
	Init(ctx context.Context) (crmsync.Result, error)
	Reconcile(ctx context.Context) (crmsync.Result, error)
	SetLimits(l crmsync.Limits)
}

// ReloadFunc reads hydration limits from the config file at path.
type ReloadFunc func(path string) (map[schema.Collection]crmsync.Limits, error)

// Config holds configuration for the daemon.
type Config struct {
	// Interval is how often each collection is reconciled
	Interval time.Duration

	// ConfigPath is the config file to watch; empty disables reloading
	ConfigPath string

	// DebounceInterval batches rapid config file writes into one reload
	DebounceInterval time.Duration

	// Reload reads limits on a config change (default: config.Load)
	Reload ReloadFunc

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:         10 * time.Minute,
		DebounceInterval: 500 * time.Millisecond,
		Reload:           loadLimits,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

func loadLimits(path string) (map[schema.Collection]crmsync.Limits, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg.Hydrate, nil
}

// Daemon drives a set of orchestrators in the background.
type Daemon struct {
	syncers []Syncer
	config  *Config
	watcher *ConfigWatcher

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon with default configuration.
func New(syncers ...Syncer) (*Daemon, error) {
	return NewWithConfig(DefaultConfig(), syncers...)
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(config *Config, syncers ...Syncer) (*Daemon, error) {
	if len(syncers) == 0 {
		return nil, fmt.Errorf("at least one syncer is required")
	}
	for i, s := range syncers {
		if s == nil {
			return nil, fmt.Errorf("syncer %d cannot be nil", i)
		}
	}

	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if cfg.DebounceInterval <= 0 {
		cfg.DebounceInterval = defaults.DebounceInterval
	}
	if cfg.Reload == nil {
		cfg.Reload = defaults.Reload
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}

	d := &Daemon{
		syncers: syncers,
		config:  &cfg,
	}
	if cfg.ConfigPath != "" {
		w, err := NewConfigWatcher(cfg.ConfigPath, cfg.DebounceInterval)
		if err != nil {
			return nil, err
		}
		d.watcher = w
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start begins the daemon's operation. It blocks until ctx is cancelled
// or Stop is called. Sync failures are logged and never stop the daemon.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Printf("Starting daemon (reconcile every %v)", d.config.Interval)

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			return fmt.Errorf("failed to watch config: %w", err)
		}
		d.config.Logger.Printf("Watching config: %s", d.config.ConfigPath)

		d.wg.Add(1)
		go d.watchConfig()
	}

	for _, s := range d.syncers {
		d.wg.Add(1)
		go d.run(s)
	}

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. A running pass is cancelled.
func (d *Daemon) Stop() error {
	d.stopOnce.Do(func() {
		d.config.Logger.Println("Stopping daemon")
		d.cancel()

		if d.watcher != nil {
			if err := d.watcher.Stop(); err != nil {
				d.config.Logger.Printf("Error closing watcher: %v", err)
			}
		}

		d.wg.Wait()
		d.config.Logger.Println("Daemon stopped")
	})
	return nil
}

// run performs the initial pass of one collection, then reconciles it on
// every tick. Each collection has its own loop so a slow pass never delays
// the other.
func (d *Daemon) run(s Syncer) {
	defer d.wg.Done()

	res, err := s.Init(d.ctx)
	d.logResult(s.Collection(), res, err)

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			res, err := s.Reconcile(d.ctx)
			d.logResult(s.Collection(), res, err)
		}
	}
}

func (d *Daemon) logResult(c schema.Collection, res crmsync.Result, err error) {
	if err != nil {
		if d.ctx.Err() == nil {
			d.config.Logger.Printf("WARNING: %s sync failed: %v", c, err)
		}
		return
	}
	d.config.Logger.Printf("%s %s: %s (+%d ~%d -%d, %d total) in %v",
		c, res.Kind, res.Outcome, res.Added, res.Updated, res.Removed, res.Total, res.Duration)
}

// watchConfig applies hydration limits whenever the config file settles.
func (d *Daemon) watchConfig() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case _, ok := <-d.watcher.Changes():
			if !ok {
				return
			}
			d.ReloadLimits()

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// ReloadLimits rereads the config file and applies its hydration limits.
// A file that fails to load leaves the current limits in place.
func (d *Daemon) ReloadLimits() {
	limits, err := d.config.Reload(d.config.ConfigPath)
	if err != nil {
		d.config.Logger.Printf("WARNING: config reload failed, keeping current limits: %v", err)
		return
	}
	for _, s := range d.syncers {
		l, ok := limits[s.Collection()]
		if !ok {
			continue
		}
		s.SetLimits(l)
		d.config.Logger.Printf("Applied %s hydration limits: concurrency=%d rate=%g burst=%d batch_pause=%v",
			s.Collection(), l.Concurrency, l.Rate, l.Burst, l.BatchPause)
	}
}
