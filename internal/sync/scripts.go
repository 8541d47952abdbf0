package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zcrmtools/crmdash/internal/reconcile"
	"github.com/zcrmtools/crmdash/internal/schema"
)

func (o *Orchestrator) runScripts(ctx context.Context, p *pass) error {
	cache := o.openCache(ctx)

	switch p.kind {
	case KindRefresh:
		if cache != nil {
			if err := cache.Clear(ctx, schema.CollectionScripts); err != nil {
				p.warnStore("clear script cache", err)
			}
		}
		o.app.Reset(schema.CollectionScripts)
		return o.loadScripts(ctx, p, cache)

	case KindReconcile:
		if o.app.Published(schema.CollectionScripts) {
			return o.reconcileScripts(ctx, p, cache, o.app.Scripts())
		}
	}

	// Cache check: a metadata record means warm, even with no scripts.
	p.setState(StateCacheCheck)
	var cached *schema.ScriptSet
	if cache != nil {
		set, found, err := cache.LoadScripts(ctx)
		if err != nil {
			p.warnStore("load script cache", err)
		} else if found {
			cached = set
		}
	}

	if cached == nil {
		return o.loadScripts(ctx, p, cache)
	}

	o.app.PublishScripts(cached)
	p.res.FromCache = true
	p.res.Total = len(cached.Scripts)
	p.setState(StatePublished)
	o.logger.Printf("Published %d cached scripts", len(cached.Scripts))

	return o.reconcileScripts(ctx, p, cache, cached)
}

// liveScripts is one listing of the remote script collection.
type liveScripts struct {
	pages   []schema.Page
	statics []schema.StaticResource
	scripts []schema.Script
}

// listScripts lists pages, static resources and the scripts of every page.
// Page and static resource listing failures fail the pass; a failure
// listing one page's scripts only drops that page.
func (o *Orchestrator) listScripts(ctx context.Context, p *pass) (*liveScripts, error) {
	p.progress(10, "Fetching pages...")
	pages, err := o.source.ListPages(ctx)
	if err != nil && !notFound(err) {
		return nil, fmt.Errorf("list pages: %w", err)
	}

	p.progress(25, "Fetching static resources...")
	statics, err := o.source.ListStaticResources(ctx)
	if err != nil && !notFound(err) {
		return nil, fmt.Errorf("list static resources: %w", err)
	}

	pages = dropEmptyKeys(o, "page", pages, func(pg schema.Page) string { return pg.UUID })
	statics = dropEmptyKeys(o, "static resource", statics, func(r schema.StaticResource) string { return r.ID })

	p.progress(40, "Fetching scripts from pages...")
	perPage := make([][]schema.Script, len(pages))
	var g errgroup.Group
	g.SetLimit(p.limits.Concurrency)
	for i, page := range pages {
		i, page := i, page
		g.Go(func() error {
			scripts, err := o.source.ListScriptsForPage(ctx, page)
			if err != nil && !notFound(err) {
				o.logger.Printf("WARNING: failed to fetch scripts for page %s: %v", page.UUID, err)
				return nil
			}
			perPage[i] = scripts
			return nil
		})
	}
	_ = g.Wait()

	var all []schema.Script
	for _, scripts := range perPage {
		all = append(all, scripts...)
	}
	for _, r := range statics {
		all = append(all, r.AsScript())
	}

	return &liveScripts{
		pages:   pages,
		statics: statics,
		scripts: reconcile.Unique(dropEmptyKeys(o, "script", all, schema.ScriptKey), schema.ScriptKey),
	}, nil
}

// dropEmptyKeys removes listed records that have no key. They cannot be
// stored and would otherwise roll back every save.
func dropEmptyKeys[T any](o *Orchestrator, what string, items []T, key func(T) string) []T {
	out := items[:0:0]
	for _, it := range items {
		if key(it) == "" {
			o.logger.Printf("WARNING: skipping listed %s without an id", what)
			continue
		}
		out = append(out, it)
	}
	return out
}

// loadScripts is the foreground load.
func (o *Orchestrator) loadScripts(ctx context.Context, p *pass, cache Cache) error {
	p.setState(StateForegroundLoad)

	live, err := o.listScripts(ctx, p)
	if err != nil {
		return err
	}

	details := make(map[string]schema.ScriptDetail, len(live.scripts))
	o.hydrateScripts(ctx, p, live.scripts, details)

	set := &schema.ScriptSet{
		Pages:           live.pages,
		StaticResources: live.statics,
		Scripts:         live.scripts,
		Details:         details,
		LastUpdate:      time.Now(),
	}
	o.persistScripts(ctx, p, cache, set)

	o.app.PublishScripts(set)
	p.res.Outcome = OutcomeSynced
	p.res.Added = len(set.Scripts)
	p.res.Total = len(set.Scripts)
	p.progress(100, "Initial load complete - %d scripts cached.", len(set.Scripts))
	p.setState(StatePublished)
	return nil
}

// reconcileScripts is the background reconcile against cached.
func (o *Orchestrator) reconcileScripts(ctx context.Context, p *pass, cache Cache, cached *schema.ScriptSet) error {
	p.setState(StateBackgroundReconcile)

	live, err := o.listScripts(ctx, p)
	if err != nil {
		return err
	}

	delta := reconcile.Scripts(live.scripts, cached.Scripts)
	if delta.Empty() {
		p.res.Outcome = OutcomeNoChange
		p.res.Total = len(cached.Scripts)
		p.progress(100, "Scripts are up to date.")
		p.setState(StatePublished)
		return nil
	}

	details := make(map[string]schema.ScriptDetail, len(live.scripts))
	for id, d := range cached.Details {
		details[id] = d
	}
	for _, id := range delta.ToRemove {
		delete(details, id)
	}
	o.hydrateScripts(ctx, p, delta.Changed(), details)

	set := &schema.ScriptSet{
		Pages:           live.pages,
		StaticResources: live.statics,
		Scripts:         live.scripts,
		Details:         details,
		LastUpdate:      time.Now(),
	}
	o.persistScripts(ctx, p, cache, set)

	o.app.PublishScripts(set)
	p.res.Outcome = OutcomeSynced
	p.res.Added = len(delta.ToAdd)
	p.res.Updated = len(delta.ToUpdate)
	p.res.Removed = len(delta.ToRemove)
	p.res.Total = len(set.Scripts)
	p.progress(100, "Script sync complete.")
	p.setState(StatePublished)
	return nil
}

func (o *Orchestrator) persistScripts(ctx context.Context, p *pass, cache Cache, set *schema.ScriptSet) {
	p.setState(StatePersisting)
	if cache == nil {
		return
	}
	if err := cache.SaveScripts(ctx, set); err != nil {
		p.warnStore("save script cache", err)
		return
	}
	p.res.Persisted = true
}

// hydrateScripts fetches the source of every script into details. Scripts
// without a source URL get a placeholder without a request; failed fetches
// get an error placeholder.
func (o *Orchestrator) hydrateScripts(ctx context.Context, p *pass, scripts []schema.Script, details map[string]schema.ScriptDetail) {
	if len(scripts) == 0 {
		return
	}

	p.setState(StateHydrating)
	var (
		mu       gosync.Mutex
		failures atomic.Int32
	)

	total := len(scripts)
	hydrate(ctx, p.limits, total, func(ctx context.Context, i int) {
		sc := scripts[i]
		d := schema.ScriptDetail{AsyncCodeURL: sc.Content.AsyncCodeURL}

		if sc.Content.SourceCodeURL == "" {
			d.SourceCode = ScriptNoURLPlaceholder
		} else if body, err := o.source.FetchScriptSource(ctx, sc.Content.SourceCodeURL); err != nil {
			o.logger.Printf("WARNING: failed to fetch source of script %s: %v", sc.ID, err)
			d.SourceCode = ScriptErrorPlaceholder(err)
			failures.Add(1)
		} else {
			d.SourceCode = body
		}

		mu.Lock()
		details[sc.ID] = d
		mu.Unlock()
	}, func(_, done int) {
		p.progress(50+float64(done)/float64(total)*50, "Fetching source %d/%d", done, total)
	})

	p.res.HydrationFailures += int(failures.Load())
}
