package sync

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/zcrmtools/crmdash/internal/reconcile"
	"github.com/zcrmtools/crmdash/internal/schema"
)

func (o *Orchestrator) runFunctions(ctx context.Context, p *pass) error {
	cache := o.openCache(ctx)

	switch p.kind {
	case KindRefresh:
		if cache != nil {
			if err := cache.Clear(ctx, schema.CollectionFunctions); err != nil {
				p.warnStore("clear function cache", err)
			}
		}
		o.app.Reset(schema.CollectionFunctions)
		return o.loadFunctions(ctx, p, cache)

	case KindReconcile:
		if o.app.Published(schema.CollectionFunctions) {
			return o.reconcileFunctions(ctx, p, cache, o.app.Functions())
		}
	}

	// Cache check: a non-empty function table means warm.
	p.setState(StateCacheCheck)
	var cached []schema.Function
	var lastUpdate time.Time
	if cache != nil {
		var err error
		cached, err = cache.LoadFunctions(ctx)
		if err != nil {
			p.warnStore("load function cache", err)
			cached = nil
		}
		if len(cached) > 0 {
			if meta, err := cache.LoadFunctionMeta(ctx); err != nil {
				p.warnStore("load function metadata", err)
			} else if meta != nil {
				lastUpdate = meta.LastUpdate
			}
		}
	}

	if len(cached) == 0 {
		return o.loadFunctions(ctx, p, cache)
	}

	o.app.PublishFunctions(cached, lastUpdate)
	o.stored = true
	p.res.FromCache = true
	p.res.Total = len(cached)
	p.setState(StatePublished)
	o.logger.Printf("Published %d cached functions", len(cached))

	return o.reconcileFunctions(ctx, p, cache, cached)
}

// loadFunctions is the foreground load: list, hydrate everything, persist,
// publish.
func (o *Orchestrator) loadFunctions(ctx context.Context, p *pass, cache Cache) error {
	p.setState(StateForegroundLoad)
	p.progress(10, "Fetching function list...")

	live, err := o.listFunctions(ctx)
	if err != nil {
		return err
	}

	delta := reconcile.Functions(live, nil)
	fns := o.hydrateFunctions(ctx, p, delta.ToAdd, nil)

	now := time.Now()
	p.setState(StatePersisting)
	p.progress(98, "Saving to local cache...")
	o.persistFunctions(p, cache, func() error {
		return cache.ReplaceFunctions(ctx, fns, now)
	})

	o.app.PublishFunctions(fns, now)
	p.res.Outcome = OutcomeSynced
	p.res.Added = len(fns)
	p.res.Total = len(fns)
	p.progress(100, "Synced %d functions.", len(fns))
	p.setState(StatePublished)
	return nil
}

// reconcileFunctions is the background reconcile against cached.
func (o *Orchestrator) reconcileFunctions(ctx context.Context, p *pass, cache Cache, cached []schema.Function) error {
	p.setState(StateBackgroundReconcile)
	p.progress(10, "Fetching function list...")

	live, err := o.listFunctions(ctx)
	if err != nil {
		return err
	}

	delta := reconcile.Functions(live, cached)
	if delta.Empty() {
		// A set published without being stored is written in full so the
		// cache never holds part of it.
		if !o.stored && cache != nil {
			now := time.Now()
			o.persistFunctions(p, cache, func() error {
				return cache.ReplaceFunctions(ctx, cached, now)
			})
			o.app.PublishFunctions(cached, now)
		}
		p.res.Outcome = OutcomeNoChange
		p.res.Total = len(cached)
		p.progress(100, "Functions are up to date.")
		p.setState(StatePublished)
		return nil
	}

	byID := make(map[string]schema.Function, len(cached))
	for _, c := range cached {
		byID[c.ID] = c
	}

	hydrated := o.hydrateFunctions(ctx, p, delta.Changed(), byID)
	merged := reconcile.Delta[schema.Function]{
		ToAdd:    hydrated[:len(delta.ToAdd)],
		ToUpdate: hydrated[len(delta.ToAdd):],
		ToRemove: delta.ToRemove,
	}
	all := reconcile.Apply(cached, merged, schema.FunctionKey)

	now := time.Now()
	p.setState(StatePersisting)
	p.progress(98, "Saving to local cache...")
	o.persistFunctions(p, cache, func() error {
		if o.stored {
			return cache.ApplyFunctionDelta(ctx, hydrated, delta.ToRemove, now)
		}
		return cache.ReplaceFunctions(ctx, all, now)
	})

	o.app.PublishFunctions(all, now)
	p.res.Outcome = OutcomeSynced
	p.res.Added = len(delta.ToAdd)
	p.res.Updated = len(delta.ToUpdate)
	p.res.Removed = len(delta.ToRemove)
	p.res.Total = len(all)
	p.progress(100, "Synced %d functions.", len(all))
	p.setState(StatePublished)
	return nil
}

// listFunctions lists the live functions. No content is an empty
// collection; records without an id are dropped.
func (o *Orchestrator) listFunctions(ctx context.Context) ([]schema.Function, error) {
	live, err := o.source.ListFunctions(ctx)
	if err != nil && !notFound(err) {
		return nil, err
	}
	out := live[:0:0]
	for _, fn := range live {
		if err := fn.Validate(); err != nil {
			o.logger.Printf("WARNING: skipping listed function %q: %v", fn.Name(), err)
			continue
		}
		out = append(out, fn)
	}
	return out, nil
}

// persistFunctions runs save against the store and records whether the
// published set is now stored.
func (o *Orchestrator) persistFunctions(p *pass, cache Cache, save func() error) {
	o.stored = false
	if cache == nil {
		return
	}
	if err := save(); err != nil {
		p.warnStore("save function cache", err)
		return
	}
	o.stored = true
	p.res.Persisted = true
}

// hydrateFunctions fetches the detail of every item. Listing fields the
// live record lacks are filled from cached. A failed fetch leaves a
// placeholder body. The result keeps the order of items.
func (o *Orchestrator) hydrateFunctions(ctx context.Context, p *pass, items []schema.Function, cached map[string]schema.Function) []schema.Function {
	out := make([]schema.Function, len(items))
	copy(out, items)
	if len(out) == 0 {
		return out
	}

	p.setState(StateHydrating)
	var failures atomic.Int32

	total := len(out)
	hydrate(ctx, p.limits, total, func(ctx context.Context, i int) {
		fn := &out[i]
		if c, ok := cached[fn.ID]; ok {
			*fn = fn.MergeCached(c)
		}

		detail, err := o.source.FetchFunctionDetail(ctx, fn.ID, fn.Source)
		if err != nil {
			o.logger.Printf("WARNING: failed to fetch source of function %s: %v", fn.ID, err)
			detail = &schema.FunctionDetail{SourceCode: FunctionErrorPlaceholder}
			failures.Add(1)
		}
		fn.Detail = detail
	}, func(i, done int) {
		p.progress(10+float64(done)/float64(total)*90, "Fetching source: %s", out[i].Name())
	})

	p.res.HydrationFailures += int(failures.Load())
	return out
}
