package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/zcrmtools/crmdash/internal/remote"
	"github.com/zcrmtools/crmdash/internal/schema"
	"github.com/zcrmtools/crmdash/internal/state"
	"github.com/zcrmtools/crmdash/internal/store"
)

// Deps are the collaborators shared by both orchestrators.
type Deps struct {
	// Open returns the local store. Nil runs every pass without cache.
	Open OpenFunc

	// Source is the remote API (required).
	Source remote.Source

	// State receives published collections (required).
	State *state.App

	// Reporter receives progress and outcomes (default: discard).
	Reporter Reporter

	// Logger (default: stderr with [sync] prefix).
	Logger *log.Logger

	// Limits overrides the collection's default hydration limits.
	Limits *Limits
}

// StoreOpener adapts a lazily opened store to an OpenFunc.
func StoreOpener(l *store.Lazy) OpenFunc {
	return func(context.Context) (Cache, error) {
		s, err := l.Open()
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// runFunc executes one pass body. It returns the result so far even on
// failure.
type runFunc func(ctx context.Context, p *pass) error

// Orchestrator drives sync passes of one collection.
//
// At most one pass runs at a time. A trigger arriving while a pass runs is
// queued; every trigger queued during that pass coalesces into a single
// follow-up pass of the strongest kind requested, and all of their callers
// receive its result.
type Orchestrator struct {
	collection schema.Collection
	run        runFunc

	open     OpenFunc
	source   remote.Source
	app      *state.App
	reporter Reporter
	logger   *log.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      gosync.Mutex
	state   State
	limits  Limits
	running bool
	pending *waiter
	closed  bool
	last    *Result

	// stored reports whether the published function set is exactly what
	// the store holds. Only the running pass touches it.
	stored bool
}

// waiter is a queued follow-up pass shared by every coalesced trigger.
type waiter struct {
	kind    Kind
	callers int
	done    chan struct{}
	result  Result
	err     error
}

// NewFunctions creates the orchestrator of the function collection.
func NewFunctions(deps Deps) (*Orchestrator, error) {
	o, err := newOrchestrator(schema.CollectionFunctions, deps, DefaultFunctionLimits())
	if err != nil {
		return nil, err
	}
	o.run = o.runFunctions
	return o, nil
}

// NewScripts creates the orchestrator of the script collection.
func NewScripts(deps Deps) (*Orchestrator, error) {
	o, err := newOrchestrator(schema.CollectionScripts, deps, DefaultScriptLimits())
	if err != nil {
		return nil, err
	}
	o.run = o.runScripts
	return o, nil
}

func newOrchestrator(c schema.Collection, deps Deps, limits Limits) (*Orchestrator, error) {
	if deps.Source == nil {
		return nil, fmt.Errorf("remote source is required")
	}
	if deps.State == nil {
		return nil, fmt.Errorf("application state is required")
	}
	if deps.Reporter == nil {
		deps.Reporter = nopReporter{}
	}
	if deps.Logger == nil {
		deps.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if deps.Limits != nil {
		limits = *deps.Limits
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		collection: c,
		open:       deps.Open,
		source:     deps.Source,
		app:        deps.State,
		reporter:   deps.Reporter,
		logger:     deps.Logger,
		baseCtx:    ctx,
		cancel:     cancel,
		state:      StateIdle,
		limits:     limits.normalized(),
	}, nil
}

// Collection returns the collection this orchestrator syncs.
func (o *Orchestrator) Collection() schema.Collection {
	return o.collection
}

// State returns the current state of the state machine.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Busy reports whether a pass is running.
func (o *Orchestrator) Busy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// LastResult returns the result of the most recent finished pass.
func (o *Orchestrator) LastResult() (Result, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.last == nil {
		return Result{}, false
	}
	return *o.last, true
}

// Limits returns the current hydration limits.
func (o *Orchestrator) Limits() Limits {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.limits
}

// SetLimits replaces the hydration limits. A running pass keeps the limits
// it started with.
func (o *Orchestrator) SetLimits(l Limits) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.limits = l.normalized()
}

// Init checks the cache and either publishes it and reconciles, or loads
// everything from the remote.
func (o *Orchestrator) Init(ctx context.Context) (Result, error) {
	return o.trigger(ctx, KindInit)
}

// Refresh clears the cached collection and loads everything from the
// remote.
func (o *Orchestrator) Refresh(ctx context.Context) (Result, error) {
	return o.trigger(ctx, KindRefresh)
}

// Reconcile reconciles the published collection against the remote.
func (o *Orchestrator) Reconcile(ctx context.Context) (Result, error) {
	return o.trigger(ctx, KindReconcile)
}

// Close rejects further triggers and cancels the running pass. Callers
// waiting on a queued pass get ErrClosed.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()
	return nil
}

func (o *Orchestrator) trigger(ctx context.Context, kind Kind) (Result, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Result{}, ErrClosed
	}

	if o.running {
		if o.pending == nil {
			o.pending = &waiter{kind: kind, done: make(chan struct{})}
		} else if kind > o.pending.kind {
			o.pending.kind = kind
		}
		w := o.pending
		w.callers++
		waiting := w.callers
		o.mu.Unlock()

		o.logger.Printf("%s %s queued behind running pass (%d waiting)", o.collection, kind, waiting)
		select {
		case <-w.done:
			return w.result, w.err
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	o.running = true
	o.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(o.baseCtx, cancel)
	res, err := o.execute(ctx, kind)
	stop()
	cancel()
	o.next()
	return res, err
}

// next starts the coalesced follow-up pass, if any, or marks the
// orchestrator idle.
func (o *Orchestrator) next() {
	o.mu.Lock()
	w := o.pending
	o.pending = nil
	closed := o.closed
	if w == nil || closed {
		o.running = false
	}
	o.mu.Unlock()

	if w == nil {
		return
	}
	if closed {
		w.err = ErrClosed
		close(w.done)
		return
	}

	go func() {
		w.result, w.err = o.execute(o.baseCtx, w.kind)
		close(w.done)
		o.next()
	}()
}

// execute runs one pass and reports its outcome.
func (o *Orchestrator) execute(ctx context.Context, kind Kind) (Result, error) {
	o.mu.Lock()
	limits := o.limits
	o.mu.Unlock()

	p := &pass{
		o:       o,
		kind:    kind,
		limits:  limits,
		started: time.Now(),
		res: Result{
			PassID:     uuid.NewString(),
			Collection: o.collection,
			Kind:       kind,
		},
	}

	o.logger.Printf("Starting %s %s pass %s", o.collection, kind, p.res.PassID)

	err := o.run(ctx, p)
	p.res.Duration = time.Since(p.started)
	if err != nil {
		p.res.Outcome = OutcomeFailed
		p.setState(StateFailed)
		err = fmt.Errorf("%w: %s %s: %w", ErrSyncFailed, o.collection, kind, err)
		o.logger.Printf("Failed %s %s pass: %v", o.collection, kind, err)
	} else {
		o.logger.Printf("Finished %s %s pass: %s (%d added, %d updated, %d removed, %d total, %d hydration failures) in %v",
			o.collection, kind, p.res.Outcome, p.res.Added, p.res.Updated, p.res.Removed,
			p.res.Total, p.res.HydrationFailures, p.res.Duration)
	}

	res := p.res
	o.mu.Lock()
	o.last = &res
	o.mu.Unlock()

	o.reporter.OnOutcome(res, err)
	return res, err
}

// openCache opens the local store, degrading to no cache on failure.
func (o *Orchestrator) openCache(ctx context.Context) Cache {
	if o.open == nil {
		return nil
	}
	c, err := o.open(ctx)
	if err != nil {
		o.logger.Printf("WARNING: local cache unavailable, continuing without it: %v", err)
		return nil
	}
	return c
}

// pass is the bookkeeping of one running pass.
type pass struct {
	o       *Orchestrator
	kind    Kind
	limits  Limits
	started time.Time
	res     Result
}

func (p *pass) setState(s State) {
	p.o.mu.Lock()
	from := p.o.state
	p.o.state = s
	p.o.mu.Unlock()

	if from != s {
		p.o.reporter.OnStateChange(StateChange{
			PassID:     p.res.PassID,
			Collection: p.o.collection,
			From:       from,
			To:         s,
		})
	}
}

func (p *pass) progress(percent float64, format string, args ...any) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	p.o.reporter.OnProgress(Progress{
		PassID:     p.res.PassID,
		Collection: p.o.collection,
		Percent:    percent,
		Label:      fmt.Sprintf(format, args...),
	})
}

// warnStore logs a store failure. Store failures never fail a pass.
func (p *pass) warnStore(op string, err error) {
	if store.IsStoreError(err) {
		p.o.logger.Printf("WARNING: %v", err)
		return
	}
	p.o.logger.Printf("WARNING: failed to %s: %v", op, err)
}

// notFound reports whether err means the remote has no content.
func notFound(err error) bool {
	return errors.Is(err, remote.ErrNotFound)
}
