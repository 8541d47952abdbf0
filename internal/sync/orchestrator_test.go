package sync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zcrmtools/crmdash/internal/remote"
	"github.com/zcrmtools/crmdash/internal/schema"
	"github.com/zcrmtools/crmdash/internal/state"
	"github.com/zcrmtools/crmdash/internal/store"
)

// fakeSource is an in-memory remote.Source.
type fakeSource struct {
	mu gosync.Mutex

	functions []schema.Function
	listErr   error
	detailErr map[string]error

	pages       []schema.Page
	pageScripts map[string][]schema.Script
	pageErr     map[string]error
	pagesErr    error
	statics     []schema.StaticResource
	sourceErr   map[string]error

	// block, when set, holds ListFunctions and ListPages until closed.
	block chan struct{}

	listCalls   atomic.Int32
	detailCalls []string
	sourceCalls []string
}

var _ remote.Source = (*fakeSource)(nil)

func (f *fakeSource) wait(ctx context.Context) error {
	f.mu.Lock()
	b := f.block
	f.mu.Unlock()
	if b == nil {
		return nil
	}
	select {
	case <-b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeSource) ListFunctions(ctx context.Context) ([]schema.Function, error) {
	f.listCalls.Add(1)
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]schema.Function(nil), f.functions...), nil
}

func (f *fakeSource) FetchFunctionDetail(ctx context.Context, id, kind string) (*schema.FunctionDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls = append(f.detailCalls, id)
	if err := f.detailErr[id]; err != nil {
		return nil, err
	}
	return &schema.FunctionDetail{SourceCode: "// body of " + id}, nil
}

func (f *fakeSource) ListPages(ctx context.Context) ([]schema.Page, error) {
	f.listCalls.Add(1)
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pagesErr != nil {
		return nil, f.pagesErr
	}
	return append([]schema.Page(nil), f.pages...), nil
}

func (f *fakeSource) ListScriptsForPage(ctx context.Context, page schema.Page) ([]schema.Script, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.pageErr[page.UUID]; err != nil {
		return nil, err
	}
	var out []schema.Script
	for _, s := range f.pageScripts[page.UUID] {
		s.PageInfo = page.Info()
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeSource) ListStaticResources(ctx context.Context) ([]schema.StaticResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schema.StaticResource(nil), f.statics...), nil
}

func (f *fakeSource) FetchScriptSource(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sourceCalls = append(f.sourceCalls, url)
	if err := f.sourceErr[url]; err != nil {
		return "", err
	}
	return "// source at " + url, nil
}

func (f *fakeSource) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailCalls = nil
	f.sourceCalls = nil
}

func (f *fakeSource) details() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.detailCalls...)
}

func (f *fakeSource) sources() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sourceCalls...)
}

// recorder is a Reporter that keeps every event.
type recorder struct {
	mu       gosync.Mutex
	progress []Progress
	states   []State
	outcomes []Result
}

func (r *recorder) OnProgress(p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *recorder) OnStateChange(c StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, c.To)
}

func (r *recorder) OnOutcome(res Result, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, res)
}

func (r *recorder) stateList() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func fns(pairs ...any) []schema.Function {
	var out []schema.Function
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, schema.Function{
			ID:          pairs[i].(string),
			APIName:     "fn_" + pairs[i].(string),
			Category:    "automation",
			Source:      "crm",
			UpdatedTime: schema.Millis(pairs[i+1].(int)),
		})
	}
	return out
}

type harness struct {
	src  *fakeSource
	app  *state.App
	lazy *store.Lazy
	rec  *recorder
	logs *bytes.Buffer
}

func newHarness(t *testing.T, src *fakeSource) *harness {
	t.Helper()
	lazy := store.NewLazy(filepath.Join(t.TempDir(), "cache.db"), "org1", log.New(&bytes.Buffer{}, "", 0))
	t.Cleanup(func() { lazy.Close() })
	return &harness{src: src, app: state.New(), lazy: lazy, rec: &recorder{}, logs: &bytes.Buffer{}}
}

func (h *harness) deps() Deps {
	return Deps{
		Open:     StoreOpener(h.lazy),
		Source:   h.src,
		State:    h.app,
		Reporter: h.rec,
		Logger:   log.New(h.logs, "", 0),
		Limits:   &Limits{Concurrency: 4},
	}
}

func (h *harness) functions(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := NewFunctions(h.deps())
	if err != nil {
		t.Fatalf("NewFunctions() failed: %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

func (h *harness) scripts(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := NewScripts(h.deps())
	if err != nil {
		t.Fatalf("NewScripts() failed: %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

func TestNew_Validation(t *testing.T) {
	if _, err := NewFunctions(Deps{State: state.New()}); err == nil {
		t.Error("NewFunctions() without source should fail")
	}
	if _, err := NewScripts(Deps{Source: &fakeSource{}}); err == nil {
		t.Error("NewScripts() without state should fail")
	}
}

func TestFunctions_ColdInit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeSource{functions: fns("1", 100, "2", 50)})
	o := h.functions(t)

	res, err := o.Init(ctx)
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if res.Outcome != OutcomeSynced || res.FromCache || !res.Persisted {
		t.Errorf("result = %+v", res)
	}
	if res.Added != 2 || res.Total != 2 || res.PassID == "" {
		t.Errorf("counts = %+v", res)
	}
	if o.State() != StatePublished {
		t.Errorf("State() = %v, want published", o.State())
	}

	got := h.app.Functions()
	if len(got) != 2 || got[0].SourceCode() != "// body of 1" {
		t.Errorf("published = %+v", got)
	}

	want := []State{StateCacheCheck, StateForegroundLoad, StateHydrating, StatePersisting, StatePublished}
	if states := h.rec.stateList(); fmt.Sprint(states) != fmt.Sprint(want) {
		t.Errorf("states = %v, want %v", states, want)
	}

	var saw98 bool
	for _, p := range h.rec.progress {
		if p.Percent == 98 && p.Label == "Saving to local cache..." {
			saw98 = true
		}
	}
	if !saw98 {
		t.Error("missing 98% saving progress")
	}

	s, _ := h.lazy.Open()
	cached, err := s.LoadFunctions(ctx)
	if err != nil || len(cached) != 2 {
		t.Errorf("cache = %d rows, err %v", len(cached), err)
	}
}

func TestFunctions_WarmInitNoChange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeSource{functions: fns("1", 100, "2", 50)})
	if _, err := h.functions(t).Init(ctx); err != nil {
		t.Fatalf("first Init() failed: %v", err)
	}
	h.src.resetCalls()

	// A fresh process: new state, same cache.
	h.app = state.New()
	res, err := h.functions(t).Init(ctx)
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if !res.FromCache || res.Outcome != OutcomeNoChange || res.Total != 2 {
		t.Errorf("result = %+v", res)
	}
	if calls := h.src.details(); len(calls) != 0 {
		t.Errorf("unchanged functions re-fetched: %v", calls)
	}
	if len(h.app.Functions()) != 2 {
		t.Error("cached functions not published")
	}
}

func TestFunctions_WarmInitDelta(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeSource{functions: fns("1", 100, "2", 50, "3", 10)})
	if _, err := h.functions(t).Init(ctx); err != nil {
		t.Fatalf("first Init() failed: %v", err)
	}
	h.src.resetCalls()

	h.src.mu.Lock()
	h.src.functions = fns("1", 200, "2", 50, "4", 1)
	h.src.functions[0].APIName = ""
	h.src.mu.Unlock()

	h.app = state.New()
	res, err := h.functions(t).Init(ctx)
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if res.Added != 1 || res.Updated != 1 || res.Removed != 1 || res.Total != 3 {
		t.Errorf("result = %+v", res)
	}
	if calls := h.src.details(); len(calls) != 2 {
		t.Errorf("detail calls = %v, want only 4 and 1", calls)
	}

	byID := map[string]schema.Function{}
	for _, f := range h.app.Functions() {
		byID[f.ID] = f
	}
	if _, ok := byID["3"]; ok {
		t.Error("removed function still published")
	}
	if byID["1"].UpdatedTime != 200 || byID["1"].APIName != "fn_1" {
		t.Errorf("updated function = %+v, want new time and cached api name", byID["1"])
	}

	s, _ := h.lazy.Open()
	cached, _ := s.LoadFunctions(ctx)
	if len(cached) != 3 {
		t.Errorf("cache has %d rows, want 3", len(cached))
	}
}

func TestFunctions_HydrationFailure(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{
		functions: fns("X", 1, "Y", 2),
		detailErr: map[string]error{"X": &remote.TransportError{Op: "fetch function X", StatusCode: 500}},
	}
	h := newHarness(t, src)

	res, err := h.functions(t).Init(ctx)
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if res.HydrationFailures != 1 || !res.Persisted || res.Outcome != OutcomeSynced {
		t.Errorf("result = %+v", res)
	}
	for _, f := range h.app.Functions() {
		if f.ID == "X" && f.SourceCode() != FunctionErrorPlaceholder {
			t.Errorf("X body = %q, want placeholder", f.SourceCode())
		}
	}
}

func TestFunctions_StoreUnavailable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeSource{functions: fns("1", 1)})
	deps := h.deps()
	deps.Open = func(context.Context) (Cache, error) {
		return nil, &store.StoreError{Op: "open database", Err: errors.New("disk full")}
	}
	o, err := NewFunctions(deps)
	if err != nil {
		t.Fatalf("NewFunctions() failed: %v", err)
	}
	defer o.Close()

	res, err := o.Init(ctx)
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if res.Persisted || res.Outcome != OutcomeSynced {
		t.Errorf("result = %+v, want synced and unpersisted", res)
	}
	if len(h.app.Functions()) != 1 {
		t.Error("functions not published without cache")
	}
}

// flakyOpener fails the first n opens of the cache and then opens l.
func flakyOpener(l *store.Lazy, n int32) OpenFunc {
	var calls atomic.Int32
	open := StoreOpener(l)
	return func(ctx context.Context) (Cache, error) {
		if calls.Add(1) <= n {
			return nil, &store.StoreError{Op: "open database", Err: errors.New("database is locked")}
		}
		return open(ctx)
	}
}

func TestFunctions_ReconcileStoresUnpersistedSet(t *testing.T) {
	tests := []struct {
		name    string
		live    []schema.Function
		outcome Outcome
	}{
		{"changed", fns("1", 10, "2", 2, "3", 3), OutcomeSynced},
		{"unchanged", fns("1", 1, "2", 2, "3", 3), OutcomeNoChange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t, &fakeSource{functions: fns("1", 1, "2", 2, "3", 3)})
			deps := h.deps()
			deps.Open = flakyOpener(h.lazy, 1)
			o, err := NewFunctions(deps)
			if err != nil {
				t.Fatalf("NewFunctions() failed: %v", err)
			}
			defer o.Close()

			res, err := o.Init(ctx)
			if err != nil {
				t.Fatalf("Init() failed: %v", err)
			}
			if res.Persisted || len(h.app.Functions()) != 3 {
				t.Fatalf("Init() result = %+v, want 3 published and unpersisted", res)
			}

			h.src.mu.Lock()
			h.src.functions = tt.live
			h.src.mu.Unlock()

			res, err = o.Reconcile(ctx)
			if err != nil {
				t.Fatalf("Reconcile() failed: %v", err)
			}
			if !res.Persisted || res.Outcome != tt.outcome {
				t.Errorf("Reconcile() result = %+v, want persisted %v", res, tt.outcome)
			}

			s, _ := h.lazy.Open()
			cached, err := s.LoadFunctions(ctx)
			if err != nil {
				t.Fatalf("LoadFunctions() failed: %v", err)
			}
			if len(cached) != 3 {
				t.Errorf("cache has %d rows, want the whole published set of 3", len(cached))
			}
		})
	}
}

func TestFunctions_SkipsListedWithoutID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeSource{functions: fns("1", 1, "", 2, "3", 3)})

	res, err := h.functions(t).Init(ctx)
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if res.Total != 2 || !res.Persisted {
		t.Errorf("result = %+v, want 2 persisted", res)
	}
	if !bytes.Contains(h.logs.Bytes(), []byte("skipping listed function")) {
		t.Errorf("missing skip warning in %q", h.logs.String())
	}

	s, _ := h.lazy.Open()
	cached, _ := s.LoadFunctions(ctx)
	if len(cached) != 2 {
		t.Errorf("cache has %d rows, want 2", len(cached))
	}
}

func TestFunctions_ListingFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeSource{functions: fns("1", 1)})
	o := h.functions(t)
	if _, err := o.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}

	h.src.mu.Lock()
	h.src.listErr = &remote.TransportError{Op: "list functions", StatusCode: 401}
	h.src.functions = nil
	h.src.mu.Unlock()

	res, err := o.Reconcile(ctx)
	if !errors.Is(err, ErrSyncFailed) {
		t.Fatalf("Reconcile() error = %v, want ErrSyncFailed", err)
	}
	if !remote.IsTransportError(err) {
		t.Errorf("error %v does not wrap the transport error", err)
	}
	if res.Outcome != OutcomeFailed || o.State() != StateFailed {
		t.Errorf("outcome = %v state = %v", res.Outcome, o.State())
	}
	if len(h.app.Functions()) != 1 {
		t.Error("failed pass changed published functions")
	}

	s, _ := h.lazy.Open()
	cached, _ := s.LoadFunctions(ctx)
	if len(cached) != 1 {
		t.Error("failed pass changed the cache")
	}
}

func TestFunctions_NoContent(t *testing.T) {
	h := newHarness(t, &fakeSource{listErr: remote.ErrNotFound})
	res, err := h.functions(t).Init(context.Background())
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if res.Outcome != OutcomeSynced || res.Total != 0 {
		t.Errorf("result = %+v", res)
	}
	if !h.app.Published(schema.CollectionFunctions) {
		t.Error("empty collection not published")
	}
}

func TestFunctions_Refresh(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &fakeSource{functions: fns("1", 1, "2", 2)})
	o := h.functions(t)
	if _, err := o.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	h.src.resetCalls()

	res, err := o.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if res.FromCache || res.Added != 2 {
		t.Errorf("result = %+v", res)
	}
	if calls := h.src.details(); len(calls) != 2 {
		t.Errorf("refresh fetched %v, want every function", calls)
	}
}

func TestReconcile_BeforeInitChecksCache(t *testing.T) {
	h := newHarness(t, &fakeSource{functions: fns("1", 1)})
	res, err := h.functions(t).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("Reconcile() failed: %v", err)
	}
	if res.Added != 1 || !h.app.Published(schema.CollectionFunctions) {
		t.Errorf("result = %+v", res)
	}
}

func TestCoalescing(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{functions: fns("1", 1), block: make(chan struct{})}
	h := newHarness(t, src)
	o := h.functions(t)

	firstDone := make(chan Result, 1)
	go func() {
		res, _ := o.Init(ctx)
		firstDone <- res
	}()

	// Wait for the first pass to reach the remote.
	waitFor(t, func() bool { return src.listCalls.Load() == 1 })

	results := make(chan Result, 4)
	kinds := []Kind{KindReconcile, KindReconcile, KindRefresh, KindReconcile}
	for _, k := range kinds {
		k := k
		go func() {
			res, err := o.trigger(ctx, k)
			if err != nil {
				t.Errorf("queued %v failed: %v", k, err)
			}
			results <- res
		}()
	}

	waitFor(t, func() bool {
		o.mu.Lock()
		defer o.mu.Unlock()
		return o.pending != nil && o.pending.callers == len(kinds)
	})
	close(src.block)

	first := <-firstDone
	var followUp string
	for range kinds {
		res := <-results
		if res.Kind != KindRefresh {
			t.Errorf("follow-up kind = %v, want refresh", res.Kind)
		}
		if followUp == "" {
			followUp = res.PassID
		} else if res.PassID != followUp {
			t.Errorf("queued callers got different passes: %s and %s", followUp, res.PassID)
		}
	}
	if followUp == first.PassID {
		t.Error("queued callers got the first pass result")
	}
	if n := src.listCalls.Load(); n != 2 {
		t.Errorf("remote listed %d times, want 2 (one pass plus one coalesced)", n)
	}

	waitFor(t, func() bool { return !o.Busy() })
}

func TestClosed(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	o := h.functions(t)
	o.Close()
	if _, err := o.Init(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Init() after Close error = %v, want ErrClosed", err)
	}
}

func TestClose_CancelsRunningPass(t *testing.T) {
	src := &fakeSource{functions: fns("1", 1), block: make(chan struct{})}
	h := newHarness(t, src)
	o := h.functions(t)

	done := make(chan error, 1)
	go func() {
		_, err := o.Init(context.Background())
		done <- err
	}()
	waitFor(t, func() bool { return src.listCalls.Load() == 1 })

	o.Close()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Init() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not cancel the running pass")
	}
	if h.app.Published(schema.CollectionFunctions) {
		t.Error("cancelled pass published functions")
	}
}

func TestSetLimits(t *testing.T) {
	h := newHarness(t, &fakeSource{})
	o := h.functions(t)
	o.SetLimits(Limits{Concurrency: 0, Burst: -1, Rate: 5})
	l := o.Limits()
	if l.Concurrency != 1 || l.Burst != 1 || l.Rate != 5 {
		t.Errorf("Limits() = %+v", l)
	}
}

func scriptSource() *fakeSource {
	return &fakeSource{
		pages: []schema.Page{
			{UUID: "p1", DefinitionName: "module_create", Selectors: schema.PageSelectors{Module: &schema.SelectorValue{Value: "Leads"}}},
			{UUID: "p2", DefinitionName: "commands"},
			{UUID: "p3", DefinitionName: "module_detail"},
		},
		pageScripts: map[string][]schema.Script{
			"p1": {
				{ID: "s1", Name: "validate", ModifiedTime: "2024-01-01T00:00:00Z", Content: schema.ScriptContent{SourceCodeURL: "https://cdn/s1.js"}},
				{ID: "s2", Name: "no url", ModifiedTime: "2024-01-01T00:00:00Z"},
			},
			"p2": {
				{ID: "s3", Name: "cmd", ModifiedTime: "2024-01-01T00:00:00Z", Content: schema.ScriptContent{SourceCodeURL: "https://cdn/s3.js"}},
			},
			"p3": {
				{ID: "s4", Name: "lost", Content: schema.ScriptContent{SourceCodeURL: "https://cdn/s4.js"}},
			},
		},
		pageErr: map[string]error{"p3": errors.New("timeout")},
		statics: []schema.StaticResource{
			{ID: "r1", Name: "theme", Type: "css", Source: "user", URI: "https://cdn/r1.css", ModifiedTime: "2024-01-01T00:00:00Z"},
		},
		sourceErr: map[string]error{"https://cdn/s3.js": errors.New("unexpected status 403")},
	}
}

func TestScripts_ColdInit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, scriptSource())

	res, err := h.scripts(t).Init(ctx)
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if res.Total != 4 || res.HydrationFailures != 1 || !res.Persisted {
		t.Errorf("result = %+v", res)
	}

	set := h.app.Scripts()
	if d, _ := set.Detail("s2"); d.SourceCode != ScriptNoURLPlaceholder {
		t.Errorf("s2 body = %q", d.SourceCode)
	}
	if d, _ := set.Detail("s3"); d.SourceCode != "// Error loading source: unexpected status 403" {
		t.Errorf("s3 body = %q", d.SourceCode)
	}
	if d, _ := set.Detail("r1"); d.SourceCode != "// source at https://cdn/r1.css" {
		t.Errorf("r1 body = %q", d.SourceCode)
	}
	if len(set.Pages) != 3 || len(set.StaticResources) != 1 {
		t.Errorf("pages=%d statics=%d", len(set.Pages), len(set.StaticResources))
	}
	for _, s := range set.Scripts {
		if s.ID == "s1" && s.PageInfo.Module != "Leads" {
			t.Errorf("s1 page info = %+v", s.PageInfo)
		}
	}

	var last float64
	for _, p := range h.rec.progress {
		if p.Percent < last {
			t.Errorf("progress went back from %v to %v (%s)", last, p.Percent, p.Label)
		}
		last = p.Percent
	}
	if last != 100 {
		t.Errorf("final progress = %v, want 100", last)
	}
}

func TestScripts_WarmReconcile(t *testing.T) {
	ctx := context.Background()
	src := scriptSource()
	h := newHarness(t, src)
	if _, err := h.scripts(t).Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	src.resetCalls()

	src.mu.Lock()
	src.pageScripts["p1"] = []schema.Script{
		{ID: "s1", Name: "validate", ModifiedTime: "2024-02-01T00:00:00Z", Content: schema.ScriptContent{SourceCodeURL: "https://cdn/s1.js"}},
	}
	src.mu.Unlock()

	h.app = state.New()
	res, err := h.scripts(t).Init(ctx)
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if !res.FromCache || res.Updated != 1 || res.Removed != 1 || res.Added != 0 {
		t.Errorf("result = %+v", res)
	}
	if calls := src.sources(); len(calls) != 1 || calls[0] != "https://cdn/s1.js" {
		t.Errorf("source calls = %v, want only s1", calls)
	}

	set := h.app.Scripts()
	if _, ok := set.Detail("s2"); ok {
		t.Error("removed script detail kept")
	}
	if _, ok := set.Detail("r1"); !ok {
		t.Error("unchanged script detail dropped")
	}

	// Nothing changed since: no-op.
	res, err = h.scripts(t).Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile() failed: %v", err)
	}
	if res.Outcome != OutcomeNoChange {
		t.Errorf("outcome = %v, want no_change", res.Outcome)
	}
}

func TestScripts_PageListingFailure(t *testing.T) {
	src := scriptSource()
	src.pagesErr = &remote.TransportError{Op: "list script pages", StatusCode: 500}
	h := newHarness(t, src)

	o := h.scripts(t)
	if _, err := o.Init(context.Background()); !errors.Is(err, ErrSyncFailed) {
		t.Fatalf("Init() error = %v, want ErrSyncFailed", err)
	}
	if h.app.Published(schema.CollectionScripts) {
		t.Error("failed load published scripts")
	}
}

func TestScripts_Refresh(t *testing.T) {
	ctx := context.Background()
	src := scriptSource()
	h := newHarness(t, src)
	o := h.scripts(t)
	if _, err := o.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	src.resetCalls()

	src.mu.Lock()
	delete(src.pageScripts, "p2")
	src.mu.Unlock()

	res, err := o.Refresh(ctx)
	if err != nil {
		t.Fatalf("Refresh() failed: %v", err)
	}
	if res.FromCache || res.Added != 3 || res.Total != 3 || !res.Persisted {
		t.Errorf("result = %+v", res)
	}
	if calls := src.sources(); len(calls) != 2 {
		t.Errorf("refresh fetched %v, want s1 and r1", calls)
	}

	s, _ := h.lazy.Open()
	set, found, err := s.LoadScripts(ctx)
	if err != nil || !found {
		t.Fatalf("LoadScripts() found=%v err=%v", found, err)
	}
	if len(set.Scripts) != 3 {
		t.Errorf("cache has %d scripts, want 3", len(set.Scripts))
	}
	if _, ok := set.Detail("s3"); ok {
		t.Error("refresh kept the detail of a dropped script")
	}
}

func TestScripts_StoreUnavailable(t *testing.T) {
	h := newHarness(t, scriptSource())
	deps := h.deps()
	deps.Open = func(context.Context) (Cache, error) {
		return nil, &store.StoreError{Op: "open database", Err: errors.New("disk full")}
	}
	o, err := NewScripts(deps)
	if err != nil {
		t.Fatalf("NewScripts() failed: %v", err)
	}
	defer o.Close()

	res, err := o.Init(context.Background())
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if res.Persisted || res.Outcome != OutcomeSynced {
		t.Errorf("result = %+v, want synced and unpersisted", res)
	}
	if n := len(h.app.Scripts().Scripts); n != 4 {
		t.Errorf("published %d scripts without cache, want 4", n)
	}
}

func TestScripts_NoContent(t *testing.T) {
	h := newHarness(t, &fakeSource{pagesErr: remote.ErrNotFound})
	res, err := h.scripts(t).Init(context.Background())
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if res.Outcome != OutcomeSynced || res.Total != 0 || !res.Persisted {
		t.Errorf("result = %+v", res)
	}
	if !h.app.Published(schema.CollectionScripts) {
		t.Error("empty collection not published")
	}
}

func TestScripts_SkipsListedWithoutID(t *testing.T) {
	src := scriptSource()
	src.pages = append(src.pages, schema.Page{DefinitionName: "module_list"})
	src.pageScripts["p2"] = append(src.pageScripts["p2"], schema.Script{Name: "no id"})
	h := newHarness(t, src)

	res, err := h.scripts(t).Init(context.Background())
	if err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if res.Total != 4 || !res.Persisted {
		t.Errorf("result = %+v, want 4 persisted", res)
	}
	if n := len(h.app.Scripts().Pages); n != 3 {
		t.Errorf("published %d pages, want 3", n)
	}
}

func TestHydrate_ConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	var finished []int
	hydrate(context.Background(), Limits{Concurrency: 3}, 20, func(ctx context.Context, i int) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
	}, func(_, done int) {
		finished = append(finished, done)
	})

	if peak.Load() > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", peak.Load())
	}
	if len(finished) != 20 || finished[19] != 20 {
		t.Errorf("done callbacks = %v", finished)
	}
}

func TestHydrate_Pacing(t *testing.T) {
	start := time.Now()
	hydrate(context.Background(), Limits{Concurrency: 1, Rate: 100, Burst: 1}, 5, func(context.Context, int) {}, nil)
	if elapsed := time.Since(start); elapsed < 35*time.Millisecond {
		t.Errorf("5 requests at 100/s took %v, want >= 40ms", elapsed)
	}

	start = time.Now()
	hydrate(context.Background(), Limits{Concurrency: 2, BatchPause: 20 * time.Millisecond}, 6, func(context.Context, int) {}, nil)
	if elapsed := time.Since(start); elapsed < 35*time.Millisecond {
		t.Errorf("3 batches with 20ms pauses took %v, want >= 40ms", elapsed)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(time.Millisecond)
	}
}
