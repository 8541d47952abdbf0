package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zcrmtools/crmdash/internal/schema"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "cache", "test.db")
}

func openTestStore(t *testing.T, path, org string) *Store {
	t.Helper()
	s, err := Open(path, org, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleFunctions() []schema.Function {
	return []schema.Function{
		{ID: "1", APIName: "sync_leads", Category: "automation", UpdatedTime: 100,
			Detail: &schema.FunctionDetail{SourceCode: "info 1;", ReturnType: "void"}},
		{ID: "2", APIName: "score", Category: "standalone", UpdatedTime: 50},
	}
}

func TestOpen_Success(t *testing.T) {
	path := testDBPath(t)
	s := openTestStore(t, path, "org1")

	if s.Path() != path {
		t.Errorf("Path() = %q, want %q", s.Path(), path)
	}
	if s.OrgID() != "org1" {
		t.Errorf("OrgID() = %q, want org1", s.OrgID())
	}

	tables := []string{"functions", "functions_meta", "scripts_meta", "scripts",
		"script_sources", "script_pages", "static_resources"}
	for _, table := range tables {
		var count int
		err := s.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

func TestOpen_RequiresOrg(t *testing.T) {
	_, err := Open(testDBPath(t), "", nil)
	if err == nil {
		t.Fatal("Open() with empty org should fail")
	}
	if !IsStoreError(err) {
		t.Errorf("Open() error = %T, want *StoreError", err)
	}
}

func TestOpen_Unavailable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	_, err := Open(filepath.Join(blocker, "sub", "test.db"), "org1", nil)
	if err == nil {
		t.Fatal("Open() under a regular file should fail")
	}
	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("Open() error = %T, want *StoreError", err)
	}
	if se.Op == "" {
		t.Error("StoreError.Op is empty")
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	ctx := context.Background()
	path := testDBPath(t)
	s := openTestStore(t, path, "org1")

	if err := s.ApplyFunctionDelta(ctx, sampleFunctions(), nil, time.Now()); err != nil {
		t.Fatalf("ApplyFunctionDelta() failed: %v", err)
	}
	if err := s.InitSchema(ctx); err != nil {
		t.Fatalf("second InitSchema() failed: %v", err)
	}

	fns, err := s.LoadFunctions(ctx)
	if err != nil {
		t.Fatalf("LoadFunctions() failed: %v", err)
	}
	if len(fns) != 2 {
		t.Errorf("got %d functions after re-init, want 2", len(fns))
	}
}

func TestFunctions_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testDBPath(t), "org1")

	fns, err := s.LoadFunctions(ctx)
	if err != nil {
		t.Fatalf("LoadFunctions() failed: %v", err)
	}
	if len(fns) != 0 {
		t.Fatalf("cold cache returned %d functions", len(fns))
	}
	meta, err := s.LoadFunctionMeta(ctx)
	if err != nil {
		t.Fatalf("LoadFunctionMeta() failed: %v", err)
	}
	if meta != nil {
		t.Fatalf("cold cache returned meta %+v", meta)
	}

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.ApplyFunctionDelta(ctx, sampleFunctions(), nil, at); err != nil {
		t.Fatalf("ApplyFunctionDelta() failed: %v", err)
	}

	fns, err = s.LoadFunctions(ctx)
	if err != nil {
		t.Fatalf("LoadFunctions() failed: %v", err)
	}
	if len(fns) != 2 {
		t.Fatalf("got %d functions, want 2", len(fns))
	}
	if fns[0].ID != "1" || fns[0].SourceCode() != "info 1;" || fns[0].Detail.ReturnType != "void" {
		t.Errorf("function 1 = %+v", fns[0])
	}
	if fns[1].HasDetail() {
		t.Errorf("function 2 should not be hydrated")
	}

	meta, err = s.LoadFunctionMeta(ctx)
	if err != nil {
		t.Fatalf("LoadFunctionMeta() failed: %v", err)
	}
	if meta == nil || !meta.LastUpdate.Equal(at) {
		t.Errorf("meta = %+v, want last update %v", meta, at)
	}

	// Update one, delete the other.
	upd := schema.Function{ID: "1", APIName: "sync_leads", UpdatedTime: 200}
	if err := s.ApplyFunctionDelta(ctx, []schema.Function{upd}, []string{"2"}, at.Add(time.Hour)); err != nil {
		t.Fatalf("ApplyFunctionDelta() failed: %v", err)
	}
	fns, _ = s.LoadFunctions(ctx)
	if len(fns) != 1 || fns[0].UpdatedTime != 200 || fns[0].HasDetail() {
		t.Errorf("after delta functions = %+v", fns)
	}
}

func TestApplyFunctionDelta_Atomic(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testDBPath(t), "org1")

	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if err := s.ApplyFunctionDelta(ctx, sampleFunctions(), nil, at); err != nil {
		t.Fatalf("ApplyFunctionDelta() failed: %v", err)
	}

	failInsertsOf(t, s, "functions", "boom")
	bad := []schema.Function{
		{ID: "3", UpdatedTime: 1},
		{ID: "boom", UpdatedTime: 2},
	}
	err := s.ApplyFunctionDelta(ctx, bad, []string{"1"}, at.Add(time.Hour))
	if err == nil {
		t.Fatal("ApplyFunctionDelta() with a failing insert should fail")
	}
	if !IsStoreError(err) {
		t.Errorf("error = %T, want *StoreError", err)
	}

	fns, err := s.LoadFunctions(ctx)
	if err != nil {
		t.Fatalf("LoadFunctions() failed: %v", err)
	}
	if len(fns) != 2 || fns[0].ID != "1" || fns[1].ID != "2" {
		t.Errorf("prior rows not intact: %+v", fns)
	}
	meta, _ := s.LoadFunctionMeta(ctx)
	if meta == nil || !meta.LastUpdate.Equal(at) {
		t.Errorf("meta changed by failed tx: %+v", meta)
	}
}

// failInsertsOf makes inserts of id into table abort, so a write fails
// part way through its transaction.
func failInsertsOf(t *testing.T, s *Store, table, id string) {
	t.Helper()
	_, err := s.conn.Exec(`CREATE TRIGGER fail_` + table + ` BEFORE INSERT ON ` + table + `
		WHEN NEW.id = '` + id + `'
		BEGIN SELECT RAISE(ABORT, 'insert refused'); END`)
	if err != nil {
		t.Fatalf("Failed to create trigger: %v", err)
	}
}

func TestApplyFunctionDelta_SkipsMissingID(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testDBPath(t), "org1")

	fns := []schema.Function{
		{ID: "1", UpdatedTime: 1},
		{ID: "", APIName: "orphan", UpdatedTime: 2},
		{ID: "2", UpdatedTime: 3},
	}
	for i := 0; i < 2; i++ {
		if err := s.ApplyFunctionDelta(ctx, fns, nil, time.Now()); err != nil {
			t.Fatalf("ApplyFunctionDelta() pass %d failed: %v", i, err)
		}
	}

	loaded, err := s.LoadFunctions(ctx)
	if err != nil {
		t.Fatalf("LoadFunctions() failed: %v", err)
	}
	if len(loaded) != 2 || loaded[0].ID != "1" || loaded[1].ID != "2" {
		t.Errorf("expected the two valid functions, got %+v", loaded)
	}
}

func TestSaveScripts_SkipsMissingKeys(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testDBPath(t), "org1")

	snap := sampleSnapshot()
	snap.Scripts = append(snap.Scripts, schema.Script{Name: "no id"})
	snap.Pages = append(snap.Pages, schema.Page{DefinitionName: "module_create"})
	snap.StaticResources = append(snap.StaticResources, schema.StaticResource{Name: "no id"})
	snap.Details[""] = schema.ScriptDetail{SourceCode: "lost"}

	if err := s.SaveScripts(ctx, snap); err != nil {
		t.Fatalf("SaveScripts() failed: %v", err)
	}

	got, found, err := s.LoadScripts(ctx)
	if err != nil || !found {
		t.Fatalf("LoadScripts() found=%v err=%v", found, err)
	}
	want := sampleSnapshot()
	if len(got.Scripts) != len(want.Scripts) {
		t.Errorf("scripts = %d, want %d", len(got.Scripts), len(want.Scripts))
	}
	if len(got.Pages) != len(want.Pages) || len(got.StaticResources) != len(want.StaticResources) {
		t.Errorf("pages=%d statics=%d, want %d and %d",
			len(got.Pages), len(got.StaticResources), len(want.Pages), len(want.StaticResources))
	}
	if _, ok := got.Details[""]; ok {
		t.Error("detail without a script id was stored")
	}
}

func TestReplaceFunctions(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testDBPath(t), "org1")

	if err := s.ApplyFunctionDelta(ctx, sampleFunctions(), nil, time.Now()); err != nil {
		t.Fatalf("ApplyFunctionDelta() failed: %v", err)
	}
	if err := s.ReplaceFunctions(ctx, []schema.Function{{ID: "9"}}, time.Now()); err != nil {
		t.Fatalf("ReplaceFunctions() failed: %v", err)
	}
	fns, _ := s.LoadFunctions(ctx)
	if len(fns) != 1 || fns[0].ID != "9" {
		t.Errorf("functions = %+v, want only 9", fns)
	}
}

func TestOrgIsolation(t *testing.T) {
	ctx := context.Background()
	path := testDBPath(t)
	a := openTestStore(t, path, "orgA")
	b := openTestStore(t, path, "orgB")

	if err := a.ApplyFunctionDelta(ctx, sampleFunctions(), nil, time.Now()); err != nil {
		t.Fatalf("ApplyFunctionDelta() failed: %v", err)
	}
	if err := a.SaveScripts(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("SaveScripts() failed: %v", err)
	}

	fns, err := b.LoadFunctions(ctx)
	if err != nil {
		t.Fatalf("LoadFunctions() failed: %v", err)
	}
	if len(fns) != 0 {
		t.Errorf("orgB sees %d functions of orgA", len(fns))
	}
	if _, found, err := b.LoadScripts(ctx); err != nil || found {
		t.Errorf("orgB LoadScripts() found=%v err=%v, want cold", found, err)
	}

	if err := b.Clear(ctx); err != nil {
		t.Fatalf("Clear() failed: %v", err)
	}
	fns, _ = a.LoadFunctions(ctx)
	if len(fns) != 2 {
		t.Errorf("orgB clear removed orgA rows, %d left", len(fns))
	}
}

func sampleSnapshot() *schema.ScriptSet {
	page := schema.Page{UUID: "p1", DefinitionName: "module_create",
		Selectors: schema.PageSelectors{Module: &schema.SelectorValue{Value: "Leads"}}}
	res := schema.StaticResource{ID: "r1", Name: "theme", Type: "css", Source: "user"}
	return &schema.ScriptSet{
		Pages:           []schema.Page{page},
		StaticResources: []schema.StaticResource{res},
		Scripts: []schema.Script{
			{ID: "s1", Name: "validate", PageInfo: page.Info(), ModifiedTime: "2024-01-02T00:00:00Z"},
			res.AsScript(),
		},
		Details: map[string]schema.ScriptDetail{
			"s1": {SourceCode: "console.log(1)"},
		},
		LastUpdate: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
	}
}

func TestScripts_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testDBPath(t), "org1")

	snap, found, err := s.LoadScripts(ctx)
	if err != nil {
		t.Fatalf("LoadScripts() failed: %v", err)
	}
	if found || snap != nil {
		t.Fatalf("cold cache: found=%v snap=%+v", found, snap)
	}

	if err := s.SaveScripts(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("SaveScripts() failed: %v", err)
	}

	snap, found, err = s.LoadScripts(ctx)
	if err != nil {
		t.Fatalf("LoadScripts() failed: %v", err)
	}
	if !found {
		t.Fatal("LoadScripts() found = false after save")
	}
	if len(snap.Pages) != 1 || snap.Pages[0].Info().Module != "Leads" {
		t.Errorf("pages = %+v", snap.Pages)
	}
	if len(snap.StaticResources) != 1 || len(snap.Scripts) != 2 {
		t.Errorf("static=%d scripts=%d, want 1 and 2", len(snap.StaticResources), len(snap.Scripts))
	}
	if d, ok := snap.Details["s1"]; !ok || d.SourceCode != "console.log(1)" {
		t.Errorf("detail s1 = %+v ok=%v", d, ok)
	}
	if _, ok := snap.Details["r1"]; ok {
		t.Error("r1 should not be hydrated")
	}
	if !snap.LastUpdate.Equal(time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("LastUpdate = %v", snap.LastUpdate)
	}

	// An empty snapshot still marks the cache warm.
	if err := s.SaveScripts(ctx, &schema.ScriptSet{LastUpdate: time.Now()}); err != nil {
		t.Fatalf("SaveScripts(empty) failed: %v", err)
	}
	snap, found, err = s.LoadScripts(ctx)
	if err != nil || !found {
		t.Fatalf("LoadScripts() found=%v err=%v", found, err)
	}
	if len(snap.Scripts) != 0 || len(snap.Details) != 0 {
		t.Errorf("old rows survived rewrite: %+v", snap)
	}
}

func TestSaveScripts_Atomic(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testDBPath(t), "org1")

	if err := s.SaveScripts(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("SaveScripts() failed: %v", err)
	}

	failInsertsOf(t, s, "scripts", "boom")
	bad := sampleSnapshot()
	bad.Scripts = append(bad.Scripts, schema.Script{ID: "boom", Name: "fails"})
	if err := s.SaveScripts(ctx, bad); err == nil {
		t.Fatal("SaveScripts() with a failing insert should fail")
	}

	snap, found, err := s.LoadScripts(ctx)
	if err != nil || !found {
		t.Fatalf("LoadScripts() found=%v err=%v", found, err)
	}
	if len(snap.Scripts) != 2 {
		t.Errorf("prior scripts not intact: %d", len(snap.Scripts))
	}
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testDBPath(t), "org1")

	if err := s.ApplyFunctionDelta(ctx, sampleFunctions(), nil, time.Now()); err != nil {
		t.Fatalf("ApplyFunctionDelta() failed: %v", err)
	}
	if err := s.SaveScripts(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("SaveScripts() failed: %v", err)
	}

	if err := s.Clear(ctx, schema.CollectionFunctions); err != nil {
		t.Fatalf("Clear(functions) failed: %v", err)
	}
	fns, _ := s.LoadFunctions(ctx)
	if len(fns) != 0 {
		t.Errorf("functions survived clear: %d", len(fns))
	}
	if meta, _ := s.LoadFunctionMeta(ctx); meta != nil {
		t.Errorf("function meta survived clear: %+v", meta)
	}
	if _, found, _ := s.LoadScripts(ctx); !found {
		t.Error("scripts cleared by functions-only clear")
	}

	if err := s.Clear(ctx, schema.CollectionScripts); err != nil {
		t.Fatalf("Clear(scripts) failed: %v", err)
	}
	if _, found, _ := s.LoadScripts(ctx); found {
		t.Error("scripts still warm after clear")
	}

	if err := s.Clear(ctx, schema.Collection("bogus")); err == nil {
		t.Error("Clear(bogus) should fail")
	}
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, testDBPath(t), "org1")

	if err := s.ApplyFunctionDelta(ctx, sampleFunctions(), nil, time.Now()); err != nil {
		t.Fatalf("ApplyFunctionDelta() failed: %v", err)
	}
	if err := s.SaveScripts(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("SaveScripts() failed: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if st.Functions.Items != 2 || st.Functions.Hydrated != 1 {
		t.Errorf("function stats = %+v", st.Functions)
	}
	if st.Scripts.Items != 2 || st.Scripts.Hydrated != 1 {
		t.Errorf("script stats = %+v", st.Scripts)
	}
	if st.Pages != 1 || st.StaticFiles != 1 {
		t.Errorf("pages=%d static=%d", st.Pages, st.StaticFiles)
	}
	if st.SizeBytes == 0 {
		t.Error("SizeBytes = 0")
	}
	if st.Scripts.LastUpdate.IsZero() || st.Functions.LastUpdate.IsZero() {
		t.Errorf("last updates missing: %+v", st)
	}
}

func TestClosedStore(t *testing.T) {
	s, err := Open(testDBPath(t), "org1", nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}

	if _, err := s.LoadFunctions(context.Background()); !IsStoreError(err) {
		t.Errorf("LoadFunctions() on closed store error = %v", err)
	}
	if err := s.Clear(context.Background()); !IsStoreError(err) {
		t.Errorf("Clear() on closed store error = %v", err)
	}
}

func TestLazy(t *testing.T) {
	l := NewLazy(testDBPath(t), "org1", nil)
	defer l.Close()

	a, err := l.Open()
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	b, err := l.Open()
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	if a != b {
		t.Error("Lazy.Open() returned different handles")
	}
}
