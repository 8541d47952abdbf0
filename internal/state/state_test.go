package state

import (
	"sync"
	"testing"
	"time"

	"github.com/zcrmtools/crmdash/internal/schema"
)

func TestPublishFunctions_Copies(t *testing.T) {
	a := New()
	if a.Published(schema.CollectionFunctions) {
		t.Fatal("new state reports functions published")
	}

	fns := []schema.Function{{ID: "1"}, {ID: "2", Detail: &schema.FunctionDetail{SourceCode: "x"}}}
	a.PublishFunctions(fns, time.Now())
	fns[0].ID = "mutated"

	got := a.Functions()
	if got[0].ID != "1" {
		t.Errorf("published slice aliased caller slice: %+v", got)
	}
	got[1].ID = "mutated"
	if a.Functions()[1].ID != "2" {
		t.Error("Functions() returned internal slice")
	}
	if !a.Published(schema.CollectionFunctions) {
		t.Error("functions not published")
	}

	c := a.Counts()
	if c.Functions != 2 || c.FunctionsHydrated != 1 {
		t.Errorf("Counts() = %+v", c)
	}
}

func TestPublishScripts_Clones(t *testing.T) {
	a := New()
	if s := a.Scripts(); s == nil || len(s.Scripts) != 0 {
		t.Fatalf("empty state Scripts() = %+v", s)
	}

	set := &schema.ScriptSet{
		Scripts: []schema.Script{{ID: "s1"}, {ID: "s2"}},
		Details: map[string]schema.ScriptDetail{"s1": {SourceCode: "a"}},
	}
	a.PublishScripts(set)
	set.Details["s2"] = schema.ScriptDetail{SourceCode: "late"}

	got := a.Scripts()
	if _, ok := got.Detail("s2"); ok {
		t.Error("published set aliased caller map")
	}
	if d, ok := got.Detail("s1"); !ok || d.SourceCode != "a" {
		t.Errorf("Detail(s1) = %+v, %v", d, ok)
	}

	c := a.Counts()
	if c.Scripts != 2 || c.ScriptsHydrated != 1 {
		t.Errorf("Counts() = %+v", c)
	}
}

func TestReset(t *testing.T) {
	a := New()
	a.PublishFunctions([]schema.Function{{ID: "1"}}, time.Now())
	a.PublishScripts(&schema.ScriptSet{Scripts: []schema.Script{{ID: "s"}}})

	a.Reset(schema.CollectionFunctions)
	if a.Published(schema.CollectionFunctions) || len(a.Functions()) != 0 {
		t.Error("functions survived reset")
	}
	if !a.Published(schema.CollectionScripts) {
		t.Error("scripts reset by functions reset")
	}
}

func TestSnapshot_ConcurrentPublish(t *testing.T) {
	a := New()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			fns := make([]schema.Function, n)
			for j := range fns {
				fns[j] = schema.Function{ID: string(rune('a' + j))}
			}
			a.PublishFunctions(fns, time.Now())
		}(i)
		go func() {
			defer wg.Done()
			s := a.Snapshot()
			if s.Scripts == nil {
				t.Error("Snapshot().Scripts is nil")
			}
		}()
	}
	wg.Wait()
}
