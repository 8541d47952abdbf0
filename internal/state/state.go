// Package state holds the in-memory authoritative collections.
//
// App replaces a process-wide context object: it is created once and
// handed to every component that reads or publishes collections. Writers
// publish whole collections; readers get point-in-time copies that stay
// consistent while later passes publish new data.
package state

import (
	"sync"
	"time"

	"github.com/zcrmtools/crmdash/internal/schema"
)

// App is the application state shared by the orchestrators, the status
// surface and the export boundary. The zero value is ready to use.
type App struct {
	mu sync.RWMutex

	functions          []schema.Function
	functionsPublished bool
	functionsUpdated   time.Time

	scripts          *schema.ScriptSet
	scriptsPublished bool
}

// New returns an empty application state.
func New() *App {
	return &App{}
}

// PublishFunctions replaces the function collection. The slice is copied.
func (a *App) PublishFunctions(fns []schema.Function, lastUpdate time.Time) {
	cp := make([]schema.Function, len(fns))
	copy(cp, fns)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.functions = cp
	a.functionsPublished = true
	a.functionsUpdated = lastUpdate
}

// Functions returns a copy of the function collection.
func (a *App) Functions() []schema.Function {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]schema.Function, len(a.functions))
	copy(out, a.functions)
	return out
}

// PublishScripts replaces the script collection. The set is cloned.
func (a *App) PublishScripts(set *schema.ScriptSet) {
	cp := set.Clone()
	if cp == nil {
		cp = &schema.ScriptSet{Details: map[string]schema.ScriptDetail{}}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts = cp
	a.scriptsPublished = true
}

// Scripts returns a copy of the script collection. It is never nil.
func (a *App) Scripts() *schema.ScriptSet {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.scripts == nil {
		return &schema.ScriptSet{Details: map[string]schema.ScriptDetail{}}
	}
	return a.scripts.Clone()
}

// Published reports whether collection c has been published at least once.
func (a *App) Published(c schema.Collection) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	switch c {
	case schema.CollectionFunctions:
		return a.functionsPublished
	case schema.CollectionScripts:
		return a.scriptsPublished
	}
	return false
}

// Reset forgets collection c, as after a forced refresh cleared its cache.
func (a *App) Reset(c schema.Collection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch c {
	case schema.CollectionFunctions:
		a.functions = nil
		a.functionsPublished = false
		a.functionsUpdated = time.Time{}
	case schema.CollectionScripts:
		a.scripts = nil
		a.scriptsPublished = false
	}
}

// Counts summarizes the published collections.
type Counts struct {
	Functions         int       `json:"functions"`
	FunctionsHydrated int       `json:"functions_hydrated"`
	FunctionsUpdated  time.Time `json:"functions_updated"`
	Scripts           int       `json:"scripts"`
	ScriptsHydrated   int       `json:"scripts_hydrated"`
	ScriptsUpdated    time.Time `json:"scripts_updated"`
}

// Counts returns item and hydration counts of both collections.
func (a *App) Counts() Counts {
	a.mu.RLock()
	defer a.mu.RUnlock()

	c := Counts{
		Functions:        len(a.functions),
		FunctionsUpdated: a.functionsUpdated,
	}
	for i := range a.functions {
		if a.functions[i].HasDetail() {
			c.FunctionsHydrated++
		}
	}
	if a.scripts != nil {
		c.Scripts = len(a.scripts.Scripts)
		c.ScriptsUpdated = a.scripts.LastUpdate
		for _, s := range a.scripts.Scripts {
			if _, ok := a.scripts.Details[s.ID]; ok {
				c.ScriptsHydrated++
			}
		}
	}
	return c
}

// Snapshot is a consistent point-in-time copy of both collections.
type Snapshot struct {
	Taken            time.Time
	Functions        []schema.Function
	FunctionsUpdated time.Time
	Scripts          *schema.ScriptSet
}

// Snapshot copies both collections under one lock.
func (a *App) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	s := Snapshot{
		Taken:            time.Now(),
		Functions:        make([]schema.Function, len(a.functions)),
		FunctionsUpdated: a.functionsUpdated,
		Scripts:          a.scripts.Clone(),
	}
	copy(s.Functions, a.functions)
	if s.Scripts == nil {
		s.Scripts = &schema.ScriptSet{Details: map[string]schema.ScriptDetail{}}
	}
	return s
}
