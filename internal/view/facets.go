package view

import (
	"sort"
	"strings"

	"github.com/zcrmtools/crmdash/internal/schema"
)

// FunctionCategories returns the distinct non-empty categories, sorted.
func FunctionCategories(all []schema.Function) []string {
	seen := map[string]bool{}
	for _, fn := range all {
		if fn.Category != "" {
			seen[fn.Category] = true
		}
	}
	return sortedKeys(seen)
}

// ScriptFacets are the filter choices offered for scripts. They are
// derived from module scripts only.
type ScriptFacets struct {
	Modules []string `json:"modules"`
	Pages   []string `json:"pages"`
	Events  []string `json:"events"`
}

// Facets extracts the distinct modules, pages and events of module
// scripts, each sorted.
func Facets(all []schema.Script) ScriptFacets {
	modules, pages, events := map[string]bool{}, map[string]bool{}, map[string]bool{}
	for i := range all {
		s := &all[i]
		if !s.IsModuleScript() {
			continue
		}
		if s.PageInfo.Module != "" {
			modules[s.PageInfo.Module] = true
		}
		if s.PageInfo.DefinitionName != "" {
			pages[s.PageInfo.DefinitionName] = true
		}
		if s.ScriptEvent.Event != "" {
			events[s.ScriptEvent.Event] = true
		}
	}
	return ScriptFacets{
		Modules: sortedKeys(modules),
		Pages:   sortedKeys(pages),
		Events:  sortedKeys(events),
	}
}

// PageLabel turns a page definition name into a display label, e.g.
// "module_quick_create" becomes "QUICK CREATE".
func PageLabel(definition string) string {
	label := strings.Replace(definition, schema.ModulePagePrefix, "", 1)
	return strings.ToUpper(strings.ReplaceAll(label, "_", " "))
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
