// Package view derives the displayed subset of a collection from filter
// and sort criteria.
//
// Projection is pure and synchronous: it never mutates its input, performs
// no I/O and treats a missing source body as empty text. Callers re-project
// after every criteria change; there is no incremental diffing.
package view

import (
	"sort"
	"strings"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/zcrmtools/crmdash/internal/schema"
)

// SortKey selects the sort comparator.
type SortKey string

const (
	SortName     SortKey = "name"
	SortCategory SortKey = "category"
	SortCreated  SortKey = "created"
	SortModified SortKey = "modified"
	SortPage     SortKey = "page"
	SortEvent    SortKey = "event"
)

// Partition selects a named subset of the script collection.
type Partition string

const (
	PartitionAll      Partition = "all"
	PartitionModule   Partition = "module"
	PartitionCommands Partition = "commands"
	PartitionStatic   Partition = "static"
)

// Partitions lists every partition in display order.
var Partitions = []Partition{PartitionAll, PartitionModule, PartitionCommands, PartitionStatic}

// Match reports whether s belongs to the partition. An empty partition
// means all.
func (p Partition) Match(s *schema.Script) bool {
	switch p {
	case PartitionModule:
		return s.IsModuleScript()
	case PartitionCommands:
		return s.IsCommand()
	case PartitionStatic:
		return s.IsStatic()
	default:
		return true
	}
}

// Status filters scripts by their active flag.
type Status string

const (
	StatusAny      Status = ""
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// FunctionCriteria filters and sorts functions.
type FunctionCriteria struct {
	// Text is matched case-insensitively against display name, api name
	// and source body.
	Text string

	// Category keeps only functions of this category when set.
	Category string

	// Since keeps only functions modified at or after it when set.
	Since time.Time

	// Sort defaults to SortModified (most recent first).
	Sort SortKey
}

// ScriptCriteria filters and sorts scripts.
type ScriptCriteria struct {
	// Text is matched case-insensitively against name, description, page
	// definition, module, event and source body.
	Text string

	// Partition is applied before every other filter.
	Partition Partition

	Module string
	Page   string
	Event  string
	Status Status
	Since  time.Time

	// Sort defaults to SortModified (most recent first).
	Sort SortKey
}

// Projector projects collections with locale-aware string ordering.
type Projector struct {
	tag language.Tag
}

// New returns a projector ordering strings for the given language.
func New(tag language.Tag) *Projector {
	return &Projector{tag: tag}
}

// Default orders strings for English.
var Default = New(language.English)

// ProjectFunctions projects with the default projector.
func ProjectFunctions(all []schema.Function, c FunctionCriteria) []schema.Function {
	return Default.Functions(all, c)
}

// ProjectScripts projects with the default projector.
func ProjectScripts(all []schema.Script, details map[string]schema.ScriptDetail, c ScriptCriteria) []schema.Script {
	return Default.Scripts(all, details, c)
}

// Functions returns the functions matching c, sorted by c.Sort. The
// result is a new slice; all is left untouched.
func (p *Projector) Functions(all []schema.Function, c FunctionCriteria) []schema.Function {
	text := strings.ToLower(strings.TrimSpace(c.Text))

	out := make([]schema.Function, 0, len(all))
	for i := range all {
		fn := &all[i]
		if c.Category != "" && fn.Category != c.Category {
			continue
		}
		if !c.Since.IsZero() && fn.Modified().Before(c.Since) {
			continue
		}
		if text != "" && !containsAny(text, fn.DisplayName, fn.APIName, fn.SourceCode()) {
			continue
		}
		out = append(out, *fn)
	}

	cl := collate.New(p.tag)
	var less func(a, b *schema.Function) bool
	switch c.Sort {
	case SortName:
		less = func(a, b *schema.Function) bool {
			return cl.CompareString(a.Name(), b.Name()) < 0
		}
	case SortCategory:
		less = func(a, b *schema.Function) bool {
			if r := cl.CompareString(a.Category, b.Category); r != 0 {
				return r < 0
			}
			return cl.CompareString(a.Name(), b.Name()) < 0
		}
	case SortCreated:
		less = func(a, b *schema.Function) bool { return a.CreatedTime > b.CreatedTime }
	default:
		less = func(a, b *schema.Function) bool { return a.UpdatedTime > b.UpdatedTime }
	}

	sort.SliceStable(out, func(i, j int) bool { return less(&out[i], &out[j]) })
	return out
}

// Scripts returns the scripts matching c, sorted by c.Sort. details
// supplies source bodies for text search; missing entries count as empty.
func (p *Projector) Scripts(all []schema.Script, details map[string]schema.ScriptDetail, c ScriptCriteria) []schema.Script {
	text := strings.ToLower(strings.TrimSpace(c.Text))

	out := make([]schema.Script, 0, len(all))
	for i := range all {
		s := &all[i]
		if !c.Partition.Match(s) {
			continue
		}
		if c.Module != "" && s.PageInfo.Module != c.Module {
			continue
		}
		if c.Page != "" && s.PageInfo.DefinitionName != c.Page {
			continue
		}
		if c.Event != "" && s.ScriptEvent.Event != c.Event {
			continue
		}
		if c.Status == StatusActive && !s.Active {
			continue
		}
		if c.Status == StatusInactive && s.Active {
			continue
		}
		if !c.Since.IsZero() && s.Modified().Before(c.Since) {
			continue
		}
		if text != "" {
			body := details[s.ID].SourceCode
			if !containsAny(text, s.Name, s.Description, s.PageInfo.DefinitionName,
				s.PageInfo.Module, s.ScriptEvent.Event, body) {
				continue
			}
		}
		out = append(out, *s)
	}

	cl := collate.New(p.tag)
	var less func(a, b *schema.Script) bool
	switch c.Sort {
	case SortName:
		less = func(a, b *schema.Script) bool { return cl.CompareString(a.Name, b.Name) < 0 }
	case SortPage:
		less = func(a, b *schema.Script) bool {
			return cl.CompareString(a.PageInfo.DefinitionName, b.PageInfo.DefinitionName) < 0
		}
	case SortEvent:
		less = func(a, b *schema.Script) bool {
			return cl.CompareString(a.ScriptEvent.Event, b.ScriptEvent.Event) < 0
		}
	case SortCreated:
		less = func(a, b *schema.Script) bool { return a.Created().After(b.Created()) }
	default:
		less = func(a, b *schema.Script) bool { return a.Modified().After(b.Modified()) }
	}

	sort.SliceStable(out, func(i, j int) bool { return less(&out[i], &out[j]) })
	return out
}

func containsAny(needle string, fields ...string) bool {
	for _, f := range fields {
		if f != "" && strings.Contains(strings.ToLower(f), needle) {
			return true
		}
	}
	return false
}

// PartitionCount returns how many scripts fall in partition p.
func PartitionCount(all []schema.Script, p Partition) int {
	n := 0
	for i := range all {
		if p.Match(&all[i]) {
			n++
		}
	}
	return n
}
