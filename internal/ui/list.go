package ui

import (
	"fmt"
	"strings"

	"github.com/zcrmtools/crmdash/internal/schema"
)

// FunctionList renders projected functions, one per line, followed by a
// "Showing N of M" footer. total is the size of the unfiltered collection.
func FunctionList(fns []schema.Function, total int) string {
	var b strings.Builder
	if len(fns) == 0 {
		if total == 0 {
			b.WriteString("No functions found in this org.\n")
		} else {
			b.WriteString("No matches found.\n")
		}
	}

	nameWidth := 0
	for i := range fns {
		if n := len([]rune(fns[i].Name())); n > nameWidth {
			nameWidth = n
		}
	}
	if nameWidth > 48 {
		nameWidth = 48
	}

	for i := range fns {
		fn := &fns[i]
		fmt.Fprintf(&b, "%s  %s  %s  %s\n",
			RenderMuted(Pad(fn.ID, 19)),
			RenderBold(Pad(Truncate(fn.Name(), nameWidth), nameWidth)),
			CategoryBadge(fn.Category),
			RenderMuted(FormatTime(fn.Modified())),
		)
	}

	fmt.Fprintf(&b, "\n%s\n", RenderMuted(fmt.Sprintf("Showing %d of %d", len(fns), total)))
	return b.String()
}

// ScriptList renders projected scripts, one per line, followed by a
// "Showing N of M scripts" footer. total is the size of the active
// partition.
func ScriptList(scripts []schema.Script, total int) string {
	var b strings.Builder
	if len(scripts) == 0 {
		b.WriteString("No scripts found matching your criteria\n")
	}

	nameWidth := 0
	for i := range scripts {
		if n := len([]rune(scripts[i].DisplayName())); n > nameWidth {
			nameWidth = n
		}
	}
	if nameWidth > 40 {
		nameWidth = 40
	}

	for i := range scripts {
		s := &scripts[i]
		status := RenderPass("●")
		if !s.Active {
			status = RenderMuted("○")
		}
		module := s.PageInfo.Module
		if module == "" {
			module = "-"
		}
		fmt.Fprintf(&b, "%s %s  %s  %s %s  %s\n",
			status,
			RenderBold(Pad(Truncate(s.DisplayName(), nameWidth), nameWidth)),
			Pad(Truncate(module, 18), 18),
			PageBadge(s.PageInfo.DefinitionName),
			EventBadge(s.ScriptEvent.Event),
			RenderMuted(FormatTime(s.Modified())),
		)
	}

	fmt.Fprintf(&b, "\n%s\n", RenderMuted(fmt.Sprintf("Showing %d of %d scripts", len(scripts), total)))
	return b.String()
}

// FunctionDetail renders the metadata and source body of a function.
func FunctionDetail(fn *schema.Function) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", RenderAccent("ƒ"), RenderBold(fn.Name()))
	field(&b, "ID", fn.ID)
	field(&b, "API name", fn.APIName)
	field(&b, "Category", CategoryBadge(fn.Category))
	field(&b, "Description", fn.Description)
	field(&b, "Created", FormatTime(fn.Created()))
	modified := FormatTime(fn.Modified())
	if fn.Detail != nil {
		if by := fn.Detail.ModifiedBy.DisplayName(); by != "" {
			modified += " by " + by
		}
		field(&b, "Returns", fn.Detail.ReturnType)
	}
	field(&b, "Modified", modified)
	b.WriteString("\n")
	b.WriteString(sourceBlock(fn.SourceCode(), fn.HasDetail()))
	return b.String()
}

// ScriptDetail renders the metadata and source body of a script. loaded
// reports whether a source body is cached.
func ScriptDetail(s *schema.Script, d schema.ScriptDetail, loaded bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", RenderAccent("❯"), RenderBold(s.DisplayName()))
	field(&b, "ID", s.ID)
	field(&b, "Description", s.Description)
	field(&b, "Module", s.PageInfo.Module)
	field(&b, "Page", PageBadge(s.PageInfo.DefinitionName))
	field(&b, "Layout", s.PageInfo.Layout)
	field(&b, "Event", EventBadge(s.ScriptEvent.Event))
	if s.Active {
		field(&b, "Status", RenderPass("active"))
	} else {
		field(&b, "Status", RenderMuted("inactive"))
	}
	if s.Size > 0 {
		field(&b, "Size", BytesToSize(s.Size))
	}
	field(&b, "Created", byLine(FormatTime(s.Created()), s.CreatedBy))
	field(&b, "Modified", byLine(FormatTime(s.Modified()), s.ModifiedBy))
	field(&b, "Source URL", s.Content.SourceCodeURL)
	b.WriteString("\n")
	b.WriteString(sourceBlock(d.SourceCode, loaded))
	return b.String()
}

func byLine(when string, a *schema.Actor) string {
	if name := a.DisplayName(); name != "" {
		return when + " by " + name
	}
	return when
}

func field(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, "  %s %s\n", RenderMuted(Pad(label+":", 13)), value)
}

func sourceBlock(src string, loaded bool) string {
	if !loaded {
		return RenderWarn("⚠") + " source not loaded yet; run 'crmdash sync' first\n"
	}
	if src == "" {
		return RenderMuted("(empty source)") + "\n"
	}
	if !strings.HasSuffix(src, "\n") {
		src += "\n"
	}
	return src
}
