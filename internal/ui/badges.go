package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/zcrmtools/crmdash/internal/schema"
	"github.com/zcrmtools/crmdash/internal/view"
)

var categoryColors = map[string]string{
	"automation":      "#ad6c0b",
	"button":          "#117911",
	"crmfundamentals": "#7e160a",
	"relatedlist":     "#5009d4",
	"scheduler":       "#cf00a2",
	"standalone":      "#0003b6",
}

var pageColors = map[string]string{
	"module_create":                 "#4fdfbb",
	"module_clone":                  "#f3f29e",
	"module_edit":                   "#e74c3c",
	"module_detail":                 "#f39c12",
	"module_list":                   "#9b59b6",
	schema.DefinitionCommands:       "#27ae60",
	schema.DefinitionStaticResource: "#037682",
}

// Pages with a dark background get white text.
var pageLightText = map[string]bool{
	"module_edit":                   true,
	"module_list":                   true,
	schema.DefinitionStaticResource: true,
}

var eventColors = map[string]string{
	"onLoad":   "#2ecc71",
	"onChange": "#ffd283",
	"onClick":  "#e74c3c",
	"onInvoke": "#6f42c1",
	"onSave":   "#ff4bd8",
	"js":       "#ffd000",
}

const (
	defaultCategoryColor = "#4d4d4d"
	defaultPageColor     = "#ffa9b0"
	defaultEventColor    = "#7f8c8d"
)

func colorOr(m map[string]string, key, fallback string) string {
	if c, ok := m[strings.ToLower(key)]; ok {
		return c
	}
	return fallback
}

// CategoryColor returns the badge color of a function category.
func CategoryColor(category string) string {
	return colorOr(categoryColors, category, defaultCategoryColor)
}

// PageColor returns the badge color of a page definition.
func PageColor(definition string) string {
	return colorOr(pageColors, definition, defaultPageColor)
}

// EventColor returns the badge color of a script event.
func EventColor(event string) string {
	if c, ok := eventColors[event]; ok {
		return c
	}
	return defaultEventColor
}

// CategoryBadge renders a function category as a colored badge.
func CategoryBadge(category string) string {
	if category == "" {
		category = "uncategorized"
	}
	return badgeStyle.
		Background(lipgloss.Color(CategoryColor(category))).
		Foreground(lipgloss.Color("#ffffff")).
		Render(strings.ToUpper(category))
}

// PageBadge renders a page definition as a colored badge.
func PageBadge(definition string) string {
	fg := "#000000"
	if pageLightText[definition] {
		fg = "#ffffff"
	}
	label := view.PageLabel(definition)
	if definition == schema.DefinitionStaticResource {
		label = "STATIC"
	}
	return badgeStyle.
		Background(lipgloss.Color(PageColor(definition))).
		Foreground(lipgloss.Color(fg)).
		Render(label)
}

// EventBadge renders a script event as a colored badge.
func EventBadge(event string) string {
	if event == "" {
		event = "unknown"
	}
	return badgeStyle.
		Background(lipgloss.Color(EventColor(event))).
		Foreground(lipgloss.Color("#000000")).
		Render(event)
}
