package schema

import (
	"fmt"
	"strings"
	"time"
)

// Well-known page definition names.
const (
	DefinitionStaticResource = "static_resource"
	DefinitionCommands       = "commands"
	ModulePagePrefix         = "module_"

	// StaticResourcesModule is the module label given to static resources.
	StaticResourcesModule = "Static Resources"
)

// Script is the listing record of a client script.
type Script struct {
	ID          string `json:"id"`
	UUID        string `json:"uuid,omitempty"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Active      bool   `json:"active"`
	Size        int64  `json:"size,omitempty"`

	CreatedTime  string `json:"created_time,omitempty"`
	ModifiedTime string `json:"modified_time,omitempty"`
	CreatedBy    *Actor `json:"created_by,omitempty"`
	ModifiedBy   *Actor `json:"modified_by,omitempty"`

	PageInfo    PageInfo      `json:"page_info"`
	ScriptEvent ScriptEvent   `json:"script_event"`
	Content     ScriptContent `json:"content"`
}

// PageInfo describes the page that owns a script.
type PageInfo struct {
	DefinitionName string `json:"definition_name,omitempty"`
	Module         string `json:"module,omitempty"`
	Layout         string `json:"layout,omitempty"`
	PageType       string `json:"page_type,omitempty"`
}

// ScriptEvent is the trigger of a script.
type ScriptEvent struct {
	Event string `json:"event,omitempty"`
	Type  string `json:"type,omitempty"`
}

// ScriptContent points at the externally hosted source body.
type ScriptContent struct {
	SourceCodeURL string `json:"source_code_url,omitempty"`
	AsyncCodeURL  string `json:"async_code_url,omitempty"`
}

// ScriptDetail is the hydrated source body of a script. It is stored
// apart from the listing, keyed by script id.
type ScriptDetail struct {
	SourceCode   string `json:"source_code"`
	AsyncCodeURL string `json:"async_code_url,omitempty"`
}

// Validate checks the fields the cache relies on.
func (s *Script) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

// Modified parses ModifiedTime; unparseable values are the zero time.
func (s *Script) Modified() time.Time {
	return ParseTime(s.ModifiedTime)
}

// Created parses CreatedTime; unparseable values are the zero time.
func (s *Script) Created() time.Time {
	return ParseTime(s.CreatedTime)
}

// DisplayName returns the script name or a fallback label.
func (s *Script) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return "Unnamed Script"
}

// IsModuleScript reports whether the script belongs to a module page.
func (s *Script) IsModuleScript() bool {
	return strings.HasPrefix(s.PageInfo.DefinitionName, ModulePagePrefix)
}

// IsCommand reports whether the script is a command script.
func (s *Script) IsCommand() bool {
	return s.PageInfo.DefinitionName == DefinitionCommands
}

// IsStatic reports whether the script is a user static resource.
func (s *Script) IsStatic() bool {
	return s.PageInfo.DefinitionName == DefinitionStaticResource
}

// ScriptChanged reports whether the live listing is strictly newer than the
// cached one. Missing timestamps count as the epoch.
func ScriptChanged(live, cached Script) bool {
	return live.Modified().After(cached.Modified())
}

// ScriptKey returns the cache key of a script.
func ScriptKey(s Script) string {
	return s.ID
}

// Page is a client script page as listed by the remote API.
type Page struct {
	UUID           string        `json:"uuid"`
	DefinitionName string        `json:"definition_name,omitempty"`
	PageType       string        `json:"page_type,omitempty"`
	Selectors      PageSelectors `json:"selectors,omitempty"`
}

// PageSelectors narrows a page to a module and layout.
type PageSelectors struct {
	Module *SelectorValue `json:"Module,omitempty"`
	Layout *SelectorValue `json:"Layout,omitempty"`
}

// SelectorValue is a single selector entry.
type SelectorValue struct {
	Value string `json:"value"`
}

func (v *SelectorValue) value() string {
	if v == nil {
		return ""
	}
	return v.Value
}

// Info derives the PageInfo attached to every script listed for this page.
func (p Page) Info() PageInfo {
	pageType := p.PageType
	if pageType == "" {
		pageType = "standard"
	}
	return PageInfo{
		DefinitionName: p.DefinitionName,
		Module:         p.Selectors.Module.value(),
		Layout:         p.Selectors.Layout.value(),
		PageType:       pageType,
	}
}

// StaticResource is a user-uploaded static resource.
type StaticResource struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	Description     string `json:"description,omitempty"`
	Type            string `json:"type,omitempty"`
	URI             string `json:"uri,omitempty"`
	CompiledFileURI string `json:"compiled_file_uri,omitempty"`
	Source          string `json:"source,omitempty"`
	Deprecated      bool   `json:"deprecated,omitempty"`
	Size            int64  `json:"size,omitempty"`
	CreatedTime     string `json:"created_time,omitempty"`
	ModifiedTime    string `json:"modified_time,omitempty"`
	CreatedBy       *Actor `json:"created_by,omitempty"`
	ModifiedBy      *Actor `json:"modified_by,omitempty"`
}

// AsScript maps a static resource onto the script listing shape so both
// flow through the same reconciliation and projection.
func (r StaticResource) AsScript() Script {
	event := r.Type
	if event == "" {
		event = "js"
	}
	url := r.URI
	if url == "" {
		url = r.CompiledFileURI
	}
	return Script{
		ID:           r.ID,
		UUID:         r.ID,
		Name:         r.Name,
		Description:  r.Description,
		Active:       !r.Deprecated,
		Size:         r.Size,
		CreatedTime:  r.CreatedTime,
		ModifiedTime: r.ModifiedTime,
		CreatedBy:    r.CreatedBy,
		ModifiedBy:   r.ModifiedBy,
		PageInfo: PageInfo{
			DefinitionName: DefinitionStaticResource,
			Module:         StaticResourcesModule,
		},
		ScriptEvent: ScriptEvent{Event: event, Type: "static"},
		Content:     ScriptContent{SourceCodeURL: url},
	}
}

// ScriptSet is the whole script collection: owning pages, user static
// resources, listing records and the hydrated source bodies. Details may
// lack entries for scripts not hydrated yet.
type ScriptSet struct {
	Pages           []Page
	StaticResources []StaticResource
	Scripts         []Script
	Details         map[string]ScriptDetail
	LastUpdate      time.Time
}

// Detail returns the source body of a script and whether it is loaded.
func (s *ScriptSet) Detail(id string) (ScriptDetail, bool) {
	if s == nil || s.Details == nil {
		return ScriptDetail{}, false
	}
	d, ok := s.Details[id]
	return d, ok
}

// Clone returns a copy that shares no slices or maps with s.
func (s *ScriptSet) Clone() *ScriptSet {
	if s == nil {
		return nil
	}
	out := &ScriptSet{
		Pages:           append([]Page(nil), s.Pages...),
		StaticResources: append([]StaticResource(nil), s.StaticResources...),
		Scripts:         append([]Script(nil), s.Scripts...),
		Details:         make(map[string]ScriptDetail, len(s.Details)),
		LastUpdate:      s.LastUpdate,
	}
	for id, d := range s.Details {
		out.Details[id] = d
	}
	return out
}
