// Package export writes a projected collection to JSON, YAML or a ZIP
// archive of source files.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zcrmtools/crmdash/internal/schema"
)

// Format is an export file format.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatZIP  Format = "zip"
)

// ParseFormat parses a format name; "yml" is accepted for YAML.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json", "":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "zip":
		return FormatZIP, nil
	default:
		return "", fmt.Errorf("unknown export format %q (want json, yaml or zip)", s)
	}
}

// Ext returns the file extension without the dot.
func (f Format) Ext() string {
	return string(f)
}

// Options configures an export.
type Options struct {
	Format Format

	// OrgID is recorded in the ZIP manifest.
	OrgID string

	// Now stamps the document; defaults to time.Now.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

// Result describes a finished export.
type Result struct {
	Format Format
	Type   schema.Collection
	Items  int
	Files  int // ZIP entries, manifest excluded
	Path   string
}

// Document is the JSON and YAML export envelope.
type Document struct {
	ExportDate time.Time         `json:"exportDate" yaml:"exportDate"`
	Type       schema.Collection `json:"type" yaml:"type"`
	Count      int               `json:"count" yaml:"count"`
	Data       any               `json:"data" yaml:"data"`
}

// FunctionRecord is one exported function with its source body inlined.
type FunctionRecord struct {
	ID          string `json:"id" yaml:"id"`
	APIName     string `json:"api_name,omitempty" yaml:"api_name,omitempty"`
	DisplayName string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string `json:"category,omitempty" yaml:"category,omitempty"`
	Source      string `json:"source,omitempty" yaml:"source,omitempty"`
	CreatedTime int64  `json:"createdTime,omitempty" yaml:"createdTime,omitempty"`
	UpdatedTime int64  `json:"updatedTime,omitempty" yaml:"updatedTime,omitempty"`
	ModifiedBy  string `json:"modified_by,omitempty" yaml:"modified_by,omitempty"`
	SourceCode  string `json:"source_code" yaml:"source_code"`
}

// ScriptRecord is one exported script with its source body inlined.
type ScriptRecord struct {
	ID            string `json:"id" yaml:"id"`
	Name          string `json:"name,omitempty" yaml:"name,omitempty"`
	Description   string `json:"description,omitempty" yaml:"description,omitempty"`
	Active        bool   `json:"active" yaml:"active"`
	Module        string `json:"module,omitempty" yaml:"module,omitempty"`
	Page          string `json:"page,omitempty" yaml:"page,omitempty"`
	Layout        string `json:"layout,omitempty" yaml:"layout,omitempty"`
	PageType      string `json:"page_type,omitempty" yaml:"page_type,omitempty"`
	Event         string `json:"event,omitempty" yaml:"event,omitempty"`
	EventType     string `json:"event_type,omitempty" yaml:"event_type,omitempty"`
	CreatedTime   string `json:"created_time,omitempty" yaml:"created_time,omitempty"`
	ModifiedTime  string `json:"modified_time,omitempty" yaml:"modified_time,omitempty"`
	ModifiedBy    string `json:"modified_by,omitempty" yaml:"modified_by,omitempty"`
	SourceCodeURL string `json:"source_code_url,omitempty" yaml:"source_code_url,omitempty"`
	SourceCode    string `json:"source_code" yaml:"source_code"`
}

// FunctionRecords flattens functions for export. A missing detail exports
// an empty body.
func FunctionRecords(fns []schema.Function) []FunctionRecord {
	out := make([]FunctionRecord, 0, len(fns))
	for i := range fns {
		fn := &fns[i]
		rec := FunctionRecord{
			ID:          fn.ID,
			APIName:     fn.APIName,
			DisplayName: fn.DisplayName,
			Description: fn.Description,
			Category:    fn.Category,
			Source:      fn.Source,
			CreatedTime: int64(fn.CreatedTime),
			UpdatedTime: int64(fn.UpdatedTime),
			SourceCode:  fn.SourceCode(),
		}
		if fn.Detail != nil {
			rec.ModifiedBy = fn.Detail.ModifiedBy.DisplayName()
		}
		out = append(out, rec)
	}
	return out
}

// ScriptRecords flattens scripts for export, joining source bodies from
// details. A missing detail exports an empty body.
func ScriptRecords(scripts []schema.Script, details map[string]schema.ScriptDetail) []ScriptRecord {
	out := make([]ScriptRecord, 0, len(scripts))
	for i := range scripts {
		s := &scripts[i]
		out = append(out, ScriptRecord{
			ID:            s.ID,
			Name:          s.Name,
			Description:   s.Description,
			Active:        s.Active,
			Module:        s.PageInfo.Module,
			Page:          s.PageInfo.DefinitionName,
			Layout:        s.PageInfo.Layout,
			PageType:      s.PageInfo.PageType,
			Event:         s.ScriptEvent.Event,
			EventType:     s.ScriptEvent.Type,
			CreatedTime:   s.CreatedTime,
			ModifiedTime:  s.ModifiedTime,
			ModifiedBy:    s.ModifiedBy.DisplayName(),
			SourceCodeURL: s.Content.SourceCodeURL,
			SourceCode:    details[s.ID].SourceCode,
		})
	}
	return out
}

// Functions writes fns to w in the requested format.
func Functions(w io.Writer, fns []schema.Function, opts Options) (*Result, error) {
	res := &Result{Format: opts.Format, Type: schema.CollectionFunctions, Items: len(fns)}
	if opts.Format == FormatZIP {
		n, err := writeArchive(w, functionEntries(fns), res.Type, opts)
		if err != nil {
			return nil, err
		}
		res.Files = n
		return res, nil
	}
	if err := writeDocument(w, res.Type, FunctionRecords(fns), len(fns), opts); err != nil {
		return nil, err
	}
	return res, nil
}

// Scripts writes scripts to w in the requested format. details supplies
// the source bodies.
func Scripts(w io.Writer, scripts []schema.Script, details map[string]schema.ScriptDetail, opts Options) (*Result, error) {
	res := &Result{Format: opts.Format, Type: schema.CollectionScripts, Items: len(scripts)}
	if opts.Format == FormatZIP {
		n, err := writeArchive(w, scriptEntries(scripts, details), res.Type, opts)
		if err != nil {
			return nil, err
		}
		res.Files = n
		return res, nil
	}
	if err := writeDocument(w, res.Type, ScriptRecords(scripts, details), len(scripts), opts); err != nil {
		return nil, err
	}
	return res, nil
}

func writeDocument(w io.Writer, c schema.Collection, data any, count int, opts Options) error {
	doc := Document{
		ExportDate: opts.now(),
		Type:       c,
		Count:      count,
		Data:       data,
	}

	switch opts.Format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode json export: %w", err)
		}
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("failed to encode yaml export: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("failed to flush yaml export: %w", err)
		}
	default:
		return fmt.Errorf("unknown export format %q", opts.Format)
	}
	return nil
}

// DefaultFilename returns zoho_crm_<type>_<YYYY-MM-DD>.<ext>.
func DefaultFilename(c schema.Collection, f Format, now time.Time) string {
	return fmt.Sprintf("zoho_crm_%s_%s.%s", c, now.UTC().Format("2006-01-02"), f.Ext())
}

// SanitizeFilename replaces characters that are invalid in file names on
// common filesystems with underscores.
func SanitizeFilename(name string) string {
	return filenameReplacer.Replace(name)
}

var filenameReplacer = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", `"`, "_", "/", "_",
	`\`, "_", "|", "_", "?", "_", "*", "_",
)

// WriteFile runs write against a temp file next to path and renames it
// into place, so a failed export never leaves a partial file behind.
func WriteFile(path string, write func(io.Writer) (*Result, error)) (*Result, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create export directory: %w", err)
		}
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	res, err := write(f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close temp file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}
	res.Path = path
	return res, nil
}
