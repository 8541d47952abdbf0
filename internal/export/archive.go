package export

import (
	"archive/zip"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/zcrmtools/crmdash/internal/schema"
)

// ManifestName is the manifest entry at the archive root.
const ManifestName = "manifest.toml"

// Manifest indexes the files of a ZIP export.
type Manifest struct {
	ExportDate time.Time         `toml:"export_date"`
	Type       schema.Collection `toml:"type"`
	OrgID      string            `toml:"org_id,omitempty"`
	Count      int               `toml:"count"`
	Files      []ManifestFile    `toml:"files"`
}

// ManifestFile maps an archive path back to the item it came from.
type ManifestFile struct {
	Path  string `toml:"path"`
	ID    string `toml:"id"`
	Name  string `toml:"name,omitempty"`
	Bytes int    `toml:"bytes"`
}

type entry struct {
	path string
	id   string
	name string
	body string
}

func functionEntries(fns []schema.Function) []entry {
	out := make([]entry, 0, len(fns))
	for i := range fns {
		fn := &fns[i]
		folder := fn.Category
		if folder == "" {
			folder = "Uncategorized"
		}
		base := fn.APIName
		if base == "" {
			base = fn.ID
		}
		out = append(out, entry{
			path: path.Join(SanitizeFilename(folder), SanitizeFilename(base)+".dg"),
			id:   fn.ID,
			name: fn.Name(),
			body: fn.SourceCode(),
		})
	}
	return out
}

// ScriptPath returns the archive path of a script:
//
//	Static Resources/<name>.<css|js>
//	Commands/<name>.js
//	Module Scripts/<module>/<page type folder>/<definition>/<name> - <event>.js
//	Other/<name> - <event>.js
func ScriptPath(s *schema.Script) string {
	name := s.Name
	if name == "" {
		name = s.ID
	}
	name = SanitizeFilename(name)
	event := s.ScriptEvent.Event
	if event == "" {
		event = "unknown"
	}

	switch {
	case s.IsStatic():
		ext := "js"
		if event == "css" {
			ext = "css"
		}
		return path.Join("Static Resources", name+"."+ext)
	case s.IsCommand():
		return path.Join("Commands", name+".js")
	case s.IsModuleScript():
		module := s.PageInfo.Module
		if module == "" {
			module = "Unknown Module"
		}
		return path.Join("Module Scripts",
			SanitizeFilename(module),
			PageTypeFolder(s.PageInfo.DefinitionName),
			SanitizeFilename(s.PageInfo.DefinitionName),
			name+" - "+event+".js")
	default:
		return path.Join("Other", name+" - "+event+".js")
	}
}

// PageTypeFolder groups module pages by kind.
func PageTypeFolder(definition string) string {
	lower := strings.ToLower(definition)
	switch {
	case strings.Contains(lower, "_canvas"):
		return "Canvas Pages"
	case strings.Contains(lower, "_wizard"):
		return "Wizard Pages"
	default:
		return "Standard Pages"
	}
}

func scriptEntries(scripts []schema.Script, details map[string]schema.ScriptDetail) []entry {
	out := make([]entry, 0, len(scripts))
	for i := range scripts {
		s := &scripts[i]
		out = append(out, entry{
			path: ScriptPath(s),
			id:   s.ID,
			name: s.DisplayName(),
			body: details[s.ID].SourceCode,
		})
	}
	return out
}

// uniquePath suffixes colliding paths with " (2)", " (3)" and so on
// before the extension.
func uniquePath(p string, seen map[string]int) string {
	seen[p]++
	n := seen[p]
	if n == 1 {
		return p
	}
	ext := path.Ext(p)
	candidate := strings.TrimSuffix(p, ext) + " (" + strconv.Itoa(n) + ")" + ext
	return uniquePath(candidate, seen)
}

func writeArchive(w io.Writer, entries []entry, c schema.Collection, opts Options) (int, error) {
	now := opts.now()
	zw := zip.NewWriter(w)

	manifest := Manifest{
		ExportDate: now,
		Type:       c,
		OrgID:      opts.OrgID,
		Count:      len(entries),
		Files:      make([]ManifestFile, 0, len(entries)),
	}

	seen := make(map[string]int, len(entries))
	for _, e := range entries {
		p := uniquePath(e.path, seen)
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: p, Method: zip.Deflate, Modified: now})
		if err != nil {
			return 0, fmt.Errorf("failed to add %s to archive: %w", p, err)
		}
		if _, err := io.WriteString(fw, e.body); err != nil {
			return 0, fmt.Errorf("failed to write %s to archive: %w", p, err)
		}
		manifest.Files = append(manifest.Files, ManifestFile{Path: p, ID: e.id, Name: e.name, Bytes: len(e.body)})
	}

	mw, err := zw.CreateHeader(&zip.FileHeader{Name: ManifestName, Method: zip.Deflate, Modified: now})
	if err != nil {
		return 0, fmt.Errorf("failed to add manifest to archive: %w", err)
	}
	if err := toml.NewEncoder(mw).Encode(manifest); err != nil {
		return 0, fmt.Errorf("failed to encode manifest: %w", err)
	}

	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("failed to finish archive: %w", err)
	}
	return len(entries), nil
}
