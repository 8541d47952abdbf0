package schema

import (
	"fmt"
	"strings"
	"time"
)

// Collection names one of the two cached entity collections.
type Collection string

const (
	// CollectionFunctions is the server-side function collection.
	CollectionFunctions Collection = "functions"
	// CollectionScripts is the client script collection.
	CollectionScripts Collection = "scripts"
)

// AllCollections lists every collection in a stable order.
var AllCollections = []Collection{CollectionFunctions, CollectionScripts}

// String returns the collection name.
func (c Collection) String() string {
	return string(c)
}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	return c == CollectionFunctions || c == CollectionScripts
}

// ParseCollection parses a collection name. "all" and "" expand to every
// collection.
func ParseCollection(s string) ([]Collection, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return AllCollections, nil
	case "functions", "function", "fn":
		return []Collection{CollectionFunctions}, nil
	case "scripts", "script", "cs":
		return []Collection{CollectionScripts}, nil
	default:
		return nil, fmt.Errorf("unknown collection %q (want functions, scripts or all)", s)
	}
}

// CacheMeta is the per-organization, per-collection sync metadata record.
// Its LastUpdate is rewritten at the end of every successful pass.
type CacheMeta struct {
	OrgID      string     `json:"org_id"`
	Collection Collection `json:"collection"`
	LastUpdate time.Time  `json:"last_update"`
}

// Actor is a CRM user reference as returned by the remote API.
type Actor struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// DisplayName returns the actor name, or "" for a nil actor.
func (a *Actor) DisplayName() string {
	if a == nil {
		return ""
	}
	return a.Name
}
