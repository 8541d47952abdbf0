// Package remote is the read-only access to the CRM customization API.
//
// Source is the contract the sync engine consumes. Client implements it
// over HTTP with an OAuth token. Listing calls are cheap and bulk; detail
// and source fetches are one call per item and are expected to fail
// independently of each other.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zcrmtools/crmdash/internal/schema"
)

// Source lists the authoritative customization collections and fetches
// their source bodies.
type Source interface {
	// ListFunctions pages through every org function. A failure on the
	// first page is returned; a failure on a later page ends the listing
	// with what was collected. ErrNotFound means the org has none.
	ListFunctions(ctx context.Context) ([]schema.Function, error)

	// FetchFunctionDetail fetches the source body and authorship of one
	// function. sourceKind is the listing's source field.
	FetchFunctionDetail(ctx context.Context, id, sourceKind string) (*schema.FunctionDetail, error)

	// ListPages lists client script pages.
	ListPages(ctx context.Context) ([]schema.Page, error)

	// ListScriptsForPage lists the scripts of one page, each carrying the
	// page's PageInfo.
	ListScriptsForPage(ctx context.Context, page schema.Page) ([]schema.Script, error)

	// ListStaticResources lists user-uploaded static resources.
	ListStaticResources(ctx context.Context) ([]schema.StaticResource, error)

	// FetchScriptSource downloads an externally hosted script body.
	FetchScriptSource(ctx context.Context, url string) (string, error)
}

// ErrNotFound is returned when the remote reports no content for a
// listing. Callers treat it as a legitimate empty collection.
var ErrNotFound = errors.New("remote: no content")

// TransportError reports a failed remote call.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Code       string
	Err        error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "remote: failed to %s", e.Op)
	if e.URL != "" {
		fmt.Fprintf(&b, " (%s)", e.URL)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Code != "" {
		fmt.Fprintf(&b, " %s", e.Code)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is a failed remote call.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
