package schema

import (
	"fmt"
	"time"
)

// Function is the listing record of a server-side function, with its
// source body co-located once hydrated.
type Function struct {
	ID          string `json:"id"`
	APIName     string `json:"api_name,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Description string `json:"description,omitempty"`
	Category    string `json:"category,omitempty"`

	// Source is the source kind passed back to the detail endpoint.
	Source string `json:"source,omitempty"`

	CreatedTime Millis `json:"createdTime,omitempty"`
	UpdatedTime Millis `json:"updatedTime,omitempty"`

	// Detail is nil until hydrated.
	Detail *FunctionDetail `json:"detail,omitempty"`
}

// FunctionDetail is the expensive per-id payload of a function.
type FunctionDetail struct {
	SourceCode string `json:"source_code"`
	ModifiedBy *Actor `json:"modified_by,omitempty"`
	ModifiedOn string `json:"modified_on,omitempty"`
	ReturnType string `json:"return_type,omitempty"`
}

// Validate checks the fields the cache relies on.
func (f *Function) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("id is required")
	}
	return nil
}

// HasDetail reports whether the source body has been hydrated.
func (f *Function) HasDetail() bool {
	return f.Detail != nil
}

// SourceCode returns the hydrated source body, or "" when not loaded.
func (f *Function) SourceCode() string {
	if f.Detail == nil {
		return ""
	}
	return f.Detail.SourceCode
}

// Name returns the display name, falling back to the api name and id.
func (f *Function) Name() string {
	switch {
	case f.DisplayName != "":
		return f.DisplayName
	case f.APIName != "":
		return f.APIName
	default:
		return f.ID
	}
}

// Modified returns UpdatedTime as a time.
func (f *Function) Modified() time.Time {
	return f.UpdatedTime.Time()
}

// Created returns CreatedTime as a time.
func (f *Function) Created() time.Time {
	return f.CreatedTime.Time()
}

// MergeCached fills the fields the lightweight listing left empty from the
// previously cached record. Listing values always win when present.
func (f Function) MergeCached(cached Function) Function {
	if f.APIName == "" {
		f.APIName = cached.APIName
	}
	if f.DisplayName == "" {
		f.DisplayName = cached.DisplayName
	}
	if f.Description == "" {
		f.Description = cached.Description
	}
	if f.Category == "" {
		f.Category = cached.Category
	}
	if f.Source == "" {
		f.Source = cached.Source
	}
	if f.CreatedTime == 0 {
		f.CreatedTime = cached.CreatedTime
	}
	if f.Detail == nil && cached.Detail != nil {
		d := *cached.Detail
		f.Detail = &d
	}
	return f
}

// FunctionChanged reports whether a live listing differs from the cached
// one. Equal UpdatedTime values mean unchanged.
func FunctionChanged(live, cached Function) bool {
	return live.UpdatedTime != cached.UpdatedTime
}

// FunctionKey returns the cache key of a function.
func FunctionKey(f Function) string {
	return f.ID
}
