package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zcrmtools/crmdash/internal/schema"
)

// ErrSyncFailed wraps every pass-level failure. The previously published
// collection and the committed cache are left untouched.
var ErrSyncFailed = errors.New("sync failed")

// ErrClosed is returned when triggering a closed orchestrator.
var ErrClosed = errors.New("orchestrator is closed")

// Placeholder bodies substituted when hydrating one item fails.
const (
	FunctionErrorPlaceholder = "// Error fetching source"
	ScriptNoURLPlaceholder   = "No source code URL available"
	scriptErrorPrefix        = "// Error loading source: "
)

// ScriptErrorPlaceholder returns the body substituted for a script whose
// source could not be fetched.
func ScriptErrorPlaceholder(err error) string {
	return scriptErrorPrefix + err.Error()
}

// FunctionCache is the part of the local store the function orchestrator
// uses.
type FunctionCache interface {
	LoadFunctions(ctx context.Context) ([]schema.Function, error)
	LoadFunctionMeta(ctx context.Context) (*schema.CacheMeta, error)
	ApplyFunctionDelta(ctx context.Context, put []schema.Function, deleteIDs []string, lastUpdate time.Time) error
	ReplaceFunctions(ctx context.Context, all []schema.Function, lastUpdate time.Time) error
	Clear(ctx context.Context, collections ...schema.Collection) error
}

// ScriptCache is the part of the local store the script orchestrator uses.
type ScriptCache interface {
	LoadScripts(ctx context.Context) (*schema.ScriptSet, bool, error)
	SaveScripts(ctx context.Context, set *schema.ScriptSet) error
	Clear(ctx context.Context, collections ...schema.Collection) error
}

// Cache is the local store as seen by the orchestrators. *store.Store
// implements it.
type Cache interface {
	FunctionCache
	ScriptCache
}

// OpenFunc returns a ready cache handle. It is called at the start of
// every pass and must be idempotent. A failure makes the pass run without
// cache: it loads everything from the remote and publishes unpersisted.
type OpenFunc func(ctx context.Context) (Cache, error)

// Kind is the kind of a sync pass. Higher kinds are stronger: when queued
// triggers coalesce, the strongest one runs.
type Kind int

const (
	// KindReconcile reconciles the published collection against the
	// remote. It behaves like KindInit if nothing is published yet.
	KindReconcile Kind = iota

	// KindInit checks the cache, publishes it when warm and reconciles in
	// the background, or loads everything in the foreground when cold.
	KindInit

	// KindRefresh clears the cached collection and loads everything in
	// the foreground.
	KindRefresh
)

func (k Kind) String() string {
	switch k {
	case KindReconcile:
		return "reconcile"
	case KindInit:
		return "init"
	case KindRefresh:
		return "refresh"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// State is a stage of the per-collection state machine.
type State int

const (
	StateIdle State = iota
	StateCacheCheck
	StateForegroundLoad
	StateBackgroundReconcile
	StateHydrating
	StatePersisting
	StatePublished
	StateFailed
)

var stateNames = [...]string{
	StateIdle:                "idle",
	StateCacheCheck:          "cache_check",
	StateForegroundLoad:      "foreground_load",
	StateBackgroundReconcile: "background_reconcile",
	StateHydrating:           "hydrating",
	StatePersisting:          "persisting",
	StatePublished:           "published",
	StateFailed:              "failed",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether s ends a pass.
func (s State) Terminal() bool {
	return s == StatePublished || s == StateFailed
}

// Outcome is how a pass ended.
type Outcome int

const (
	// OutcomeNoChange means the live listing matched the cache; nothing
	// was persisted or republished.
	OutcomeNoChange Outcome = iota
	// OutcomeSynced means a new collection was published.
	OutcomeSynced
	// OutcomeFailed means the pass failed; prior state is intact.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoChange:
		return "no_change"
	case OutcomeSynced:
		return "synced"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// MarshalText encodes the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Result summarizes one pass.
type Result struct {
	PassID     string            `json:"pass_id"`
	Collection schema.Collection `json:"collection"`
	Kind       Kind              `json:"kind"`
	Outcome    Outcome           `json:"outcome"`

	// FromCache is set when a warm cache was published before reconciling.
	FromCache bool `json:"from_cache"`

	Added   int `json:"added"`
	Updated int `json:"updated"`
	Removed int `json:"removed"`
	Total   int `json:"total"`

	// HydrationFailures counts items that got a placeholder body.
	HydrationFailures int `json:"hydration_failures"`

	// Persisted is false when the pass published without writing the cache.
	Persisted bool `json:"persisted"`

	Duration time.Duration `json:"duration"`
}

// Progress is a discrete progress update of a pass.
type Progress struct {
	PassID     string            `json:"pass_id"`
	Collection schema.Collection `json:"collection"`
	Percent    float64           `json:"percent"`
	Label      string            `json:"label"`
}

// StateChange is a transition of the state machine.
type StateChange struct {
	PassID     string            `json:"pass_id"`
	Collection schema.Collection `json:"collection"`
	From       State             `json:"from"`
	To         State             `json:"to"`
}

// Reporter receives progress, state transitions and outcomes. Methods may
// be called from several goroutines and must not block for long.
type Reporter interface {
	OnProgress(p Progress)
	OnStateChange(c StateChange)
	OnOutcome(r Result, err error)
}

type nopReporter struct{}

func (nopReporter) OnProgress(Progress)       {}
func (nopReporter) OnStateChange(StateChange) {}
func (nopReporter) OnOutcome(Result, error)   {}

// Reporters fans events out to several reporters in order.
type Reporters []Reporter

func (rs Reporters) OnProgress(p Progress) {
	for _, r := range rs {
		r.OnProgress(p)
	}
}

func (rs Reporters) OnStateChange(c StateChange) {
	for _, r := range rs {
		r.OnStateChange(c)
	}
}

func (rs Reporters) OnOutcome(res Result, err error) {
	for _, r := range rs {
		r.OnOutcome(res, err)
	}
}
