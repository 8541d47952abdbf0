// Package reconcile computes the difference between a live listing and a
// cached one.
//
// Reconcile is pure: it performs no I/O and does not modify its inputs.
// Every live id lands in exactly one of ToAdd, ToUpdate or unchanged;
// every cached id absent from live lands in ToRemove. An equal change
// indicator always means unchanged, so unchanged items are never fetched
// again.
package reconcile

import "github.com/zcrmtools/crmdash/internal/schema"

// Delta is the outcome of one reconciliation.
type Delta[T any] struct {
	ToAdd    []T
	ToUpdate []T
	ToRemove []string

	// Unchanged counts live items left as they are.
	Unchanged int
}

// Empty reports whether the delta has nothing to apply. Callers skip the
// persist and publish steps entirely when it does.
func (d Delta[T]) Empty() bool {
	return len(d.ToAdd) == 0 && len(d.ToUpdate) == 0 && len(d.ToRemove) == 0
}

// Changed returns ToAdd followed by ToUpdate: the items needing hydration.
func (d Delta[T]) Changed() []T {
	out := make([]T, 0, len(d.ToAdd)+len(d.ToUpdate))
	out = append(out, d.ToAdd...)
	return append(out, d.ToUpdate...)
}

// Reconcile diffs live against cached. key extracts the identity of an
// item; changed reports whether a live item differs from its cached
// counterpart. ToAdd and ToUpdate follow live order, ToRemove follows
// cached order. When an id repeats in live, its last occurrence wins.
func Reconcile[T any](live, cached []T, key func(T) string, changed func(live, cached T) bool) Delta[T] {
	cachedByID := make(map[string]T, len(cached))
	for _, c := range cached {
		cachedByID[key(c)] = c
	}

	// Collapse duplicates in live, keeping the first position and the last value.
	order := make([]string, 0, len(live))
	liveByID := make(map[string]T, len(live))
	for _, l := range live {
		id := key(l)
		if _, seen := liveByID[id]; !seen {
			order = append(order, id)
		}
		liveByID[id] = l
	}

	var d Delta[T]
	for _, id := range order {
		l := liveByID[id]
		c, ok := cachedByID[id]
		switch {
		case !ok:
			d.ToAdd = append(d.ToAdd, l)
		case changed(l, c):
			d.ToUpdate = append(d.ToUpdate, l)
		default:
			d.Unchanged++
		}
	}

	removed := make(map[string]bool)
	for _, c := range cached {
		id := key(c)
		if _, ok := liveByID[id]; ok || removed[id] {
			continue
		}
		removed[id] = true
		d.ToRemove = append(d.ToRemove, id)
	}

	return d
}

// Functions reconciles function listings by updated time.
func Functions(live, cached []schema.Function) Delta[schema.Function] {
	return Reconcile(live, cached, schema.FunctionKey, schema.FunctionChanged)
}

// Scripts reconciles script listings by modified time.
func Scripts(live, cached []schema.Script) Delta[schema.Script] {
	return Reconcile(live, cached, schema.ScriptKey, schema.ScriptChanged)
}

// Apply returns cached with the delta applied: removed ids dropped,
// updated items replaced in place and added items appended. Applying
// Reconcile(live, cached) to cached yields a set equal to live.
func Apply[T any](cached []T, d Delta[T], key func(T) string) []T {
	drop := make(map[string]bool, len(d.ToRemove))
	for _, id := range d.ToRemove {
		drop[id] = true
	}
	upd := make(map[string]T, len(d.ToUpdate))
	for _, u := range d.ToUpdate {
		upd[key(u)] = u
	}

	out := make([]T, 0, len(cached)+len(d.ToAdd))
	for _, c := range cached {
		id := key(c)
		if drop[id] {
			continue
		}
		if u, ok := upd[id]; ok {
			out = append(out, u)
			continue
		}
		out = append(out, c)
	}
	return append(out, d.ToAdd...)
}

// Unique returns items with repeated keys collapsed: each key keeps its
// first position and its last value, as Reconcile treats live listings.
func Unique[T any](items []T, key func(T) string) []T {
	pos := make(map[string]int, len(items))
	out := make([]T, 0, len(items))
	for _, it := range items {
		k := key(it)
		if i, ok := pos[k]; ok {
			out[i] = it
			continue
		}
		pos[k] = len(out)
		out = append(out, it)
	}
	return out
}
