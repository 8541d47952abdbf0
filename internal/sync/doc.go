// Package sync keeps the in-memory collections and the local cache in
// step with the remote CRM.
//
// # Overview
//
// One Orchestrator runs per collection (functions, scripts). Each pass
// walks a small state machine:
//
//	Idle → CacheCheck → ForegroundLoad ─────┐
//	            │                           ├→ Hydrating → Persisting → Published
//	            └→ Published → BackgroundReconcile ┘
//	                                                      (any stage) → Failed
//
// CacheCheck asks the local store for a snapshot. A warm cache is
// published at once and reconciled in the background; a cold cache forces
// a foreground load before anything is shown. Within a pass, listing
// strictly precedes reconciliation, which precedes hydration, persistence
// and publication.
//
// # Usage
//
//	app := state.New()
//	lazy := store.NewLazy(dbPath, orgID, nil)
//	defer lazy.Close()
//
//	deps := sync.Deps{
//	    Open:   sync.StoreOpener(lazy),
//	    Source: client,
//	    State:  app,
//	}
//	functions, err := sync.NewFunctions(deps)
//	if err != nil {
//	    return err
//	}
//	res, err := functions.Init(ctx)
//
// # Single flight
//
// A pass holds the orchestrator for its whole duration. Triggers arriving
// meanwhile are queued and coalesce into one follow-up pass of the
// strongest kind requested (Refresh over Init over Reconcile). Every
// queued caller receives the follow-up's Result. A forced refresh can
// therefore never interleave with a background reconcile.
//
// # Error handling
//
//   - A failed detail or source fetch substitutes a placeholder body for
//     that one item and counts in Result.HydrationFailures.
//   - A failed first-page listing fails the pass with ErrSyncFailed; the
//     published collection and the committed cache stay as they were.
//   - A store failure is logged and the pass continues without cache; the
//     result then has Persisted == false.
//
// # Rate shaping
//
// Detail requests go through a fixed-size pool (errgroup) paced by a
// token bucket (x/time/rate), optionally in batches with a pause between
// them. Limits can be changed between passes with SetLimits.
package sync
