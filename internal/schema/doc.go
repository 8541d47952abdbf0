// Package schema defines the entity records cached by crmdash.
//
// # Overview
//
// Two entity collections are mirrored from the CRM platform:
//
//   - functions: server-side scripted functions. The listing record is
//     lightweight; the source body comes from a per-id detail call and is
//     cached in the same row as the listing (Function.Detail).
//   - scripts: client-side page scripts and user static resources. The
//     listing record references its owning page (PageInfo) and trigger
//     (ScriptEvent). The source body is fetched from an external URL and
//     cached in a separate table keyed by script id (ScriptDetail).
//
// # Detail State
//
// A nil Function.Detail, or a missing entry in a script detail map, means
// "not yet loaded". It is never an error: hydration may lag behind the
// listing.
//
// # Change Indicators
//
// Functions compare UpdatedTime for inequality. Scripts compare ModifiedTime
// and only count a strictly newer live value as a change.
package schema
