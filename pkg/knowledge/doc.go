// Package knowledge holds the durable, queryable record of per-entity
// outcomes that drives planning.
//
// Every ActionResult is appended to a Backend log and folded into an
// in-memory Record per entity. Records are derived data: Rebuild recomputes
// them from the log on startup.
//
// Invariants:
//   - Writes are serialized per entity; unrelated entities update concurrently.
//   - A Record only changes after its result is durably appended. A failed
//     append leaves the entity untouched and returns a *StoreWriteError.
//   - Snapshots are copies and never observe a half-applied result.
//   - Query ties break by entity key ascending.
package knowledge
