// Package executor runs one cycle's actions with bounded concurrency,
// per-action deadlines and fallback chains.
//
// Invariants:
//   - At most one collaborator call runs per (entity, kind) lock key at any
//     instant. A key stays held until the collaborator returns, even after
//     its action was recorded as timed out.
//   - Actions on the same entity within a batch run serially, in submission
//     order. Actions on different entities may run concurrently.
//   - At most MaxConcurrency collaborator calls run at once across batches.
//     Calls abandoned after a timeout keep their slot until they return.
//   - An action whose key is held when it is reached is deferred, not run.
//   - Per-action failures never escape ExecuteCycle; every executed action
//     yields exactly one Result.
//
// Usage:
//
//	exec := executor.New(registry, store, sink, logger, executor.Config{MaxConcurrency: 4})
//	batch := exec.ExecuteCycle(ctx, planned)
//	// batch.Deferred is carried into the next cycle
package executor
