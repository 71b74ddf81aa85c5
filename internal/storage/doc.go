// Package storage owns the daemon's durable state.
//
// It provides:
//   - the task store (tasks.json, a JSON array replaced atomically on every
//     mutation and guarded by an advisory flock shared with out-of-band CLI runs)
//   - the history recorder (one append-only document per calendar day, or an
//     optional SQLite table behind the sqlite build tag)
//   - retention of per-task raw output logs
package storage
