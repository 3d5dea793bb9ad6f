// Package trajectory records the ordered step history of an agent run and
// persists it durably without blocking the loop.
//
// Invariants:
// - Append is an in-memory buffer mutation; it never waits on disk I/O.
// - Flushes are single-flight; a trigger firing during a flush is coalesced
//   into the successor flush.
// - Every flush replaces the trajectory file atomically (temp file + rename),
//   so the file on disk is always a complete, parseable snapshot.
// - The persisted trajectory is always a prefix of the in-memory trajectory.
// - The in-memory window is bounded; eviction removes only already-durable
//   steps from RAM, never from the file.
//
// Usage:
//
//	rec, _ := trajectory.NewRecorder(trajectory.Config{Path: "run.jsonl"})
//	rec.Start(trajectory.Header{RunID: "r1", Task: "fix the bug"})
//	rec.Append(step)
//	warn := rec.Shutdown(trajectory.Footer{Success: true})
package trajectory
