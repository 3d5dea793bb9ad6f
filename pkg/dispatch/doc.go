// Package dispatch executes batches of tool calls and aggregates their
// results for the agent loop.
//
// Invariants:
// - Every dispatched batch yields exactly one result per call, in call order,
//   regardless of completion order.
// - A failure in one call never cancels or corrupts its siblings.
// - Calls still pending at the batch deadline are marked timed out;
//   cancellation of their handlers is best-effort and late output is discarded.
// - Duplicate results for a call ID are a dispatcher defect and surface as an
//   integrity error, never silently repaired.
package dispatch
