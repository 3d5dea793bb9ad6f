// Package agent drives the step loop: query the model, dispatch the
// requested tool calls, feed the results back, and record every step in the
// trajectory.
//
// Invariants:
// - Steps execute strictly sequentially; tool calls within a step may run
//   concurrently per the dispatch mode.
// - Step ordinals are strictly monotonic and match trajectory append order.
// - Tool errors are returned to the model as ordinary results, never
//   terminate the loop.
// - Recorder failures never gate loop progress.
//
// Usage:
//
//	loop, _ := agent.NewLoop(agent.Config{
//		Provider: provider,
//		Registry: registry,
//		Recorder: recorder,
//	})
//	result, err := loop.Run(ctx, "summarize the build failure")
package agent
