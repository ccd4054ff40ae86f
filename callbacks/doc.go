// Package callbacks implements run tracing for chainmesh.
//
// Every runnable invocation, model call, tool call and retrieval is a run.
// A Manager is scoped to one composition point and starts runs; the returned
// RunManager finalizes the run and hands out child managers for nested calls
// so that observers can rebuild the run tree.
//
// # Guarantees
//
//   - every started run receives exactly one End or Error notification
//   - handlers are notified synchronously in registration order
//   - a handler that returns an error or panics is logged and skipped, the
//     observed run is never affected
//   - cancellation is reported through the Error path
//
// # Handler scope
//
// Inheritable handlers, tags and metadata are passed down to child runs by
// RunManager.GetChild. Local ones only see runs started by the manager they
// were configured on.
//
// Example:
//
//	collector := callbacks.NewCollector()
//	m := callbacks.NewManager(collector)
//	run := m.HandleChainStart(ctx, "pipeline", input)
//	child := run.GetChild("seq:step:1")
//	...
//	run.HandleEnd(ctx, output)
package callbacks
