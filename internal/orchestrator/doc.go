// Package orchestrator is the pure decision engine of flowd. Given a
// query and a workflow state snapshot it selects a task handler,
// invokes it, and computes the next state snapshot.
//
// The orchestrator holds no session data between calls. All continuity
// lives in the workflow.State argument; concurrent calls for different
// sessions share nothing mutable. Same-session write conflicts are
// resolved by the store layer's optimistic concurrency, not here.
package orchestrator
