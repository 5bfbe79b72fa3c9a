// Package session owns the session lifecycle around the stateless
// orchestrator: it resolves or creates sessions, loads state, delegates
// the query, persists the outcome, and mirrors terminal workflow
// states onto the session record.
//
// Error policy follows two rules. Handler failures are already
// recovered inside the orchestrator and reach this layer as ordinary
// results; they are persisted like any other. Infrastructure failures
// (store unavailable, save conflict) propagate to the caller after a
// best-effort bump of the session's error counter, because this layer
// cannot safely invent a fallback state.
package session
