// Package workflow defines the value types that carry a session's
// progress through the engagement lifecycle.
//
// A State is treated strictly as a value: every mutation helper
// returns a fresh copy with nested collections re-allocated, never an
// aliased view of the input. This is what lets the orchestration layer
// stay stateless and safe under concurrent requests.
package workflow
