// Package handler defines the uniform port through which the
// orchestrator invokes task handlers, plus the registry that binds
// handler names to invokers.
//
// Handlers are external collaborators. Anything satisfying Invoker can
// serve: a deterministic function, a remote RPC, or the LLM-backed
// invoker in this package. Failures must surface as returned errors,
// never as malformed Result values.
package handler
