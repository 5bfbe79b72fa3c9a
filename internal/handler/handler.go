package handler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/outcomelabs/flowd/internal/workflow"
)

// Well-known handler names routed to by the orchestrator.
const (
	NameDiscovery          = "discovery"
	NameAnalysis           = "analysis"
	NameInterventionDesign = "intervention-design"
	NameFinancialModeling  = "financial-modeling"
	NameSystemMapping      = "system-mapping"
	NameOutcomeEngineering = "outcome-engineering"
	NameCoordinator        = "coordinator"
)

// ErrNotRegistered is returned when a handler name has no invoker.
var ErrNotRegistered = errors.New("handler not registered")

// InvocationContext carries the session context a handler may use to
// ground its answer.
type InvocationContext struct {
	UserID         string
	SessionID      string
	CurrentStage   workflow.Stage
	History        []workflow.Message
	CompanyProfile any
}

// ResponseType tags the shape of a handler's payload for the caller.
type ResponseType string

const (
	TypeMessage    ResponseType = "message"
	TypeComponent  ResponseType = "component"
	TypeSuggestion ResponseType = "suggestion"
	TypePage       ResponseType = "page"
)

// Result is the explicit outcome of a handler invocation. Content is
// required; the rest is optional. A zero NextStage means the handler
// does not request a stage transition, and a zero Status means the
// session status is unchanged.
type Result struct {
	Content   string
	Status    workflow.Status
	NextStage workflow.Stage
	Type      ResponseType
	Payload   any
}

// Invoker is the uniform invocation port for task handlers.
type Invoker interface {
	Invoke(ctx context.Context, name, query string, ic InvocationContext) (*Result, error)
}

// Func adapts a plain function to the Invoker port.
type Func func(ctx context.Context, name, query string, ic InvocationContext) (*Result, error)

// Invoke implements Invoker.
func (f Func) Invoke(ctx context.Context, name, query string, ic InvocationContext) (*Result, error) {
	return f(ctx, name, query, ic)
}

// Registry maps handler names to invokers. It is an explicit
// dependency of the orchestrator, never a process-wide table, so
// independent orchestrator instances can run with independent handler
// sets.
type Registry struct {
	mu       sync.RWMutex
	invokers map[string]Invoker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{invokers: make(map[string]Invoker)}
}

// Register binds name to inv, replacing any previous binding.
func (r *Registry) Register(name string, inv Invoker) error {
	if name == "" {
		return errors.New("handler name is required")
	}
	if inv == nil {
		return errors.New("invoker is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[name] = inv
	return nil
}

// Names returns the registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.invokers))
	for n := range r.invokers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Invoke dispatches to the invoker bound to name.
func (r *Registry) Invoke(ctx context.Context, name, query string, ic InvocationContext) (*Result, error) {
	r.mu.RLock()
	inv, ok := r.invokers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	res, err := inv.Invoke(ctx, name, query, ic)
	if err != nil {
		return nil, fmt.Errorf("handler %s: %w", name, err)
	}
	if res == nil {
		return nil, fmt.Errorf("handler %s: nil result", name)
	}
	return res, nil
}
