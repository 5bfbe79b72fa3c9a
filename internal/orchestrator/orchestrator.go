package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/outcomelabs/flowd/internal/handler"
	"github.com/outcomelabs/flowd/internal/workflow"
)

const instrumentationName = "github.com/outcomelabs/flowd/internal/orchestrator"

// degradedMessage is the user-safe reply returned when a handler
// invocation fails.
const degradedMessage = "I ran into a problem answering that. Your progress is saved; please try again."

// ErrTerminalState is returned when a query is processed against a
// state whose status is terminal. Terminal states are final: the only
// way forward is a new session.
var ErrTerminalState = errors.New("workflow state is terminal")

// Request carries the inputs of one ProcessQuery call.
type Request struct {
	Query     string
	State     workflow.State
	UserID    string
	SessionID string
	TraceID   string
}

// Response is what a ProcessQuery call returns to the caller alongside
// the next state.
type Response struct {
	Type    handler.ResponseType `json:"type"`
	Content string               `json:"content"`
	Payload any                  `json:"payload,omitempty"`
}

// Result bundles the outcome of one ProcessQuery call.
type Result struct {
	Response  Response
	NextState workflow.State
	Handler   string
	TraceID   string
}

// Orchestrator routes queries to task handlers and advances workflow
// state. All methods are pure functions of their arguments; the struct
// carries only injected collaborators.
type Orchestrator struct {
	registry *handler.Registry
	logger   *zap.Logger

	tracer         trace.Tracer
	meter          metric.Meter
	queryCounter   metric.Int64Counter
	failureCounter metric.Int64Counter
}

// New creates an orchestrator around the given handler registry.
func New(registry *handler.Registry, logger *zap.Logger) (*Orchestrator, error) {
	if registry == nil {
		return nil, errors.New("handler registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		registry: registry,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	o.initMetrics()
	return o, nil
}

func (o *Orchestrator) initMetrics() {
	var err error

	o.queryCounter, err = o.meter.Int64Counter(
		"flowd.orchestrator.queries_total",
		metric.WithDescription("Total queries processed"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		o.logger.Warn("failed to create query counter", zap.Error(err))
	}

	o.failureCounter, err = o.meter.Int64Counter(
		"flowd.orchestrator.handler_failures_total",
		metric.WithDescription("Total handler invocation failures"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		o.logger.Warn("failed to create failure counter", zap.Error(err))
	}
}

// NewInitialState returns a fresh initiated state at stage. An empty
// stage defaults to discovery.
func (o *Orchestrator) NewInitialState(stage workflow.Stage, initialContext map[string]any) workflow.State {
	if stage == "" {
		stage = workflow.StageDiscovery
	}
	return workflow.NewState(stage, initialContext)
}

// ProcessQuery routes req.Query to a handler and computes the next
// state. Handler failures are recovered: the returned Result carries a
// degraded message and an error-status state whose stage and completed
// history match the input exactly, so a failure never advances the
// workflow. The returned error is reserved for invariant violations:
// a terminal input state is refused with ErrTerminalState, because
// finished workflows must never advance again.
func (o *Orchestrator) ProcessQuery(ctx context.Context, req Request) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.process_query")
	defer span.End()

	if req.State.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminalState, req.State.Status)
	}

	state := req.State.Clone()
	name := selectHandler(state.CurrentStage, req.Query)

	span.SetAttributes(
		attribute.String("session_id", req.SessionID),
		attribute.String("trace_id", req.TraceID),
		attribute.String("stage", string(state.CurrentStage)),
		attribute.String("handler", name),
	)

	ic := handler.InvocationContext{
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		CurrentStage:   state.CurrentStage,
		History:        state.History,
		CompanyProfile: state.Context[workflow.ContextKeyCompanyProfile],
	}

	res, err := o.registry.Invoke(ctx, name, req.Query, ic)
	if err != nil {
		return o.recoverHandlerFailure(ctx, req, name, err), nil
	}

	now := time.Now().UTC()
	next := state.WithMessages(
		workflow.Message{Role: workflow.RoleUser, Content: req.Query, Timestamp: now},
		workflow.Message{Role: workflow.RoleAssistant, Content: res.Content, Timestamp: now},
	)

	if res.NextStage != "" && res.NextStage != state.CurrentStage {
		next = next.WithStageCompleted(state.CurrentStage)
		next.CurrentStage = res.NextStage
	}

	switch {
	case res.Status != "":
		next.Status = res.Status
	case next.Status == workflow.StatusInitiated:
		next.Status = workflow.StatusInProgress
	}

	respType := res.Type
	if respType == "" {
		respType = handler.TypeMessage
	}

	if o.queryCounter != nil {
		o.queryCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("handler", name),
		))
	}

	o.logger.Debug("processed query",
		zap.String("trace_id", req.TraceID),
		zap.String("session_id", req.SessionID),
		zap.String("handler", name),
		zap.String("stage", string(next.CurrentStage)),
	)

	return &Result{
		Response: Response{
			Type:    respType,
			Content: res.Content,
			Payload: res.Payload,
		},
		NextState: next,
		Handler:   name,
		TraceID:   req.TraceID,
	}, nil
}

// recoverHandlerFailure builds the degraded result for a failed
// handler invocation. Stage and completed-stage history stay exactly
// as they were; only status, error counters, and error context change.
func (o *Orchestrator) recoverHandlerFailure(ctx context.Context, req Request, name string, cause error) *Result {
	next := req.State.Clone()
	next.Status = workflow.StatusError
	next.Context[workflow.ContextKeyLastError] = cause.Error()
	next.Context[workflow.ContextKeyErrorTimestamp] = time.Now().UTC().Format(time.RFC3339)
	next.Metadata.ErrorCount++
	next.Metadata.LastUpdatedAt = time.Now().UTC()

	if o.failureCounter != nil {
		o.failureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("handler", name),
		))
	}

	o.logger.Warn("handler invocation failed",
		zap.String("trace_id", req.TraceID),
		zap.String("session_id", req.SessionID),
		zap.String("handler", name),
		zap.Error(cause),
	)

	return &Result{
		Response: Response{
			Type:    handler.TypeMessage,
			Content: degradedMessage,
		},
		NextState: next,
		Handler:   name,
		TraceID:   req.TraceID,
	}
}

// UpdateStage overrides the current stage and status outside the query
// path. When status is completed, the previous stage is recorded as
// finished; the append is idempotent.
func (o *Orchestrator) UpdateStage(state workflow.State, stage workflow.Stage, status workflow.Status) workflow.State {
	next := state.Clone()
	if status == workflow.StatusCompleted {
		next = next.WithStageCompleted(state.CurrentStage)
	}
	next.CurrentStage = stage
	if status != "" {
		next.Status = status
	}
	next.Metadata.LastUpdatedAt = time.Now().UTC()
	return next
}

// IsComplete reports whether the workflow can advance no further.
func (o *Orchestrator) IsComplete(state workflow.State) bool {
	return state.Status == workflow.StatusCompleted || state.Status == workflow.StatusError
}

// Progress returns the completion percentage for state. A non-positive
// totalStages derives the denominator from the lifecycle stage graph.
func (o *Orchestrator) Progress(state workflow.State, totalStages int) int {
	return state.Progress(totalStages)
}
