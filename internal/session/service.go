package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/outcomelabs/flowd/internal/events"
	"github.com/outcomelabs/flowd/internal/orchestrator"
	"github.com/outcomelabs/flowd/internal/sanitize"
	"github.com/outcomelabs/flowd/internal/store"
	"github.com/outcomelabs/flowd/internal/workflow"
)

const instrumentationName = "github.com/outcomelabs/flowd/internal/session"

// Archiver indexes finished sessions for later recall. Satisfied by
// archive.Archiver.
type Archiver interface {
	Archive(ctx context.Context, sess *store.Session) error
}

// Options tunes one HandleQuery call.
type Options struct {
	// SkipSanitization passes the query through untouched.
	SkipSanitization bool

	// InitialStage seeds a newly created session. Ignored when an
	// existing session is resolved.
	InitialStage workflow.Stage

	// InitialContext seeds a newly created session's context.
	InitialContext map[string]any
}

// Request is one inbound query.
type Request struct {
	Query     string
	UserID    string
	SessionID string
	Options   Options
}

// QueryResult is what HandleQuery returns to the transport layer.
type QueryResult struct {
	SessionID string                `json:"session_id"`
	Response  orchestrator.Response `json:"response"`
	TraceID   string                `json:"trace_id"`
	Progress  int                   `json:"progress"`
	Status    workflow.Status       `json:"status"`
	Stage     workflow.Stage        `json:"stage"`
}

// Service coordinates session lifecycle around the orchestrator.
type Service interface {
	HandleQuery(ctx context.Context, req Request) (*QueryResult, error)
	GetSession(ctx context.Context, sessionID string) (*store.Session, error)
	GetActiveSessions(ctx context.Context, userID string, limit int) ([]store.Summary, error)
	AbandonSession(ctx context.Context, sessionID string) error
	CleanupOldSessions(ctx context.Context, olderThan time.Duration) (int, error)
}

// Config configures the service.
type Config struct {
	// TotalStages is the progress denominator. Zero derives it from
	// the lifecycle stage graph.
	TotalStages int
}

type service struct {
	config   Config
	repo     store.Repository
	orch     *orchestrator.Orchestrator
	pub      events.Publisher
	archiver Archiver
	logger   *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	queryCounter metric.Int64Counter
}

// NewService creates the session service. pub and archiver may be nil
// to disable eventing and archival.
func NewService(cfg Config, repo store.Repository, orch *orchestrator.Orchestrator, pub events.Publisher, archiver Archiver, logger *zap.Logger) (Service, error) {
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	if orch == nil {
		return nil, errors.New("orchestrator is required")
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config:   cfg,
		repo:     repo,
		orch:     orch,
		pub:      pub,
		archiver: archiver,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	s.initMetrics()
	return s, nil
}

func (s *service) initMetrics() {
	var err error
	s.queryCounter, err = s.meter.Int64Counter(
		"flowd.session.queries_total",
		metric.WithDescription("Total queries handled"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		s.logger.Warn("failed to create query counter", zap.Error(err))
	}
}

// HandleQuery implements Service.
func (s *service) HandleQuery(ctx context.Context, req Request) (*QueryResult, error) {
	traceID := uuid.New().String()

	ctx, span := s.tracer.Start(ctx, "session.handle_query")
	defer span.End()
	span.SetAttributes(
		attribute.String("trace_id", traceID),
		attribute.String("user_id", req.UserID),
	)

	query := req.Query
	if !req.Options.SkipSanitization {
		res := sanitize.Query(query)
		if res.Altered {
			s.logger.Warn("query altered by sanitization",
				zap.String("trace_id", traceID),
				zap.Int("raw_len", len(query)),
				zap.Int("sanitized_len", len(res.Query)),
			)
		}
		query = res.Query
	}

	sessionID, state, created, err := s.resolveSession(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("session_id", sessionID))

	if created {
		s.publish(ctx, events.Event{
			Kind:      events.KindCreated,
			SessionID: sessionID,
			UserID:    req.UserID,
			TraceID:   traceID,
			Stage:     state.CurrentStage,
			Status:    state.Status,
		})
	}

	result, err := s.orch.ProcessQuery(ctx, orchestrator.Request{
		Query:     query,
		State:     state,
		UserID:    req.UserID,
		SessionID: sessionID,
		TraceID:   traceID,
	})
	if err != nil {
		// Orchestrator errors are invariant violations, not handler
		// failures; treat as infrastructure.
		s.bumpErrorCount(ctx, sessionID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("process query: %w", err)
	}

	next := result.NextState

	// Persist unconditionally, including the orchestrator's recovered
	// failure branch, so error state is durable and visible on retry.
	saved, err := s.repo.Save(ctx, sessionID, next)
	if err != nil {
		s.bumpErrorCount(ctx, sessionID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("save session %s: %w", sessionID, err)
	}

	if state.CurrentStage != saved.CurrentStage {
		s.publish(ctx, events.Event{
			Kind:      events.KindStageChanged,
			SessionID: sessionID,
			UserID:    req.UserID,
			TraceID:   traceID,
			Stage:     saved.CurrentStage,
			PrevStage: state.CurrentStage,
			Status:    saved.Status,
		})
	}

	if s.orch.IsComplete(saved) {
		s.finishSession(ctx, sessionID, req.UserID, traceID, saved)
	}

	if s.queryCounter != nil {
		s.queryCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("handler", result.Handler),
			attribute.Bool("created", created),
		))
	}

	s.logger.Info("handled query",
		zap.String("trace_id", traceID),
		zap.String("session_id", sessionID),
		zap.String("handler", result.Handler),
		zap.String("stage", string(saved.CurrentStage)),
		zap.String("status", string(saved.Status)),
		zap.Bool("created", created),
	)

	return &QueryResult{
		SessionID: sessionID,
		Response:  result.Response,
		TraceID:   traceID,
		Progress:  s.orch.Progress(saved, s.config.TotalStages),
		Status:    saved.Status,
		Stage:     saved.CurrentStage,
	}, nil
}

// resolveSession loads the referenced session or creates a fresh one.
// A stale or unknown session id falls back to creation, and so does a
// session already in a terminal state: completed, errored, and
// abandoned workflows never advance again, the conversation continues
// in a new session. Neither case is an error for the caller.
func (s *service) resolveSession(ctx context.Context, req Request) (string, workflow.State, bool, error) {
	if req.SessionID != "" {
		state, err := s.repo.Load(ctx, req.SessionID)
		switch {
		case err == nil && !state.Status.Terminal():
			return req.SessionID, state, false, nil
		case err == nil:
			s.logger.Debug("session is terminal, creating new",
				zap.String("finished_session_id", req.SessionID),
				zap.String("status", string(state.Status)))
		case errors.Is(err, store.ErrNotFound):
			s.logger.Debug("session not found, creating new",
				zap.String("stale_session_id", req.SessionID))
		default:
			return "", workflow.State{}, false, fmt.Errorf("load session %s: %w", req.SessionID, err)
		}
	}

	initial := s.orch.NewInitialState(req.Options.InitialStage, req.Options.InitialContext)
	sessionID, err := s.repo.CreateSession(ctx, req.UserID, initial)
	if err != nil {
		return "", workflow.State{}, false, fmt.Errorf("create session: %w", err)
	}

	state, err := s.repo.Load(ctx, sessionID)
	if err != nil {
		return "", workflow.State{}, false, fmt.Errorf("load created session %s: %w", sessionID, err)
	}
	return sessionID, state, true, nil
}

// finishSession mirrors a terminal workflow state onto the session
// record, emits the terminal event, and archives the transcript. All
// best-effort: the query result is already computed and saved.
func (s *service) finishSession(ctx context.Context, sessionID, userID, traceID string, state workflow.State) {
	if err := s.repo.UpdateSessionStatus(ctx, sessionID, state.Status); err != nil {
		s.logger.Warn("failed to update session status",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	kind := events.KindCompleted
	if state.Status == workflow.StatusError {
		kind = events.KindErrored
	}
	s.publish(ctx, events.Event{
		Kind:      kind,
		SessionID: sessionID,
		UserID:    userID,
		TraceID:   traceID,
		Stage:     state.CurrentStage,
		Status:    state.Status,
	})

	if s.archiver != nil && state.Status == workflow.StatusCompleted {
		sess, err := s.repo.GetSession(ctx, sessionID)
		if err == nil {
			err = s.archiver.Archive(ctx, sess)
		}
		if err != nil {
			s.logger.Warn("failed to archive session",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

// bumpErrorCount is the best-effort error counter update performed
// before propagating an infrastructure failure.
func (s *service) bumpErrorCount(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	if err := s.repo.IncrementErrorCount(ctx, sessionID); err != nil {
		s.logger.Warn("failed to increment error count",
			zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (s *service) publish(ctx context.Context, ev events.Event) {
	if err := s.pub.Publish(ctx, ev); err != nil {
		s.logger.Warn("failed to publish workflow event",
			zap.String("session_id", ev.SessionID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
	}
}

// GetSession implements Service.
func (s *service) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	return s.repo.GetSession(ctx, sessionID)
}

// GetActiveSessions implements Service.
func (s *service) GetActiveSessions(ctx context.Context, userID string, limit int) ([]store.Summary, error) {
	return s.repo.GetActiveSessions(ctx, userID, limit)
}

// AbandonSession implements Service.
func (s *service) AbandonSession(ctx context.Context, sessionID string) error {
	return s.repo.AbandonSession(ctx, sessionID)
}

// CleanupOldSessions implements Service.
func (s *service) CleanupOldSessions(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.repo.CleanupOldSessions(ctx, olderThan)
}
