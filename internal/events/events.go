// Package events publishes workflow lifecycle events to NATS so
// downstream consumers (dashboards, CRM sync, analytics) can react
// without polling the session store.
//
// Events are published to subjects:
//
//	workflow.{user_id}.{session_id}.created
//	workflow.{user_id}.{session_id}.stage_changed
//	workflow.{user_id}.{session_id}.completed
//	workflow.{user_id}.{session_id}.errored
//
// Publishing is best-effort from the caller's perspective: the query
// path logs publish failures and continues.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/outcomelabs/flowd/internal/workflow"
)

// Kind names a workflow lifecycle event.
type Kind string

const (
	KindCreated      Kind = "created"
	KindStageChanged Kind = "stage_changed"
	KindCompleted    Kind = "completed"
	KindErrored      Kind = "errored"
)

// Event is the wire payload.
type Event struct {
	Kind      Kind            `json:"kind"`
	SessionID string          `json:"session_id"`
	UserID    string          `json:"user_id"`
	TraceID   string          `json:"trace_id,omitempty"`
	Stage     workflow.Stage  `json:"stage,omitempty"`
	PrevStage workflow.Stage  `json:"prev_stage,omitempty"`
	Status    workflow.Status `json:"status,omitempty"`
	At        time.Time       `json:"at"`
}

// Publisher emits workflow events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop is a Publisher that drops every event. Used when eventing is
// disabled.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// NATSPublisher publishes events over a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewNATSPublisher creates a publisher.
func NewNATSPublisher(nc *nats.Conn, logger *zap.Logger) (*NATSPublisher, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, logger: logger}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := Subject(ev.UserID, ev.SessionID, ev.Kind)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.logger.Debug("published workflow event",
		zap.String("subject", subject),
		zap.String("kind", string(ev.Kind)),
	)
	return nil
}

// Subject builds the NATS subject for an event.
func Subject(userID, sessionID string, kind Kind) string {
	return fmt.Sprintf("workflow.%s.%s.%s", userID, sessionID, kind)
}
