// Package store defines the persistence port for workflow sessions
// and its adapters.
//
// The orchestration core is stateless; this layer owns durability and
// the concurrency control the core deliberately lacks. Save is a
// compare-and-swap on State.Version so that two concurrent calls
// against the same stale snapshot cannot silently drop one branch of
// conversation history.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/outcomelabs/flowd/internal/workflow"
)

// Sentinel errors shared by all adapters.
var (
	ErrNotFound        = errors.New("session not found")
	ErrVersionConflict = errors.New("session modified concurrently")
)

// Session is the durable binding between a user and one workflow
// state. Status is a coarser copy of State.Status kept at the top
// level so adapters can filter sessions without decoding state.
type Session struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	State     workflow.State  `json:"state"`
	Status    workflow.Status `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Summary is the listing view of a session.
type Summary struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Status       workflow.Status `json:"status"`
	CurrentStage workflow.Stage  `json:"current_stage"`
	Progress     int             `json:"progress"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Repository is the persistence port for workflow sessions.
type Repository interface {
	// CreateSession persists initial state under a fresh session id.
	CreateSession(ctx context.Context, userID string, initial workflow.State) (string, error)

	// Load returns the workflow state for sessionID, or ErrNotFound.
	Load(ctx context.Context, sessionID string) (workflow.State, error)

	// Save persists state. It fails with ErrVersionConflict when the
	// stored revision no longer matches state.Version, and returns
	// the state with its new revision on success.
	Save(ctx context.Context, sessionID string, state workflow.State) (workflow.State, error)

	// GetSession returns the full session record, or ErrNotFound.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// UpdateSessionStatus sets the session-level status field.
	UpdateSessionStatus(ctx context.Context, sessionID string, status workflow.Status) error

	// IncrementErrorCount bumps the error counter on the stored
	// state. Best-effort callers may ignore its error.
	IncrementErrorCount(ctx context.Context, sessionID string) error

	// GetActiveSessions lists non-terminal sessions for userID, most
	// recently updated first, at most limit entries.
	GetActiveSessions(ctx context.Context, userID string, limit int) ([]Summary, error)

	// AbandonSession marks an in-progress session abandoned.
	AbandonSession(ctx context.Context, sessionID string) error

	// CleanupOldSessions removes sessions not updated since the
	// cutoff and returns how many were removed.
	CleanupOldSessions(ctx context.Context, olderThan time.Duration) (int, error)
}
