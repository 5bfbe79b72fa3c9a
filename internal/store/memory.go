package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outcomelabs/flowd/internal/workflow"
)

// Memory is an in-process Repository used in tests and single-node
// development. It enforces the same version check as the durable
// adapters.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// CreateSession implements Repository.
func (m *Memory) CreateSession(_ context.Context, userID string, initial workflow.State) (string, error) {
	id := uuid.New().String()
	now := m.now().UTC()

	st := initial.Clone()
	st.Version = 1

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = &Session{
		ID:        id,
		UserID:    userID,
		State:     st,
		Status:    st.Status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return id, nil
}

// Load implements Repository.
func (m *Memory) Load(_ context.Context, sessionID string) (workflow.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return workflow.State{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return sess.State.Clone(), nil
}

// Save implements Repository.
func (m *Memory) Save(_ context.Context, sessionID string, state workflow.State) (workflow.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return workflow.State{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if state.Version != sess.State.Version {
		return workflow.State{}, fmt.Errorf("%w: have %d, want %d",
			ErrVersionConflict, state.Version, sess.State.Version)
	}

	st := state.Clone()
	st.Version++
	sess.State = st
	sess.UpdatedAt = m.now().UTC()
	return st.Clone(), nil
}

// GetSession implements Repository.
func (m *Memory) GetSession(_ context.Context, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	cp := *sess
	cp.State = sess.State.Clone()
	return &cp, nil
}

// UpdateSessionStatus implements Repository.
func (m *Memory) UpdateSessionStatus(_ context.Context, sessionID string, status workflow.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	sess.Status = status
	sess.UpdatedAt = m.now().UTC()
	return nil
}

// IncrementErrorCount implements Repository.
func (m *Memory) IncrementErrorCount(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	st := sess.State.Clone()
	st.Metadata.ErrorCount++
	st.Version++
	sess.State = st
	sess.UpdatedAt = m.now().UTC()
	return nil
}

// GetActiveSessions implements Repository.
func (m *Memory) GetActiveSessions(_ context.Context, userID string, limit int) ([]Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Summary
	for _, sess := range m.sessions {
		if sess.UserID != userID || sess.Status.Terminal() {
			continue
		}
		out = append(out, summarize(sess))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AbandonSession implements Repository.
func (m *Memory) AbandonSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	st := sess.State.Clone()
	st.Status = workflow.StatusAbandoned
	st.Version++
	sess.State = st
	sess.Status = workflow.StatusAbandoned
	sess.UpdatedAt = m.now().UTC()
	return nil
}

// CleanupOldSessions implements Repository.
func (m *Memory) CleanupOldSessions(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := m.now().UTC().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for id, sess := range m.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			delete(m.sessions, id)
			count++
		}
	}
	return count, nil
}

func summarize(sess *Session) Summary {
	return Summary{
		ID:           sess.ID,
		UserID:       sess.UserID,
		Status:       sess.Status,
		CurrentStage: sess.State.CurrentStage,
		Progress:     sess.State.Progress(0),
		UpdatedAt:    sess.UpdatedAt,
	}
}
