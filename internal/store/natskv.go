package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/outcomelabs/flowd/internal/workflow"
)

// DefaultBucket is the JetStream KeyValue bucket holding sessions.
const DefaultBucket = "flowd_sessions"

// casRetries bounds read-modify-write retries for the metadata
// operations that do not carry a caller-side version.
const casRetries = 5

// NATSKV is a Repository backed by a NATS JetStream KeyValue bucket.
//
// Each session is one key holding the JSON-encoded Session. The KV
// revision of the key doubles as State.Version, so Save's optimistic
// concurrency maps directly onto JetStream's expected-revision update.
type NATSKV struct {
	kv     nats.KeyValue
	logger *zap.Logger
}

// NATSKVConfig configures the adapter.
type NATSKVConfig struct {
	// Bucket name (default: DefaultBucket).
	Bucket string

	// TTL expires idle sessions at the bucket level. Zero disables.
	TTL time.Duration
}

// NewNATSKV creates the adapter, creating the bucket if missing.
func NewNATSKV(nc *nats.Conn, cfg NATSKVConfig, logger *zap.Logger) (*NATSKV, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bucket := cfg.Bucket
	if bucket == "" {
		bucket = DefaultBucket
	}

	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: bucket,
			TTL:    cfg.TTL,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucket, err)
	}

	return &NATSKV{kv: kv, logger: logger}, nil
}

// CreateSession implements Repository.
func (n *NATSKV) CreateSession(_ context.Context, userID string, initial workflow.State) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	sess := Session{
		ID:        id,
		UserID:    userID,
		State:     initial.Clone(),
		Status:    initial.Status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}

	if _, err := n.kv.Create(id, data); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}

	n.logger.Debug("created session",
		zap.String("session_id", id),
		zap.String("user_id", userID),
	)
	return id, nil
}

// Load implements Repository.
func (n *NATSKV) Load(_ context.Context, sessionID string) (workflow.State, error) {
	sess, rev, err := n.get(sessionID)
	if err != nil {
		return workflow.State{}, err
	}
	st := sess.State
	st.Version = rev
	return st, nil
}

// Save implements Repository. state.Version must be the revision seen
// at load time; a mismatch means a concurrent writer won and the
// caller must reload.
func (n *NATSKV) Save(_ context.Context, sessionID string, state workflow.State) (workflow.State, error) {
	sess, rev, err := n.get(sessionID)
	if err != nil {
		return workflow.State{}, err
	}
	if state.Version != rev {
		return workflow.State{}, fmt.Errorf("%w: have %d, want %d",
			ErrVersionConflict, state.Version, rev)
	}

	sess.State = state.Clone()
	sess.State.Version = 0 // revision travels out-of-band, not in the payload
	sess.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(sess)
	if err != nil {
		return workflow.State{}, fmt.Errorf("marshal session: %w", err)
	}

	newRev, err := n.kv.Update(sessionID, data, rev)
	if err != nil {
		if isWrongRevision(err) {
			return workflow.State{}, fmt.Errorf("%w: %s", ErrVersionConflict, sessionID)
		}
		return workflow.State{}, fmt.Errorf("save session: %w", err)
	}

	out := state.Clone()
	out.Version = newRev
	return out, nil
}

// GetSession implements Repository.
func (n *NATSKV) GetSession(_ context.Context, sessionID string) (*Session, error) {
	sess, rev, err := n.get(sessionID)
	if err != nil {
		return nil, err
	}
	sess.State.Version = rev
	return sess, nil
}

// UpdateSessionStatus implements Repository.
func (n *NATSKV) UpdateSessionStatus(_ context.Context, sessionID string, status workflow.Status) error {
	return n.modify(sessionID, func(sess *Session) {
		sess.Status = status
	})
}

// IncrementErrorCount implements Repository.
func (n *NATSKV) IncrementErrorCount(_ context.Context, sessionID string) error {
	return n.modify(sessionID, func(sess *Session) {
		sess.State.Metadata.ErrorCount++
	})
}

// GetActiveSessions implements Repository.
func (n *NATSKV) GetActiveSessions(_ context.Context, userID string, limit int) ([]Summary, error) {
	keys, err := n.keys()
	if err != nil {
		return nil, err
	}

	var out []Summary
	for _, key := range keys {
		sess, _, err := n.get(key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // deleted between listing and read
			}
			return nil, err
		}
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
func (n *NATSKV) AbandonSession(_ context.Context, sessionID string) error {
	return n.modify(sessionID, func(sess *Session) {
		sess.Status = workflow.StatusAbandoned
		sess.State.Status = workflow.StatusAbandoned
	})
}

// CleanupOldSessions implements Repository.
func (n *NATSKV) CleanupOldSessions(_ context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	keys, err := n.keys()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, key := range keys {
		sess, _, err := n.get(key)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return count, err
		}
		if !sess.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := n.kv.Delete(key); err != nil {
			return count, fmt.Errorf("delete session %s: %w", key, err)
		}
		count++
	}

	if count > 0 {
		n.logger.Info("cleaned up old sessions", zap.Int("count", count))
	}
	return count, nil
}

// get reads and decodes one session plus its KV revision.
func (n *NATSKV) get(sessionID string) (*Session, uint64, error) {
	entry, err := n.kv.Get(sessionID)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil, 0, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	var sess Session
	if err := json.Unmarshal(entry.Value(), &sess); err != nil {
		return nil, 0, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &sess, entry.Revision(), nil
}

// modify applies fn under a compare-and-swap loop. Used for metadata
// updates that do not flow through the caller's version.
func (n *NATSKV) modify(sessionID string, fn func(*Session)) error {
	for i := 0; i < casRetries; i++ {
		sess, rev, err := n.get(sessionID)
		if err != nil {
			return err
		}
		fn(sess)
		sess.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("marshal session: %w", err)
		}
		_, err = n.kv.Update(sessionID, data, rev)
		if err == nil {
			return nil
		}
		if !isWrongRevision(err) {
			return fmt.Errorf("update session %s: %w", sessionID, err)
		}
	}
	return fmt.Errorf("%w: %s", ErrVersionConflict, sessionID)
}

func (n *NATSKV) keys() ([]string, error) {
	keys, err := n.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return keys, nil
}

// isWrongRevision reports whether err is JetStream's wrong-last-
// sequence rejection, i.e. a lost CAS race.
func isWrongRevision(err error) bool {
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) &&
		apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}
