package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outcomelabs/flowd/internal/workflow"
)

func TestMemory_Conformance(t *testing.T) {
	testRepository(t, func(t *testing.T) Repository {
		return NewMemory()
	})
}

// testRepository is the shared conformance suite run against every
// Repository adapter.
func testRepository(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("create and load", func(t *testing.T) {
		repo := newRepo(t)
		initial := workflow.NewState(workflow.StageDiscovery, map[string]any{"k": "v"})

		id, err := repo.CreateSession(ctx, "user-1", initial)
		require.NoError(t, err)
		require.NotEmpty(t, id)

		st, err := repo.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, workflow.StageDiscovery, st.CurrentStage)
		assert.Equal(t, workflow.StatusInitiated, st.Status)
		assert.Equal(t, "v", st.Context["k"])
		assert.NotZero(t, st.Version)
	})

	t.Run("load missing", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.Load(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("save bumps version", func(t *testing.T) {
		repo := newRepo(t)
		id, err := repo.CreateSession(ctx, "user-1", workflow.NewState(workflow.StageDiscovery, nil))
		require.NoError(t, err)

		st, err := repo.Load(ctx, id)
		require.NoError(t, err)
		v := st.Version

		st.Status = workflow.StatusInProgress
		saved, err := repo.Save(ctx, id, st)
		require.NoError(t, err)
		assert.Greater(t, saved.Version, v)

		got, err := repo.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusInProgress, got.Status)
	})

	t.Run("save stale version conflicts", func(t *testing.T) {
		repo := newRepo(t)
		id, err := repo.CreateSession(ctx, "user-1", workflow.NewState(workflow.StageDiscovery, nil))
		require.NoError(t, err)

		// Two readers load the same snapshot.
		a, err := repo.Load(ctx, id)
		require.NoError(t, err)
		b, err := repo.Load(ctx, id)
		require.NoError(t, err)

		_, err = repo.Save(ctx, id, a)
		require.NoError(t, err)

		_, err = repo.Save(ctx, id, b)
		assert.ErrorIs(t, err, ErrVersionConflict,
			"second writer against a stale snapshot must lose")
	})

	t.Run("session status update", func(t *testing.T) {
		repo := newRepo(t)
		id, err := repo.CreateSession(ctx, "user-1", workflow.NewState(workflow.StageDiscovery, nil))
		require.NoError(t, err)

		require.NoError(t, repo.UpdateSessionStatus(ctx, id, workflow.StatusCompleted))

		sess, err := repo.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusCompleted, sess.Status)
	})

	t.Run("increment error count", func(t *testing.T) {
		repo := newRepo(t)
		id, err := repo.CreateSession(ctx, "user-1", workflow.NewState(workflow.StageDiscovery, nil))
		require.NoError(t, err)

		require.NoError(t, repo.IncrementErrorCount(ctx, id))
		require.NoError(t, repo.IncrementErrorCount(ctx, id))

		st, err := repo.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 2, st.Metadata.ErrorCount)
	})

	t.Run("active sessions filter and limit", func(t *testing.T) {
		repo := newRepo(t)

		id1, err := repo.CreateSession(ctx, "user-1", workflow.NewState(workflow.StageDiscovery, nil))
		require.NoError(t, err)
		_, err = repo.CreateSession(ctx, "user-1", workflow.NewState(workflow.StageAnalysis, nil))
		require.NoError(t, err)
		_, err = repo.CreateSession(ctx, "user-2", workflow.NewState(workflow.StageDiscovery, nil))
		require.NoError(t, err)

		require.NoError(t, repo.UpdateSessionStatus(ctx, id1, workflow.StatusCompleted))

		active, err := repo.GetActiveSessions(ctx, "user-1", 10)
		require.NoError(t, err)
		require.Len(t, active, 1, "terminal and other-user sessions are excluded")
		assert.Equal(t, "user-1", active[0].UserID)

		limited, err := repo.GetActiveSessions(ctx, "user-1", 0)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("abandon", func(t *testing.T) {
		repo := newRepo(t)
		id, err := repo.CreateSession(ctx, "user-1", workflow.NewState(workflow.StageDiscovery, nil))
		require.NoError(t, err)

		require.NoError(t, repo.AbandonSession(ctx, id))

		sess, err := repo.GetSession(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, workflow.StatusAbandoned, sess.Status)
		assert.Equal(t, workflow.StatusAbandoned, sess.State.Status)

		active, err := repo.GetActiveSessions(ctx, "user-1", 10)
		require.NoError(t, err)
		assert.Empty(t, active)
	})

	t.Run("cleanup removes nothing when fresh", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.CreateSession(ctx, "user-1", workflow.NewState(workflow.StageDiscovery, nil))
		require.NoError(t, err)

		count, err := repo.CleanupOldSessions(ctx, 24*time.Hour)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestMemory_CleanupOldSessions(t *testing.T) {
	repo := NewMemory()
	ctx := context.Background()

	id, err := repo.CreateSession(ctx, "user-1", workflow.NewState(workflow.StageDiscovery, nil))
	require.NoError(t, err)

	// Age the clock past the cutoff.
	repo.now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	count, err := repo.CleanupOldSessions(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = repo.Load(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}
