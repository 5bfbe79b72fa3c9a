package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outcomelabs/flowd/internal/handler"
	"github.com/outcomelabs/flowd/internal/workflow"
)

// newTestOrchestrator wires an orchestrator whose handlers all reply
// with the given result.
func newTestOrchestrator(t *testing.T, res *handler.Result, err error) *Orchestrator {
	t.Helper()
	reg := handler.NewRegistry()
	names := []string{
		handler.NameDiscovery, handler.NameAnalysis, handler.NameInterventionDesign,
		handler.NameFinancialModeling, handler.NameSystemMapping,
		handler.NameOutcomeEngineering, handler.NameCoordinator,
	}
	for _, n := range names {
		require.NoError(t, reg.Register(n, handler.Func(
			func(context.Context, string, string, handler.InvocationContext) (*handler.Result, error) {
				return res, err
			})))
	}
	o, oerr := New(reg, nil)
	require.NoError(t, oerr)
	return o
}

func TestNew_RequiresRegistry(t *testing.T) {
	_, err := New(nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler registry is required")
}

func TestNewInitialState_DefaultsToDiscovery(t *testing.T) {
	o := newTestOrchestrator(t, &handler.Result{Content: "ok"}, nil)

	st := o.NewInitialState("", nil)
	assert.Equal(t, workflow.StageDiscovery, st.CurrentStage)
	assert.Equal(t, workflow.StatusInitiated, st.Status)
}

func TestProcessQuery_AppendsUserThenAssistant(t *testing.T) {
	o := newTestOrchestrator(t, &handler.Result{Content: "answer"}, nil)
	st := o.NewInitialState(workflow.StageDiscovery, nil)

	res, err := o.ProcessQuery(context.Background(), Request{
		Query: "question", State: st, UserID: "u-1", SessionID: "s-1", TraceID: "t-1",
	})
	require.NoError(t, err)

	require.Len(t, res.NextState.History, 2)
	assert.Equal(t, workflow.RoleUser, res.NextState.History[0].Role)
	assert.Equal(t, "question", res.NextState.History[0].Content)
	assert.Equal(t, workflow.RoleAssistant, res.NextState.History[1].Role)
	assert.Equal(t, "answer", res.NextState.History[1].Content)
	assert.Empty(t, st.History, "input state must not be mutated")
}

func TestProcessQuery_HistoryGrowsByTwoEachCall(t *testing.T) {
	o := newTestOrchestrator(t, &handler.Result{Content: "a"}, nil)
	st := o.NewInitialState(workflow.StageDiscovery, nil)

	for i := 1; i <= 3; i++ {
		res, err := o.ProcessQuery(context.Background(), Request{Query: "q", State: st})
		require.NoError(t, err)
		assert.Len(t, res.NextState.History, 2*i)
		st = res.NextState
	}
}

func TestProcessQuery_StageAdvance(t *testing.T) {
	o := newTestOrchestrator(t, &handler.Result{
		Content:   "moving on",
		NextStage: workflow.StageAnalysis,
	}, nil)
	st := o.NewInitialState(workflow.StageDiscovery, nil)

	res, err := o.ProcessQuery(context.Background(), Request{Query: "q", State: st})
	require.NoError(t, err)

	assert.Equal(t, workflow.StageAnalysis, res.NextState.CurrentStage)
	assert.Equal(t, []workflow.Stage{workflow.StageDiscovery}, res.NextState.CompletedStages)

	// A repeat advance to the same stage must not duplicate history.
	res2, err := o.ProcessQuery(context.Background(), Request{Query: "q", State: res.NextState})
	require.NoError(t, err)
	assert.NotContains(t, res2.NextState.CompletedStages, workflow.StageAnalysis)
}

func TestProcessQuery_SameStageHintIsNoop(t *testing.T) {
	o := newTestOrchestrator(t, &handler.Result{
		Content:   "staying",
		NextStage: workflow.StageDiscovery,
	}, nil)
	st := o.NewInitialState(workflow.StageDiscovery, nil)

	res, err := o.ProcessQuery(context.Background(), Request{Query: "q", State: st})
	require.NoError(t, err)
	assert.Equal(t, workflow.StageDiscovery, res.NextState.CurrentStage)
	assert.Empty(t, res.NextState.CompletedStages)
}

func TestProcessQuery_StatusDefaults(t *testing.T) {
	// No handler status: initiated promotes to in_progress.
	o := newTestOrchestrator(t, &handler.Result{Content: "a"}, nil)
	st := o.NewInitialState(workflow.StageDiscovery, nil)

	res, err := o.ProcessQuery(context.Background(), Request{Query: "q", State: st})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusInProgress, res.NextState.Status)

	// Handler status wins when given.
	o2 := newTestOrchestrator(t, &handler.Result{
		Content: "done",
		Status:  workflow.StatusCompleted,
	}, nil)
	res2, err := o2.ProcessQuery(context.Background(), Request{Query: "q", State: res.NextState})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, res2.NextState.Status)
}

func TestProcessQuery_HandlerFailure(t *testing.T) {
	o := newTestOrchestrator(t, nil, errors.New("upstream exploded"))
	st := o.NewInitialState(workflow.StageAnalysis, nil)
	st.CompletedStages = []workflow.Stage{workflow.StageDiscovery}
	st.Status = workflow.StatusInProgress

	res, err := o.ProcessQuery(context.Background(), Request{
		Query: "q", State: st, TraceID: "t-9",
	})
	require.NoError(t, err, "handler failures must be recovered, not propagated")

	assert.Equal(t, handler.TypeMessage, res.Response.Type)
	assert.NotContains(t, res.Response.Content, "upstream exploded",
		"raw error must not leak to the user")

	next := res.NextState
	assert.Equal(t, workflow.StatusError, next.Status)
	assert.Equal(t, st.CurrentStage, next.CurrentStage, "failure must not advance stage")
	assert.Equal(t, st.CompletedStages, next.CompletedStages)
	assert.Len(t, next.History, 0, "failed call appends no messages")
	assert.Contains(t, next.Context[workflow.ContextKeyLastError], "upstream exploded")
	assert.NotEmpty(t, next.Context[workflow.ContextKeyErrorTimestamp])
	assert.Equal(t, 1, next.Metadata.ErrorCount)
}

func TestProcessQuery_TerminalStateRefused(t *testing.T) {
	// A finished workflow must never advance again, even when the
	// handler would hint a transition.
	o := newTestOrchestrator(t, &handler.Result{
		Content:   "onwards",
		NextStage: workflow.StageModeling,
	}, nil)

	for _, status := range []workflow.Status{
		workflow.StatusCompleted, workflow.StatusError, workflow.StatusAbandoned,
	} {
		st := o.NewInitialState(workflow.StageDesign, nil)
		st.CompletedStages = []workflow.Stage{
			workflow.StageDiscovery, workflow.StageAnalysis, workflow.StageDesign,
		}
		st.Status = status

		_, err := o.ProcessQuery(context.Background(), Request{Query: "q", State: st})
		require.Error(t, err, "status %s must refuse further queries", status)
		assert.ErrorIs(t, err, ErrTerminalState)
	}
}

func TestProcessQuery_Purity(t *testing.T) {
	o := newTestOrchestrator(t, &handler.Result{Content: "a", NextStage: workflow.StageAnalysis}, nil)
	st := o.NewInitialState(workflow.StageDiscovery, map[string]any{"k": "v"})

	r1, err := o.ProcessQuery(context.Background(), Request{Query: "q", State: st.Clone()})
	require.NoError(t, err)
	r2, err := o.ProcessQuery(context.Background(), Request{Query: "q", State: st.Clone()})
	require.NoError(t, err)

	assert.Equal(t, r1.NextState.CurrentStage, r2.NextState.CurrentStage)
	assert.Equal(t, r1.NextState.Status, r2.NextState.Status)
	assert.Equal(t, r1.NextState.CompletedStages, r2.NextState.CompletedStages)
	require.Len(t, r2.NextState.History, len(r1.NextState.History))
	for i := range r1.NextState.History {
		assert.Equal(t, r1.NextState.History[i].Role, r2.NextState.History[i].Role)
		assert.Equal(t, r1.NextState.History[i].Content, r2.NextState.History[i].Content)
	}
}

func TestUpdateStage(t *testing.T) {
	o := newTestOrchestrator(t, &handler.Result{Content: "a"}, nil)
	st := o.NewInitialState(workflow.StageDiscovery, nil)

	next := o.UpdateStage(st, workflow.StageAnalysis, workflow.StatusCompleted)
	assert.Equal(t, workflow.StageAnalysis, next.CurrentStage)
	assert.Equal(t, workflow.StatusCompleted, next.Status)
	assert.Equal(t, []workflow.Stage{workflow.StageDiscovery}, next.CompletedStages)

	// Repeating the completed transition must not duplicate.
	again := o.UpdateStage(next, workflow.StageAnalysis, workflow.StatusCompleted)
	count := 0
	for _, s := range again.CompletedStages {
		if s == workflow.StageAnalysis {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestUpdateStage_EmptyStatusKeepsPrior(t *testing.T) {
	o := newTestOrchestrator(t, &handler.Result{Content: "a"}, nil)
	st := o.NewInitialState(workflow.StageDiscovery, nil)
	st.Status = workflow.StatusInProgress

	next := o.UpdateStage(st, workflow.StageDesign, "")
	assert.Equal(t, workflow.StatusInProgress, next.Status)
	assert.Empty(t, next.CompletedStages)
}

func TestIsComplete(t *testing.T) {
	o := newTestOrchestrator(t, &handler.Result{Content: "a"}, nil)
	st := o.NewInitialState(workflow.StageDiscovery, nil)

	assert.False(t, o.IsComplete(st))

	st.Status = workflow.StatusCompleted
	assert.True(t, o.IsComplete(st))

	st.Status = workflow.StatusError
	assert.True(t, o.IsComplete(st))

	st.Status = workflow.StatusAbandoned
	assert.False(t, o.IsComplete(st), "abandoned sessions are closed by the caller, not the workflow")
}
