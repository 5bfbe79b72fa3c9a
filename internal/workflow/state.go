package workflow

import "time"

// State is the persisted snapshot of one session's progress.
//
// State values are immutable by convention: helpers return a new State
// and never modify the receiver's nested collections. Callers that
// need to change a State go through Clone or the With* helpers.
type State struct {
	CurrentStage Stage  `json:"current_stage"`
	Status       Status `json:"status"`

	// CompletedStages holds finished stages in completion order.
	// A stage appears at most once.
	CompletedStages []Stage `json:"completed_stages"`

	// Context is free-form accumulated knowledge keyed by well-known
	// names (company profile, last error). Conversation history is
	// kept separately so it stays strongly typed.
	Context map[string]any `json:"context"`

	// History is the append-only conversation transcript.
	History []Message `json:"history"`

	Metadata Metadata `json:"metadata"`

	// Version is the optimistic-concurrency revision assigned by the
	// store on save. Zero means never persisted.
	Version uint64 `json:"version"`
}

// NewState returns an initiated State positioned at stage, with
// Context seeded from initialContext (copied, not aliased).
func NewState(stage Stage, initialContext map[string]any) State {
	now := time.Now().UTC()
	ctx := make(map[string]any, len(initialContext))
	for k, v := range initialContext {
		ctx[k] = v
	}
	return State{
		CurrentStage:    stage,
		Status:          StatusInitiated,
		CompletedStages: []Stage{},
		Context:         ctx,
		History:         []Message{},
		Metadata: Metadata{
			StartedAt:     now,
			LastUpdatedAt: now,
		},
	}
}

// Clone returns a deep copy of s. Nested collections are re-allocated;
// Context values are copied by reference, which is safe because the
// orchestrator only ever replaces values, never mutates them in place.
func (s State) Clone() State {
	out := s
	out.CompletedStages = append([]Stage(nil), s.CompletedStages...)
	out.History = append([]Message(nil), s.History...)
	out.Context = make(map[string]any, len(s.Context))
	for k, v := range s.Context {
		out.Context[k] = v
	}
	return out
}

// HasCompleted reports whether stage is already recorded as finished.
func (s State) HasCompleted(stage Stage) bool {
	for _, c := range s.CompletedStages {
		if c == stage {
			return true
		}
	}
	return false
}

// WithStageCompleted returns a copy of s with stage appended to
// CompletedStages. Appending is idempotent: a stage already present is
// not duplicated.
func (s State) WithStageCompleted(stage Stage) State {
	out := s.Clone()
	if stage != "" && !out.HasCompleted(stage) {
		out.CompletedStages = append(out.CompletedStages, stage)
	}
	return out
}

// WithMessages returns a copy of s with msgs appended to the history
// and LastUpdatedAt refreshed.
func (s State) WithMessages(msgs ...Message) State {
	out := s.Clone()
	out.History = append(out.History, msgs...)
	out.Metadata.LastUpdatedAt = time.Now().UTC()
	return out
}

// WithContextValue returns a copy of s with key set in Context.
func (s State) WithContextValue(key string, value any) State {
	out := s.Clone()
	out.Context[key] = value
	return out
}

// Touch returns a copy of s with LastUpdatedAt refreshed.
func (s State) Touch() State {
	out := s.Clone()
	out.Metadata.LastUpdatedAt = time.Now().UTC()
	return out
}

// Progress returns the percentage of totalStages finished, rounded to
// the nearest integer and clamped to [0, 100]. When totalStages is not
// positive the lifecycle stage count is used, so callers that do not
// care get a stable denominator derived from the stage graph.
func (s State) Progress(totalStages int) int {
	if totalStages <= 0 {
		totalStages = len(Stages())
	}
	p := int(float64(len(s.CompletedStages))/float64(totalStages)*100 + 0.5)
	if p > 100 {
		p = 100
	}
	return p
}
