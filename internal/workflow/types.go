package workflow

import "time"

// Stage identifies a phase in the engagement lifecycle.
type Stage string

const (
	// StageDiscovery gathers customer context and pain points.
	StageDiscovery Stage = "discovery"

	// StageAnalysis analyzes discovery data for opportunity fit.
	StageAnalysis Stage = "analysis"

	// StageDesign designs interventions addressing the findings.
	StageDesign Stage = "design"

	// StageModeling builds the financial model for the design.
	StageModeling Stage = "modeling"

	// StageComplete is the terminal stage once modeling is accepted.
	StageComplete Stage = "complete"
)

// Stages returns the lifecycle stages in execution order, terminal
// stage excluded.
func Stages() []Stage {
	return []Stage{StageDiscovery, StageAnalysis, StageDesign, StageModeling}
}

// Status is the coarse session state derived from workflow progress.
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
	StatusAbandoned  Status = "abandoned"
)

// Terminal reports whether no further stage advancement is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusAbandoned
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusInitiated, StatusInProgress, StatusCompleted, StatusError, StatusAbandoned:
		return true
	}
	return false
}

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one record in a session's conversation history.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Metadata carries bookkeeping for a State.
type Metadata struct {
	StartedAt     time.Time `json:"started_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	ErrorCount    int       `json:"error_count"`
	RetryCount    int       `json:"retry_count"`
}

// ContextKeyLastError and friends are the well-known keys the
// orchestrator writes into State.Context.
const (
	ContextKeyLastError      = "lastError"
	ContextKeyErrorTimestamp = "errorTimestamp"
	ContextKeyCompanyProfile = "companyProfile"
)
