package handler

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/outcomelabs/flowd/internal/workflow"
)

// nextStageMarker is the directive line handlers emit to request a
// stage transition, e.g. "NEXT_STAGE: analysis".
const nextStageMarker = "NEXT_STAGE:"

// maxHistoryMessages bounds how much transcript is replayed to the
// model per invocation.
const maxHistoryMessages = 20

// systemPrompts gives each named handler its role. The shared suffix
// teaches the transition directive.
var systemPrompts = map[string]string{
	NameDiscovery:          "You are the discovery agent. Elicit the customer's situation, pain points, and goals.",
	NameAnalysis:           "You are the analysis agent. Assess discovery findings for opportunity fit and gaps.",
	NameInterventionDesign: "You are the intervention design agent. Propose concrete interventions for the identified problems.",
	NameFinancialModeling:  "You are the financial modeling agent. Quantify ROI, costs, and value realization timelines.",
	NameSystemMapping:      "You are the system mapping agent. Map the customer's processes, systems, and interdependencies.",
	NameOutcomeEngineering: "You are the outcome engineering agent. Define measurable outcomes and the KPIs that track them.",
	NameCoordinator:        "You are the engagement coordinator. Answer general questions and guide the customer to the right specialist.",
}

const promptSuffix = "\nWhen the current stage is fully resolved, end your reply with a line 'NEXT_STAGE: <stage>' naming the stage to advance to. Otherwise do not emit that line."

// LLMConfig configures the LLM-backed invoker.
type LLMConfig struct {
	// BaseURL of an OpenAI-compatible endpoint. Empty uses the
	// OpenAI default.
	BaseURL string

	// Model name passed to the endpoint.
	Model string

	// APIKey for the endpoint.
	APIKey string

	// RequestsPerSecond rate-limits invocations (default: 5).
	RequestsPerSecond float64
}

// LLMInvoker satisfies Invoker by delegating each handler name to a
// chat model with a handler-specific system prompt. A nil prompt table
// entry falls back to the coordinator prompt.
type LLMInvoker struct {
	model   llms.Model
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewLLMInvoker creates an invoker against an OpenAI-compatible
// endpoint.
func NewLLMInvoker(cfg LLMConfig, logger *zap.Logger) (*LLMInvoker, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	opts := []openai.Option{openai.WithToken(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Model != "" {
		opts = append(opts, openai.WithModel(cfg.Model))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create llm client: %w", err)
	}
	return NewLLMInvokerWithModel(model, cfg, logger), nil
}

// NewLLMInvokerWithModel creates an invoker around an existing model.
// Used by tests to substitute a fake.
func NewLLMInvokerWithModel(model llms.Model, cfg LLMConfig, logger *zap.Logger) *LLMInvoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	return &LLMInvoker{
		model:   model,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
	}
}

// Invoke implements Invoker.
func (l *LLMInvoker) Invoke(ctx context.Context, name, query string, ic InvocationContext) (*Result, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	prompt, ok := systemPrompts[name]
	if !ok {
		prompt = systemPrompts[NameCoordinator]
	}

	msgs := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, prompt+promptSuffix),
	}
	if ic.CompanyProfile != nil {
		msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeSystem,
			fmt.Sprintf("Company profile: %v", ic.CompanyProfile)))
	}
	history := ic.History
	if len(history) > maxHistoryMessages {
		history = history[len(history)-maxHistoryMessages:]
	}
	for _, m := range history {
		role := llms.ChatMessageTypeHuman
		if m.Role == workflow.RoleAssistant {
			role = llms.ChatMessageTypeAI
		}
		msgs = append(msgs, llms.TextParts(role, m.Content))
	}
	msgs = append(msgs, llms.TextParts(llms.ChatMessageTypeHuman, query))

	resp, err := l.model.GenerateContent(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("model returned no choices")
	}

	content, nextStage := extractNextStage(resp.Choices[0].Content)

	l.logger.Debug("llm handler responded",
		zap.String("handler", name),
		zap.String("session_id", ic.SessionID),
		zap.String("next_stage", string(nextStage)),
	)

	return &Result{
		Content:   content,
		NextStage: nextStage,
		Type:      TypeMessage,
	}, nil
}

// extractNextStage strips a trailing NEXT_STAGE directive from the
// model output and returns the cleaned content plus the requested
// stage. Unknown stage names are ignored.
func extractNextStage(content string) (string, workflow.Stage) {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	if len(lines) == 0 {
		return content, ""
	}
	last := strings.TrimSpace(lines[len(lines)-1])
	if !strings.HasPrefix(last, nextStageMarker) {
		return content, ""
	}
	name := strings.TrimSpace(strings.TrimPrefix(last, nextStageMarker))
	stage := workflow.Stage(strings.ToLower(name))
	switch stage {
	case workflow.StageDiscovery, workflow.StageAnalysis, workflow.StageDesign,
		workflow.StageModeling, workflow.StageComplete:
		return strings.TrimRight(strings.Join(lines[:len(lines)-1], "\n"), "\n"), stage
	}
	return content, ""
}
