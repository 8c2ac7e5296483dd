package orchestra

import "time"

// Role is an operator's RBAC role, mirrored from internal/auth without
// pulling that package's JWT machinery into the public API.
type Role string

const (
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Execution is the public view of one agent invocation's audit record —
// a curated projection of internal/model.ExecutionRecord for use in
// ExecutionHook, with no internal package imports.
type Execution struct {
	ExecutionID string
	AgentName   string
	TraceID     string
	Status      string
	SubmittedAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       *string
	Retries     int
}

// AgentSummary is a curated view of a running agent's registration, as
// returned by App.Agents.
type AgentSummary struct {
	Name          string
	Mode          string
	Status        string
	LastHeartbeat time.Time
	FailureReason string
}

// Message is one turn in a conversation submitted to an LLMProvider.
type Message struct {
	Role    string
	Content string
}

// CompletionRequest is the public shape of a single LLM call, mirroring
// internal/provider.CompletionRequest for use in a WithProvider override.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Temperature  float64
	MaxTokens    int
}

// CompletionResponse is the public shape of a single LLM call's result.
type CompletionResponse struct {
	Text         string
	FinishReason string
	PromptTokens int
	CompletionTokens int
}
