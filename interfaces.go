package orchestra

import (
	"context"
	"net/http"
)

// ExecutionHook receives async notifications when an execution reaches a
// terminal status (COMPLETED, FAILED, TIMEOUT, CANCELLED). Multiple hooks
// may be registered via multiple WithExecutionHook calls. Hook methods run
// in goroutines — they must not block indefinitely, and failures are
// logged, not surfaced to the originating execution.
type ExecutionHook interface {
	OnExecutionCompleted(ctx context.Context, exec Execution) error
	OnExecutionFailed(ctx context.Context, exec Execution) error
}

// RouteRegistrar registers additional routes on the shared HTTP mux.
// Extension routes share the mux, auth chain, and middleware stack with the
// built-in operator API. The function is called once during App.New, after
// the built-in routes are registered.
type RouteRegistrar func(mux *http.ServeMux, auth AuthHelper)

// AuthHelper provides role-gating middleware for use in a RouteRegistrar,
// so extension routes require the same operator roles as the built-in API
// without importing internal/server directly.
type AuthHelper interface {
	RequireRole(role Role) func(http.Handler) http.Handler
}

// Middleware wraps the root HTTP handler. Applied outermost — before
// routing and before auth — so it sees every request including /health.
// Multiple middlewares are applied in registration order (first-registered
// is outermost).
type Middleware func(http.Handler) http.Handler

// LLMProvider is the wire contract for an LLM vendor adapter. When supplied
// via WithProvider, it replaces or supplements the auto-detected
// Anthropic/OpenAI/Bedrock/Ollama adapters for the given provider name.
type LLMProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	CountTokens(text string) int
}
