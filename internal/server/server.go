package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/orbitfleet/orchestra/internal/auth"
	"github.com/orbitfleet/orchestra/internal/gateway/slack"
	"github.com/orbitfleet/orchestra/internal/orchestrator"
	"github.com/orbitfleet/orchestra/internal/ratelimit"
	"github.com/orbitfleet/orchestra/internal/storage"
)

// RoleMiddlewareFn is the exported shape of requireRole, letting extension
// routes registered via ExtraRoutes share the built-in role-gating without
// importing this package's unexported middleware directly.
type RoleMiddlewareFn func(min auth.Role) func(http.Handler) http.Handler

// Config carries the settings server.New needs beyond its collaborators.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// RateLimiter gates requests by operator ID (or remote address when
	// unauthenticated). Defaults to ratelimit.NoopLimiter when nil.
	RateLimiter ratelimit.Limiter

	// ExtraRoutes lets embedding code register additional routes on the same
	// mux, after the built-in ones, sharing the same middleware chain.
	ExtraRoutes []func(*http.ServeMux, RoleMiddlewareFn)

	// Middlewares wrap the whole handler, outermost first, ahead of the
	// built-in recovery/auth/logging chain.
	Middlewares []func(http.Handler) http.Handler

	// OpenAPISpec, when non-nil, is served at GET /openapi.yaml. Callers pass
	// api.OpenAPISpec — this package does not import api itself, since api's
	// only purpose is embedding the file for whoever wires it in.
	OpenAPISpec []byte
}

// Server is the operator-facing HTTP surface: the submission/cancel contract
// from spec.md §6, a health endpoint, and the mounted Slack gateway webhook.
type Server struct {
	// Handler is the fully wrapped mux, exported so callers (and tests) can
	// drive it directly with httptest.NewServer instead of binding a port.
	Handler http.Handler

	httpServer  *http.Server
	orch        *orchestrator.Orchestrator
	store       *storage.Store
	jwtMgr      *auth.JWTManager
	slackGW     *slack.Gateway
	logger      *slog.Logger
	openAPISpec []byte
}

// New builds a Server and wires its routes and middleware chain. slackGW may
// be nil when no Slack signing secret is configured, in which case the
// webhook route responds 404.
func New(cfg Config, orch *orchestrator.Orchestrator, store *storage.Store, jwtMgr *auth.JWTManager, slackGW *slack.Gateway, logger *slog.Logger) *Server {
	limiter := cfg.RateLimiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	s := &Server{orch: orch, store: store, jwtMgr: jwtMgr, slackGW: slackGW, logger: logger, openAPISpec: cfg.OpenAPISpec}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/tasks", s.handleSubmit)
	mux.HandleFunc("POST /v1/tasks/{execution_id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /v1/tasks/{execution_id}", s.handleGetExecution)
	mux.HandleFunc("POST /gateway/slack/events", s.handleSlackEvents)
	if cfg.OpenAPISpec != nil {
		mux.HandleFunc("GET /openapi.yaml", s.handleOpenAPISpec)
	}
	for _, register := range cfg.ExtraRoutes {
		register(mux, requireRole)
	}

	publicPaths := map[string]bool{
		"/health":               true,
		"/gateway/slack/events": true,
		"/openapi.yaml":         true,
	}

	// Composed outside-in: recovery, then request ID, then logging, then
	// auth (populates operator claims), then rate limiting keyed on those
	// claims, closest to the mux.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(limiter, handler)
	handler = func(next http.Handler) http.Handler {
		return authMiddleware(jwtMgr, publicPaths, next)
	}(handler)
	handler = loggingMiddleware(logger, handler)
	handler = requestIDMiddleware(handler)
	handler = recoveryMiddleware(logger, handler)
	for i := len(cfg.Middlewares) - 1; i >= 0; i-- {
		handler = cfg.Middlewares[i](handler)
	}

	s.Handler = handler
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start begins serving in a background goroutine, returning immediately.
// Bind errors surfacing after startup are logged, not returned, matching the
// teacher's fire-and-log pattern for a long-running listener.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server: listen failed", "error", err)
		}
	}()
}

// Shutdown gracefully drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
