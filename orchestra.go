// Package orchestra is the public API for embedding the orchestration
// core: a Configuration Registry, Orchestrator, Dispatch Bus, State Store,
// and the four execution disciplines (autonomous pool, collaborative pool,
// continuous runner, scheduler) behind one operator HTTP surface.
//
// Deployers import this package to construct and extend the server without
// forking it:
//
//	app, err := orchestra.New(
//	    orchestra.WithVersion(version),
//	    orchestra.WithLogger(logger),
//	    orchestra.WithExecutionHook(myHook{}),
//	    orchestra.WithExtraRoutes(myRoutes),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: orchestra (root)
// imports internal/*, but internal/* never imports orchestra. Public types
// (Execution, AgentSummary, etc.) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package orchestra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/orbitfleet/orchestra/api"
	"github.com/orbitfleet/orchestra/internal/auth"
	"github.com/orbitfleet/orchestra/internal/bus"
	"github.com/orbitfleet/orchestra/internal/config"
	"github.com/orbitfleet/orchestra/internal/continuous"
	"github.com/orbitfleet/orchestra/internal/gateway/slack"
	"github.com/orbitfleet/orchestra/internal/model"
	"github.com/orbitfleet/orchestra/internal/orchestrator"
	"github.com/orbitfleet/orchestra/internal/pool/autonomous"
	"github.com/orbitfleet/orchestra/internal/pool/collaborative"
	"github.com/orbitfleet/orchestra/internal/provider"
	"github.com/orbitfleet/orchestra/internal/provider/anthropic"
	"github.com/orbitfleet/orchestra/internal/provider/bedrock"
	"github.com/orbitfleet/orchestra/internal/provider/ollama"
	"github.com/orbitfleet/orchestra/internal/provider/openai"
	"github.com/orbitfleet/orchestra/internal/ratelimit"
	"github.com/orbitfleet/orchestra/internal/registry"
	"github.com/orbitfleet/orchestra/internal/scheduler"
	"github.com/orbitfleet/orchestra/internal/server"
	"github.com/orbitfleet/orchestra/internal/storage"
	"github.com/orbitfleet/orchestra/internal/telemetry"
	"github.com/orbitfleet/orchestra/migrations"
)

// App is the orchestration core's lifecycle. Construct with New(), run with
// Run(). App has no public fields — use New() options to configure it.
type App struct {
	cfg     config.Config
	db      *storage.DB
	reg     *registry.Registry
	bus     *bus.Bus
	store   *storage.Store
	orch    *orchestrator.Orchestrator
	srv          *server.Server
	limiter      ratelimit.Limiter
	otelShutdown telemetry.Shutdown

	executionHooks []ExecutionHook
	logger         *slog.Logger
	version        string
}

// envSecrets resolves AgentDescriptor credential references directly from
// the process environment, the simplest SecretSource and the one the
// registry's own doc comment describes ("environment secrets").
type envSecrets struct{}

func (envSecrets) Lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	return v, ok && v != ""
}

// New initializes the orchestration core. It connects to the database, runs
// migrations, wires the registry/bus/store/orchestrator/disciplines, and
// returns a ready-to-run App. It does not accept HTTP connections or
// activate any agent descriptors — call Run(). The only goroutine it starts
// is the rate limiter's cleanup loop, when rate limiting is enabled.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.configDir != "" {
		cfg.ConfigDir = o.configDir
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("orchestra starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		db.Close(context.Background())
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("auth: %w", err)
	}

	reg := registry.New(cfg.ConfigDir, envSecrets{}, cfg.ConfigHotReload, logger)
	b := bus.New(db.Pool(), logger)
	store := storage.NewStore(db, logger, time.Minute)

	providers := newProviderRegistry(cfg, logger, o.providers)

	orch := orchestrator.New(reg, b, store, logger)
	orch.RegisterDiscipline(model.ModeAutonomous, autonomous.New(reg, b, store, orch, providers, logger))
	orch.RegisterDiscipline(model.ModeCollaborative, collaborative.New(reg, b, store, orch, providers, logger))
	orch.RegisterDiscipline(model.ModeContinuous, continuous.New(reg, b, store, orch, providers, logger))
	orch.RegisterDiscipline(model.ModeScheduled, scheduler.New(reg, b, store, orch, providers, logger))

	var slackGW *slack.Gateway
	if cfg.SlackSigningSecret != "" {
		slackGW = slack.New(b, cfg.SlackSigningSecret, logger)
		logger.Info("slack gateway: enabled")
	} else {
		logger.Info("slack gateway: disabled (no SLACK_SIGNING_SECRET)")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(float64(cfg.RateLimitRPS), cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	var extraRoutes []func(*http.ServeMux, server.RoleMiddlewareFn)
	for _, fn := range o.routeRegistrars {
		fn := fn
		extraRoutes = append(extraRoutes, func(mux *http.ServeMux, roleFn server.RoleMiddlewareFn) {
			fn(mux, &authHelperImpl{roleFn: roleFn})
		})
	}

	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		mw := mw
		middlewares = append(middlewares, func(h http.Handler) http.Handler { return mw(h) })
	}

	srv := server.New(server.Config{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RateLimiter:  limiter,
		ExtraRoutes:  extraRoutes,
		Middlewares:  middlewares,
		OpenAPISpec:  api.OpenAPISpec,
	}, orch, store, jwtMgr, slackGW, logger)

	return &App{
		cfg:            cfg,
		db:             db,
		reg:            reg,
		bus:            b,
		store:          store,
		orch:           orch,
		srv:            srv,
		limiter:        limiter,
		otelShutdown:   otelShutdown,
		executionHooks: o.executionHooks,
		logger:         logger,
		version:        version,
	}, nil
}

// executionHookQueue is the shared consumer queue for terminal-status
// notifications feeding ExecutionHook, mirroring the shared-queue pattern
// used by internal/pool/autonomous and internal/scheduler.
const executionHookQueue = "app.execution_hooks"

// Run activates every agent descriptor, starts the health supervisor and
// HTTP server, then blocks until ctx is cancelled; a listen failure is
// logged by the server and does not end Run. After ctx is cancelled, Run
// calls Shutdown itself — callers should not call Shutdown separately. If
// the orchestrator or the execution-hook subscription fails to start, Run
// returns that error without calling Shutdown.
func (a *App) Run(ctx context.Context) error {
	if err := a.orch.Start(ctx); err != nil {
		return fmt.Errorf("orchestrator start: %w", err)
	}

	if len(a.executionHooks) > 0 {
		if _, err := a.bus.Subscribe(ctx, executionHookQueue,
			[]string{"*.task.completed", "*.task.failed", "scheduled.task.#"},
			a.dispatchExecutionHooks, bus.SubscribeOptions{Prefetch: 8}); err != nil {
			return fmt.Errorf("execution hook subscribe: %w", err)
		}
	}

	a.srv.Start()

	<-ctx.Done()
	return a.Shutdown(context.Background())
}

// dispatchExecutionHooks resolves the terminal ExecutionRecord behind ev and
// fans it out to every registered ExecutionHook in a background goroutine,
// so a slow or failing hook never blocks the bus consumer's ack.
func (a *App) dispatchExecutionHooks(ctx context.Context, ev model.TaskEvent) error {
	if ev.ExecutionID == nil {
		return nil
	}
	rec, err := a.store.GetExecution(ctx, ev.ExecutionID.String())
	if err != nil {
		return nil // record not yet visible or already pruned; not worth retrying
	}
	if !rec.Status.IsTerminal() {
		return nil
	}

	exec := Execution{
		ExecutionID: rec.ExecutionID.String(),
		AgentName:   rec.AgentName,
		TraceID:     rec.TraceID.String(),
		Status:      string(rec.Status),
		SubmittedAt: rec.SubmittedAt,
		StartedAt:   rec.StartedAt,
		CompletedAt: rec.CompletedAt,
		Error:       rec.Error,
		Retries:     rec.Retries,
	}

	hooks := a.executionHooks
	logger := a.logger
	go func() {
		hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for _, h := range hooks {
			var err error
			if rec.Status == model.ExecCompleted {
				err = h.OnExecutionCompleted(hookCtx, exec)
			} else {
				err = h.OnExecutionFailed(hookCtx, exec)
			}
			if err != nil {
				logger.Warn("execution hook failed", "error", err, "execution_id", exec.ExecutionID)
			}
		}
	}()
	return nil
}

// Shutdown drains in-flight HTTP requests, stops every agent activation,
// and closes the database pool.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("orchestra shutting down")

	httpCtx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("http shutdown error", "error", err)
	}
	cancel()

	a.orch.Shutdown(ctx)
	_ = a.limiter.Close()
	a.db.Close(context.Background())
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}

	a.logger.Info("orchestra stopped")
	return nil
}

// Agents returns a curated snapshot of every currently registered agent.
func (a *App) Agents() []AgentSummary {
	regs := a.orch.List()
	out := make([]AgentSummary, 0, len(regs))
	for _, r := range regs {
		out = append(out, AgentSummary{
			Name:          r.Descriptor.Name,
			Mode:          string(r.Descriptor.Mode),
			Status:        string(r.Status),
			LastHeartbeat: r.LastHeartbeat,
			FailureReason: r.FailureReason,
		})
	}
	return out
}

// Submit routes payload to agentName's discipline, returning the minted
// execution and trace IDs. Equivalent to POST /v1/tasks.
func (a *App) Submit(ctx context.Context, agentName string, payload any) (Execution, error) {
	traceID := model.NewTraceID()
	executionID, err := a.orch.Submit(ctx, agentName, payload, traceID)
	if err != nil {
		return Execution{}, err
	}
	return Execution{
		ExecutionID: executionID.String(),
		AgentName:   agentName,
		TraceID:     traceID.String(),
		Status:      string(model.ExecQueued),
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// ── Adapters (defined here because this file imports both sides) ───────────

// authHelperImpl implements orchestra.AuthHelper using an internal
// server.RoleMiddlewareFn. Constructed in the route registrar adapter
// closure; bridges the public interface to the internal role-gating
// middleware without exposing internal/server to embedding code.
type authHelperImpl struct {
	roleFn server.RoleMiddlewareFn
}

func (a *authHelperImpl) RequireRole(role Role) func(http.Handler) http.Handler {
	return a.roleFn(auth.Role(role))
}

// providerAdapter wraps a public LLMProvider to satisfy internal/provider.Provider.
type providerAdapter struct {
	name string
	p    LLMProvider
}

func (a *providerAdapter) Name() string            { return a.name }
func (a *providerAdapter) CountTokens(t string) int { return a.p.CountTokens(t) }
func (a *providerAdapter) Complete(ctx context.Context, req provider.CompletionRequest) (provider.CompletionResponse, error) {
	msgs := make([]Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = Message{Role: m.Role, Content: m.Content}
	}
	resp, err := a.p.Complete(ctx, CompletionRequest{
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Messages:     msgs,
		Temperature:  req.Temperature,
		MaxTokens:    req.MaxTokens,
	})
	if err != nil {
		return provider.CompletionResponse{}, err
	}
	return provider.CompletionResponse{
		Text:         resp.Text,
		FinishReason: resp.FinishReason,
		Usage: provider.Usage{
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
		},
	}, nil
}

// newProviderRegistry auto-detects LLM adapters from configured credentials,
// then applies any WithProvider overrides last so they always win.
func newProviderRegistry(cfg config.Config, logger *slog.Logger, overrides map[string]LLMProvider) *provider.Registry {
	reg := provider.NewRegistry()

	if cfg.AnthropicAPIKey != "" {
		reg.Register("anthropic", anthropic.New(cfg.AnthropicAPIKey))
		logger.Info("llm provider: anthropic enabled")
	}
	if cfg.OpenAIAPIKey != "" {
		reg.Register("openai", openai.New(cfg.OpenAIAPIKey, ""))
		logger.Info("llm provider: openai enabled")
	}
	if cfg.OllamaURL != "" {
		reg.Register("ollama", ollama.New(cfg.OllamaURL))
		logger.Info("llm provider: ollama enabled", "url", cfg.OllamaURL)
	}
	if cfg.AWSRegion != "" {
		if adapter, err := bedrock.New(context.Background(), cfg.AWSRegion, "", ""); err != nil {
			logger.Warn("llm provider: bedrock init failed, skipping", "error", err)
		} else {
			reg.Register("bedrock", adapter)
			logger.Info("llm provider: bedrock enabled", "region", cfg.AWSRegion)
		}
	}

	for name, p := range overrides {
		reg.Register(name, &providerAdapter{name: name, p: p})
		logger.Info("llm provider: override registered", "provider", name)
	}

	return reg
}
