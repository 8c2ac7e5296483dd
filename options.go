package orchestra

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	notifyURL       string
	configDir       string
	logger          *slog.Logger
	version         string
	providers       map[string]LLMProvider
	executionHooks  []ExecutionHook
	routeRegistrars []RouteRegistrar
	middlewares     []Middleware
}

// WithPort overrides the TCP port from config (ORCHESTRA_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when DatabaseURL points through a pooler — LISTEN/NOTIFY requires
// a direct (non-pooled) connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithConfigDir overrides the Configuration Registry's watched directory
// (CONFIG_DIR env var).
func WithConfigDir(dir string) Option {
	return func(o *resolvedOptions) { o.configDir = dir }
}

// WithLogger sets the structured logger for the App. If not set, the
// default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithProvider registers or replaces the LLM adapter bound to name (e.g.
// "anthropic", "openai", "bedrock", "ollama", or a custom name an
// AgentDescriptor's llm.provider field can reference).
func WithProvider(name string, p LLMProvider) Option {
	return func(o *resolvedOptions) {
		if o.providers == nil {
			o.providers = make(map[string]LLMProvider)
		}
		o.providers[name] = p
	}
}

// WithExecutionHook registers a hook to receive execution lifecycle
// notifications. Multiple hooks may be registered; all registered hooks
// receive every terminal-status transition.
func WithExecutionHook(hook ExecutionHook) Option {
	return func(o *resolvedOptions) { o.executionHooks = append(o.executionHooks, hook) }
}

// WithExtraRoutes registers additional routes on the shared HTTP mux.
// Multiple registrars may be registered; all are called in registration order.
func WithExtraRoutes(fn RouteRegistrar) Option {
	return func(o *resolvedOptions) { o.routeRegistrars = append(o.routeRegistrars, fn) }
}

// WithMiddleware registers an outermost HTTP middleware. Multiple
// middlewares may be registered, applied in registration order (the
// first-registered middleware is outermost).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
