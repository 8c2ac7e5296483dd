package continuous_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/orbitfleet/orchestra/internal/bus"
	"github.com/orbitfleet/orchestra/internal/continuous"
	"github.com/orbitfleet/orchestra/internal/model"
	"github.com/orbitfleet/orchestra/internal/orchestrator"
	"github.com/orbitfleet/orchestra/internal/provider"
	"github.com/orbitfleet/orchestra/internal/registry"
	"github.com/orbitfleet/orchestra/internal/storage"
)

var testDB *storage.DB
var testLogger *slog.Logger

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "orchestra",
			"POSTGRES_PASSWORD": "orchestra",
			"POSTGRES_DB":       "orchestra",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "container start: %v\n", err)
		os.Exit(1)
	}
	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "5432")
	dsn := fmt.Sprintf("postgres://orchestra:orchestra@%s:%s/orchestra?sslmode=disable", host, port.Port())

	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	testDB, err = storage.New(ctx, dsn, "", testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage.New: %v\n", err)
		os.Exit(1)
	}
	if err := testDB.RunMigrations(ctx, os.DirFS("../../migrations")); err != nil {
		fmt.Fprintf(os.Stderr, "migrations: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

type fakeSecrets map[string]string

func (f fakeSecrets) Lookup(name string) (string, bool) {
	v, ok := f[name]
	return v, ok && v != ""
}

type echoProvider struct{ calls int }

func (e *echoProvider) Name() string            { return "anthropic" }
func (e *echoProvider) CountTokens(t string) int { return len(t) }
func (e *echoProvider) Complete(ctx context.Context, req provider.CompletionRequest) (provider.CompletionResponse, error) {
	e.calls++
	last := req.Messages[len(req.Messages)-1]
	return provider.CompletionResponse{Text: "ack: " + last.Content, FinishReason: "stop"}, nil
}

const chatDescriptor = `
name: helpdesk
mode: continuous
system_prompt: "You are a helpdesk agent."
llm:
  provider: anthropic
  model: claude-3-5-sonnet
continuous_config:
  save_interval_seconds: 1
  max_conversation_history: 4
`

func setup(t *testing.T, stub *echoProvider) (*orchestrator.Orchestrator, *storage.Store, *bus.Bus) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "helpdesk.yaml"), []byte(chatDescriptor), 0o644))

	reg := registry.New(dir, fakeSecrets{"ANTHROPIC_API_KEY": "sk-test"}, false, testLogger)
	b := bus.New(testDB.Pool(), testLogger)
	store := storage.NewStore(testDB, testLogger, time.Minute)
	providers := provider.NewRegistry()
	providers.Register("anthropic", stub)

	o := orchestrator.New(reg, b, store, testLogger)
	runner := continuous.New(reg, b, store, o, providers, testLogger)
	o.RegisterDiscipline(model.ModeContinuous, runner)

	return o, store, b
}

func TestContinuousRunner_PersistsConversationAndPublishesResult(t *testing.T) {
	stub := &echoProvider{}
	o, store, b := setup(t, stub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))
	require.Eventually(t, func() bool {
		r, ok := o.Get("helpdesk")
		return ok && r.Status == model.StatusHealthy
	}, 3*time.Second, 20*time.Millisecond)

	collector := &resultCollector{}
	_, err := b.Subscribe(ctx, "test.continuous.results", []string{"continuous.result.helpdesk"}, func(ctx context.Context, ev model.TaskEvent) error {
		collector.add(ev)
		return nil
	}, bus.SubscribeOptions{Prefetch: 1})
	require.NoError(t, err)

	ev, err := model.NewTaskEvent("continuous.task.helpdesk", model.NewTraceID(), map[string]any{"message": "how do I reset my password"})
	require.NoError(t, err)
	ev.AgentName = "helpdesk"
	require.NoError(t, b.Publish(ctx, ev.EventType, ev, true))

	require.Eventually(t, func() bool {
		state, err := store.GetContinuous(ctx, "helpdesk")
		return err == nil && state.EventCount == 1
	}, 5*time.Second, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(collector.get()) == 1
	}, 5*time.Second, 50*time.Millisecond)
	results := collector.get()
	require.Len(t, results, 1)

	state, err := store.GetContinuous(ctx, "helpdesk")
	require.NoError(t, err)
	assert.Len(t, state.Conversation, 2)
	assert.Equal(t, "user", state.Conversation[0].Role)
	assert.Equal(t, "assistant", state.Conversation[1].Role)
}

type resultCollector struct {
	mu     sync.Mutex
	events []model.TaskEvent
}

func (c *resultCollector) add(ev model.TaskEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *resultCollector) get() []model.TaskEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.TaskEvent(nil), c.events...)
}
