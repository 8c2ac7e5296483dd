package orchestrator_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/orbitfleet/orchestra/internal/bus"
	"github.com/orbitfleet/orchestra/internal/model"
	"github.com/orbitfleet/orchestra/internal/orchestrator"
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
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}
	host, _ := container.Host(ctx)
	port, _ := container.MappedPort(ctx, "5432")
	dsn := fmt.Sprintf("postgres://orchestra:orchestra@%s:%s/orchestra?sslmode=disable", host, port.Port())

	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
	testDB, err = storage.New(ctx, dsn, "", testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}
	if err := testDB.RunMigrations(ctx, os.DirFS("../../migrations")); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
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

func writeDescriptor(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

const autonomousDescriptor = `
name: triage-bot
mode: autonomous
system_prompt: "You triage bugs."
llm:
  provider: anthropic
  model: claude-3-5-sonnet
`

// countingDiscipline records every Activate call and lets tests simulate an
// activation failure via failNext.
type countingDiscipline struct {
	activations int32
	failNext    atomic.Bool
}

func (d *countingDiscipline) Activate(ctx context.Context, desc model.AgentDescriptor) (func(context.Context), error) {
	atomic.AddInt32(&d.activations, 1)
	if d.failNext.Load() {
		d.failNext.Store(false)
		return nil, fmt.Errorf("simulated activation failure")
	}
	return func(context.Context) {}, nil
}

func newTestOrchestrator(t *testing.T, dir string, secrets fakeSecrets) (*orchestrator.Orchestrator, *countingDiscipline, *storage.Store) {
	t.Helper()
	reg := registry.New(dir, secrets, false, testLogger)
	b := bus.New(testDB.Pool(), testLogger)
	store := storage.NewStore(testDB, testLogger, time.Minute)
	disc := &countingDiscipline{}

	o := orchestrator.New(reg, b, store, testLogger)
	o.RegisterDiscipline(model.ModeAutonomous, disc)
	return o, disc, store
}

func TestActivate_TransitionsToHealthy(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "triage.yaml", autonomousDescriptor)

	o, disc, _ := newTestOrchestrator(t, dir, fakeSecrets{"ANTHROPIC_API_KEY": "sk-test"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))

	require.Eventually(t, func() bool {
		r, ok := o.Get("triage-bot")
		return ok && r.Status == model.StatusHealthy
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&disc.activations))
}

func TestActivate_FailureRecordsReason(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "triage.yaml", autonomousDescriptor)

	o, disc, _ := newTestOrchestrator(t, dir, fakeSecrets{"ANTHROPIC_API_KEY": "sk-test"})
	disc.failNext.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))

	require.Eventually(t, func() bool {
		r, ok := o.Get("triage-bot")
		return ok && r.Status == model.StatusFailed
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSubmit_CreatesExecutionAndPublishes(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "triage.yaml", autonomousDescriptor)

	o, _, store := newTestOrchestrator(t, dir, fakeSecrets{"ANTHROPIC_API_KEY": "sk-test"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))
	require.Eventually(t, func() bool {
		r, ok := o.Get("triage-bot")
		return ok && r.Status == model.StatusHealthy
	}, 3*time.Second, 20*time.Millisecond)

	executionID, err := o.Submit(ctx, "triage-bot", map[string]any{"prompt": "hi"}, model.NewTraceID())
	require.NoError(t, err)

	rec, err := store.GetExecution(ctx, executionID.String())
	require.NoError(t, err)
	assert.Equal(t, model.ExecQueued, rec.Status)
}

func TestSubmit_UnknownAgentErrors(t *testing.T) {
	dir := t.TempDir()
	o, _, _ := newTestOrchestrator(t, dir, fakeSecrets{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))

	_, err := o.Submit(ctx, "ghost-agent", map[string]any{}, model.NewTraceID())
	require.Error(t, err)
}
