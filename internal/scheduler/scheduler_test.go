package scheduler_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitfleet/orchestra/internal/bus"
	"github.com/orbitfleet/orchestra/internal/model"
	"github.com/orbitfleet/orchestra/internal/orchestrator"
	"github.com/orbitfleet/orchestra/internal/provider"
	"github.com/orbitfleet/orchestra/internal/registry"
	"github.com/orbitfleet/orchestra/internal/scheduler"
	"github.com/orbitfleet/orchestra/internal/storage"
	"github.com/orbitfleet/orchestra/internal/testutil"
)

var testDB *storage.DB
var testLogger *slog.Logger

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	testLogger = testutil.TestLogger()
	db, err := tc.NewTestDB(context.Background(), testLogger)
	if err != nil {
		panic(err)
	}
	testDB = db

	os.Exit(m.Run())
}

type fakeSecrets map[string]string

func (f fakeSecrets) Lookup(name string) (string, bool) {
	v, ok := f[name]
	return v, ok && v != ""
}

// sleepyProvider sleeps past any reasonable timeout, so every call to
// Complete is expected to observe ctx cancellation rather than return.
type sleepyProvider struct {
	mu    sync.Mutex
	calls int
}

func (s *sleepyProvider) Name() string            { return "anthropic" }
func (s *sleepyProvider) CountTokens(t string) int { return len(t) }
func (s *sleepyProvider) Complete(ctx context.Context, req provider.CompletionRequest) (provider.CompletionResponse, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	select {
	case <-time.After(5 * time.Second):
		return provider.CompletionResponse{Text: "too slow"}, nil
	case <-ctx.Done():
		return provider.CompletionResponse{}, ctx.Err()
	}
}

const digestDescriptor = `
name: digest
mode: scheduled
system_prompt: "You produce a daily digest."
llm:
  provider: anthropic
  model: claude-3-5-sonnet
schedule_config:
  type: interval
  interval_seconds: 2
  timeout_seconds: 1
`

func setup(t *testing.T, llm provider.Provider) (*orchestrator.Orchestrator, *storage.Store, *bus.Bus) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "digest.yaml"), []byte(digestDescriptor), 0o644))

	reg := registry.New(dir, fakeSecrets{"ANTHROPIC_API_KEY": "sk-test"}, false, testLogger)
	b := bus.New(testDB.Pool(), testLogger)
	store := storage.NewStore(testDB, testLogger, time.Minute)
	providers := provider.NewRegistry()
	providers.Register("anthropic", llm)

	o := orchestrator.New(reg, b, store, testLogger)
	sched := scheduler.New(reg, b, store, o, providers, testLogger)
	o.RegisterDiscipline(model.ModeScheduled, sched)

	return o, store, b
}

// TestScheduler_IntervalTimeoutFiresRepeatedly mirrors spec.md's worked
// example: interval_seconds=2, timeout_seconds=1, an LLM stub that sleeps
// 5s, expecting at least two scheduled.task.<name>.timeout events and at
// least two provider calls within a 6-second window.
func TestScheduler_IntervalTimeoutFiresRepeatedly(t *testing.T) {
	stub := &sleepyProvider{}
	o, _, b := setup(t, stub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, o.Start(ctx))

	var mu sync.Mutex
	var timeouts []model.TaskEvent
	_, err := b.Subscribe(ctx, "test.scheduler.timeouts", []string{"scheduled.task.digest.timeout"}, func(ctx context.Context, ev model.TaskEvent) error {
		mu.Lock()
		timeouts = append(timeouts, ev)
		mu.Unlock()
		return nil
	}, bus.SubscribeOptions{Prefetch: 4})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(timeouts) >= 2
	}, 6*time.Second, 50*time.Millisecond)

	stub.mu.Lock()
	calls := stub.calls
	stub.mu.Unlock()
	assert.GreaterOrEqual(t, calls, 2)
}
