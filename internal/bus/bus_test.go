package bus_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/orbitfleet/orchestra/internal/bus"
	"github.com/orbitfleet/orchestra/internal/model"
	"github.com/orbitfleet/orchestra/internal/storage"
)

var testPool *pgxpool.Pool
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

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}
	dsn := fmt.Sprintf("postgres://orchestra:orchestra@%s:%s/orchestra?sslmode=disable", host, port.Port())

	testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	db, err := storage.New(ctx, dsn, "", testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create DB: %v\n", err)
		os.Exit(1)
	}
	if err := db.RunMigrations(ctx, os.DirFS("../../migrations")); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run migrations: %v\n", err)
		os.Exit(1)
	}
	testPool = db.Pool()

	code := m.Run()

	_ = container.Terminate(ctx)
	os.Exit(code)
}

func newTestEvent(t *testing.T, eventType string) model.TaskEvent {
	t.Helper()
	ev, err := model.NewTaskEvent(eventType, model.NewTraceID(), map[string]any{"hello": "world"})
	require.NoError(t, err)
	return ev
}

func TestBus_PublishSubscribeAck(t *testing.T) {
	b := bus.New(testPool, testLogger)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var received int32
	var wg sync.WaitGroup
	wg.Add(1)
	stop, err := b.Subscribe(ctx, "pool.autonomous.test1", []string{"autonomous.#"}, func(ctx context.Context, ev model.TaskEvent) error {
		atomic.AddInt32(&received, 1)
		wg.Done()
		return nil
	}, bus.SubscribeOptions{PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	defer stop()

	require.NoError(t, b.Publish(ctx, "autonomous.task.submitted", newTestEvent(t, "autonomous.task.submitted"), true))

	waitOrTimeout(t, &wg, 5*time.Second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&received))
}

func TestBus_RetryThenDLQ(t *testing.T) {
	b := bus.New(testPool, testLogger)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	// max_retries=3: the handler must see the initial delivery plus 3
	// redeliveries (backoff 1s, 2s, 4s) before the 4th failure is
	// dead-lettered, per spec.md §8's retry sequence.
	var attempts int32
	var wg sync.WaitGroup
	wg.Add(1)
	stop, err := b.Subscribe(ctx, "pool.autonomous.test2", []string{"autonomous.#"}, func(ctx context.Context, ev model.TaskEvent) error {
		n := atomic.AddInt32(&attempts, 1)
		if n >= 4 {
			wg.Done()
		}
		return bus.Retryable(fmt.Errorf("handler always fails"))
	}, bus.SubscribeOptions{PollInterval: 10 * time.Millisecond, MaxRetries: 3})
	require.NoError(t, err)
	defer stop()

	ev := newTestEvent(t, "autonomous.task.submitted")
	ev.MaxRetries = 3
	require.NoError(t, b.Publish(ctx, "autonomous.task.submitted", ev, true))

	waitOrTimeout(t, &wg, 15*time.Second)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(4))

	require.Eventually(t, func() bool {
		var deadLettered bool
		err := testPool.QueryRow(ctx,
			`SELECT dead_letter FROM bus_messages WHERE event_id = $1`, ev.EventID,
		).Scan(&deadLettered)
		return err == nil && deadLettered
	}, 10*time.Second, 50*time.Millisecond, "message should be dead-lettered after exhausting retries")

	// spec.md §8: for all messages in a DLQ, retry_count == max_retries.
	var retryCount int
	require.NoError(t, testPool.QueryRow(ctx,
		`SELECT retry_count FROM bus_messages WHERE event_id = $1`, ev.EventID,
	).Scan(&retryCount))
	assert.Equal(t, ev.MaxRetries, retryCount)
}

func TestBus_FatalErrorSkipsRetryAndPublishesFailure(t *testing.T) {
	b := bus.New(testPool, testLogger)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var handled int32
	var failureSeen int32
	var wg sync.WaitGroup
	wg.Add(2)

	_, err := b.Subscribe(ctx, "pool.autonomous.test3", []string{"autonomous.#"}, func(ctx context.Context, ev model.TaskEvent) error {
		if ev.EventType == "autonomous.task.failed" {
			atomic.AddInt32(&failureSeen, 1)
			wg.Done()
			return nil
		}
		atomic.AddInt32(&handled, 1)
		wg.Done()
		return bus.Fatal(fmt.Errorf("unrecoverable"))
	}, bus.SubscribeOptions{PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "autonomous.task.submitted", newTestEvent(t, "autonomous.task.submitted"), true))

	waitOrTimeout(t, &wg, 8*time.Second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&handled))
	assert.Equal(t, int32(1), atomic.LoadInt32(&failureSeen))
}

func TestBus_QueueMaxLengthRejectsPublish(t *testing.T) {
	b := bus.New(testPool, testLogger)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := b.Subscribe(ctx, "pool.autonomous.test4", []string{"autonomous.overflow"}, func(ctx context.Context, ev model.TaskEvent) error {
		<-ctx.Done()
		return ctx.Err()
	}, bus.SubscribeOptions{QueueMaxLen: 1, Prefetch: 1, PollInterval: time.Hour})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "autonomous.overflow", newTestEvent(t, "autonomous.overflow"), true))
	err = b.Publish(ctx, "autonomous.overflow", newTestEvent(t, "autonomous.overflow"), true)
	require.Error(t, err)
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for handler invocations")
	}
}
