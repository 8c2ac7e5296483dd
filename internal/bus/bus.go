package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/orbitfleet/orchestra/internal/model"
	"github.com/orbitfleet/orchestra/internal/telemetry"
)

// Handler processes one TaskEvent. Return nil to acknowledge, bus.Retryable(err)
// to negative-ack with backoff, or bus.Fatal(err) to acknowledge and publish
// a synthetic "<scope>.task.failed" event.
type Handler func(ctx context.Context, event model.TaskEvent) error

// backoffSeconds is the exponential backoff sequence indexed by retry_count,
// per spec.md §4.2: min(1,2,4,8,16) s.
var backoffSeconds = []int{1, 2, 4, 8, 16}

func backoffFor(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(backoffSeconds) {
		retryCount = len(backoffSeconds) - 1
	}
	return time.Duration(backoffSeconds[retryCount]) * time.Second
}

// SubscribeOptions configures one consumer (spec.md §4.2).
type SubscribeOptions struct {
	Prefetch     int  // concurrency-bounded consumer; default 1.
	EnableDLQ    bool // not consulted: exhausted messages always move to dlq.<queue_name>.
	MaxRetries   int  // default 3.
	QueueMaxLen  int  // backpressure threshold for Publish; default 10000.
	PollInterval time.Duration
}

func (o *SubscribeOptions) applyDefaults() {
	if o.Prefetch <= 0 {
		o.Prefetch = 1
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.QueueMaxLen <= 0 {
		o.QueueMaxLen = 10000
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
}

type binding struct {
	queueName string
	patterns  []string
	opts      SubscribeOptions
}

// Bus is a durable, topic-routed message broker backed by Postgres. It
// realizes the Dispatch Bus contract (spec.md §4.2) without speaking AMQP:
// publish inserts rows into bus_messages for every bound queue whose pattern
// set matches the routing key; each Subscribe call starts a poll-lock-process
// consumer loop over FOR UPDATE SKIP LOCKED. Publish also issues one
// pg_notify per target queue, but the consumer loops do not LISTEN for it:
// new rows are picked up on the next poll tick.
type Bus struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu       sync.RWMutex
	bindings []binding

	wg      sync.WaitGroup
	started atomic.Bool
}

// New creates a Bus over the given pool. The bus_messages table must already
// exist; the caller's migration runner creates it.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Bus {
	return &Bus{pool: pool, logger: logger}
}

// Publish serializes event as JSON and inserts one durable row per bound
// queue whose pattern set matches topic. It returns only after the insert
// transaction commits (spec.md §4.2's publisher-confirms requirement).
// persistent is accepted for contract parity; every row in bus_messages is
// durable by construction, so persistent=false has no effect beyond intent
// documentation at call sites.
func (b *Bus) Publish(ctx context.Context, topic string, event model.TaskEvent, persistent bool) error {
	_ = persistent

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("bus: marshal event: %w", err)
	}

	b.mu.RLock()
	var targets []binding
	for _, bd := range b.bindings {
		for _, p := range bd.patterns {
			if MatchPattern(p, topic) {
				targets = append(targets, bd)
				break
			}
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		b.logger.Debug("bus: publish with no bound consumers", "topic", topic, "event_id", event.EventID)
		return nil
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("bus: begin publish tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, t := range targets {
		if t.opts.QueueMaxLen > 0 {
			var depth int
			if err := tx.QueryRow(ctx,
				`SELECT count(*) FROM bus_messages WHERE queue_name = $1 AND dead_letter = false`,
				t.queueName,
			).Scan(&depth); err != nil {
				return fmt.Errorf("bus: check queue depth: %w", err)
			}
			if depth >= t.opts.QueueMaxLen {
				return fmt.Errorf("bus: queue %s at capacity (%d): %w", t.queueName, depth, model.ErrDependencyUnavailable)
			}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO bus_messages (id, queue_name, routing_key, event_id, trace_id, priority, retry_count, max_retries, payload, dead_letter, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false, now())`,
			uuid.New(), t.queueName, topic, event.EventID, event.TraceID, event.Priority,
			event.RetryCount, event.MaxRetries, payload,
		); err != nil {
			return fmt.Errorf("bus: insert message for queue %s: %w", t.queueName, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("bus: commit publish: %w", err)
	}

	if err := b.notify(ctx, targets); err != nil {
		b.logger.Warn("bus: notify wakeup failed (consumers will still poll)", "error", err)
	}
	return nil
}

func (b *Bus) notify(ctx context.Context, targets []binding) error {
	seen := make(map[string]bool)
	for _, t := range targets {
		if seen[t.queueName] {
			continue
		}
		seen[t.queueName] = true
		if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, 'wake')`, notifyChannel(t.queueName)); err != nil {
			return err
		}
	}
	return nil
}

func notifyChannel(queueName string) string {
	// Postgres channel identifiers cannot contain dots; queue names may
	// (agent.<name>.continuous), so encode with underscores.
	out := make([]byte, 0, len(queueName)+6)
	out = append(out, "bus_q_"...)
	for i := 0; i < len(queueName); i++ {
		c := queueName[i]
		if c == '.' || c == '-' {
			c = '_'
		}
		out = append(out, c)
	}
	return string(out)
}

// Subscribe declares a durable queue bound to every pattern in patterns and
// starts a concurrency-bounded consumer loop invoking handler for each
// message. It returns once the consumer goroutine(s) have started; call the
// returned stop function during shutdown to drain and stop polling.
func (b *Bus) Subscribe(ctx context.Context, queueName string, patterns []string, handler Handler, opts SubscribeOptions) (stop func(), err error) {
	opts.applyDefaults()

	b.mu.Lock()
	b.bindings = append(b.bindings, binding{queueName: queueName, patterns: patterns, opts: opts})
	b.mu.Unlock()

	b.registerDepthGauge(queueName)

	consumerCtx, cancel := context.WithCancel(ctx)
	sem := make(chan struct{}, opts.Prefetch)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.consumeLoop(consumerCtx, queueName, handler, opts, sem)
	}()

	return cancel, nil
}

// Wait blocks until every started consumer loop has exited (used by App
// shutdown to join background goroutines after their contexts are
// cancelled).
func (b *Bus) Wait() { b.wg.Wait() }

func (b *Bus) consumeLoop(ctx context.Context, queueName string, handler Handler, opts SubscribeOptions, sem chan struct{}) {
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.poll(ctx, queueName, handler, opts, sem)
		}
	}
}

type message struct {
	ID         uuid.UUID
	RoutingKey string
	RetryCount int
	MaxRetries int
	Payload    []byte
}

func (b *Bus) poll(ctx context.Context, queueName string, handler Handler, opts SubscribeOptions, sem chan struct{}) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		b.logger.Error("bus: begin poll tx", "error", err, "queue", queueName)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, routing_key, retry_count, max_retries, payload
		 FROM bus_messages
		 WHERE queue_name = $1 AND dead_letter = false
		   AND (locked_until IS NULL OR locked_until < now())
		 ORDER BY priority DESC, created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		queueName, opts.Prefetch,
	)
	if err != nil {
		b.logger.Error("bus: select pending", "error", err, "queue", queueName)
		return
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		b.logger.Error("bus: scan messages", "error", err, "queue", queueName)
		return
	}
	if len(msgs) == 0 {
		return
	}

	ids := make([]uuid.UUID, len(msgs))
	for i, m := range msgs {
		ids[i] = m.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE bus_messages SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`, ids,
	); err != nil {
		b.logger.Error("bus: lock messages", "error", err, "queue", queueName)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		b.logger.Error("bus: commit lock", "error", err, "queue", queueName)
		return
	}

	var wg sync.WaitGroup
	for _, m := range msgs {
		m := m
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			b.process(ctx, queueName, handler, opts, m)
		}()
	}
	wg.Wait()
}

func (b *Bus) process(ctx context.Context, queueName string, handler Handler, opts SubscribeOptions, m message) {
	var event model.TaskEvent
	if err := json.Unmarshal(m.Payload, &event); err != nil {
		b.logger.Error("bus: unmarshal event, dead-lettering", "error", err, "queue", queueName)
		b.deadLetter(ctx, queueName, m, m.RetryCount, "unmarshal error: "+err.Error())
		return
	}

	err := handler(ctx, event)
	fatal, retryable := classify(err)

	switch {
	case err == nil:
		b.ack(ctx, m.ID)
	case fatal:
		b.ack(ctx, m.ID)
		b.publishFailed(ctx, queueName, event, err)
	case retryable:
		maxRetries := m.MaxRetries
		if maxRetries <= 0 {
			maxRetries = opts.MaxRetries
		}
		if m.RetryCount >= maxRetries {
			b.deadLetter(ctx, queueName, m, m.RetryCount, err.Error())
			b.publishFailed(ctx, queueName, event, err)
			return
		}
		b.requeue(ctx, m.ID, m.RetryCount+1, backoffFor(m.RetryCount))
	}
}

func (b *Bus) ack(ctx context.Context, id uuid.UUID) {
	if _, err := b.pool.Exec(ctx, `DELETE FROM bus_messages WHERE id = $1`, id); err != nil {
		b.logger.Error("bus: ack delete failed", "error", err, "message_id", id)
	}
}

func (b *Bus) requeue(ctx context.Context, id uuid.UUID, retryCount int, delay time.Duration) {
	if _, err := b.pool.Exec(ctx,
		`UPDATE bus_messages SET retry_count = $2, locked_until = now() + ($3 * interval '1 second') WHERE id = $1`,
		id, retryCount, delay.Seconds(),
	); err != nil {
		b.logger.Error("bus: requeue failed", "error", err, "message_id", id)
	}
}

// deadLetter routes m to dlq.<queue_name> preserving the failure reason in
// its header column, per spec.md §4.2 and §8's DLQ testable properties.
// retryCount is persisted alongside the move. process passes the
// pre-increment retry_count of the delivery that exhausted retries, so a
// dead-lettered row's retry_count equals its max_retries.
func (b *Bus) deadLetter(ctx context.Context, queueName string, m message, retryCount int, reason string) {
	dlqName := "dlq." + queueName
	if _, err := b.pool.Exec(ctx,
		`UPDATE bus_messages
		 SET queue_name = $2, dead_letter = true, failure_reason = $3, retry_count = $4, locked_until = NULL
		 WHERE id = $1`,
		m.ID, dlqName, reason, retryCount,
	); err != nil {
		b.logger.Error("bus: dead-letter failed", "error", err, "message_id", m.ID)
		return
	}
	b.logger.Warn("bus: message dead-lettered", "queue", queueName, "dlq", dlqName, "reason", reason)
}

func (b *Bus) publishFailed(ctx context.Context, queueName string, event model.TaskEvent, cause error) {
	scope := scopeOf(queueName)
	failed, err := event.Derive(scope+".task.failed", map[string]any{
		"error": cause.Error(),
	})
	if err != nil {
		b.logger.Error("bus: build failed event", "error", err)
		return
	}
	if err := b.Publish(ctx, failed.EventType, failed, true); err != nil {
		b.logger.Error("bus: publish failed event", "error", err)
	}
}

func scopeOf(queueName string) string {
	switch {
	case queueName == "pool.autonomous" || strings.HasPrefix(queueName, "pool.autonomous."):
		return "autonomous"
	case queueName == "pool.collaborative" || strings.HasPrefix(queueName, "pool.collaborative."):
		return "collaborative"
	case queueName == "scheduler.ticks":
		return "scheduled"
	default:
		return "continuous"
	}
}

func scanMessages(rows pgx.Rows) ([]message, error) {
	defer rows.Close()
	var out []message
	for rows.Next() {
		var m message
		if err := rows.Scan(&m.ID, &m.RoutingKey, &m.RetryCount, &m.MaxRetries, &m.Payload); err != nil {
			return nil, fmt.Errorf("bus: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// registerDepthGauge exposes queue and DLQ depth as OTEL observable gauges,
// the operator signal named in spec.md §7 ("Repeated failures surface via
// DLQ depth").
func (b *Bus) registerDepthGauge(queueName string) {
	meter := telemetry.Meter("orchestra/bus")
	_, _ = meter.Int64ObservableGauge("orchestra.bus.queue_depth",
		metric.WithDescription("Pending messages in a dispatch bus queue"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			if err := b.pool.QueryRow(ctx,
				`SELECT count(*) FROM bus_messages WHERE queue_name = $1 AND dead_letter = false`, queueName,
			).Scan(&count); err != nil {
				return nil
			}
			o.Observe(count, metric.WithAttributes())
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("orchestra.bus.dlq_depth",
		metric.WithDescription("Dead-lettered messages for a dispatch bus queue"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			if err := b.pool.QueryRow(ctx,
				`SELECT count(*) FROM bus_messages WHERE queue_name = $1 AND dead_letter = true`, "dlq."+queueName,
			).Scan(&count); err != nil {
				return nil
			}
			o.Observe(count, metric.WithAttributes())
			return nil
		}),
	)
}
