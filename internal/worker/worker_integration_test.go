package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/convoy/internal/budget"
	"github.com/yourorg/convoy/internal/domain"
	"github.com/yourorg/convoy/internal/idempotency"
	"github.com/yourorg/convoy/internal/outbox"
	"github.com/yourorg/convoy/internal/registry"
	"github.com/yourorg/convoy/internal/retry"
	"github.com/yourorg/convoy/internal/testutil"
)

type harness struct {
	pool   *pgxpool.Pool
	kv     *testutil.KV
	queue  *outbox.Queue
	guard  *idempotency.Guard
	ledger *budget.Ledger
	reg    *registry.Registry
	worker *Worker
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pool := testutil.StartPostgres(t)
	kv := testutil.NewKV()

	queue := outbox.New(pool,
		outbox.WithMaxRetries(5),
		outbox.WithLogger(logger),
	)
	guard := idempotency.NewGuard(kv, idempotency.WithLogger(logger))
	ledger := budget.NewLedger(kv, budget.WithLogger(logger))
	policy := retry.NewPolicy(retry.Config{
		MaxAttempts:       5,
		PermanentCodes:    []string{"validation_failed"},
		BackoffInitial:    10 * time.Millisecond,
		BackoffMultiplier: 2,
		BackoffMax:        100 * time.Millisecond,
	})
	reg := registry.New()

	h := &harness{
		pool:   pool,
		kv:     kv,
		queue:  queue,
		guard:  guard,
		ledger: ledger,
		reg:    reg,
	}
	h.worker = New(uuid.New(), queue, guard, ledger, policy, reg, logger, cfg)
	return h
}

func (h *harness) enqueue(t *testing.T, aggregateID, eventType string, payload string) int64 {
	t.Helper()
	id, err := h.queue.Enqueue(context.Background(), nil, outbox.Entry{
		AggregateType: "run",
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       []byte(payload),
	})
	require.NoError(t, err)
	return id
}

func (h *harness) itemRow(t *testing.T, id int64) (processed bool, dead bool, retryCount int) {
	t.Helper()
	var processedAt, deadAt *time.Time
	err := h.pool.QueryRow(context.Background(), `
		SELECT processed_at, dead_at, retry_count FROM outbox WHERE id = $1`, id,
	).Scan(&processedAt, &deadAt, &retryCount)
	require.NoError(t, err)
	return processedAt != nil, deadAt != nil, retryCount
}

func TestProcessOnceExecutesAndCommits(t *testing.T) {
	h := newHarness(t, Config{BudgetCeiling: 1000})
	ctx := context.Background()

	var executions atomic.Int64
	h.reg.Register("step.execute", func(ctx context.Context, item domain.WorkItem, params retry.StepParams) (domain.Outcome, error) {
		executions.Add(1)
		return domain.Outcome{
			Kind:      domain.OutcomeCompleted,
			Result:    []byte(`{"ok":true}`),
			CostUnits: 7,
		}, nil
	})

	id := h.enqueue(t, "run-1", "step.execute", `{"cost_units":7}`)

	processed, err := h.worker.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, int64(1), executions.Load())

	done, dead, _ := h.itemRow(t, id)
	assert.True(t, done)
	assert.False(t, dead)

	// The declared cost was charged to the item's scope.
	usage, err := h.ledger.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), usage)

	// Idle queue reports no work.
	processed, err = h.worker.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.False(t, processed)
}

// Idempotent replay: the same unit of work enqueued twice executes once; the
// second item commits from the cached result.
func TestDuplicateUnitOfWorkExecutesOnce(t *testing.T) {
	h := newHarness(t, Config{BudgetCeiling: 1000})
	ctx := context.Background()

	var executions atomic.Int64
	h.reg.Register("step.execute", func(ctx context.Context, item domain.WorkItem, params retry.StepParams) (domain.Outcome, error) {
		executions.Add(1)
		return domain.Outcome{Kind: domain.OutcomeCompleted, Result: []byte(`{"n":1}`)}, nil
	})

	first := h.enqueue(t, "run-1", "step.execute", `{}`)
	second := h.enqueue(t, "run-1", "step.execute", `{}`)

	for i := 0; i < 2; i++ {
		_, err := h.worker.ProcessOnce(ctx)
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), executions.Load(), "side effect must occur exactly once")
	for _, id := range []int64{first, second} {
		done, dead, _ := h.itemRow(t, id)
		assert.True(t, done)
		assert.False(t, dead)
	}

	// The cached outcome is the original, byte-for-byte.
	key := idempotency.Key("step.execute/run/run-1", "run-1")
	acq := h.guard.CheckAndAcquire(ctx, key)
	require.Equal(t, idempotency.StatusCached, acq.Status)
	outcome, err := domain.DecodeOutcome(acq.Result)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeCompleted, outcome.Kind)
}

func TestInFlightDuplicateReleasedWithoutAttempt(t *testing.T) {
	h := newHarness(t, Config{BudgetCeiling: 1000, ConflictDelay: 50 * time.Millisecond})
	ctx := context.Background()

	h.reg.Register("step.execute", func(ctx context.Context, item domain.WorkItem, params retry.StepParams) (domain.Outcome, error) {
		return domain.Outcome{Kind: domain.OutcomeCompleted}, nil
	})

	id := h.enqueue(t, "run-1", "step.execute", `{}`)

	// Another worker holds the in-progress marker for this unit of work.
	key := idempotency.Key("step.execute/run/run-1", "run-1")
	require.Equal(t, idempotency.StatusNew, h.guard.CheckAndAcquire(ctx, key).Status)

	processed, err := h.worker.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	// Conflict is a scheduling signal: no retry counted, no failure recorded.
	done, dead, retries := h.itemRow(t, id)
	assert.False(t, done)
	assert.False(t, dead)
	assert.Zero(t, retries)

	// Once the holder finishes, the item replays from cache.
	h.guard.MarkComplete(ctx, key, mustEncode(t, domain.Outcome{Kind: domain.OutcomeCompleted}))
	time.Sleep(80 * time.Millisecond)

	processed, err = h.worker.ProcessOnce(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	done, _, _ = h.itemRow(t, id)
	assert.True(t, done)
}

func TestBudgetRejectionIsTerminal(t *testing.T) {
	h := newHarness(t, Config{BudgetCeiling: 100, DefaultStepCost: 60})
	ctx := context.Background()

	var executions atomic.Int64
	handler := func(ctx context.Context, item domain.WorkItem, params retry.StepParams) (domain.Outcome, error) {
		executions.Add(1)
		return domain.Outcome{Kind: domain.OutcomeCompleted}, nil
	}
	// Distinct steps so the items are distinct units of work, sharing one
	// budget scope.
	h.reg.Register("step.fetch", handler)
	h.reg.Register("step.summarize", handler)

	first := h.enqueue(t, "run-1", "step.fetch", `{}`)
	second := h.enqueue(t, "run-1", "step.summarize", `{}`)

	processed, err := h.worker.ProcessOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	assert.Equal(t, int64(1), executions.Load())

	done1, dead1, _ := h.itemRow(t, first)
	assert.True(t, done1)
	assert.False(t, dead1)

	// The rejected spend is terminal for that item: dead-lettered, not
	// silently retried.
	done2, dead2, _ := h.itemRow(t, second)
	assert.False(t, done2)
	assert.True(t, dead2)
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	h := newHarness(t, Config{BudgetCeiling: 1000})
	ctx := context.Background()

	var executions atomic.Int64
	h.reg.Register("step.execute", func(ctx context.Context, item domain.WorkItem, params retry.StepParams) (domain.Outcome, error) {
		executions.Add(1)
		return domain.Outcome{}, &registry.PermanentError{
			Code:  "validation_failed",
			Cause: errors.New("payload rejected by schema"),
		}
	})

	id := h.enqueue(t, "run-1", "step.execute", `{}`)

	_, err := h.worker.ProcessOnce(ctx)
	require.NoError(t, err)

	done, dead, _ := h.itemRow(t, id)
	assert.False(t, done)
	assert.True(t, dead)
	assert.Equal(t, int64(1), executions.Load())

	// The idempotency key is poisoned so repeats short-circuit.
	key := idempotency.Key("step.execute/run/run-1", "run-1")
	assert.Equal(t, idempotency.StatusFailedPermanently, h.guard.CheckAndAcquire(ctx, key).Status)
}

func TestTransientFailureRetriesWithRelaxedParameters(t *testing.T) {
	h := newHarness(t, Config{BudgetCeiling: 1000, BaseParams: retry.StepParams{Temperature: 0.7, RiskThreshold: 0.5}})
	ctx := context.Background()

	var attempts atomic.Int64
	var firstTemp, secondTemp atomic.Value
	h.reg.Register("step.execute", func(ctx context.Context, item domain.WorkItem, params retry.StepParams) (domain.Outcome, error) {
		n := attempts.Add(1)
		if n == 1 {
			firstTemp.Store(params.Temperature)
			return domain.Outcome{}, errors.New("flaky dependency")
		}
		secondTemp.Store(params.Temperature)
		return domain.Outcome{Kind: domain.OutcomeCompleted}, nil
	})

	id := h.enqueue(t, "run-1", "step.execute", `{}`)

	_, err := h.worker.ProcessOnce(ctx)
	require.NoError(t, err)

	done, dead, retries := h.itemRow(t, id)
	assert.False(t, done)
	assert.False(t, dead)
	assert.Equal(t, 1, retries)

	// Wait out the deterministic backoff, then the retry succeeds with a
	// lower temperature than the first attempt.
	require.Eventually(t, func() bool {
		processed, err := h.worker.ProcessOnce(ctx)
		require.NoError(t, err)
		return processed
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, int64(2), attempts.Load())
	done, _, _ = h.itemRow(t, id)
	assert.True(t, done)
	assert.Less(t, secondTemp.Load().(float64), firstTemp.Load().(float64))
}

func TestUnknownHandlerDeadLetters(t *testing.T) {
	h := newHarness(t, Config{BudgetCeiling: 1000})
	ctx := context.Background()

	id := h.enqueue(t, "run-1", "never.registered", `{}`)

	_, err := h.worker.ProcessOnce(ctx)
	require.NoError(t, err)

	_, dead, _ := h.itemRow(t, id)
	assert.True(t, dead)
}

// Degraded-mode availability: with the coordination store down, items still
// execute, just without deduplication or budget enforcement.
func TestCoordinationStoreOutageDoesNotBlockExecution(t *testing.T) {
	h := newHarness(t, Config{BudgetCeiling: 100, DefaultStepCost: 60})
	ctx := context.Background()

	var executions atomic.Int64
	h.reg.Register("step.execute", func(ctx context.Context, item domain.WorkItem, params retry.StepParams) (domain.Outcome, error) {
		executions.Add(1)
		return domain.Outcome{Kind: domain.OutcomeCompleted}, nil
	})

	h.kv.SetDown(true)

	first := h.enqueue(t, "run-1", "step.execute", `{}`)
	second := h.enqueue(t, "run-1", "step.execute", `{}`)

	processed, err := h.worker.ProcessOnce(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	// Both executed: no dedup, no ceiling, no blocked caller.
	assert.Equal(t, int64(2), executions.Load())
	for _, id := range []int64{first, second} {
		done, dead, _ := h.itemRow(t, id)
		assert.True(t, done, "item %d", id)
		assert.False(t, dead, "item %d", id)
	}
}

func mustEncode(t *testing.T, o domain.Outcome) []byte {
	t.Helper()
	b, err := o.Encode()
	require.NoError(t, err)
	return b
}
