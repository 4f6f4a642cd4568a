// Package worker runs the claim → dedup → admit → execute → complete loop.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/yourorg/convoy/internal/budget"
	"github.com/yourorg/convoy/internal/idempotency"
	"github.com/yourorg/convoy/internal/outbox"
	"github.com/yourorg/convoy/internal/registry"
	"github.com/yourorg/convoy/internal/retry"
)

// Config tunes one worker. Zero values are replaced by withDefaults.
type Config struct {
	BatchSize    int
	PollInterval time.Duration
	// ConflictDelay reschedules an item whose idempotency key is held by
	// another worker; the conflict is not an attempt and not a failure.
	ConflictDelay time.Duration
	// DefaultStepCost is charged against the scope's budget when the payload
	// does not declare its own cost_units.
	DefaultStepCost int64
	// BudgetCeiling caps total spend per scope (the item's aggregate id).
	BudgetCeiling int64
	WarnPct       int
	// BaseParams are the attempt-0 step parameters before relaxation.
	BaseParams retry.StepParams
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.ConflictDelay <= 0 {
		c.ConflictDelay = 5 * time.Second
	}
	if c.DefaultStepCost <= 0 {
		c.DefaultStepCost = 1
	}
	if c.BudgetCeiling <= 0 {
		c.BudgetCeiling = 10_000
	}
	if c.BaseParams == (retry.StepParams{}) {
		c.BaseParams = retry.StepParams{Temperature: 0.7, RiskThreshold: 0.5}
	}
	return c
}

// Worker shares no in-process state with its peers; all coordination goes
// through the outbox's claim protocol and the coordination store.
type Worker struct {
	ID       uuid.UUID
	Queue    *outbox.Queue
	Guard    *idempotency.Guard
	Ledger   *budget.Ledger
	Policy   *retry.Policy
	Registry *registry.Registry
	Logger   *slog.Logger

	cfg Config
}

func New(
	id uuid.UUID,
	queue *outbox.Queue,
	guard *idempotency.Guard,
	ledger *budget.Ledger,
	policy *retry.Policy,
	reg *registry.Registry,
	logger *slog.Logger,
	cfg Config,
) *Worker {
	return &Worker{
		ID:       id,
		Queue:    queue,
		Guard:    guard,
		Ledger:   ledger,
		Policy:   policy,
		Registry: reg,
		Logger:   logger,
		cfg:      cfg.withDefaults(),
	}
}

// Start polls until ctx is canceled. Items are executed synchronously, one
// batch at a time.
func (w *Worker) Start(ctx context.Context) error {
	w.Logger.Info("worker starting",
		"worker_id", w.ID,
		"handlers", w.Registry.Names())

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		processed, err := w.ProcessOnce(ctx)
		if err != nil {
			w.Logger.Error("claim error", "err", err)
			if sleepErr := w.sleep(ctx, w.cfg.PollInterval); sleepErr != nil {
				return sleepErr
			}
			continue
		}
		if !processed {
			if sleepErr := w.sleep(ctx, w.cfg.PollInterval); sleepErr != nil {
				return sleepErr
			}
		}
	}
}

// ProcessOnce claims and runs a single batch. Returns false when the queue
// had nothing eligible.
func (w *Worker) ProcessOnce(ctx context.Context) (bool, error) {
	items, err := w.Queue.ClaimBatch(ctx, w.ID.String(), w.cfg.BatchSize)
	if err != nil {
		return false, err
	}
	if len(items) == 0 {
		return false, nil
	}

	for i := range items {
		w.runItem(ctx, &items[i])
	}
	return true, nil
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
