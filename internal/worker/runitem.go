package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/yourorg/convoy/internal/budget"
	"github.com/yourorg/convoy/internal/domain"
	"github.com/yourorg/convoy/internal/idempotency"
	"github.com/yourorg/convoy/internal/outbox"
	"github.com/yourorg/convoy/internal/registry"
	"github.com/yourorg/convoy/internal/retry"
)

// transientCode is the policy code for failures that carry no explicit code.
const transientCode = "transient_failure"

// runItem drives one claimed item through deduplication, admission,
// execution, and completion. Every exit path calls exactly one completion
// primitive on the queue.
func (w *Worker) runItem(ctx context.Context, item *domain.WorkItem) {
	log := w.Logger.With(
		"item_id", item.ID,
		"event_type", item.EventType,
		"aggregate_id", item.AggregateID,
		"attempt", item.RetryCount,
		"trace_id", uuid.New().String(),
	)

	key := idempotency.Key(jobID(item), item.AggregateID)
	acq := w.Guard.CheckAndAcquire(ctx, key)

	switch acq.Status {
	case idempotency.StatusCached:
		// The side effect already happened; commit the item without
		// re-executing. The cached bytes are the attempt's outcome verbatim.
		if err := w.Queue.Complete(ctx, item.ID, w.ID.String(), outbox.CompleteRequest{Success: true}); err != nil {
			log.Error("failed to commit cached result", "err", err)
			return
		}
		log.Info("cached result replayed; execution skipped")
		return

	case idempotency.StatusInFlight:
		conflict := &domain.ConflictError{Key: key}
		if err := w.Queue.Release(ctx, item.ID, w.ID.String(), w.cfg.ConflictDelay); err != nil {
			log.Error("failed to release conflicting item", "err", err)
			return
		}
		log.Warn("duplicate execution in flight; claim released", "err", conflict)
		return

	case idempotency.StatusFailedPermanently:
		w.finishTerminal(ctx, item, key, domain.Outcome{
			Kind:       domain.OutcomeFailed,
			ErrorCode:  "permanently_failed",
			Message:    "idempotency key is marked permanently failed",
			StopReason: domain.StopPermanentFailure,
		}, false, log)
		return

	case idempotency.StatusDegraded:
		// Fail open: execute without deduplication. Already logged loudly by
		// the guard.

	case idempotency.StatusNew:
		// Sole executor.
	}

	w.execute(ctx, item, key, log)
}

func (w *Worker) execute(ctx context.Context, item *domain.WorkItem, key string, log *slog.Logger) {
	state := retry.State{Attempt: item.RetryCount}
	params := w.Policy.AdjustedParameters(state, w.cfg.BaseParams)

	env := budget.Envelope{
		ScopeID: item.AggregateID,
		Ceiling: w.cfg.BudgetCeiling,
		WarnPct: w.cfg.WarnPct,
	}
	cost := stepCost(item, w.cfg.DefaultStepCost)

	dec, admitErr := budget.Admit(ctx, w.Ledger, env, cost)
	var budgetErr *domain.BudgetExceededError
	if errors.As(admitErr, &budgetErr) {
		// Terminal for this spend attempt; not retried automatically.
		w.finishTerminal(ctx, item, key, domain.Outcome{
			Kind:       domain.OutcomeBudgetExceeded,
			CostUnits:  cost,
			ErrorCode:  "budget_exceeded",
			Message:    budgetErr.Error(),
			StopReason: domain.StopBudgetExhausted,
		}, true, log)
		return
	}
	if admitErr != nil {
		log.Error("budget admission error", "err", admitErr)
		w.Guard.MarkFailed(ctx, key, true)
		if err := w.Queue.Release(ctx, item.ID, w.ID.String(), w.cfg.ConflictDelay); err != nil {
			log.Error("failed to release item", "err", err)
		}
		return
	}
	if dec.Warned {
		log.Warn("budget warn threshold crossed",
			"scope_id", env.ScopeID, "usage", dec.NewTotal, "ceiling", env.Ceiling)
	}

	handler, err := w.Registry.Lookup(item.EventType)
	if err != nil {
		// No handler will ever appear for this row; retrying is pointless.
		w.finishTerminal(ctx, item, key, domain.Outcome{
			Kind:       domain.OutcomeFailed,
			ErrorCode:  "unknown_handler",
			Message:    err.Error(),
			StopReason: domain.StopPermanentFailure,
		}, true, log)
		return
	}

	outcome, handlerErr := handler(ctx, *item, params)
	if handlerErr == nil {
		w.finishSuccess(ctx, item, key, outcome, log)
		return
	}
	w.finishFailure(ctx, item, key, state, dec, handlerErr, log)
}

func (w *Worker) finishSuccess(ctx context.Context, item *domain.WorkItem, key string, outcome domain.Outcome, log *slog.Logger) {
	if outcome.Kind == "" {
		outcome.Kind = domain.OutcomeCompleted
	}
	blob, err := outcome.Encode()
	if err != nil {
		log.Error("outcome not encodable; result will not be cached", "err", err)
	} else {
		w.Guard.MarkComplete(ctx, key, blob)
	}

	if err := w.Queue.Complete(ctx, item.ID, w.ID.String(), outbox.CompleteRequest{Success: true}); err != nil {
		log.Error("failed to mark processed", "err", err)
		return
	}
	log.Info("work item processed", "cost_units", outcome.CostUnits)
}

func (w *Worker) finishFailure(
	ctx context.Context,
	item *domain.WorkItem,
	key string,
	state retry.State,
	dec budget.Decision,
	handlerErr error,
	log *slog.Logger,
) {
	code := errorCode(handlerErr)
	state.LastErrorCode = code

	var permErr *registry.PermanentError
	permanent := errors.As(handlerErr, &permErr)

	ok, reason := w.Policy.ShouldRetry(state, code, dec.Remaining)
	if permanent {
		ok, reason = false, domain.StopPermanentFailure
	}

	if ok {
		w.Guard.MarkFailed(ctx, key, true)
		delay := w.Policy.Backoff(item.RetryCount + 1)
		err := w.Queue.Complete(ctx, item.ID, w.ID.String(), outbox.CompleteRequest{
			Err:        handlerErr,
			RetryDelay: delay,
		})
		var dead *domain.DeadLetterError
		if errors.As(err, &dead) {
			// The queue's retry cap is the backstop even when the policy
			// still had attempts left.
			log.Warn("work item dead-lettered at retry cap",
				"attempts", dead.Attempts, "err", handlerErr)
			return
		}
		if err != nil {
			log.Error("failed to schedule retry", "err", err)
			return
		}
		log.Warn("work item failed; retry scheduled",
			"err", handlerErr, "code", code, "delay", delay)
		return
	}

	w.finishTerminal(ctx, item, key, domain.Outcome{
		Kind:       domain.OutcomeFailed,
		ErrorCode:  code,
		Message:    handlerErr.Error(),
		StopReason: reason,
	}, true, log)
}

// finishTerminal dead-letters the item and, when poisonKey is set, marks the
// idempotency key permanently failed so repeats short-circuit.
func (w *Worker) finishTerminal(
	ctx context.Context,
	item *domain.WorkItem,
	key string,
	outcome domain.Outcome,
	poisonKey bool,
	log *slog.Logger,
) {
	if poisonKey {
		w.Guard.MarkFailed(ctx, key, false)
	}

	err := w.Queue.Complete(ctx, item.ID, w.ID.String(), outbox.CompleteRequest{
		Err:      errors.New(outcome.Message),
		Terminal: true,
	})
	var dead *domain.DeadLetterError
	if err != nil && !errors.As(err, &dead) {
		log.Error("failed to dead-letter item", "err", err)
		return
	}
	log.Warn("work item terminal",
		"stop_reason", outcome.StopReason,
		"code", outcome.ErrorCode,
		"message", outcome.Message)
}

// jobID identifies "this exact unit of work" independent of outbox row
// identity, so a duplicate insert of the same business event dedupes against
// the first.
func jobID(item *domain.WorkItem) string {
	return item.EventType + "/" + item.AggregateType + "/" + item.AggregateID
}

// stepCost reads the payload's declared cost_units, falling back to the
// configured default.
func stepCost(item *domain.WorkItem, def int64) int64 {
	var body struct {
		CostUnits int64 `json:"cost_units"`
	}
	if err := json.Unmarshal(item.Payload, &body); err == nil && body.CostUnits > 0 {
		return body.CostUnits
	}
	return def
}

// errorCode maps a handler error to a retry-policy code.
func errorCode(err error) string {
	var permErr *registry.PermanentError
	if errors.As(err, &permErr) {
		return permErr.Code
	}
	var codedErr *registry.CodedError
	if errors.As(err, &codedErr) {
		return codedErr.Code
	}
	return transientCode
}
