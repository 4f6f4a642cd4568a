package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/yourorg/convoy/internal/domain"
)

// CompleteRequest is the single canonical completion signature. Success and
// failure use the same call; Terminal dead-letters a failed item immediately
// regardless of its remaining retry budget (permanent failures, budget
// rejections).
type CompleteRequest struct {
	Success bool
	Err     error
	// RetryDelay overrides the queue's default backoff for this failure.
	// Zero means initial × multiplier^retry_count, capped.
	RetryDelay time.Duration
	Terminal   bool
}

// Complete commits the outcome of a claimed item. Only the claim owner may
// call it: every UPDATE is fenced on claimed_by, so a worker whose lease
// lapsed and whose item was reclaimed gets ErrNotClaimOwner instead of
// overwriting the new owner's state.
//
// On failure the retry count is incremented, the claim is cleared, and
// process_after is pushed out by the backoff delay. Once the retry count
// reaches the configured cap the item is dead-lettered and a
// *domain.DeadLetterError is returned so the caller can escalate.
func (q *Queue) Complete(ctx context.Context, itemID int64, workerID string, req CompleteRequest) error {
	if req.Success {
		return q.completeSuccess(ctx, itemID, workerID)
	}
	return q.completeFailure(ctx, itemID, workerID, req)
}

func (q *Queue) completeSuccess(ctx context.Context, itemID int64, workerID string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE outbox
		SET processed_at = NOW(),
		    claimed_at   = NULL,
		    claimed_by   = NULL
		WHERE id = $1
		  AND claimed_by = $2
		  AND processed_at IS NULL
		  AND dead_at IS NULL`, itemID, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotClaimOwner
	}
	return nil
}

func (q *Queue) completeFailure(ctx context.Context, itemID int64, workerID string, req CompleteRequest) error {
	errMsg := "unknown failure"
	if req.Err != nil {
		errMsg = req.Err.Error()
	}

	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Row lock first so the retry-count read and the transition are one
	// atomic step. The claimed_by fence rejects stale owners.
	var retryCount int
	err = tx.QueryRow(ctx, `
		SELECT retry_count FROM outbox
		WHERE id = $1
		  AND claimed_by = $2
		  AND processed_at IS NULL
		  AND dead_at IS NULL
		FOR UPDATE`, itemID, workerID).Scan(&retryCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotClaimOwner
	}
	if err != nil {
		return err
	}

	attempts := retryCount + 1
	if req.Terminal || attempts >= q.cfg.MaxRetries {
		_, err = tx.Exec(ctx, `
			UPDATE outbox
			SET retry_count = retry_count + 1,
			    dead_at     = NOW(),
			    last_error  = $2,
			    claimed_at  = NULL,
			    claimed_by  = NULL
			WHERE id = $1`, itemID, errMsg)
		if err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		q.cfg.Logger.Warn("work item dead-lettered",
			"item_id", itemID, "attempts", attempts, "terminal", req.Terminal, "err", errMsg)
		return &domain.DeadLetterError{ItemID: itemID, Attempts: attempts}
	}

	delay := req.RetryDelay
	if delay <= 0 {
		delay = q.defaultBackoff(retryCount)
	}
	_, err = tx.Exec(ctx, `
		UPDATE outbox
		SET retry_count   = retry_count + 1,
		    last_error    = $2,
		    process_after = NOW() + ($3::bigint * interval '1 millisecond'),
		    claimed_at    = NULL,
		    claimed_by    = NULL
		WHERE id = $1`, itemID, errMsg, delay.Milliseconds())
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Release clears a claim without recording an attempt, rescheduling the item
// after delay. Used for scheduling conflicts (an idempotent duplicate already
// in flight elsewhere) that are not application failures.
func (q *Queue) Release(ctx context.Context, itemID int64, workerID string, delay time.Duration) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE outbox
		SET claimed_at    = NULL,
		    claimed_by    = NULL,
		    process_after = NOW() + ($3::bigint * interval '1 millisecond')
		WHERE id = $1
		  AND claimed_by = $2
		  AND processed_at IS NULL
		  AND dead_at IS NULL`, itemID, workerID, delay.Milliseconds())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotClaimOwner
	}
	return nil
}
