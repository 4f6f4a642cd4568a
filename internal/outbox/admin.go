package outbox

import (
	"context"
	"time"

	"github.com/yourorg/convoy/internal/domain"
)

// Dead-lettered items and their requeue path are the operator's window into
// terminal failures; nothing here is ever silently dropped.

const listDeadSQL = `
SELECT id, aggregate_type, aggregate_id, event_type, payload, retry_count,
       processed_at, process_after, claimed_at, claimed_by, dead_at,
       last_error, created_at
FROM outbox
WHERE dead_at IS NOT NULL
ORDER BY dead_at DESC
LIMIT $1 OFFSET $2`

// ListDead returns dead-lettered items, most recently dead first.
func (q *Queue) ListDead(ctx context.Context, limit, offset int) ([]domain.WorkItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.pool.Query(ctx, listDeadSQL, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.WorkItem
	for rows.Next() {
		var item domain.WorkItem
		if err := scanWorkItem(rows, &item); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Requeue returns a dead-lettered item to the active queue with a fresh retry
// budget. last_error is kept for the audit trail.
func (q *Queue) Requeue(ctx context.Context, itemID int64) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE outbox
		SET dead_at       = NULL,
		    retry_count   = 0,
		    process_after = NOW(),
		    claimed_at    = NULL,
		    claimed_by    = NULL
		WHERE id = $1
		  AND dead_at IS NOT NULL`, itemID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrItemNotFound
	}
	q.cfg.Logger.Info("dead-lettered work item requeued", "item_id", itemID)
	return nil
}

// CountPending returns the number of live, unprocessed items.
func (q *Queue) CountPending(ctx context.Context) (int64, error) {
	var n int64
	err := q.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM outbox
		WHERE processed_at IS NULL
		  AND dead_at IS NULL`).Scan(&n)
	return n, err
}

// DeleteProcessed removes processed items older than the retention cutoff and
// returns how many were deleted.
func (q *Queue) DeleteProcessed(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM outbox
		WHERE processed_at IS NOT NULL
		  AND processed_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
