package outbox

import (
	"context"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/yourorg/convoy/internal/domain"
)

// claimSQL atomically selects and claims up to a batch of eligible items.
//
// FOR UPDATE SKIP LOCKED prevents contention: claimers that lose the race on
// a row move on immediately rather than blocking, and no two transactions can
// return the same row. An item is eligible when it is neither processed nor
// dead, its retry schedule has elapsed, and it is either unclaimed or its
// claim lease has lapsed, which is how work held by a crashed worker is
// reclaimed.
const claimSQL = `
WITH candidates AS (
    SELECT id FROM outbox
    WHERE processed_at IS NULL
      AND dead_at IS NULL
      AND process_after <= NOW()
      AND (claimed_at IS NULL OR claimed_at < NOW() - ($2::bigint * interval '1 millisecond'))
    ORDER BY id
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
UPDATE outbox
SET claimed_at = NOW(),
    claimed_by = $1
FROM candidates
WHERE outbox.id = candidates.id
RETURNING
    outbox.id, outbox.aggregate_type, outbox.aggregate_id, outbox.event_type,
    outbox.payload, outbox.retry_count, outbox.processed_at, outbox.process_after,
    outbox.claimed_at, outbox.claimed_by, outbox.dead_at, outbox.last_error,
    outbox.created_at`

// ClaimBatch claims up to batchSize eligible items for workerID. An item
// returned here is invisible to every other worker's ClaimBatch until this
// worker completes or releases it, or the lease lapses. Returns an empty
// slice when nothing is eligible (normal idle state).
func (q *Queue) ClaimBatch(ctx context.Context, workerID string, batchSize int) ([]domain.WorkItem, error) {
	if batchSize <= 0 {
		batchSize = 1
	}

	rows, err := q.pool.Query(ctx, claimSQL,
		workerID, q.cfg.LeaseWindow.Milliseconds(), batchSize)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// UPDATE ... RETURNING does not preserve the CTE's ORDER BY, so restore
	// creation order here.
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// scanWorkItem populates item from the columns of claimSQL's RETURNING
// clause; the order must match exactly.
func scanWorkItem(row pgx.Row, item *domain.WorkItem) error {
	return row.Scan(
		&item.ID,
		&item.AggregateType,
		&item.AggregateID,
		&item.EventType,
		&item.Payload,
		&item.RetryCount,
		&item.ProcessedAt,
		&item.ProcessAfter,
		&item.ClaimedAt,
		&item.ClaimedBy,
		&item.DeadAt,
		&item.LastError,
		&item.CreatedAt,
	)
}
