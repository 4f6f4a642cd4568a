package outbox

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/convoy/internal/domain"
	"github.com/yourorg/convoy/internal/testutil"
)

func enqueueN(t *testing.T, q *Queue, n int) []int64 {
	t.Helper()
	ctx := context.Background()
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		id, err := q.Enqueue(ctx, nil, Entry{
			AggregateType: "run",
			AggregateID:   fmt.Sprintf("run-%d", i),
			EventType:     "step.execute",
			Payload:       []byte(`{"step":1}`),
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestEnqueueValidation(t *testing.T) {
	q := New(nil)

	_, err := q.Enqueue(context.Background(), nil, Entry{})
	assert.ErrorIs(t, err, ErrAggregateTypeRequired)

	_, err = q.Enqueue(context.Background(), nil, Entry{
		AggregateType: "run", AggregateID: "run-1", EventType: "step.execute",
	})
	assert.ErrorIs(t, err, ErrPayloadRequired)
}

func TestClaimBatchReturnsEligibleInCreationOrder(t *testing.T) {
	pool := testutil.StartPostgres(t)
	q := New(pool)
	ctx := context.Background()

	ids := enqueueN(t, q, 5)

	items, err := q.ClaimBatch(ctx, "worker-a", 3)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i, item := range items {
		assert.Equal(t, ids[i], item.ID)
		assert.NotNil(t, item.ClaimedAt)
		require.NotNil(t, item.ClaimedBy)
		assert.Equal(t, "worker-a", *item.ClaimedBy)
		assert.Equal(t, domain.StateClaimed, item.State(time.Minute))
	}

	// The remainder is still claimable by someone else.
	items, err = q.ClaimBatch(ctx, "worker-b", 10)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestClaimedItemInvisibleToOtherWorkers(t *testing.T) {
	pool := testutil.StartPostgres(t)
	q := New(pool)
	ctx := context.Background()

	enqueueN(t, q, 1)

	items, err := q.ClaimBatch(ctx, "worker-a", 1)
	require.NoError(t, err)
	require.Len(t, items, 1)

	items, err = q.ClaimBatch(ctx, "worker-b", 1)
	require.NoError(t, err)
	assert.Empty(t, items)
}

// At-most-one-claim: concurrent claimers never receive the same item.
func TestConcurrentClaimersNeverShareAnItem(t *testing.T) {
	pool := testutil.StartPostgres(t)
	q := New(pool)
	ctx := context.Background()

	const total = 60
	const claimers = 6
	enqueueN(t, q, total)

	var mu sync.Mutex
	seen := make(map[int64]string, total)

	g, gctx := errgroup.WithContext(ctx)
	for c := 0; c < claimers; c++ {
		workerID := fmt.Sprintf("worker-%d", c)
		g.Go(func() error {
			for {
				items, err := q.ClaimBatch(gctx, workerID, 5)
				if err != nil {
					return err
				}
				if len(items) == 0 {
					return nil
				}
				mu.Lock()
				for _, item := range items {
					if prev, dup := seen[item.ID]; dup {
						mu.Unlock()
						return fmt.Errorf("item %d claimed by both %s and %s", item.ID, prev, workerID)
					}
					seen[item.ID] = workerID
				}
				mu.Unlock()
			}
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, seen, total)
}

func TestLeaseExpiryAllowsReclaim(t *testing.T) {
	pool := testutil.StartPostgres(t)
	q := New(pool, WithLeaseWindow(300*time.Millisecond))
	ctx := context.Background()

	enqueueN(t, q, 1)

	items, err := q.ClaimBatch(ctx, "worker-a", 1)
	require.NoError(t, err)
	require.Len(t, items, 1)

	// Within the lease the claim protects the item.
	reclaimed, err := q.ClaimBatch(ctx, "worker-b", 1)
	require.NoError(t, err)
	require.Empty(t, reclaimed)

	time.Sleep(400 * time.Millisecond)

	// worker-a never completed; the lapsed lease makes the item claimable.
	reclaimed, err = q.ClaimBatch(ctx, "worker-b", 1)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, items[0].ID, reclaimed[0].ID)

	// The original owner's completion is fenced off.
	err = q.Complete(ctx, items[0].ID, "worker-a", CompleteRequest{Success: true})
	assert.ErrorIs(t, err, domain.ErrNotClaimOwner)
}

func TestDelayedEntryInvisibleUntilDue(t *testing.T) {
	pool := testutil.StartPostgres(t)
	q := New(pool)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, nil, Entry{
		AggregateType: "run",
		AggregateID:   "run-1",
		EventType:     "step.execute",
		Payload:       []byte(`{}`),
		Delay:         500 * time.Millisecond,
	})
	require.NoError(t, err)

	items, err := q.ClaimBatch(ctx, "worker-a", 1)
	require.NoError(t, err)
	assert.Empty(t, items)

	time.Sleep(600 * time.Millisecond)

	items, err = q.ClaimBatch(ctx, "worker-a", 1)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestEnqueueWithinProducerTransaction(t *testing.T) {
	pool := testutil.StartPostgres(t)
	q := New(pool)
	ctx := context.Background()

	// Rolled-back business transactions leave no work item behind.
	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, tx, Entry{
		AggregateType: "run",
		AggregateID:   "run-1",
		EventType:     "step.execute",
		Payload:       []byte(`{}`),
	})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback(ctx))

	n, err := q.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Committed transactions publish the item atomically with the write.
	tx, err = pool.Begin(ctx)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, tx, Entry{
		AggregateType: "run",
		AggregateID:   "run-1",
		EventType:     "step.execute",
		Payload:       []byte(`{}`),
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	n, err = q.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
