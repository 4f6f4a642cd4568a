package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrAggregateTypeRequired is returned when Entry.AggregateType is empty.
	ErrAggregateTypeRequired = errors.New("outbox aggregate type is required")
	// ErrAggregateIDRequired is returned when Entry.AggregateID is empty.
	ErrAggregateIDRequired = errors.New("outbox aggregate id is required")
	// ErrEventTypeRequired is returned when Entry.EventType is empty.
	ErrEventTypeRequired = errors.New("outbox event type is required")
	// ErrPayloadRequired is returned when Entry.Payload is empty.
	ErrPayloadRequired = errors.New("outbox payload is required")
)

// Executor lets producers enqueue inside their own transaction so the work
// item commits atomically with the business event it represents. Both
// *pgxpool.Pool and pgx.Tx satisfy it.
type Executor interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Entry is a work item submission.
type Entry struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	// Delay postpones first visibility. Zero means immediately eligible.
	Delay time.Duration
}

func (e Entry) validate() error {
	switch {
	case e.AggregateType == "":
		return ErrAggregateTypeRequired
	case e.AggregateID == "":
		return ErrAggregateIDRequired
	case e.EventType == "":
		return ErrEventTypeRequired
	case len(e.Payload) == 0:
		return ErrPayloadRequired
	}
	return nil
}

const insertSQL = `
INSERT INTO outbox (aggregate_type, aggregate_id, event_type, payload, process_after)
VALUES ($1, $2, $3, $4, NOW() + ($5::bigint * interval '1 millisecond'))
RETURNING id`

// Enqueue inserts a work item and returns its id. Pass the producing
// transaction as exec; pass the pool only for work that has no surrounding
// business write.
func (q *Queue) Enqueue(ctx context.Context, exec Executor, entry Entry) (int64, error) {
	if exec == nil {
		exec = q.pool
	}
	if err := entry.validate(); err != nil {
		return 0, err
	}

	var id int64
	err := exec.QueryRow(ctx, insertSQL,
		entry.AggregateType, entry.AggregateID, entry.EventType,
		entry.Payload, entry.Delay.Milliseconds(),
	).Scan(&id)
	return id, err
}
