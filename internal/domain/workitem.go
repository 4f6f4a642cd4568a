package domain

import "time"

type WorkItemState string

const (
	StatePending   WorkItemState = "pending"
	StateClaimed   WorkItemState = "claimed"
	StateProcessed WorkItemState = "processed"
	StateDead      WorkItemState = "dead"
)

// WorkItem is one outbox row. It is inserted in the same transaction as the
// business write it derives from, claimed by exactly one worker at a time,
// and either processed or rescheduled with an incremented retry count.
type WorkItem struct {
	ID            int64
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	RetryCount    int
	ProcessedAt   *time.Time
	ProcessAfter  time.Time
	ClaimedAt     *time.Time
	ClaimedBy     *string
	DeadAt        *time.Time
	LastError     *string
	CreatedAt     time.Time
}

// State derives the lifecycle state from the row's timestamps. The claim is a
// soft lease: a claimed item whose lease has lapsed reports StatePending and
// is eligible for reclaim.
func (w *WorkItem) State(leaseWindow time.Duration) WorkItemState {
	switch {
	case w.DeadAt != nil:
		return StateDead
	case w.ProcessedAt != nil:
		return StateProcessed
	case w.ClaimedAt != nil && time.Since(*w.ClaimedAt) < leaseWindow:
		return StateClaimed
	default:
		return StatePending
	}
}
