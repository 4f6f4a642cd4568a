package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrItemNotFound is returned when a work item id does not exist.
	ErrItemNotFound = errors.New("work item not found")
	// ErrNotClaimOwner is returned when a worker calls complete or release on
	// an item it does not currently hold the claim for.
	ErrNotClaimOwner = errors.New("work item is not claimed by this worker")
	// ErrNoSnapshot is returned when no complete snapshot exists for the
	// requested window. Callers must refuse to compare against raw data.
	ErrNoSnapshot = errors.New("no complete snapshot for the requested window")
	// ErrSnapshotNotPending is returned when compute is started on a snapshot
	// that is not in the pending state.
	ErrSnapshotNotPending = errors.New("snapshot is not pending")
)

// ConflictError reports that another worker currently holds the in-progress
// marker for the same idempotency key. It is a scheduling signal, not an
// application failure: the caller backs off and retries later.
type ConflictError struct {
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("duplicate execution in flight for key %s", e.Key)
}

// BudgetExceededError reports an admission rejection. The increment has
// already happened when this is returned; see budget.Admit for the
// bounded-overshoot contract.
type BudgetExceededError struct {
	ScopeID string
	Ceiling int64
	Total   int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("budget exceeded for scope %s: %d of %d", e.ScopeID, e.Total, e.Ceiling)
}

// DeadLetterError reports that an item exhausted its retry cap and was moved
// to the dead-letter set for manual intervention.
type DeadLetterError struct {
	ItemID   int64
	Attempts int
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("work item %d dead-lettered after %d failed attempts", e.ItemID, e.Attempts)
}

// TransientInfraError wraps a coordination-store failure that was recovered
// by failing open. It is carried for logging and inspection; components that
// produce it have already decided to proceed without the store.
type TransientInfraError struct {
	Op  string
	Err error
}

func (e *TransientInfraError) Error() string {
	return fmt.Sprintf("coordination store unavailable during %s: %v", e.Op, e.Err)
}

func (e *TransientInfraError) Unwrap() error { return e.Err }
