package registry

import (
	"context"
	"fmt"

	"github.com/yourorg/convoy/internal/domain"
	"github.com/yourorg/convoy/internal/retry"
)

// Handler executes one work item with the (possibly relaxed) step parameters
// for this attempt. A nil error with an Outcome of kind completed is the only
// success shape.
type Handler func(ctx context.Context, item domain.WorkItem, params retry.StepParams) (domain.Outcome, error)

// PermanentError wraps a handler error that must never be retried. The item
// goes straight to the dead-letter set and the idempotency key is poisoned.
type PermanentError struct {
	Code  string
	Cause error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Cause)
}

func (e *PermanentError) Unwrap() error { return e.Cause }

// CodedError attaches a retry-policy error code to a transient failure.
type CodedError struct {
	Code  string
	Cause error
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// Registry maps event types to Handler functions.
type Registry struct {
	handlers map[string]Handler
}

func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(eventType string, h Handler) {
	r.handlers[eventType] = h
}

func (r *Registry) Lookup(eventType string) (Handler, error) {
	h, ok := r.handlers[eventType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for: %q", eventType)
	}
	return h, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	return names
}
