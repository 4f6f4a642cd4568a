package domain

import "encoding/json"

// OutcomeKind discriminates the Outcome variant. The set is closed; adding a
// kind means updating every switch over it.
type OutcomeKind string

const (
	// OutcomeCompleted carries the handler's result payload.
	OutcomeCompleted OutcomeKind = "completed"
	// OutcomeBudgetExceeded records an admission rejection.
	OutcomeBudgetExceeded OutcomeKind = "budget_exceeded"
	// OutcomeFailed records a handler failure, terminal or not.
	OutcomeFailed OutcomeKind = "failed"
)

// Outcome is the result of one work item execution. The idempotency cache
// stores its JSON encoding and replays it byte-for-byte, so the shape is a
// tagged union with explicit fields per kind rather than an open map.
type Outcome struct {
	Kind       OutcomeKind     `json:"kind"`
	Result     json.RawMessage `json:"result,omitempty"`
	CostUnits  int64           `json:"cost_units,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Message    string          `json:"message,omitempty"`
	StopReason StopReason      `json:"stop_reason,omitempty"`
}

func (o Outcome) Encode() ([]byte, error) {
	return json.Marshal(o)
}

func DecodeOutcome(b []byte) (Outcome, error) {
	var o Outcome
	err := json.Unmarshal(b, &o)
	return o, err
}

// StopReason explains why an attempt sequence terminated. Exactly one is
// reported per terminal outcome; callers use it to decide between escalation
// and silent give-up.
type StopReason string

const (
	StopSuccess          StopReason = "success"
	StopMaxRetries       StopReason = "max_retries"
	StopBudgetExhausted  StopReason = "budget_exhausted"
	StopPermanentFailure StopReason = "permanent_failure"
	StopRiskTooHigh      StopReason = "risk_too_high"
	StopManual           StopReason = "manual_stop"
)
