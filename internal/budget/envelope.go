package budget

import (
	"context"

	"github.com/yourorg/convoy/internal/domain"
)

// Envelope is a scope's spending contract. Usage is created lazily on first
// spend and only ever grows until an explicit Reset.
type Envelope struct {
	ScopeID string
	Ceiling int64
	// WarnPct marks the usage percentage at which Admit starts flagging
	// decisions. BlockPct is the percentage of Ceiling at which spends are
	// rejected; 100 means the ceiling itself.
	WarnPct  int
	BlockPct int
}

func (e Envelope) withDefaults() Envelope {
	if e.WarnPct <= 0 {
		e.WarnPct = 80
	}
	if e.BlockPct <= 0 {
		e.BlockPct = 100
	}
	return e
}

// blockLimit is the absolute usage at which spends are rejected.
func (e Envelope) blockLimit() int64 {
	return e.Ceiling * int64(e.BlockPct) / 100
}

// Decision is the result of one admission check.
type Decision struct {
	Allowed bool
	Warned  bool
	// NewTotal is the counter value after this spend's increment, whether or
	// not the spend was admitted.
	NewTotal  int64
	Remaining int64
}

// Admit performs the increment-then-check admission protocol: add the amount,
// then compare the returned total against the block limit. The increment has
// already happened by the time the comparison runs, so concurrent spenders
// can overshoot the ceiling by at most one in-flight spend each. That bounded
// overshoot is the documented contract of a lock-free counter; size ceilings
// accordingly rather than expecting strict serialization.
//
// Rejection is reported as a *domain.BudgetExceededError alongside the
// decision; it is terminal for this spend attempt and is not retried
// automatically.
func Admit(ctx context.Context, ledger *Ledger, env Envelope, amount int64) (Decision, error) {
	env = env.withDefaults()

	total, err := ledger.Add(ctx, env.ScopeID, amount)
	if err != nil {
		return Decision{}, err
	}

	dec := Decision{
		NewTotal:  total,
		Remaining: env.Ceiling - total,
	}
	if dec.Remaining < 0 {
		dec.Remaining = 0
	}

	if total > env.blockLimit() {
		return dec, &domain.BudgetExceededError{
			ScopeID: env.ScopeID,
			Ceiling: env.Ceiling,
			Total:   total,
		}
	}

	dec.Allowed = true
	dec.Warned = total*100 >= env.Ceiling*int64(env.WarnPct)
	return dec, nil
}
