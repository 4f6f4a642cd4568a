// Package retry decides whether a failed attempt runs again, when it becomes
// visible, and with which relaxed parameters.
package retry

import (
	"math"
	"time"

	"github.com/yourorg/convoy/internal/domain"
)

// Config tunes a Policy. Zero values are replaced by withDefaults.
type Config struct {
	// MaxAttempts counts the first attempt plus retries.
	MaxAttempts int
	// PermanentCodes are error codes that must never be retried.
	PermanentCodes []string
	// RiskCodes are error codes gated by the risk threshold. A risk-coded
	// failure retries only while the relaxation schedule can still raise the
	// threshold; once it is pinned at the ceiling the sequence stops.
	RiskCodes []string
	// BudgetSafetyMargin stops retries while at least this much budget
	// remains, so a retry can never be the spend that lands on the ceiling.
	BudgetSafetyMargin int64

	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration

	// TemperatureStep lowers the aggressiveness parameter per attempt,
	// clamped at TemperatureFloor.
	TemperatureStep  float64
	TemperatureFloor float64
	// RiskStep raises the risk tolerance per attempt, clamped at RiskCeiling.
	RiskStep    float64
	RiskCeiling float64
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 5 * time.Second
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = time.Hour
	}
	if c.TemperatureStep <= 0 {
		c.TemperatureStep = 0.1
	}
	if c.TemperatureFloor <= 0 {
		c.TemperatureFloor = 0.1
	}
	if c.RiskStep <= 0 {
		c.RiskStep = 0.05
	}
	if c.RiskCeiling <= 0 {
		c.RiskCeiling = 0.9
	}
	return c
}

// State is the transient, per-attempt-sequence bookkeeping owned by the
// executing worker. It is never persisted beyond the sequence.
type State struct {
	Attempt       int
	LastErrorCode string
	TotalCost     int64
	// ManualStop is set by an operator-facing collaborator to halt the
	// sequence regardless of the other checks.
	ManualStop bool
}

// StepParams are the constraining execution parameters a handler receives.
// Repeated failures relax them toward values more likely to succeed.
type StepParams struct {
	Temperature   float64
	RiskThreshold float64
}

type Policy struct {
	cfg       Config
	permanent map[string]bool
	risk      map[string]bool
}

func NewPolicy(cfg Config) *Policy {
	cfg = cfg.withDefaults()
	p := &Policy{
		cfg:       cfg,
		permanent: make(map[string]bool, len(cfg.PermanentCodes)),
		risk:      make(map[string]bool, len(cfg.RiskCodes)),
	}
	for _, c := range cfg.PermanentCodes {
		p.permanent[c] = true
	}
	for _, c := range cfg.RiskCodes {
		p.risk[c] = true
	}
	return p
}

// ShouldRetry reports whether the sequence continues after a failure with the
// given error code. When it returns false the StopReason is the single
// terminal reason the caller must report.
func (p *Policy) ShouldRetry(s State, code string, budgetRemaining int64) (bool, domain.StopReason) {
	if s.ManualStop {
		return false, domain.StopManual
	}
	if p.permanent[code] {
		return false, domain.StopPermanentFailure
	}
	if p.risk[code] && p.riskAtCeiling(s.Attempt) {
		return false, domain.StopRiskTooHigh
	}
	if s.Attempt+1 >= p.cfg.MaxAttempts {
		return false, domain.StopMaxRetries
	}
	if budgetRemaining <= p.cfg.BudgetSafetyMargin {
		return false, domain.StopBudgetExhausted
	}
	return true, ""
}

// AdjustedParameters relaxes base linearly for attempt n: temperature drops
// by n steps toward the floor, risk threshold rises by n steps toward the
// ceiling. Attempt 0 returns base unchanged.
func (p *Policy) AdjustedParameters(s State, base StepParams) StepParams {
	n := float64(s.Attempt)
	out := StepParams{
		Temperature:   base.Temperature - n*p.cfg.TemperatureStep,
		RiskThreshold: base.RiskThreshold + n*p.cfg.RiskStep,
	}
	if out.Temperature < p.cfg.TemperatureFloor {
		out.Temperature = p.cfg.TemperatureFloor
	}
	if out.RiskThreshold > p.cfg.RiskCeiling {
		out.RiskThreshold = p.cfg.RiskCeiling
	}
	return out
}

// Backoff returns the delay before the given attempt becomes visible:
// initial × multiplier^attempt, capped at the configured maximum. Purely
// deterministic so retry visibility ordering is reproducible.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.cfg.BackoffInitial) * math.Pow(p.cfg.BackoffMultiplier, float64(attempt))
	if d > float64(p.cfg.BackoffMax) || math.IsInf(d, 1) {
		return p.cfg.BackoffMax
	}
	return time.Duration(d)
}

// riskAtCeiling reports whether the relaxation schedule has already pinned
// the risk threshold at its ceiling for this attempt, i.e. there is no more
// tolerance left to grant.
func (p *Policy) riskAtCeiling(attempt int) bool {
	return float64(attempt)*p.cfg.RiskStep >= p.cfg.RiskCeiling
}
