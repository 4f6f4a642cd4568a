// Package budget tracks usage against a shared ceiling with a lock-free
// atomic counter. The coordination store is a performance cache, never
// authoritative: when it is unreachable every operation fails open so budget
// enforcement degrades to best-effort rather than blocking business work.
package budget

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourorg/convoy/internal/domain"
)

// Client is the subset of redis.Client the ledger uses. It exists so tests
// can substitute an in-memory implementation.
type Client interface {
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

type Option func(*Ledger)

// WithCounterTTL bounds how long an idle scope's counter survives. Zero
// disables expiry.
func WithCounterTTL(ttl time.Duration) Option {
	return func(l *Ledger) { l.ttl = ttl }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// Ledger is the only mutator of usage counters. All spends go through Add;
// readers must never infer usage from anything but Get.
type Ledger struct {
	client Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewLedger(client Client, opts ...Option) *Ledger {
	l := &Ledger{
		client: client,
		ttl:    24 * time.Hour,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Add atomically increments the scope's counter and returns the
// post-increment total. This is a single indivisible operation; there is no
// ordering guarantee between concurrent adders, only that the final total is
// the sum of all adds.
//
// Degraded mode: if the store is unreachable the attempted amount is returned
// without being persisted and the failure is logged loudly. Never blocks,
// never fails closed.
func (l *Ledger) Add(ctx context.Context, scopeID string, amount int64) (int64, error) {
	key := usageKey(scopeID)
	total, err := l.client.IncrBy(ctx, key, amount).Result()
	if err != nil {
		infra := &domain.TransientInfraError{Op: "budget add", Err: err}
		l.logger.Error("budget ledger degraded; spend not recorded",
			"scope_id", scopeID, "amount", amount, "err", infra)
		return amount, nil
	}
	if l.ttl > 0 {
		// Best effort: losing the expiry only delays cleanup of idle scopes.
		l.client.Expire(ctx, key, l.ttl)
	}
	return total, nil
}

// Get returns the scope's current usage, or 0 when the scope has never spent
// or the store is unreachable.
func (l *Ledger) Get(ctx context.Context, scopeID string) (int64, error) {
	val, err := l.client.Get(ctx, usageKey(scopeID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		infra := &domain.TransientInfraError{Op: "budget get", Err: err}
		l.logger.Error("budget ledger degraded; reporting zero usage",
			"scope_id", scopeID, "err", infra)
		return 0, nil
	}
	total, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		l.logger.Error("budget counter corrupt; reporting zero usage",
			"scope_id", scopeID, "value", val, "err", err)
		return 0, nil
	}
	return total, nil
}

// Reset clears the scope's counter. This is the only way usage decreases and
// is an explicit administrative action.
func (l *Ledger) Reset(ctx context.Context, scopeID string) error {
	return l.client.Del(ctx, usageKey(scopeID)).Err()
}
