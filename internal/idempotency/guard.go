// Package idempotency deduplicates job execution by a stable key. A worker
// that wins the acquire race is the sole executor; losers are told to back
// off, and repeats after completion get the cached result byte-for-byte.
//
// The store is a coordination cache, not the source of truth. When it is
// unreachable the guard fails open: execution proceeds without deduplication,
// logged loudly, because availability of the business function outranks dedup
// guarantees during an infrastructure outage.
package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourorg/convoy/internal/domain"
)

// Values that are not result blobs. Results are JSON objects, so neither
// sentinel can collide with a cached outcome.
const (
	processingMarker = "__processing__"
	failedMarker     = "__failed__"
)

// Client is the subset of redis.Client the guard uses, substitutable in tests.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Status classifies the acquire result. It is an explicit variant so callers
// are forced to handle the conflict case instead of relying on exception-style
// propagation.
type Status string

const (
	// StatusNew: the caller holds the in-progress marker and is the sole executor.
	StatusNew Status = "new"
	// StatusInFlight: another worker is executing this exact unit of work
	// right now. Back off and retry later; do not execute.
	StatusInFlight Status = "in_flight"
	// StatusCached: a finished result exists and is returned verbatim.
	StatusCached Status = "cached"
	// StatusFailedPermanently: a prior attempt failed with no retry allowed.
	StatusFailedPermanently Status = "failed_permanently"
	// StatusDegraded: the store is unreachable; proceed without deduplication.
	StatusDegraded Status = "degraded"
)

// Acquisition is the result of CheckAndAcquire.
type Acquisition struct {
	Status Status
	// Result holds the cached outcome for StatusCached.
	Result []byte
	// Cause holds the infrastructure error for StatusDegraded.
	Cause error
}

type Option func(*Guard)

// WithTTL sets the lifetime of both in-progress markers and cached results.
// The marker TTL bounds how long a crashed worker can block deduplication.
func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) { g.ttl = ttl }
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

type Guard struct {
	client Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewGuard(client Client, opts ...Option) *Guard {
	g := &Guard{
		client: client,
		ttl:    6 * time.Hour,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckAndAcquire attempts to atomically set key to the in-progress marker
// only if absent. It never blocks: a losing claimant learns immediately.
func (g *Guard) CheckAndAcquire(ctx context.Context, key string) Acquisition {
	ok, err := g.client.SetNX(ctx, key, processingMarker, g.ttl).Result()
	if err != nil {
		return g.degraded("acquire", key, err)
	}
	if ok {
		return Acquisition{Status: StatusNew}
	}

	val, err := g.client.Get(ctx, key).Result()
	if err == redis.Nil {
		// The key expired between SETNX and GET. Treat as a conflict; the
		// next attempt will acquire cleanly.
		return Acquisition{Status: StatusInFlight}
	}
	if err != nil {
		return g.degraded("lookup", key, err)
	}

	switch val {
	case processingMarker:
		return Acquisition{Status: StatusInFlight}
	case failedMarker:
		return Acquisition{Status: StatusFailedPermanently}
	default:
		return Acquisition{Status: StatusCached, Result: []byte(val)}
	}
}

// MarkComplete overwrites the in-progress marker with the result blob. All
// repeat lookups return it verbatim until the TTL expires. Store failures are
// logged and swallowed: the execution already happened, only future
// deduplication is lost.
func (g *Guard) MarkComplete(ctx context.Context, key string, result []byte) {
	if err := g.client.Set(ctx, key, result, g.ttl).Err(); err != nil {
		g.logger.Error("idempotency result not cached; repeats will re-execute",
			"key", key, "err", &domain.TransientInfraError{Op: "mark complete", Err: err})
	}
}

// MarkFailed releases or poisons the key after a failed execution. With
// allowRetry the key is deleted so a future attempt is treated as new;
// otherwise a permanent-failure marker is stored and no further attempt is
// honored.
func (g *Guard) MarkFailed(ctx context.Context, key string, allowRetry bool) {
	var err error
	if allowRetry {
		err = g.client.Del(ctx, key).Err()
	} else {
		err = g.client.Set(ctx, key, failedMarker, g.ttl).Err()
	}
	if err != nil {
		g.logger.Error("idempotency failure not recorded",
			"key", key, "allow_retry", allowRetry,
			"err", &domain.TransientInfraError{Op: "mark failed", Err: err})
	}
}

func (g *Guard) degraded(op, key string, err error) Acquisition {
	infra := &domain.TransientInfraError{Op: "idempotency " + op, Err: err}
	g.logger.Error("idempotency guard degraded; executing WITHOUT deduplication",
		"key", key, "err", infra)
	return Acquisition{Status: StatusDegraded, Cause: infra}
}
