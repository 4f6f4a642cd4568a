// Package outbox implements a durable, contention-free claim/complete
// protocol for at-least-once delivery of work items, co-located with the
// business writes that produce them.
package outbox

import (
	"log/slog"
	"math"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config tunes a Queue. Zero values are replaced by withDefaults.
type Config struct {
	// LeaseWindow is how long a claim protects an item. An item whose
	// claimed_at is older than this is eligible for reclaim by any worker;
	// this is the only crash-recovery mechanism.
	LeaseWindow time.Duration
	// MaxRetries is the number of recorded failures before an item is
	// dead-lettered. The initial attempt is not a retry: MaxRetries = 3
	// allows one initial attempt plus failures on attempts 1, 2 and 3.
	MaxRetries int

	BackoffInitial    time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.LeaseWindow <= 0 {
		c.LeaseWindow = 60 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
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
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

type Option func(*Config)

func WithLeaseWindow(d time.Duration) Option {
	return func(c *Config) { c.LeaseWindow = d }
}

func WithMaxRetries(n int) Option {
	return func(c *Config) { c.MaxRetries = n }
}

func WithBackoff(initial time.Duration, multiplier float64, max time.Duration) Option {
	return func(c *Config) {
		c.BackoffInitial = initial
		c.BackoffMultiplier = multiplier
		c.BackoffMax = max
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// Queue is the outbox over a single relational store.
type Queue struct {
	pool *pgxpool.Pool
	cfg  Config
}

func New(pool *pgxpool.Pool, opts ...Option) *Queue {
	var cfg Config
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Queue{pool: pool, cfg: cfg.withDefaults()}
}

// defaultBackoff is the queue's own retry delay, used when complete is called
// without an explicit delay: initial × multiplier^retries, capped.
func (q *Queue) defaultBackoff(retryCount int) time.Duration {
	d := float64(q.cfg.BackoffInitial) * math.Pow(q.cfg.BackoffMultiplier, float64(retryCount))
	if d > float64(q.cfg.BackoffMax) || math.IsInf(d, 1) {
		return q.cfg.BackoffMax
	}
	return time.Duration(d)
}
