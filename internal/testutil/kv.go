package testutil

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrKVDown simulates an unreachable coordination store.
var ErrKVDown = errors.New("coordination store unreachable")

// KV is a mutex-backed in-memory implementation of the narrow Redis client
// interfaces used by the idempotency guard and the budget ledger. TTLs are
// accepted but not enforced; tests that need expiry delete keys explicitly.
type KV struct {
	mu   sync.Mutex
	data map[string]string

	// Down makes every operation fail, for degraded-mode tests.
	Down bool
}

func NewKV() *KV {
	return &KV{data: make(map[string]string)}
}

func (f *KV) failed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Down
}

// SetDown toggles simulated outage.
func (f *KV) SetDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Down = down
}

func (f *KV) SetNX(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	if f.failed() {
		return redis.NewBoolResult(false, ErrKVDown)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = asString(value)
	return redis.NewBoolResult(true, nil)
}

func (f *KV) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.failed() {
		return redis.NewStringResult("", ErrKVDown)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *KV) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	if f.failed() {
		return redis.NewStatusResult("", ErrKVDown)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = asString(value)
	return redis.NewStatusResult("OK", nil)
}

func (f *KV) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	if f.failed() {
		return redis.NewIntResult(0, ErrKVDown)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *KV) IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd {
	if f.failed() {
		return redis.NewIntResult(0, ErrKVDown)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, _ := strconv.ParseInt(f.data[key], 10, 64)
	cur += value
	f.data[key] = strconv.FormatInt(cur, 10)
	return redis.NewIntResult(cur, nil)
}

func (f *KV) Expire(ctx context.Context, key string, _ time.Duration) *redis.BoolCmd {
	if f.failed() {
		return redis.NewBoolResult(false, ErrKVDown)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return redis.NewBoolResult(ok, nil)
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return ""
	}
}
