// Package ratelimit caps events per key within a sliding time window.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // zero when allowed
}

// Limiter admits at most Limit events per key in any trailing window.
// Rejected events are not counted.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Options selects and configures a limiter backend.
type Options struct {
	Backend string // "memory" (default) or "redis"
	Limit   int
	Window  time.Duration
	Prefix  string        // redis key prefix
	Redis   *redis.Client // required for the redis backend
}

// New builds the limiter described by opts.
func New(opts Options) (Limiter, error) {
	if opts.Limit <= 0 || opts.Window <= 0 {
		return nil, fmt.Errorf("ratelimit: limit and window must be positive")
	}
	switch opts.Backend {
	case "", "memory":
		return NewMemory(opts.Limit, opts.Window), nil
	case "redis":
		if opts.Redis == nil {
			return nil, fmt.Errorf("ratelimit: redis backend needs a client")
		}
		return NewRedis(opts.Redis, opts.Prefix, opts.Limit, opts.Window), nil
	default:
		return nil, fmt.Errorf("ratelimit: unknown backend %q", opts.Backend)
	}
}
