package middleware

import (
	"math"
	nethttp "net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/searchktools/exot/core/http"
)

// RateLimitOptions configure RateLimiter.
type RateLimitOptions struct {
	// Rate is the number of requests per second per key.
	Rate  float64
	Burst int
	// Key picks the bucket of a request; the client address by default.
	Key func(ctx *http.Context) string
	// IdleTTL drops buckets unused for that long; 0 means ten minutes.
	IdleTTL time.Duration
	Logger  *zap.Logger
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per key.
type RateLimiter struct {
	opts RateLimitOptions
	log  *zap.Logger

	mu      sync.Mutex
	buckets map[string]*bucket
	swept   time.Time
}

func NewRateLimiter(opts RateLimitOptions) *RateLimiter {
	if opts.Burst <= 0 {
		opts.Burst = max(1, int(math.Ceil(opts.Rate)))
	}
	if opts.Key == nil {
		opts.Key = (*http.Context).RemoteAddress
	}
	if opts.IdleTTL == 0 {
		opts.IdleTTL = 10 * time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &RateLimiter{opts: opts, log: log, buckets: make(map[string]*bucket), swept: time.Now()}
}

// RateLimit is NewRateLimiter(opts).Handler().
func RateLimit(opts RateLimitOptions) func(*http.Context) (any, error) {
	return NewRateLimiter(opts).Handler()
}

// Allow takes a token from key's bucket.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if now.Sub(rl.swept) > rl.opts.IdleTTL {
		for k, b := range rl.buckets {
			if now.Sub(b.lastSeen) > rl.opts.IdleTTL {
				delete(rl.buckets, k)
			}
		}
		rl.swept = now
	}

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(rl.opts.Rate), rl.opts.Burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	r := b.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// Keys reports how many buckets are alive.
func (rl *RateLimiter) Keys() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Handler fails limited requests with 429 and a Retry-After header.
func (rl *RateLimiter) Handler() func(*http.Context) (any, error) {
	return func(ctx *http.Context) (any, error) {
		key := rl.opts.Key(ctx)
		ok, wait := rl.Allow(key)
		if ok {
			return nil, nil
		}
		rl.log.Debug("rate limited",
			zap.String("key", key),
			zap.String("method", ctx.Method()),
			zap.String("path", ctx.Path()))
		ctx.SetHeader("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		return nil, http.NewError(nethttp.StatusTooManyRequests, "Too Many Requests")
	}
}
