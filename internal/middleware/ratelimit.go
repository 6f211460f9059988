package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/metrics"
	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
)

// Rate-limited actions.
const (
	ActionVote    = "vote"
	ActionSync    = "sync"
	ActionStats   = "stats"
	ActionConnect = "connect"
)

// Limit is the number of requests allowed per sliding window.
type Limit struct {
	Max    int
	Window time.Duration
}

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// slidingWindow trims the window, counts what is left and records this
// request only if it fits. Times are in milliseconds.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, limit - count - 1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local retry = window
if oldest[2] then
  retry = tonumber(oldest[2]) + window - now
end
return {0, 0, retry}
`)

// entry tracks request count and window end for the in-memory fallback.
type entry struct {
	count     int
	windowEnd time.Time
}

// RateLimiter enforces per-(action, key) sliding windows in Redis so limits
// hold across instances. When Redis is absent or failing it falls back to
// an in-memory fixed window per instance rather than rejecting traffic.
type RateLimiter struct {
	rdb    *redis.Client
	limits map[string]Limit
	log    zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRateLimiter creates a limiter. rdb may be nil.
func NewRateLimiter(rdb *redis.Client, limits map[string]Limit, log zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		rdb:     rdb,
		limits:  limits,
		log:     log.With().Str("component", "ratelimit").Logger(),
		entries: make(map[string]*entry),
	}
}

// Allow checks and records one request for key under action. Actions with
// no configured limit are always allowed.
func (rl *RateLimiter) Allow(ctx context.Context, action, key string) Decision {
	lim, ok := rl.limits[action]
	if !ok || lim.Max <= 0 {
		return Decision{Allowed: true}
	}
	redisKey := "rl:" + action + ":" + key

	if rl.rdb != nil {
		d, err := rl.allowRedis(ctx, redisKey, lim)
		if err == nil {
			return rl.count(action, d)
		}
		rl.log.Warn().Err(err).Str("action", action).Msg("redis rate limit failed, using local window")
	}
	return rl.count(action, rl.allowLocal(redisKey, lim))
}

// Check returns a *model.RateLimitedError when the request is over limit.
func (rl *RateLimiter) Check(ctx context.Context, action, key string) error {
	d := rl.Allow(ctx, action, key)
	if d.Allowed {
		return nil
	}
	return &model.RateLimitedError{Action: action, RetryAfter: d.RetryAfter}
}

func (rl *RateLimiter) count(action string, d Decision) Decision {
	if !d.Allowed {
		metrics.RateLimited.WithLabelValues(action).Inc()
	}
	return d
}

func (rl *RateLimiter) allowRedis(ctx context.Context, key string, lim Limit) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	now := time.Now().UnixMilli()
	res, err := slidingWindow.Run(ctx, rl.rdb, []string{key},
		now, lim.Window.Milliseconds(), lim.Max, fmt.Sprintf("%d-%s", now, uuid.NewString())).Int64Slice()
	if err != nil {
		return Decision{}, err
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("unexpected script result %v", res)
	}
	return Decision{
		Allowed:    res[0] == 1,
		Limit:      lim.Max,
		Remaining:  int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}

func (rl *RateLimiter) allowLocal(key string, lim Limit) Decision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	e, exists := rl.entries[key]
	if !exists || now.After(e.windowEnd) {
		rl.entries[key] = &entry{count: 1, windowEnd: now.Add(lim.Window)}
		return Decision{Allowed: true, Limit: lim.Max, Remaining: lim.Max - 1}
	}

	if e.count >= lim.Max {
		return Decision{Limit: lim.Max, RetryAfter: e.windowEnd.Sub(now)}
	}
	e.count++
	return Decision{Allowed: true, Limit: lim.Max, Remaining: lim.Max - e.count}
}

// Run sweeps expired local windows until ctx is cancelled.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, e := range rl.entries {
				if now.After(e.windowEnd) {
					delete(rl.entries, key)
				}
			}
			rl.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// Handler returns a Fiber middleware enforcing action's limit per keyFn.
func (rl *RateLimiter) Handler(action string, keyFn func(c fiber.Ctx) string) fiber.Handler {
	return func(c fiber.Ctx) error {
		d := rl.Allow(c.Context(), action, keyFn(c))
		if d.Limit > 0 {
			setRateLimitHeaders(c, d.Limit, d.Remaining)
		}
		if !d.Allowed {
			return WriteError(c, &model.RateLimitedError{Action: action, RetryAfter: d.RetryAfter})
		}
		return c.Next()
	}
}

func setRateLimitHeaders(c fiber.Ctx, limit, remaining int) {
	c.Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
	c.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", max(remaining, 0)))
}

// KeyByIP returns the client IP as the rate limit key.
func KeyByIP(c fiber.Ctx) string {
	return "ip:" + c.IP()
}

// KeyByFingerprint uses the X-Fingerprint header, falling back to the IP.
func KeyByFingerprint(c fiber.Ctx) string {
	if fp := c.Get("X-Fingerprint"); fp != "" {
		return "fp:" + fp
	}
	return KeyByIP(c)
}
