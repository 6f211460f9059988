package middleware

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v3"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Taimoorkn/llm-popularity-tracker/internal/model"
)

func newLimiter(t *testing.T, withRedis bool, lim Limit) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	limits := map[string]Limit{ActionVote: lim}
	if !withRedis {
		return NewRateLimiter(nil, limits, zerolog.Nop()), nil
	}
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRateLimiter(rdb, limits, zerolog.Nop()), mr
}

func TestRateLimiter_AllowsUpToMax(t *testing.T) {
	for _, withRedis := range []bool{false, true} {
		rl, _ := newLimiter(t, withRedis, Limit{Max: 5, Window: time.Minute})
		for i := 0; i < 5; i++ {
			if d := rl.Allow(context.Background(), ActionVote, "fp-a"); !d.Allowed {
				t.Fatalf("redis=%v: request %d should be allowed", withRedis, i+1)
			}
		}
		if d := rl.Allow(context.Background(), ActionVote, "fp-a"); d.Allowed {
			t.Fatalf("redis=%v: 6th request should be blocked", withRedis)
		} else if d.RetryAfter <= 0 || d.RetryAfter > time.Minute {
			t.Errorf("redis=%v: retry after = %s", withRedis, d.RetryAfter)
		}
	}
}

func TestRateLimiter_DifferentKeysIndependent(t *testing.T) {
	rl, _ := newLimiter(t, true, Limit{Max: 2, Window: time.Minute})
	ctx := context.Background()

	rl.Allow(ctx, ActionVote, "fp-a")
	rl.Allow(ctx, ActionVote, "fp-a")

	// fp-a is exhausted
	if rl.Allow(ctx, ActionVote, "fp-a").Allowed {
		t.Fatal("fp-a should be blocked")
	}

	// fp-b should still be allowed
	if !rl.Allow(ctx, ActionVote, "fp-b").Allowed {
		t.Fatal("fp-b should be allowed (independent key)")
	}
}

func TestRateLimiter_SlidingWindowInRedis(t *testing.T) {
	rl, mr := newLimiter(t, true, Limit{Max: 3, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rl.Allow(ctx, ActionVote, "fp-a")
	}
	if rl.Allow(ctx, ActionVote, "fp-a").Allowed {
		t.Fatal("should be blocked within window")
	}

	members, err := mr.ZMembers("rl:vote:fp-a")
	if err != nil {
		t.Fatalf("zset: %v", err)
	}
	if len(members) != 3 {
		t.Errorf("window holds %d entries, want 3 (rejected requests are not recorded)", len(members))
	}
	if mr.TTL("rl:vote:fp-a") <= 0 {
		t.Error("window key should expire")
	}
}

func TestRateLimiter_LocalWindowResets(t *testing.T) {
	rl, _ := newLimiter(t, false, Limit{Max: 2, Window: 50 * time.Millisecond})
	ctx := context.Background()

	rl.Allow(ctx, ActionVote, "test")
	rl.Allow(ctx, ActionVote, "test")

	if rl.Allow(ctx, ActionVote, "test").Allowed {
		t.Fatal("should be blocked within window")
	}

	// Wait for window to expire
	time.Sleep(60 * time.Millisecond)

	if !rl.Allow(ctx, ActionVote, "test").Allowed {
		t.Fatal("should be allowed after window reset")
	}
}

func TestRateLimiter_FallsBackWhenRedisDown(t *testing.T) {
	rl, mr := newLimiter(t, true, Limit{Max: 2, Window: time.Minute})
	mr.Close()
	ctx := context.Background()

	if !rl.Allow(ctx, ActionVote, "fp-a").Allowed || !rl.Allow(ctx, ActionVote, "fp-a").Allowed {
		t.Fatal("requests within the limit must pass while redis is down")
	}
	if rl.Allow(ctx, ActionVote, "fp-a").Allowed {
		t.Fatal("local fallback should still enforce the limit")
	}
}

func TestRateLimiter_UnconfiguredActionAllowed(t *testing.T) {
	rl, _ := newLimiter(t, false, Limit{Max: 1, Window: time.Minute})
	for i := 0; i < 10; i++ {
		if !rl.Allow(context.Background(), "export", "k").Allowed {
			t.Fatal("actions without a limit are never blocked")
		}
	}
}

func TestRateLimiter_Check(t *testing.T) {
	rl, _ := newLimiter(t, false, Limit{Max: 1, Window: time.Minute})
	ctx := context.Background()

	if err := rl.Check(ctx, ActionVote, "fp-a"); err != nil {
		t.Fatalf("first check: %v", err)
	}
	err := rl.Check(ctx, ActionVote, "fp-a")
	var rle *model.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v, want *RateLimitedError", err)
	}
	if rle.RetryAfterSeconds() < 1 {
		t.Errorf("retry after seconds = %d", rle.RetryAfterSeconds())
	}
}

func TestRateLimiter_Handler(t *testing.T) {
	rl := NewRateLimiter(nil, map[string]Limit{ActionStats: {Max: 1, Window: time.Minute}}, zerolog.Nop())

	app := fiber.New()
	app.Get("/api/stats", rl.Handler(ActionStats, KeyByIP), func(c fiber.Ctx) error {
		return c.SendString("ok")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/stats", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 200 || resp.Header.Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("first request status=%d limit=%q", resp.StatusCode, resp.Header.Get("X-RateLimit-Limit"))
	}

	resp, err = app.Test(httptest.NewRequest("GET", "/api/stats", nil))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != 429 {
		t.Fatalf("second request status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}
