package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func TestInMemoryWindowReset(t *testing.T) {
	c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	limiter := NewInMemory().WithClock(c.Now)
	ctx := context.Background()
	key := Key(KindAPIKey, "k1")

	for i := 1; i <= 5; i++ {
		d := limiter.CheckAndConsume(ctx, key, 5, 60*time.Second)
		if !d.Allowed || d.Count != i || d.Remaining != 5-i {
			t.Fatalf("call %d: %+v", i, d)
		}
	}
	sixth := limiter.CheckAndConsume(ctx, key, 5, 60*time.Second)
	if sixth.Allowed || sixth.Remaining != 0 {
		t.Fatalf("sixth call should be denied: %+v", sixth)
	}
	// Denied calls are not counted.
	again := limiter.CheckAndConsume(ctx, key, 5, 60*time.Second)
	if again.Count != 5 {
		t.Fatalf("denied call was consumed: %+v", again)
	}

	c.now = c.now.Add(60 * time.Second)
	reset := limiter.CheckAndConsume(ctx, key, 5, 60*time.Second)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected new window at reset time, got %+v", reset)
	}
}

func TestInMemoryIndependentKinds(t *testing.T) {
	limiter := NewInMemory()
	ctx := context.Background()
	if d := limiter.CheckAndConsume(ctx, Key(KindUser, "u1"), 1, time.Second); !d.Allowed {
		t.Fatalf("user: %+v", d)
	}
	if d := limiter.CheckAndConsume(ctx, Key(KindIP, "u1"), 1, time.Second); !d.Allowed {
		t.Fatalf("ip counter should be independent: %+v", d)
	}
	if d := limiter.CheckAndConsume(ctx, Key(KindUser, "u1"), 1, time.Second); d.Allowed {
		t.Fatalf("second user call should be denied: %+v", d)
	}
}

func TestInMemoryLimitFloor(t *testing.T) {
	d := NewInMemory().CheckAndConsume(context.Background(), "k", 0, time.Minute)
	if !d.Allowed || d.Limit != 1 {
		t.Fatalf("expected fallback limit=1 and allowed decision, got %+v", d)
	}
}

func TestRetryAfter(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	d := Decision{ResetAt: now.Add(1500 * time.Millisecond)}
	if got := d.RetryAfter(now); got != 2*time.Second {
		t.Errorf("RetryAfter = %v", got)
	}
	if got := (Decision{ResetAt: now}).RetryAfter(now); got != time.Second {
		t.Errorf("RetryAfter past = %v", got)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedis(client)
	ctx := context.Background()
	key := Key(KindUser, "u1")

	first := limiter.CheckAndConsume(ctx, key, 1, time.Second)
	if !first.Allowed || first.Count != 1 || first.Remaining != 0 {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	second := limiter.CheckAndConsume(ctx, key, 1, time.Second)
	if second.Allowed || second.Count != 1 {
		t.Fatalf("second call should be denied without consuming: %+v", second)
	}
	if v, _ := mr.Get("agentwall:rl:" + key); v != "1" {
		t.Fatalf("stored counter = %q", v)
	}

	mr.FastForward(time.Second + 10*time.Millisecond)
	reset := limiter.CheckAndConsume(ctx, key, 1, time.Second)
	if !reset.Allowed || reset.Count != 1 {
		t.Fatalf("expected reset after ttl, got %+v", reset)
	}
}

func TestRedisFallbackWhenUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	mr.Close()
	limiter := NewRedis(client)
	ctx := context.Background()

	if d := limiter.CheckAndConsume(ctx, "ip:10.0.0.1", 1, time.Minute); !d.Allowed {
		t.Fatalf("fallback first: %+v", d)
	}
	if d := limiter.CheckAndConsume(ctx, "ip:10.0.0.1", 1, time.Minute); d.Allowed {
		t.Fatalf("fallback should still limit: %+v", d)
	}
}
