// Package ratelimit implements fixed-window request counters keyed by an
// identifier such as "apikey:<id>", "user:<id>" or "ip:<addr>".
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Identifier kinds. Each kind is an independent counter namespace.
const (
	KindAPIKey = "apikey"
	KindUser   = "user"
	KindIP     = "ip"
)

// Key builds the counter identifier for a kind and value.
func Key(kind, value string) string {
	return kind + ":" + value
}

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is how long a denied caller should wait, rounded up to a second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return time.Second
	}
	return wait.Truncate(time.Second) + time.Second
}

// Limiter counts calls per identifier. A call over the limit is denied and not
// counted; the window resets once now reaches the reset time.
type Limiter interface {
	CheckAndConsume(ctx context.Context, identifier string, limit int, window time.Duration) Decision
}

type InMemoryLimiter struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]entry
	calls int
}

type entry struct {
	count   int
	resetAt time.Time
}

// cleanupEvery bounds how often expired counters are swept.
const cleanupEvery = 1024

func NewInMemory() *InMemoryLimiter {
	return &InMemoryLimiter{
		now:   time.Now,
		items: make(map[string]entry),
	}
}

// WithClock replaces time.Now, for tests.
func (l *InMemoryLimiter) WithClock(now func() time.Time) *InMemoryLimiter {
	l.now = now
	return l
}

func (l *InMemoryLimiter) CheckAndConsume(_ context.Context, identifier string, limit int, window time.Duration) Decision {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls%cleanupEvery == 0 {
		l.cleanup(now)
	}
	curr, ok := l.items[identifier]
	if !ok || !now.Before(curr.resetAt) {
		curr = entry{resetAt: now.Add(window)}
	}
	if curr.count >= limit {
		l.items[identifier] = curr
		return Decision{Allowed: false, Count: curr.count, Limit: limit, Remaining: 0, ResetAt: curr.resetAt}
	}
	curr.count++
	l.items[identifier] = curr
	return Decision{
		Allowed:   true,
		Count:     curr.count,
		Limit:     limit,
		Remaining: limit - curr.count,
		ResetAt:   curr.resetAt,
	}
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if !now.Before(v.resetAt) {
			delete(l.items, k)
		}
	}
}
