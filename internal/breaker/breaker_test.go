package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/org/agentwall/internal/errs"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func newTestRegistry(clock *fakeClock, cfg Config) *Registry {
	return NewRegistry(cfg, nil, WithClock(clock.Now))
}

func TestOpensAfterThresholdAndRejectsWithoutCalling(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := newTestRegistry(clock, Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: 10 * time.Second})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.Execute(ctx, "classifier", fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if st := r.Get("classifier").State(); st != Open {
		t.Fatalf("state = %s, want open", st)
	}

	called := false
	err := r.Execute(ctx, "classifier", func(context.Context) error { called = true; return nil })
	if !errors.Is(err, errs.ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	var oe *OpenError
	if !errors.As(err, &oe) || oe.Name != "classifier" || oe.RetryAfter != 10*time.Second {
		t.Errorf("open error = %+v", oe)
	}
	if called {
		t.Error("operation invoked while open")
	}
	if got := testutil.ToFloat64(breakerState.WithLabelValues("classifier")); got != float64(Open) {
		t.Errorf("gauge = %v", got)
	}
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := newTestRegistry(clock, Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: 10 * time.Second})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		r.Execute(ctx, "db", fail)
	}

	clock.Advance(9 * time.Second)
	if err := r.Execute(ctx, "db", succeed); !errors.Is(err, errs.ErrCircuitOpen) {
		t.Fatalf("expected still open before timeout, got %v", err)
	}
	clock.Advance(time.Second)
	if st := r.Get("db").State(); st != HalfOpen {
		t.Fatalf("state = %s, want half-open", st)
	}
	if err := r.Execute(ctx, "db", succeed); err != nil {
		t.Fatalf("probe 1: %v", err)
	}
	if st := r.Get("db").State(); st != HalfOpen {
		t.Fatalf("state after one success = %s", st)
	}
	if err := r.Execute(ctx, "db", succeed); err != nil {
		t.Fatalf("probe 2: %v", err)
	}
	if st := r.Get("db").State(); st != Closed {
		t.Fatalf("state = %s, want closed", st)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := newTestRegistry(clock, Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second})
	ctx := context.Background()
	r.Execute(ctx, "edge", fail)
	clock.Advance(time.Second)
	r.Execute(ctx, "edge", fail)
	if st := r.Get("edge").State(); st != Open {
		t.Fatalf("state = %s, want open", st)
	}
}

func TestHalfOpenLimitsConcurrentProbes(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := newTestRegistry(clock, Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Second, HalfOpenMaxCalls: 1})
	ctx := context.Background()
	r.Execute(ctx, "upstream", fail)
	clock.Advance(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- r.Execute(ctx, "upstream", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	if err := r.Execute(ctx, "upstream", succeed); !errors.Is(err, errs.ErrCircuitOpen) {
		t.Fatalf("second probe should be rejected, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("probe: %v", err)
	}
	if st := r.Get("upstream").State(); st != Closed {
		t.Fatalf("state = %s, want closed", st)
	}
}

func TestStaleFailuresRestartCount(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := newTestRegistry(clock, Config{FailureThreshold: 3, MonitoringPeriod: time.Minute})
	ctx := context.Background()
	r.Execute(ctx, "db", fail)
	r.Execute(ctx, "db", fail)
	clock.Advance(2 * time.Minute)
	r.Execute(ctx, "db", fail)
	b := r.Get("db")
	if st := b.State(); st != Closed {
		t.Fatalf("state = %s, want closed", st)
	}
	if s := b.Stats(); s.Failures != 1 {
		t.Errorf("failures = %d, want 1", s.Failures)
	}
}

func TestFailuresDecayFromLastSuccess(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := newTestRegistry(clock, Config{FailureThreshold: 3, MonitoringPeriod: time.Minute})
	ctx := context.Background()
	r.Execute(ctx, "db", succeed)
	clock.Advance(50 * time.Second)
	r.Execute(ctx, "db", fail)
	clock.Advance(5 * time.Second)
	r.Execute(ctx, "db", fail)
	// 70s after the last success: the earlier failures are stale.
	clock.Advance(15 * time.Second)
	r.Execute(ctx, "db", fail)

	b := r.Get("db")
	if st := b.State(); st != Closed {
		t.Fatalf("state = %s, want closed", st)
	}
	if s := b.Stats(); s.Failures != 1 {
		t.Errorf("failures = %d, want 1", s.Failures)
	}
}

func TestQuickFailuresOpenWithoutPriorSuccess(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := newTestRegistry(clock, Config{FailureThreshold: 3, MonitoringPeriod: time.Minute})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		r.Execute(ctx, "db", fail)
	}
	if st := r.Get("db").State(); st != Open {
		t.Fatalf("state = %s, want open", st)
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := newTestRegistry(clock, Config{FailureThreshold: 3})
	ctx := context.Background()
	r.Execute(ctx, "db", fail)
	r.Execute(ctx, "db", fail)
	r.Execute(ctx, "db", succeed)
	r.Execute(ctx, "db", fail)
	r.Execute(ctx, "db", fail)
	if st := r.Get("db").State(); st != Closed {
		t.Fatalf("state = %s, want closed", st)
	}
}

func TestCancellationIsNeutralTimeoutIsFailure(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := newTestRegistry(clock, Config{FailureThreshold: 1, CallTimeout: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Execute(ctx, "classifier", func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if st := r.Get("classifier").State(); st != Closed {
		t.Fatalf("cancelled call tripped the breaker")
	}

	err = r.Execute(context.Background(), "classifier", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if st := r.Get("classifier").State(); st != Open {
		t.Fatalf("timeout should count as failure, state = %s", st)
	}
}

func TestRegistryStatsAndOverrides(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r := NewRegistry(Config{FailureThreshold: 5}, map[string]Config{"edge": {FailureThreshold: 1}}, WithClock(clock.Now))
	ctx := context.Background()
	r.Execute(ctx, "edge", fail)
	r.Execute(ctx, "database", fail)
	clock.Advance(90 * time.Second)

	stats := r.Stats()
	if len(stats) != 2 || stats[0].Name != "database" || stats[1].Name != "edge" {
		t.Fatalf("stats = %+v", stats)
	}
	if stats[0].State != "closed" || stats[0].Failures != 1 {
		t.Errorf("database = %+v", stats[0])
	}
	if stats[1].State != "half-open" {
		t.Errorf("edge = %+v", stats[1])
	}
	if stats[0].UptimeSeconds != 90 || stats[0].LastFailure == nil {
		t.Errorf("uptime/lastFailure = %+v", stats[0])
	}
	if r.Get("edge") != r.Get("edge") {
		t.Error("registry should cache breakers")
	}
}
