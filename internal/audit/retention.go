package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Pruner deletes audit events beyond a count or age bound.
type Pruner interface {
	PruneAuditEvents(ctx context.Context, keep int, olderThan time.Time) (int64, error)
}

// Retention prunes the audit trail on a cron schedule. Pruning always removes
// the oldest events first.
type Retention struct {
	pruner Pruner
	keep   int
	maxAge time.Duration
	now    func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewRetention keeps at most keep events (0 means unbounded) no older than
// maxAge (0 means no age bound).
func NewRetention(p Pruner, keep int, maxAge time.Duration) *Retention {
	return &Retention{pruner: p, keep: keep, maxAge: maxAge, now: time.Now}
}

// Prune runs one retention pass.
func (r *Retention) Prune(ctx context.Context) (int64, error) {
	var cutoff time.Time
	if r.maxAge > 0 {
		cutoff = r.now().Add(-r.maxAge).UTC()
	}
	if r.keep <= 0 && cutoff.IsZero() {
		return 0, nil
	}
	return r.pruner.PruneAuditEvents(ctx, r.keep, cutoff)
}

// Start schedules Prune. An empty schedule disables pruning.
func (r *Retention) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		log.Info().Msg("audit prune schedule not configured")
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { r.run(ctx) }); err != nil {
		return fmt.Errorf("scheduling audit pruning: %w", err)
	}
	c.Start()
	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()

	log.Info().Str("schedule", schedule).Int("keep", r.keep).Dur("max_age", r.maxAge).Msg("audit retention scheduled")
	go func() {
		<-ctx.Done()
		r.Stop()
	}()
	return nil
}

func (r *Retention) run(ctx context.Context) {
	deleted, err := r.Prune(ctx)
	if err != nil {
		log.Error().Err(err).Msg("scheduled audit pruning failed")
		return
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("audit events pruned")
	}
}

// Stop halts the schedule and waits for a running pass.
func (r *Retention) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
