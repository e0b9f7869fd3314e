// Package audit records decision and mutation events, publishes them on the
// live stream and forwards them to optional sinks.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/org/agentwall/internal/storage"
	"github.com/org/agentwall/internal/stream"
	"github.com/org/agentwall/pkg/models"
	"github.com/rs/zerolog/log"
)

// Store is the subset of storage.Backend the emitter needs.
type Store interface {
	AppendAuditEvent(ctx context.Context, e *models.AuditEvent) error
	QueryAuditEvents(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEvent, int, error)
	AuditStats(ctx context.Context, tenantID string) (*models.FirewallStats, error)
}

// Sink receives a copy of every recorded event. Sink errors never fail Record.
type Sink interface {
	Publish(ctx context.Context, e *models.AuditEvent) error
}

// Emitter appends events to the store and fans them out.
type Emitter struct {
	store Store
	hub   *stream.Hub
	sinks []Sink
	now   func() time.Time
}

// NewEmitter creates an Emitter. hub may be nil.
func NewEmitter(store Store, hub *stream.Hub, sinks ...Sink) *Emitter {
	return &Emitter{store: store, hub: hub, sinks: sinks, now: func() time.Time { return time.Now().UTC() }}
}

// Record stamps e with an id and timestamp when missing, appends it and then
// publishes it. The event is published even if the append fails so live
// dashboards stay complete; the append error is returned to the caller.
func (em *Emitter) Record(ctx context.Context, e *models.AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = em.now()
	}
	if e.Actor == "" {
		e.Actor = "system"
	}
	if e.Status == "" {
		e.Status = models.StatusSuccess
	}

	err := em.store.AppendAuditEvent(ctx, e)
	if err != nil {
		log.Error().Err(err).Str("action", e.Action).Str("request_id", e.RequestID).Msg("audit append failed")
	}

	if em.hub != nil {
		typ := stream.TypeNotification
		if e.IsFirewallDecision() {
			typ = stream.TypeDecision
		}
		evt := stream.NewEvent(typ, e)
		evt.RequestID = e.RequestID
		evt.TenantID = e.TenantID
		em.hub.Publish(evt)
	}
	for _, s := range em.sinks {
		if serr := s.Publish(ctx, e); serr != nil {
			log.Warn().Err(serr).Str("event_id", e.ID).Msg("audit sink publish failed")
		}
	}
	return err
}

// Query returns events newest first and the total matching the filter.
func (em *Emitter) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEvent, int, error) {
	return em.store.QueryAuditEvents(ctx, filter)
}

// Stats aggregates the firewall decisions of tenantID, or of every tenant
// when it is empty.
func (em *Emitter) Stats(ctx context.Context, tenantID string) (*models.FirewallStats, error) {
	return em.store.AuditStats(ctx, tenantID)
}
