package storage

import (
	"context"
	"time"

	"github.com/org/agentwall/internal/errs"
	"github.com/org/agentwall/pkg/models"
)

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errs.ErrNotFound

// ErrConflict is returned when a write collides with a uniqueness invariant,
// such as two active policies of one tenant sharing a priority.
var ErrConflict = errs.ErrConflict

// Backend defines the persistence interface for agentwall.
type Backend interface {
	// Policies
	CreatePolicy(ctx context.Context, p *models.Policy) error
	UpdatePolicy(ctx context.Context, p *models.Policy) error
	GetPolicy(ctx context.Context, id string) (*models.Policy, error)
	ListPolicies(ctx context.Context, filter PolicyFilter) ([]*models.Policy, error)
	MaxPriority(ctx context.Context, tenantID string) (int, bool, error)

	// Rules
	CreateRule(ctx context.Context, r *models.Rule) error
	ListRules(ctx context.Context, policyID string) ([]*models.Rule, error)

	// Bindings
	CreateBinding(ctx context.Context, b *models.Binding) error
	GetBinding(ctx context.Context, id string) (*models.Binding, error)
	UpdateBindingActive(ctx context.Context, id string, active bool, at time.Time) (*models.Binding, error)
	DeleteBinding(ctx context.Context, id string) error
	ListBindings(ctx context.Context, filter BindingFilter) ([]*models.Binding, error)

	// LoadTenantSnapshot reads a tenant's active bindings, policies and rules
	// as one consistent view.
	LoadTenantSnapshot(ctx context.Context, tenantID string) (*models.TenantSnapshot, error)

	// Threat signatures
	ReplaceSignatures(ctx context.Context, version int, sigs []*models.ThreatSignature) error
	ActiveSignatures(ctx context.Context) ([]*models.ThreatSignature, int, error)

	// Audit
	AppendAuditEvent(ctx context.Context, e *models.AuditEvent) error
	QueryAuditEvents(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, int, error)
	AuditStats(ctx context.Context, tenantID string) (*models.FirewallStats, error)
	PruneAuditEvents(ctx context.Context, keep int, olderThan time.Time) (int64, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close()
}

// PolicyFilter narrows ListPolicies. Empty fields match everything.
type PolicyFilter struct {
	TenantID string
	IsActive *bool
}

// BindingFilter narrows ListBindings.
type BindingFilter struct {
	TenantID string
	PolicyID string
}

// AuditFilter specifies query parameters for audit retrieval.
type AuditFilter struct {
	TenantID  string
	Action    string
	RequestID string
	Since     *time.Time
	Limit     int
	Offset    int
}

// DefaultAuditLimit applies when AuditFilter.Limit is zero.
const DefaultAuditLimit = 100

// topCategoryCount is how many categories AuditStats reports.
const topCategoryCount = 5
