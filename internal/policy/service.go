// Package policy manages firewall policies, their rules and bindings, and
// resolves which policies apply to a request.
package policy

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/org/agentwall/internal/errs"
	"github.com/org/agentwall/internal/storage"
	"github.com/org/agentwall/pkg/models"
	"github.com/rs/zerolog/log"
)

// PriorityStep separates default priorities so policies can be slotted in
// between later.
const PriorityStep = 10

// Recorder receives an audit event for every mutation.
type Recorder interface {
	Record(ctx context.Context, e *models.AuditEvent) error
}

// Service is the policy store's write and read surface.
type Service struct {
	store    storage.Backend
	recorder Recorder
	now      func() time.Time
}

func NewService(store storage.Backend, recorder Recorder) *Service {
	return &Service{store: store, recorder: recorder, now: func() time.Time { return time.Now().UTC() }}
}

// CreatePolicyInput carries the fields accepted on create. Nil pointers take
// defaults: next free priority step, active, enforce mode.
type CreatePolicyInput struct {
	TenantID    string      `json:"tenantId"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Priority    *int        `json:"priority"`
	IsActive    *bool       `json:"isActive"`
	Mode        models.Mode `json:"mode"`
}

// UpdatePolicyInput carries the fields a policy update may change.
type UpdatePolicyInput struct {
	Name        *string      `json:"name"`
	Description *string      `json:"description"`
	Priority    *int         `json:"priority"`
	IsActive    *bool        `json:"isActive"`
	Mode        *models.Mode `json:"mode"`
}

// CreateRuleInput carries a new rule.
type CreateRuleInput struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Conditions  *models.Condition `json:"conditions"`
	Action      models.Action     `json:"action"`
	Severity    models.Severity   `json:"severity"`
	Replacement string            `json:"replacement"`
	IsActive    *bool             `json:"isActive"`
}

// CreateBindingInput carries a new binding. Empty scoping strings are
// treated as unset.
type CreateBindingInput struct {
	PolicyID    string  `json:"policyId"`
	TenantID    string  `json:"tenantId"`
	APIKeyID    *string `json:"apiKeyId"`
	UserID      *string `json:"userId"`
	AgentID     *string `json:"agentId"`
	RoutePrefix *string `json:"routePrefix"`
	IsActive    *bool   `json:"isActive"`
}

var errPriorityTaken = errs.Conflict("Priority already exists for this tenant")

func (s *Service) CreatePolicy(ctx context.Context, actor string, in CreatePolicyInput) (*models.Policy, error) {
	in.TenantID = strings.TrimSpace(in.TenantID)
	in.Name = strings.TrimSpace(in.Name)
	if in.TenantID == "" {
		return nil, errs.Validation("tenantId is required")
	}
	if in.Name == "" {
		return nil, errs.Validation("name is required")
	}
	mode := in.Mode
	if mode == "" {
		mode = models.ModeEnforce
	}
	if !mode.Valid() {
		return nil, errs.Validation("mode must be one of enforce, shadow, off")
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}

	var priority int
	if in.Priority != nil {
		priority = *in.Priority
		if priority < 0 {
			return nil, errs.Validation("priority must not be negative")
		}
	} else {
		max, found, err := s.store.MaxPriority(ctx, in.TenantID)
		if err != nil {
			return nil, err
		}
		priority = PriorityStep
		if found {
			priority = max + PriorityStep
		}
	}

	now := s.now()
	p := &models.Policy{
		ID:          uuid.NewString(),
		TenantID:    in.TenantID,
		Name:        in.Name,
		Description: in.Description,
		Priority:    priority,
		IsActive:    active,
		Mode:        mode,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreatePolicy(ctx, p); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, errPriorityTaken
		}
		return nil, err
	}
	s.audit(ctx, actor, models.AuditPolicyCreate, "policy", p.ID, p.TenantID, map[string]any{
		"name": p.Name, "priority": p.Priority, "mode": p.Mode, "isActive": p.IsActive,
	})
	return p, nil
}

func (s *Service) UpdatePolicy(ctx context.Context, actor, id string, in UpdatePolicyInput) (*models.Policy, error) {
	p, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, notFound(err, "policy %s not found", id)
	}
	changed := map[string]any{}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, errs.Validation("name must not be empty")
		}
		p.Name = name
		changed["name"] = name
	}
	if in.Description != nil {
		p.Description = *in.Description
		changed["description"] = true
	}
	if in.Priority != nil {
		if *in.Priority < 0 {
			return nil, errs.Validation("priority must not be negative")
		}
		p.Priority = *in.Priority
		changed["priority"] = p.Priority
	}
	if in.IsActive != nil {
		p.IsActive = *in.IsActive
		changed["isActive"] = p.IsActive
	}
	if in.Mode != nil {
		if !in.Mode.Valid() {
			return nil, errs.Validation("mode must be one of enforce, shadow, off")
		}
		p.Mode = *in.Mode
		changed["mode"] = p.Mode
	}
	p.UpdatedAt = s.now()
	if err := s.store.UpdatePolicy(ctx, p); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, errPriorityTaken
		}
		return nil, notFound(err, "policy %s not found", id)
	}
	s.audit(ctx, actor, models.AuditPolicyUpdate, "policy", p.ID, p.TenantID, changed)
	return p, nil
}

// GetPolicy returns the policy with all of its rules.
func (s *Service) GetPolicy(ctx context.Context, id string) (*models.Policy, error) {
	p, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return nil, notFound(err, "policy %s not found", id)
	}
	rules, err := s.store.ListRules(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Rules = rules
	return p, nil
}

// ListPolicies returns policies ordered by priority ascending, newest first
// within a priority.
func (s *Service) ListPolicies(ctx context.Context, tenantID string, isActive *bool) ([]*models.Policy, error) {
	return s.store.ListPolicies(ctx, storage.PolicyFilter{TenantID: tenantID, IsActive: isActive})
}

func (s *Service) CreateRule(ctx context.Context, actor, policyID string, in CreateRuleInput) (*models.Rule, error) {
	p, err := s.store.GetPolicy(ctx, policyID)
	if err != nil {
		return nil, notFound(err, "policy %s not found", policyID)
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return nil, errs.Validation("name is required")
	}
	if !in.Action.Valid() {
		return nil, errs.Validation("action must be one of block, sanitize, warn, transform")
	}
	if in.Severity == "" {
		in.Severity = models.SeverityMedium
	}
	if !in.Severity.Valid() {
		return nil, errs.Validation("severity must be one of low, medium, high, critical")
	}
	if in.Conditions == nil {
		in.Conditions = &models.Condition{Type: models.ConditionAnd}
	}
	if err := in.Conditions.Validate(); err != nil {
		return nil, errs.Validation("conditions: %v", err)
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	r := &models.Rule{
		ID:          uuid.NewString(),
		PolicyID:    p.ID,
		Name:        in.Name,
		Description: in.Description,
		Conditions:  in.Conditions,
		Action:      in.Action,
		Severity:    in.Severity,
		Replacement: in.Replacement,
		IsActive:    active,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateRule(ctx, r); err != nil {
		return nil, notFound(err, "policy %s not found", policyID)
	}
	s.audit(ctx, actor, models.AuditRuleCreate, "rule", r.ID, p.TenantID, map[string]any{
		"policyId": p.ID, "action": r.Action, "severity": r.Severity,
	})
	return r, nil
}

func (s *Service) ListRules(ctx context.Context, policyID string) ([]*models.Rule, error) {
	rules, err := s.store.ListRules(ctx, policyID)
	if err != nil {
		return nil, notFound(err, "policy %s not found", policyID)
	}
	return rules, nil
}

func (s *Service) CreateBinding(ctx context.Context, actor string, in CreateBindingInput) (*models.Binding, error) {
	if in.PolicyID == "" {
		return nil, errs.Validation("policyId is required")
	}
	p, err := s.store.GetPolicy(ctx, in.PolicyID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errs.Validation("policy %s does not exist", in.PolicyID)
		}
		return nil, err
	}
	if in.TenantID == "" {
		in.TenantID = p.TenantID
	}
	if in.TenantID != p.TenantID {
		return nil, errs.Validation("binding tenant must match the policy tenant")
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	now := s.now()
	b := &models.Binding{
		ID:          uuid.NewString(),
		PolicyID:    p.ID,
		TenantID:    p.TenantID,
		APIKeyID:    optional(in.APIKeyID),
		UserID:      optional(in.UserID),
		AgentID:     optional(in.AgentID),
		RoutePrefix: optional(in.RoutePrefix),
		IsActive:    active,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateBinding(ctx, b); err != nil {
		return nil, notFound(err, "policy %s not found", in.PolicyID)
	}
	s.audit(ctx, actor, models.AuditBindingCreate, "binding", b.ID, b.TenantID, map[string]any{
		"policyId": b.PolicyID, "specificity": b.Specificity(),
	})
	return b, nil
}

// UpdateBinding changes only the active flag.
func (s *Service) UpdateBinding(ctx context.Context, actor, id string, isActive bool) (*models.Binding, error) {
	b, err := s.store.UpdateBindingActive(ctx, id, isActive, s.now())
	if err != nil {
		return nil, notFound(err, "binding %s not found", id)
	}
	s.audit(ctx, actor, models.AuditBindingUpdate, "binding", b.ID, b.TenantID, map[string]any{"isActive": isActive})
	return b, nil
}

func (s *Service) DeleteBinding(ctx context.Context, actor, id string) error {
	b, err := s.store.GetBinding(ctx, id)
	if err != nil {
		return notFound(err, "binding %s not found", id)
	}
	if err := s.store.DeleteBinding(ctx, id); err != nil {
		return notFound(err, "binding %s not found", id)
	}
	s.audit(ctx, actor, models.AuditBindingDelete, "binding", b.ID, b.TenantID, map[string]any{"policyId": b.PolicyID})
	return nil
}

func (s *Service) GetBinding(ctx context.Context, id string) (*models.Binding, error) {
	b, err := s.store.GetBinding(ctx, id)
	if err != nil {
		return nil, notFound(err, "binding %s not found", id)
	}
	return b, nil
}

func (s *Service) ListBindings(ctx context.Context, tenantID, policyID string) ([]*models.Binding, error) {
	return s.store.ListBindings(ctx, storage.BindingFilter{TenantID: tenantID, PolicyID: policyID})
}

func (s *Service) audit(ctx context.Context, actor, action, resourceType, resourceID, tenantID string, details map[string]any) {
	if s.recorder == nil {
		return
	}
	err := s.recorder.Record(ctx, &models.AuditEvent{
		TenantID:     tenantID,
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Status:       models.StatusSuccess,
		Details:      details,
	})
	if err != nil {
		log.Error().Err(err).Str("action", action).Str("resource_id", resourceID).Msg("failed to record audit event")
	}
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, storage.ErrNotFound) {
		return errs.NotFound(format, args...)
	}
	return err
}

func optional(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}
