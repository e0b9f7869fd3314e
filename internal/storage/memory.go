package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/org/agentwall/pkg/models"
)

// MemoryBackend is a Backend held entirely in process memory. It is used when
// no database URL is configured and by tests. Audit events are kept in a
// bounded ring that evicts the oldest first.
type MemoryBackend struct {
	mu         sync.RWMutex
	policies   map[string]*models.Policy
	rules      map[string][]*models.Rule // keyed by policy ID
	bindings   map[string]*models.Binding
	signatures []*models.ThreatSignature
	sigVersion int
	events     []*models.AuditEvent
	seq        int64
	maxEvents  int
}

// NewMemoryBackend returns an empty store that retains at most maxEvents audit
// events. maxEvents <= 0 keeps every event.
func NewMemoryBackend(maxEvents int) *MemoryBackend {
	return &MemoryBackend{
		policies:  make(map[string]*models.Policy),
		rules:     make(map[string][]*models.Rule),
		bindings:  make(map[string]*models.Binding),
		maxEvents: maxEvents,
	}
}

func (m *MemoryBackend) Close() {}

func (m *MemoryBackend) Ping(context.Context) error { return nil }

// --- Policies ---

func (m *MemoryBackend) CreatePolicy(_ context.Context, p *models.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[p.ID]; ok {
		return ErrConflict
	}
	if p.IsActive && m.priorityTakenLocked(p.TenantID, p.Priority, "") {
		return ErrConflict
	}
	cp := *p
	cp.Rules = nil
	m.policies[p.ID] = &cp
	return nil
}

func (m *MemoryBackend) UpdatePolicy(_ context.Context, p *models.Policy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[p.ID]; !ok {
		return ErrNotFound
	}
	if p.IsActive && m.priorityTakenLocked(p.TenantID, p.Priority, p.ID) {
		return ErrConflict
	}
	cp := *p
	cp.Rules = nil
	m.policies[p.ID] = &cp
	return nil
}

func (m *MemoryBackend) priorityTakenLocked(tenantID string, priority int, exceptID string) bool {
	for _, other := range m.policies {
		if other.ID != exceptID && other.IsActive && other.TenantID == tenantID && other.Priority == priority {
			return true
		}
	}
	return false
}

func (m *MemoryBackend) GetPolicy(_ context.Context, id string) (*models.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryBackend) ListPolicies(_ context.Context, filter PolicyFilter) ([]*models.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Policy, 0, len(m.policies))
	for _, p := range m.policies {
		if filter.TenantID != "" && p.TenantID != filter.TenantID {
			continue
		}
		if filter.IsActive != nil && p.IsActive != *filter.IsActive {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryBackend) MaxPriority(_ context.Context, tenantID string) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	max, found := 0, false
	for _, p := range m.policies {
		if p.TenantID != tenantID || !p.IsActive {
			continue
		}
		if !found || p.Priority > max {
			max, found = p.Priority, true
		}
	}
	return max, found, nil
}

// --- Rules ---

func (m *MemoryBackend) CreateRule(_ context.Context, r *models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[r.PolicyID]; !ok {
		return ErrNotFound
	}
	m.rules[r.PolicyID] = append(m.rules[r.PolicyID], copyRule(r))
	return nil
}

func (m *MemoryBackend) ListRules(_ context.Context, policyID string) ([]*models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.policies[policyID]; !ok {
		return nil, ErrNotFound
	}
	out := make([]*models.Rule, 0, len(m.rules[policyID]))
	for _, r := range m.rules[policyID] {
		out = append(out, copyRule(r))
	}
	return out, nil
}

// --- Bindings ---

func (m *MemoryBackend) CreateBinding(_ context.Context, b *models.Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.policies[b.PolicyID]; !ok {
		return ErrNotFound
	}
	if _, ok := m.bindings[b.ID]; ok {
		return ErrConflict
	}
	cp := *b
	m.bindings[b.ID] = &cp
	return nil
}

func (m *MemoryBackend) GetBinding(_ context.Context, id string) (*models.Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bindings[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (m *MemoryBackend) UpdateBindingActive(_ context.Context, id string, active bool, at time.Time) (*models.Binding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bindings[id]
	if !ok {
		return nil, ErrNotFound
	}
	b.IsActive = active
	b.UpdatedAt = at
	cp := *b
	return &cp, nil
}

func (m *MemoryBackend) DeleteBinding(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bindings[id]; !ok {
		return ErrNotFound
	}
	delete(m.bindings, id)
	return nil
}

func (m *MemoryBackend) ListBindings(_ context.Context, filter BindingFilter) ([]*models.Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		if filter.TenantID != "" && b.TenantID != filter.TenantID {
			continue
		}
		if filter.PolicyID != "" && b.PolicyID != filter.PolicyID {
			continue
		}
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryBackend) LoadTenantSnapshot(_ context.Context, tenantID string) (*models.TenantSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := &models.TenantSnapshot{TenantID: tenantID, Policies: make(map[string]*models.Policy)}
	for _, b := range m.bindings {
		if b.TenantID != tenantID || !b.IsActive {
			continue
		}
		p, ok := m.policies[b.PolicyID]
		if !ok || !p.IsActive || p.TenantID != tenantID {
			continue
		}
		cp := *b
		snap.Bindings = append(snap.Bindings, &cp)
		if _, seen := snap.Policies[p.ID]; seen {
			continue
		}
		pc := *p
		pc.Rules = nil
		for _, r := range m.rules[p.ID] {
			if r.IsActive {
				pc.Rules = append(pc.Rules, copyRule(r))
			}
		}
		snap.Policies[p.ID] = &pc
	}
	return snap, nil
}

// --- Signatures ---

func (m *MemoryBackend) ReplaceSignatures(_ context.Context, version int, sigs []*models.ThreatSignature) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.signatures {
		s.IsActive = false
	}
	now := time.Now().UTC()
	for _, s := range sigs {
		cp := *s
		if cp.ID == "" {
			cp.ID = uuid.NewString()
		}
		cp.Version = version
		cp.IsActive = true
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
		m.signatures = append(m.signatures, &cp)
	}
	m.sigVersion = version
	return nil
}

func (m *MemoryBackend) ActiveSignatures(context.Context) ([]*models.ThreatSignature, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ThreatSignature
	for _, s := range m.signatures {
		if s.IsActive {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, m.sigVersion, nil
}

// --- Audit ---

func (m *MemoryBackend) AppendAuditEvent(_ context.Context, e *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	e.Seq = m.seq
	cp := *e
	m.events = append(m.events, &cp)
	if m.maxEvents > 0 && len(m.events) > m.maxEvents {
		drop := len(m.events) - m.maxEvents
		m.events = append(m.events[:0:0], m.events[drop:]...)
	}
	return nil
}

func (m *MemoryBackend) QueryAuditEvents(_ context.Context, filter AuditFilter) ([]*models.AuditEvent, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matched []*models.AuditEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if !matchesAudit(e, filter) {
			continue
		}
		matched = append(matched, e)
	}
	total := len(matched)
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	start := filter.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	out := make([]*models.AuditEvent, 0, end-start)
	for _, e := range matched[start:end] {
		cp := *e
		out = append(out, &cp)
	}
	return out, total, nil
}

func matchesAudit(e *models.AuditEvent, f AuditFilter) bool {
	if f.TenantID != "" && e.TenantID != f.TenantID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.RequestID != "" && e.RequestID != f.RequestID {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	return true
}

func (m *MemoryBackend) AuditStats(_ context.Context, tenantID string) (*models.FirewallStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc := newStatsAccumulator()
	for _, e := range m.events {
		if !e.IsFirewallDecision() || e.IsRedTeam() {
			continue
		}
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		acc.add(e.Decision, e.Category, e.LatencyMs, 1)
	}
	return acc.stats(), nil
}

func (m *MemoryBackend) PruneAuditEvents(_ context.Context, keep int, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := 0
	if keep > 0 && len(m.events) > keep {
		drop = len(m.events) - keep
	}
	if !olderThan.IsZero() {
		for i := len(m.events) - 1; i >= drop; i-- {
			if m.events[i].Timestamp.Before(olderThan) {
				drop = i + 1
				break
			}
		}
	}
	if drop == 0 {
		return 0, nil
	}
	m.events = append(m.events[:0:0], m.events[drop:]...)
	return int64(drop), nil
}

func copyRule(r *models.Rule) *models.Rule {
	cp := *r
	if r.Conditions != nil {
		cp.Conditions = cloneCondition(r.Conditions)
	}
	return &cp
}

func cloneCondition(c *models.Condition) *models.Condition {
	raw, err := json.Marshal(c)
	if err != nil {
		return c
	}
	var out models.Condition
	if err := json.Unmarshal(raw, &out); err != nil {
		return c
	}
	return &out
}

// statsAccumulator folds decision events into FirewallStats. Both backends
// share it so the buckets stay identical.
type statsAccumulator struct {
	s          models.FirewallStats
	latencySum float64
	categories map[string]int64
}

func newStatsAccumulator() *statsAccumulator {
	return &statsAccumulator{categories: make(map[string]int64)}
}

func (a *statsAccumulator) add(decision, category string, latencyMs float64, n int64) {
	a.s.TotalRequests += n
	a.latencySum += latencyMs * float64(n)
	switch decision {
	case models.DecisionAllow, models.DecisionWarn:
		a.s.Allowed += n
	case models.DecisionBlock, models.DecisionUnavailable:
		a.s.Blocked += n
	case models.DecisionShadowLogged:
		a.s.ShadowBlocked += n
		a.s.Allowed += n
	case models.DecisionSanitize, models.DecisionTransform:
		a.s.Sanitized += n
	case models.DecisionDegraded:
		a.s.Degraded += n
		a.s.Allowed += n
	}
	if category = strings.TrimSpace(category); category != "" {
		a.categories[category] += n
	}
}

func (a *statsAccumulator) stats() *models.FirewallStats {
	out := a.s
	if out.TotalRequests > 0 {
		out.AverageLatencyMs = a.latencySum / float64(out.TotalRequests)
	}
	out.TopCategories = make([]models.CategoryCount, 0, len(a.categories))
	for c, n := range a.categories {
		out.TopCategories = append(out.TopCategories, models.CategoryCount{Category: c, Count: n})
	}
	sort.Slice(out.TopCategories, func(i, j int) bool {
		if out.TopCategories[i].Count != out.TopCategories[j].Count {
			return out.TopCategories[i].Count > out.TopCategories[j].Count
		}
		return out.TopCategories[i].Category < out.TopCategories[j].Category
	})
	if len(out.TopCategories) > topCategoryCount {
		out.TopCategories = out.TopCategories[:topCategoryCount]
	}
	return &out
}
