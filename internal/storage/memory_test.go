package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/org/agentwall/pkg/models"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newPolicy(id, tenant string, priority int, created time.Time) *models.Policy {
	return &models.Policy{ID: id, TenantID: tenant, Name: id, Priority: priority,
		IsActive: true, Mode: models.ModeEnforce, CreatedAt: created, UpdatedAt: created}
}

func strp(s string) *string { return &s }

func TestCreatePolicyPriorityConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(0)
	if err := m.CreatePolicy(ctx, newPolicy("p1", "t1", 10, t0)); err != nil {
		t.Fatalf("create p1: %v", err)
	}
	if err := m.CreatePolicy(ctx, newPolicy("p2", "t1", 10, t0)); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	// Same priority in another tenant is fine.
	if err := m.CreatePolicy(ctx, newPolicy("p3", "t2", 10, t0)); err != nil {
		t.Fatalf("create p3: %v", err)
	}
	// Inactive policies do not hold their priority.
	inactive := newPolicy("p4", "t1", 10, t0)
	inactive.IsActive = false
	if err := m.CreatePolicy(ctx, inactive); err != nil {
		t.Fatalf("create inactive: %v", err)
	}
}

func TestListPoliciesOrdering(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(0)
	m.CreatePolicy(ctx, newPolicy("late", "t1", 20, t0.Add(time.Minute)))
	m.CreatePolicy(ctx, newPolicy("first", "t1", 5, t0))
	old := newPolicy("old", "t1", 20, t0)
	old.IsActive = false
	m.CreatePolicy(ctx, old)

	got, err := m.ListPolicies(ctx, PolicyFilter{TenantID: "t1"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"first", "late", "old"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, p := range got {
		if p.ID != want[i] {
			t.Errorf("position %d = %s, want %s", i, p.ID, want[i])
		}
	}

	active := true
	got, _ = m.ListPolicies(ctx, PolicyFilter{TenantID: "t1", IsActive: &active})
	if len(got) != 2 {
		t.Errorf("active filter returned %d", len(got))
	}
}

func TestListPoliciesTieBreakByID(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(0)
	for _, id := range []string{"p-c", "p-a", "p-d", "p-b"} {
		m.CreatePolicy(ctx, newPolicy(id, "tenant-"+id, 10, t0))
	}

	want := []string{"p-a", "p-b", "p-c", "p-d"}
	for round := 0; round < 20; round++ {
		got, err := m.ListPolicies(ctx, PolicyFilter{})
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != len(want) {
			t.Fatalf("len = %d, want %d", len(got), len(want))
		}
		for i, p := range got {
			if p.ID != want[i] {
				t.Fatalf("round %d position %d = %s, want %s", round, i, p.ID, want[i])
			}
		}
	}
}

func TestMaxPriority(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(0)
	if _, found, _ := m.MaxPriority(ctx, "t1"); found {
		t.Fatal("expected no priority for empty tenant")
	}
	m.CreatePolicy(ctx, newPolicy("a", "t1", 10, t0))
	m.CreatePolicy(ctx, newPolicy("b", "t1", 30, t0))
	max, found, _ := m.MaxPriority(ctx, "t1")
	if !found || max != 30 {
		t.Errorf("MaxPriority = %d,%v", max, found)
	}
}

func TestSnapshotOnlyActive(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(0)
	m.CreatePolicy(ctx, newPolicy("p1", "t1", 10, t0))
	off := newPolicy("p2", "t1", 20, t0)
	off.IsActive = false
	m.CreatePolicy(ctx, off)

	m.CreateRule(ctx, &models.Rule{ID: "r1", PolicyID: "p1", IsActive: true, Action: models.ActionBlock,
		Conditions: &models.Condition{Type: models.ConditionRegex, Regex: &models.RegexCondition{Pattern: "x"}}})
	m.CreateRule(ctx, &models.Rule{ID: "r2", PolicyID: "p1", IsActive: false})

	m.CreateBinding(ctx, &models.Binding{ID: "b1", PolicyID: "p1", TenantID: "t1", IsActive: true})
	m.CreateBinding(ctx, &models.Binding{ID: "b2", PolicyID: "p2", TenantID: "t1", IsActive: true})
	m.CreateBinding(ctx, &models.Binding{ID: "b3", PolicyID: "p1", TenantID: "t1", IsActive: false, UserID: strp("u")})

	snap, err := m.LoadTenantSnapshot(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Bindings) != 1 || snap.Bindings[0].ID != "b1" {
		t.Fatalf("bindings = %+v", snap.Bindings)
	}
	p := snap.Policies["p1"]
	if p == nil || len(p.Rules) != 1 || p.Rules[0].ID != "r1" {
		t.Fatalf("policy snapshot = %+v", p)
	}
	// Mutating the snapshot must not reach the store.
	p.Rules[0].Conditions.Regex.Pattern = "changed"
	again, _ := m.LoadTenantSnapshot(ctx, "t1")
	if again.Policies["p1"].Rules[0].Conditions.Regex.Pattern != "x" {
		t.Error("snapshot aliases stored rule")
	}
}

func TestBindingLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(0)
	if err := m.CreateBinding(ctx, &models.Binding{ID: "b1", PolicyID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown policy, got %v", err)
	}
	m.CreatePolicy(ctx, newPolicy("p1", "t1", 10, t0))
	m.CreateBinding(ctx, &models.Binding{ID: "b1", PolicyID: "p1", TenantID: "t1", IsActive: true, CreatedAt: t0})

	b, err := m.UpdateBindingActive(ctx, "b1", false, t0.Add(time.Hour))
	if err != nil || b.IsActive || !b.UpdatedAt.Equal(t0.Add(time.Hour)) {
		t.Fatalf("update = %+v, %v", b, err)
	}
	if err := m.DeleteBinding(ctx, "b1"); err != nil {
		t.Fatal(err)
	}
	if err := m.DeleteBinding(ctx, "b1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestAuditRingEvictsOldest(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(3)
	for i := 0; i < 5; i++ {
		m.AppendAuditEvent(ctx, &models.AuditEvent{ID: fmt.Sprint(i), Timestamp: t0, Action: "x"})
	}
	events, total, _ := m.QueryAuditEvents(ctx, AuditFilter{})
	if total != 3 {
		t.Fatalf("total = %d", total)
	}
	// Newest first.
	if events[0].ID != "4" || events[2].ID != "2" {
		t.Errorf("order = %s..%s", events[0].ID, events[2].ID)
	}
	if events[0].Seq <= events[1].Seq {
		t.Error("seq not decreasing")
	}
}

func TestAuditQueryFilterAndPaging(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(0)
	for i := 0; i < 10; i++ {
		tenant := "t1"
		if i%2 == 1 {
			tenant = "t2"
		}
		m.AppendAuditEvent(ctx, &models.AuditEvent{ID: fmt.Sprint(i), TenantID: tenant, Timestamp: t0.Add(time.Duration(i) * time.Minute)})
	}
	events, total, _ := m.QueryAuditEvents(ctx, AuditFilter{TenantID: "t1", Limit: 2, Offset: 1})
	if total != 5 {
		t.Errorf("total = %d", total)
	}
	if len(events) != 2 || events[0].ID != "6" || events[1].ID != "4" {
		t.Errorf("page = %+v", events)
	}
	since := t0.Add(7 * time.Minute)
	_, total, _ = m.QueryAuditEvents(ctx, AuditFilter{Since: &since})
	if total != 3 {
		t.Errorf("since total = %d", total)
	}
}

func TestPruneAuditEvents(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(0)
	for i := 0; i < 6; i++ {
		m.AppendAuditEvent(ctx, &models.AuditEvent{ID: fmt.Sprint(i), Timestamp: t0.Add(time.Duration(i) * time.Hour)})
	}
	n, _ := m.PruneAuditEvents(ctx, 4, time.Time{})
	if n != 2 {
		t.Errorf("pruned %d by count", n)
	}
	n, _ = m.PruneAuditEvents(ctx, 0, t0.Add(3*time.Hour+time.Minute))
	if n != 2 {
		t.Errorf("pruned %d by age", n)
	}
	events, total, _ := m.QueryAuditEvents(ctx, AuditFilter{})
	if total != 2 || events[1].ID != "4" {
		t.Errorf("remaining = %+v", events)
	}
}

func TestAuditStats(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(0)
	add := func(decision, category string, latency float64) {
		m.AppendAuditEvent(ctx, &models.AuditEvent{TenantID: "t1", ResourceType: models.ResourceRequest,
			Decision: decision, Category: category, LatencyMs: latency})
	}
	add(models.DecisionAllow, "", 2)
	add(models.DecisionBlock, "prompt_injection", 4)
	add(models.DecisionBlock, "prompt_injection", 4)
	add(models.DecisionShadowLogged, "jailbreak", 2)
	add(models.DecisionSanitize, "pii", 6)
	add(models.DecisionDegraded, "", 0)
	m.AppendAuditEvent(ctx, &models.AuditEvent{TenantID: "t1", ResourceType: "policy", Action: models.AuditPolicyCreate})

	s, err := m.AuditStats(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalRequests != 6 || s.Blocked != 2 || s.ShadowBlocked != 1 || s.Sanitized != 1 || s.Degraded != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.Allowed != 3 {
		t.Errorf("allowed = %d", s.Allowed)
	}
	if s.AverageLatencyMs != 3 {
		t.Errorf("avg latency = %v", s.AverageLatencyMs)
	}
	if len(s.TopCategories) != 3 || s.TopCategories[0].Category != "prompt_injection" {
		t.Errorf("top categories = %+v", s.TopCategories)
	}
}

func TestAuditStatsSkipsRedTeam(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(0)
	m.AppendAuditEvent(ctx, &models.AuditEvent{TenantID: "t1", ResourceType: models.ResourceRequest,
		Decision: models.DecisionAllow})
	for i := 0; i < 3; i++ {
		m.AppendAuditEvent(ctx, &models.AuditEvent{TenantID: "t1", ResourceType: models.ResourceRequest,
			Decision: models.DecisionBlock, Category: "prompt_injection",
			Details: map[string]any{models.DetailRedTeam: true}})
	}

	s, err := m.AuditStats(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if s.TotalRequests != 1 || s.Blocked != 0 || len(s.TopCategories) != 0 {
		t.Errorf("stats = %+v", s)
	}
	_, total, _ := m.QueryAuditEvents(ctx, AuditFilter{TenantID: "t1"})
	if total != 4 {
		t.Errorf("red-team events must stay in the audit trail, total = %d", total)
	}
}

func TestReplaceSignatures(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryBackend(0)
	m.ReplaceSignatures(ctx, 1, []*models.ThreatSignature{{Category: "a", Pattern: "x", Severity: models.SeverityLow}})
	m.ReplaceSignatures(ctx, 2, []*models.ThreatSignature{
		{Category: "b", Pattern: "y", Severity: models.SeverityHigh},
		{Category: "c", Pattern: "z", Severity: models.SeverityHigh},
	})
	sigs, version, _ := m.ActiveSignatures(ctx)
	if version != 2 || len(sigs) != 2 {
		t.Fatalf("version=%d sigs=%d", version, len(sigs))
	}
	for _, s := range sigs {
		if s.ID == "" || s.Version != 2 || !s.IsActive {
			t.Errorf("signature %+v", s)
		}
	}
}
