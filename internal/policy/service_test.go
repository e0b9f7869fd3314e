package policy

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/org/agentwall/internal/errs"
	"github.com/org/agentwall/internal/storage"
	"github.com/org/agentwall/pkg/models"
)

type captureRecorder struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (c *captureRecorder) Record(_ context.Context, e *models.AuditEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureRecorder) actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Action
	}
	return out
}

func intp(i int) *int       { return &i }
func boolp(b bool) *bool    { return &b }
func strp(s string) *string { return &s }

func newTestService() (*Service, *captureRecorder) {
	rec := &captureRecorder{}
	return NewService(storage.NewMemoryBackend(0), rec), rec
}

func TestCreatePolicyValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	cases := []CreatePolicyInput{
		{Name: "p"},
		{TenantID: "t1"},
		{TenantID: "t1", Name: "p", Mode: "loud"},
		{TenantID: "t1", Name: "p", Priority: intp(-1)},
	}
	for _, in := range cases {
		if _, err := svc.CreatePolicy(ctx, "admin", in); !errors.Is(err, errs.ErrValidation) {
			t.Errorf("%+v: expected validation error, got %v", in, err)
		}
	}
}

func TestCreatePolicyDefaultsAndConflict(t *testing.T) {
	svc, rec := newTestService()
	ctx := context.Background()

	p1, err := svc.CreatePolicy(ctx, "admin", CreatePolicyInput{TenantID: "t1", Name: "first"})
	if err != nil {
		t.Fatal(err)
	}
	if p1.Priority != 10 || p1.Mode != models.ModeEnforce || !p1.IsActive {
		t.Errorf("defaults = %+v", p1)
	}
	p2, _ := svc.CreatePolicy(ctx, "admin", CreatePolicyInput{TenantID: "t1", Name: "second"})
	if p2.Priority != 20 {
		t.Errorf("second default priority = %d", p2.Priority)
	}

	_, err = svc.CreatePolicy(ctx, "admin", CreatePolicyInput{TenantID: "t1", Name: "dup", Priority: intp(10)})
	if !errors.Is(err, errs.ErrConflict) || errs.Message(err) != "Priority already exists for this tenant" {
		t.Fatalf("expected priority conflict, got %v", err)
	}
	if _, err := svc.CreatePolicy(ctx, "admin", CreatePolicyInput{TenantID: "t2", Name: "other", Priority: intp(10)}); err != nil {
		t.Fatalf("other tenant same priority: %v", err)
	}
	if got := rec.actions(); len(got) != 3 || got[0] != models.AuditPolicyCreate {
		t.Errorf("audit actions = %v", got)
	}
}

func TestUpdatePolicy(t *testing.T) {
	svc, rec := newTestService()
	ctx := context.Background()
	p1, _ := svc.CreatePolicy(ctx, "admin", CreatePolicyInput{TenantID: "t1", Name: "a"})
	p2, _ := svc.CreatePolicy(ctx, "admin", CreatePolicyInput{TenantID: "t1", Name: "b"})

	shadow := models.ModeShadow
	got, err := svc.UpdatePolicy(ctx, "admin", p1.ID, UpdatePolicyInput{Mode: &shadow})
	if err != nil || got.Mode != models.ModeShadow {
		t.Fatalf("update mode = %+v, %v", got, err)
	}
	if _, err := svc.UpdatePolicy(ctx, "admin", p2.ID, UpdatePolicyInput{Priority: intp(p1.Priority)}); !errors.Is(err, errs.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	// Deactivating frees the priority.
	svc.UpdatePolicy(ctx, "admin", p1.ID, UpdatePolicyInput{IsActive: boolp(false)})
	if _, err := svc.UpdatePolicy(ctx, "admin", p2.ID, UpdatePolicyInput{Priority: intp(p1.Priority)}); err != nil {
		t.Fatalf("priority of inactive policy should be reusable: %v", err)
	}
	if _, err := svc.UpdatePolicy(ctx, "admin", "missing", UpdatePolicyInput{}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if n := len(rec.actions()); n != 5 {
		t.Errorf("expected 5 audit events, got %d", n)
	}
}

func TestCreateRuleValidation(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	p, _ := svc.CreatePolicy(ctx, "admin", CreatePolicyInput{TenantID: "t1", Name: "a"})

	bad := []CreateRuleInput{
		{Action: models.ActionBlock},
		{Name: "r", Action: "explode"},
		{Name: "r", Action: models.ActionBlock, Severity: "extreme"},
		{Name: "r", Action: models.ActionBlock, Conditions: &models.Condition{Type: models.ConditionRegex, Regex: &models.RegexCondition{Pattern: "("}}},
		{Name: "r", Action: models.ActionBlock, Conditions: &models.Condition{Type: models.ConditionRegex}},
	}
	for i, in := range bad {
		if _, err := svc.CreateRule(ctx, "admin", p.ID, in); !errors.Is(err, errs.ErrValidation) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}

	r, err := svc.CreateRule(ctx, "admin", p.ID, CreateRuleInput{Name: "r", Action: models.ActionBlock,
		Conditions: &models.Condition{Type: models.ConditionRegex, Regex: &models.RegexCondition{Pattern: "secret"}}})
	if err != nil {
		t.Fatal(err)
	}
	if r.Severity != models.SeverityMedium || !r.IsActive {
		t.Errorf("rule defaults = %+v", r)
	}
	if _, err := svc.CreateRule(ctx, "admin", "missing", CreateRuleInput{Name: "r", Action: models.ActionBlock}); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	full, _ := svc.GetPolicy(ctx, p.ID)
	if len(full.Rules) != 1 {
		t.Errorf("policy rules = %d", len(full.Rules))
	}
}

func TestConditionTreeLimits(t *testing.T) {
	deep := models.Condition{Type: models.ConditionRegex, Regex: &models.RegexCondition{Pattern: "x"}}
	for i := 0; i < 16; i++ {
		deep = models.Condition{Type: models.ConditionAnd, Conditions: []models.Condition{deep}}
	}
	if err := deep.Validate(); err == nil {
		t.Error("expected depth error")
	}
	wide := models.Condition{Type: models.ConditionOr}
	for i := 0; i < 300; i++ {
		wide.Conditions = append(wide.Conditions, models.Condition{Type: models.ConditionRegex, Regex: &models.RegexCondition{Pattern: "x"}})
	}
	if err := wide.Validate(); err == nil {
		t.Error("expected node count error")
	}
	two := models.Condition{Type: models.ConditionRegex, Regex: &models.RegexCondition{Pattern: "x"}, PII: &models.PIICondition{}}
	if err := two.Validate(); err == nil {
		t.Error("expected single payload error")
	}
}

func TestBindingLifecycle(t *testing.T) {
	svc, rec := newTestService()
	ctx := context.Background()
	p, _ := svc.CreatePolicy(ctx, "admin", CreatePolicyInput{TenantID: "t1", Name: "a"})

	if _, err := svc.CreateBinding(ctx, "admin", CreateBindingInput{PolicyID: p.ID, TenantID: "t2"}); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("cross-tenant binding: %v", err)
	}
	if _, err := svc.CreateBinding(ctx, "admin", CreateBindingInput{PolicyID: "nope"}); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("unknown policy: %v", err)
	}
	b, err := svc.CreateBinding(ctx, "admin", CreateBindingInput{PolicyID: p.ID, UserID: strp("u1"), AgentID: strp("  ")})
	if err != nil {
		t.Fatal(err)
	}
	if b.TenantID != "t1" || b.UserID == nil || b.AgentID != nil {
		t.Errorf("binding = %+v", b)
	}
	b, err = svc.UpdateBinding(ctx, "admin", b.ID, false)
	if err != nil || b.IsActive {
		t.Fatalf("disable = %+v, %v", b, err)
	}
	if err := svc.DeleteBinding(ctx, "admin", b.ID); err != nil {
		t.Fatal(err)
	}
	if err := svc.DeleteBinding(ctx, "admin", b.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
	want := []string{models.AuditPolicyCreate, models.AuditBindingCreate, models.AuditBindingUpdate, models.AuditBindingDelete}
	got := rec.actions()
	if len(got) != len(want) {
		t.Fatalf("actions = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("action %d = %s, want %s", i, got[i], want[i])
		}
	}
}
