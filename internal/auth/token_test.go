package auth

import (
	"errors"
	"testing"

	"github.com/org/agentwall/internal/errs"
)

func TestValidateToken(t *testing.T) {
	svc, err := NewTokenService([]TokenConfig{
		{Name: "ops", SHA256: HashToken("admin-token"), Scopes: []Scope{ScopeAdmin}},
		{Name: "gateway", Token: "eval-token", Scopes: []Scope{ScopeEvaluate}, TenantID: "t1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	p, err := svc.ValidateToken("admin-token")
	if err != nil || p.Name != "ops" {
		t.Fatalf("admin = %+v, %v", p, err)
	}
	if !p.Has(ScopeRead) || !p.Has(ScopeEvaluate) || !p.CanAccessTenant("any") {
		t.Error("admin should imply every scope and tenant")
	}

	p, err = svc.ValidateToken("eval-token")
	if err != nil {
		t.Fatal(err)
	}
	if p.Has(ScopeAdmin) || p.Has(ScopeRead) || !p.Has(ScopeEvaluate) {
		t.Errorf("gateway scopes = %v", p.Scopes)
	}
	if p.CanAccessTenant("t2") || !p.CanAccessTenant("t1") {
		t.Error("tenant restriction not applied")
	}

	if _, err := svc.ValidateToken(""); !errors.Is(err, errs.ErrUnauthorized) {
		t.Errorf("empty token: %v", err)
	}
	if _, err := svc.ValidateToken("wrong"); !errors.Is(err, errs.ErrForbidden) {
		t.Errorf("wrong token: %v", err)
	}
}

func TestNewTokenServiceRejectsBadConfig(t *testing.T) {
	bad := [][]TokenConfig{
		{{SHA256: "abc", Scopes: []Scope{ScopeRead}}},
		{{Token: "x"}},
		{{Token: "x", Scopes: []Scope{"root"}}},
	}
	for i, cfgs := range bad {
		if _, err := NewTokenService(cfgs); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}
