package policy

import (
	"context"
	"sort"
	"strings"

	"github.com/org/agentwall/internal/breaker"
	"github.com/org/agentwall/internal/errs"
	"github.com/org/agentwall/pkg/models"
)

// SnapshotLoader is the minimal interface the Resolver needs from storage.
type SnapshotLoader interface {
	LoadTenantSnapshot(ctx context.Context, tenantID string) (*models.TenantSnapshot, error)
}

// Resolved is one applicable policy and the binding that selected it.
type Resolved struct {
	Policy  *models.Policy
	Binding *models.Binding
}

// Resolver selects the policies that apply to a request.
type Resolver struct {
	store    SnapshotLoader
	breakers *breaker.Registry
}

// NewResolver returns a resolver whose store reads go through the
// "database" breaker of breakers. breakers may be nil.
func NewResolver(store SnapshotLoader, breakers *breaker.Registry) *Resolver {
	return &Resolver{store: store, breakers: breakers}
}

// Resolve returns the applicable policies, most specific binding first, then
// by policy priority, then by creation time. Any store failure, including an
// open breaker, is reported as errs.ErrStoreUnavailable.
func (r *Resolver) Resolve(ctx context.Context, rc models.RequestContext) ([]Resolved, error) {
	var snap *models.TenantSnapshot
	load := func(ctx context.Context) error {
		var err error
		snap, err = r.store.LoadTenantSnapshot(ctx, rc.TenantID)
		return err
	}
	var err error
	if r.breakers != nil {
		err = r.breakers.Execute(ctx, breaker.Database, load)
	} else {
		err = load(ctx)
	}
	if err != nil {
		return nil, errs.Unavailable(err)
	}
	return Order(snap, rc), nil
}

// Order applies binding matching and ordering to a snapshot. A policy
// reachable through several bindings appears once, at its best position.
func Order(snap *models.TenantSnapshot, rc models.RequestContext) []Resolved {
	if snap == nil {
		return nil
	}
	var matched []Resolved
	for _, b := range snap.Bindings {
		if !b.IsActive || b.TenantID != rc.TenantID || !bindingMatches(b, rc) {
			continue
		}
		p, ok := snap.Policies[b.PolicyID]
		if !ok || !p.IsActive {
			continue
		}
		matched = append(matched, Resolved{Policy: p, Binding: b})
	}

	sort.SliceStable(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if sa, sb := a.Binding.Specificity(), b.Binding.Specificity(); sa != sb {
			return sa > sb
		}
		if a.Policy.Priority != b.Policy.Priority {
			return a.Policy.Priority < b.Policy.Priority
		}
		if !a.Policy.CreatedAt.Equal(b.Policy.CreatedAt) {
			return a.Policy.CreatedAt.Before(b.Policy.CreatedAt)
		}
		if !a.Binding.CreatedAt.Equal(b.Binding.CreatedAt) {
			return a.Binding.CreatedAt.Before(b.Binding.CreatedAt)
		}
		if a.Policy.ID != b.Policy.ID {
			return a.Policy.ID < b.Policy.ID
		}
		return a.Binding.ID < b.Binding.ID
	})

	seen := make(map[string]bool, len(matched))
	out := matched[:0]
	for _, m := range matched {
		if seen[m.Policy.ID] {
			continue
		}
		seen[m.Policy.ID] = true
		out = append(out, m)
	}
	return out
}

func bindingMatches(b *models.Binding, rc models.RequestContext) bool {
	if b.APIKeyID != nil && *b.APIKeyID != rc.APIKeyID {
		return false
	}
	if b.UserID != nil && *b.UserID != rc.UserID {
		return false
	}
	if b.AgentID != nil && *b.AgentID != rc.AgentID {
		return false
	}
	if b.RoutePrefix != nil && !strings.HasPrefix(rc.Route, *b.RoutePrefix) {
		return false
	}
	return true
}
