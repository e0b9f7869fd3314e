package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/org/agentwall/internal/edge"
	"github.com/org/agentwall/internal/errs"
	"github.com/org/agentwall/internal/policy"
	"github.com/org/agentwall/pkg/models"
)

// PolicyListHandler handles GET /policies?tenantId&isActive
func (s *Server) PolicyListHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if !s.tenantAllowed(w, r, tenantID) {
		return
	}
	active, err := queryBool(r, "isActive")
	if err != nil {
		writeErr(w, r, err)
		return
	}
	policies, err := s.Policies.ListPolicies(r.Context(), scopedTenant(r, tenantID), active)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if policies == nil {
		policies = []*models.Policy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies, "total": len(policies)})
}

// PolicyCreateHandler handles POST /policies
func (s *Server) PolicyCreateHandler(w http.ResponseWriter, r *http.Request) {
	var in policy.CreatePolicyInput
	if err := decodeJSON(r, &in); err != nil {
		writeErr(w, r, err)
		return
	}
	if !s.tenantAllowed(w, r, in.TenantID) {
		return
	}
	p, err := s.Policies.CreatePolicy(r.Context(), actorFromCtx(r.Context()), in)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"policyId": p.ID, "policy": p})
}

// PolicyGetHandler handles GET /policies/{id}; the answer includes the
// policy's rules and bindings.
func (s *Server) PolicyGetHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPolicy(w, r)
	if !ok {
		return
	}
	bindings, err := s.Policies.ListBindings(r.Context(), p.TenantID, p.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if bindings == nil {
		bindings = []*models.Binding{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"policy": p, "rules": p.Rules, "bindings": bindings})
}

// PolicyUpdateHandler handles PUT /policies/{id}
func (s *Server) PolicyUpdateHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.loadPolicy(w, r); !ok {
		return
	}
	var in policy.UpdatePolicyInput
	if err := decodeJSON(r, &in); err != nil {
		writeErr(w, r, err)
		return
	}
	p, err := s.Policies.UpdatePolicy(r.Context(), actorFromCtx(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policy": p})
}

// RuleListHandler handles GET /policies/{id}/rules
func (s *Server) RuleListHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPolicy(w, r)
	if !ok {
		return
	}
	rules := p.Rules
	if rules == nil {
		rules = []*models.Rule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules, "total": len(rules)})
}

// RuleCreateHandler handles POST /policies/{id}/rules
func (s *Server) RuleCreateHandler(w http.ResponseWriter, r *http.Request) {
	p, ok := s.loadPolicy(w, r)
	if !ok {
		return
	}
	var in policy.CreateRuleInput
	if err := decodeJSON(r, &in); err != nil {
		writeErr(w, r, err)
		return
	}
	rule, err := s.Policies.CreateRule(r.Context(), actorFromCtx(r.Context()), p.ID, in)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ruleId": rule.ID, "rule": rule})
}

// PolicySyncHandler handles POST /policies/{id}/sync. Schema problems answer
// 422 with the issue list; a failed push answers 500 with the edge's message.
func (s *Server) PolicySyncHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.loadPolicy(w, r); !ok {
		return
	}
	res, err := s.Edge.Sync(r.Context(), actorFromCtx(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		var verr *edge.ValidationError
		var uerr *edge.UpstreamError
		switch {
		case errors.As(err, &verr):
			writeJSON(w, http.StatusUnprocessableEntity, errorBody{
				Error:     "policy failed validation",
				RequestID: requestIDFromCtx(r.Context()),
				Issues:    verr.Issues,
			})
		case errors.As(err, &uerr):
			writeError(w, r, http.StatusInternalServerError, uerr.Message)
		case errors.Is(err, errs.ErrNotFound):
			writeErr(w, r, err)
		default:
			writeError(w, r, http.StatusInternalServerError, "edge sync failed: "+errs.Message(err))
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// loadPolicy fetches {id} and checks the caller may see its tenant.
func (s *Server) loadPolicy(w http.ResponseWriter, r *http.Request) (*models.Policy, bool) {
	p, err := s.Policies.GetPolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return nil, false
	}
	if !s.tenantAllowed(w, r, p.TenantID) {
		return nil, false
	}
	return p, true
}
