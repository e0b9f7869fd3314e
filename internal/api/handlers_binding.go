package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/org/agentwall/internal/errs"
	"github.com/org/agentwall/internal/policy"
	"github.com/org/agentwall/pkg/models"
)

// BindingListHandler handles GET /bindings?tenantId&policyId
func (s *Server) BindingListHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenantId")
	if !s.tenantAllowed(w, r, tenantID) {
		return
	}
	bindings, err := s.Policies.ListBindings(r.Context(), scopedTenant(r, tenantID), q.Get("policyId"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if bindings == nil {
		bindings = []*models.Binding{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"bindings": bindings, "total": len(bindings)})
}

// BindingGetHandler handles GET /bindings/{id}
func (s *Server) BindingGetHandler(w http.ResponseWriter, r *http.Request) {
	b, ok := s.loadBinding(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"binding": b})
}

// BindingCreateHandler handles POST /bindings
func (s *Server) BindingCreateHandler(w http.ResponseWriter, r *http.Request) {
	var in policy.CreateBindingInput
	if err := decodeJSON(r, &in); err != nil {
		writeErr(w, r, err)
		return
	}
	if in.PolicyID != "" {
		p, err := s.Policies.GetPolicy(r.Context(), in.PolicyID)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		if !s.tenantAllowed(w, r, p.TenantID) {
			return
		}
	}
	b, err := s.Policies.CreateBinding(r.Context(), actorFromCtx(r.Context()), in)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"bindingId": b.ID, "binding": b})
}

// BindingUpdateHandler handles PUT /bindings/{id}. Only isActive may change.
func (s *Server) BindingUpdateHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.loadBinding(w, r); !ok {
		return
	}
	var req struct {
		IsActive *bool `json:"isActive"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.IsActive == nil {
		writeErr(w, r, errs.Validation("isActive is required"))
		return
	}
	b, err := s.Policies.UpdateBinding(r.Context(), actorFromCtx(r.Context()), chi.URLParam(r, "id"), *req.IsActive)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"binding": b})
}

// BindingDeleteHandler handles DELETE /bindings/{id}
func (s *Server) BindingDeleteHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.loadBinding(w, r); !ok {
		return
	}
	if err := s.Policies.DeleteBinding(r.Context(), actorFromCtx(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loadBinding(w http.ResponseWriter, r *http.Request) (*models.Binding, bool) {
	b, err := s.Policies.GetBinding(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return nil, false
	}
	if !s.tenantAllowed(w, r, b.TenantID) {
		return nil, false
	}
	return b, true
}
