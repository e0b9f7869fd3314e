package api

import (
	"net/http"

	"github.com/org/agentwall/internal/errs"
	"github.com/org/agentwall/internal/firewall"
	"github.com/org/agentwall/internal/upstream"
	"github.com/org/agentwall/pkg/models"
	"github.com/rs/zerolog/log"
)

// EvaluateHandler handles POST /firewall/evaluate. It always answers 200 with
// the decision; callers act on decision.allowed.
func (s *Server) EvaluateHandler(w http.ResponseWriter, r *http.Request) {
	var req firewall.Request
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if !s.tenantAllowed(w, r, req.Context.TenantID) {
		return
	}
	s.fillContext(r, &req.Context)

	d, err := s.Engine.Evaluate(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type invokeRequest struct {
	TenantID string            `json:"tenantId"`
	Route    string            `json:"route"`
	AgentID  string            `json:"agentId"`
	UserID   string            `json:"userId"`
	APIKeyID string            `json:"apiKeyId"`
	Input    string            `json:"input"`
	Metadata map[string]string `json:"metadata"`
}

type invokeResponse struct {
	RequestID      string             `json:"requestId"`
	Output         string             `json:"output"`
	Model          string             `json:"model,omitempty"`
	InputDecision  *firewall.Decision `json:"inputDecision"`
	OutputDecision *firewall.Decision `json:"outputDecision"`
}

// InvokeHandler handles POST /v1/agent/invoke: the input is checked, the
// admitted (possibly sanitized) input goes to the AI backend, and the
// backend's output is checked before it is returned.
func (s *Server) InvokeHandler(w http.ResponseWriter, r *http.Request) {
	if !s.Upstream.Configured() {
		writeError(w, r, http.StatusServiceUnavailable, "no upstream configured")
		return
	}
	var req invokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if !s.tenantAllowed(w, r, req.TenantID) {
		return
	}
	if req.Route == "" {
		req.Route = r.URL.Path
	}
	rc := models.RequestContext{
		TenantID: req.TenantID,
		Route:    req.Route,
		AgentID:  req.AgentID,
		UserID:   req.UserID,
		APIKeyID: req.APIKeyID,
		Metadata: req.Metadata,
	}
	s.fillContext(r, &rc)

	in, err := s.Engine.Evaluate(r.Context(), firewall.Request{Context: rc, Phase: models.PhaseInput, Payload: req.Input})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if !in.Allowed {
		writeBlocked(w, r, in)
		return
	}

	resp, err := s.Upstream.Complete(r.Context(), upstream.Request{
		Input:    in.Payload,
		AgentID:  req.AgentID,
		UserID:   req.UserID,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}

	out, err := s.Engine.Evaluate(r.Context(), firewall.Request{Context: rc, Phase: models.PhaseOutput, Payload: resp.Output})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if !out.Allowed {
		writeBlocked(w, r, out)
		return
	}
	writeJSON(w, http.StatusOK, invokeResponse{
		RequestID:      rc.RequestID,
		Output:         out.Payload,
		Model:          resp.Model,
		InputDecision:  in,
		OutputDecision: out,
	})
}

// writeBlocked answers a rejected payload with the stable error shape.
func writeBlocked(w http.ResponseWriter, r *http.Request, d *firewall.Decision) {
	if d.Decision == models.DecisionUnavailable {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "firewall unavailable", RequestID: d.RequestID})
		return
	}
	writeJSON(w, http.StatusForbidden, errorBody{Error: "request blocked by policy", Category: d.Category, RequestID: d.RequestID})
}

// fillContext sets the fields of rc the server knows better than the body.
func (s *Server) fillContext(r *http.Request, rc *models.RequestContext) {
	rc.TenantID = scopedTenant(r, rc.TenantID)
	if rc.RequestID == "" {
		rc.RequestID = requestIDFromCtx(r.Context())
	}
	rc.ClientIP = clientIP(r)
	if rc.UserID == "" {
		rc.UserID = r.Header.Get("X-User-ID")
	}
}

type modeView struct {
	Mode     models.Mode       `json:"mode"`
	Enabled  bool              `json:"enabled"`
	FailMode firewall.FailMode `json:"failMode"`
}

func (s *Server) currentMode() modeView {
	return modeView{Mode: s.Engine.Modes().Global(), Enabled: s.Engine.Enabled(), FailMode: s.Engine.FailMode()}
}

// ModeGetHandler handles GET /firewall/mode
func (s *Server) ModeGetHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.currentMode())
}

// ModeSetHandler handles PUT /firewall/mode. Omitted fields keep their value.
func (s *Server) ModeSetHandler(w http.ResponseWriter, r *http.Request) {
	if p := principalFromCtx(r.Context()); p != nil && p.TenantID != "" {
		writeError(w, r, http.StatusForbidden, "the global mode needs an unscoped token")
		return
	}
	var req struct {
		Mode     *models.Mode       `json:"mode"`
		Enabled  *bool              `json:"enabled"`
		FailMode *firewall.FailMode `json:"failMode"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	if req.Mode != nil && !req.Mode.Valid() {
		writeErr(w, r, errs.Validation("mode must be one of enforce, shadow, off"))
		return
	}
	if req.FailMode != nil && !req.FailMode.Valid() {
		writeErr(w, r, errs.Validation("failMode must be open or closed"))
		return
	}

	before := s.currentMode()
	if req.Mode != nil {
		s.Engine.Modes().SetGlobal(*req.Mode)
	}
	if req.Enabled != nil {
		s.Engine.SetEnabled(*req.Enabled)
	}
	if req.FailMode != nil {
		s.Engine.SetFailMode(*req.FailMode)
	}
	after := s.currentMode()

	err := s.Emitter.Record(r.Context(), &models.AuditEvent{
		Actor:        actorFromCtx(r.Context()),
		Action:       models.AuditModeUpdate,
		ResourceType: "firewall",
		ResourceID:   "mode",
		RequestID:    requestIDFromCtx(r.Context()),
		Details:      map[string]any{"before": before, "after": after},
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to record mode change")
	}
	log.Info().
		Str("mode", string(after.Mode)).
		Bool("enabled", after.Enabled).
		Str("fail_mode", string(after.FailMode)).
		Msg("firewall mode updated")
	writeJSON(w, http.StatusOK, after)
}

// StatsHandler handles GET /stats?tenantId. A store failure is a 500 with an
// error, never an empty success.
func (s *Server) StatsHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenantId")
	if !s.tenantAllowed(w, r, tenantID) {
		return
	}
	stats, err := s.Emitter.Stats(r.Context(), scopedTenant(r, tenantID))
	if err != nil {
		log.Error().Err(err).Str("request_id", requestIDFromCtx(r.Context())).Msg("stats query failed")
		writeError(w, r, http.StatusInternalServerError, "failed to load firewall stats")
		return
	}
	if stats.TopCategories == nil {
		stats.TopCategories = []models.CategoryCount{}
	}
	mode := s.currentMode()
	stats.Mode = mode.Mode
	stats.FailMode = string(mode.FailMode)
	stats.Enabled = mode.Enabled
	writeJSON(w, http.StatusOK, stats)
}
