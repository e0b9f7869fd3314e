package api

import (
	"net/http"
	"time"

	"github.com/org/agentwall/internal/errs"
	"github.com/org/agentwall/internal/storage"
	"github.com/org/agentwall/pkg/models"
)

const maxAuditLimit = 1000

// AuditQueryHandler handles GET /audit?tenantId&action&requestId&since&limit&offset
func (s *Server) AuditQueryHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tenantID := q.Get("tenantId")
	if !s.tenantAllowed(w, r, tenantID) {
		return
	}
	filter := storage.AuditFilter{
		TenantID:  scopedTenant(r, tenantID),
		Action:    q.Get("action"),
		RequestID: q.Get("requestId"),
	}

	var err error
	if filter.Limit, err = queryInt(r, "limit", storage.DefaultAuditLimit); err != nil {
		writeErr(w, r, err)
		return
	}
	if filter.Limit > maxAuditLimit {
		filter.Limit = maxAuditLimit
	}
	if filter.Offset, err = queryInt(r, "offset", 0); err != nil {
		writeErr(w, r, err)
		return
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeErr(w, r, errs.Validation("since must be an RFC 3339 timestamp"))
			return
		}
		filter.Since = &t
	}

	events, total, err := s.Emitter.Query(r.Context(), filter)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if events == nil {
		events = []*models.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "total": total})
}
