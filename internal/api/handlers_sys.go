package api

import (
	"context"
	"net/http"
	"time"

	"github.com/org/agentwall/internal/errs"
	"github.com/org/agentwall/pkg/models"
	"github.com/rs/zerolog/log"
)

// HealthHandler handles GET /sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	code := http.StatusOK
	storage := "ok"
	if err := s.Store.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("health check: store ping failed")
		code = http.StatusServiceUnavailable
		storage = "unavailable"
	}
	writeJSON(w, code, map[string]any{
		"status":            http.StatusText(code),
		"storage":           storage,
		"enabled":           s.Engine.Enabled(),
		"mode":              s.Engine.Modes().Global(),
		"signaturesVersion": s.Signatures.Version(),
		"subscribers":       s.Hub.Subscribers(),
	})
}

// BreakersHandler handles GET /sys/breakers
func (s *Server) BreakersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.Breakers.Stats()})
}

// SignatureListHandler handles GET /signatures
func (s *Server) SignatureListHandler(w http.ResponseWriter, r *http.Request) {
	sigs := s.Signatures.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"version":    s.Signatures.Version(),
		"signatures": sigs,
		"total":      len(sigs),
	})
}

// SignatureSyncHandler handles POST /signatures/sync: the signature file is
// re-read and, when newer, stored and installed.
func (s *Server) SignatureSyncHandler(w http.ResponseWriter, r *http.Request) {
	if s.SigSyncer == nil {
		writeError(w, r, http.StatusServiceUnavailable, "signature sync is not configured")
		return
	}
	before := s.Signatures.Version()
	version, err := s.SigSyncer.SyncFile(r.Context())
	status := models.StatusSuccess
	if err != nil {
		status = models.StatusFailure
	}
	details := map[string]any{"before": before, "version": version}
	if err != nil {
		details["error"] = errs.Message(err)
	}
	if rerr := s.Emitter.Record(r.Context(), &models.AuditEvent{
		Actor:        actorFromCtx(r.Context()),
		Action:       models.AuditSignatureSync,
		ResourceType: "signature",
		RequestID:    requestIDFromCtx(r.Context()),
		Status:       status,
		Details:      details,
	}); rerr != nil {
		log.Warn().Err(rerr).Msg("failed to record signature sync")
	}
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": version,
		"changed": version != before,
		"total":   len(s.Signatures.List()),
	})
}
