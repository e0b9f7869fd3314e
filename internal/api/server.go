// Package api exposes the firewall over HTTP: evaluation endpoints for
// agents, the policy admin surface, audit queries and live event streams.
package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/agentwall/internal/audit"
	"github.com/org/agentwall/internal/auth"
	"github.com/org/agentwall/internal/breaker"
	"github.com/org/agentwall/internal/edge"
	"github.com/org/agentwall/internal/firewall"
	"github.com/org/agentwall/internal/policy"
	"github.com/org/agentwall/internal/ratelimit"
	"github.com/org/agentwall/internal/signature"
	"github.com/org/agentwall/internal/storage"
	"github.com/org/agentwall/internal/stream"
	"github.com/org/agentwall/internal/upstream"
	"github.com/rs/zerolog/log"
)

const defaultHeartbeat = 25 * time.Second

// Config holds server configuration.
type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
	RateLimits  RateLimits
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
	// WSOriginPatterns are the origins allowed to open /events/ws besides
	// the server's own.
	WSOriginPatterns []string
}

// Deps are the components the server routes to. Upstream and SigSyncer may
// be nil; the endpoints that need them then answer 503.
type Deps struct {
	Store      storage.Backend
	Policies   *policy.Service
	Engine     *firewall.Engine
	Emitter    *audit.Emitter
	Hub        *stream.Hub
	Tokens     *auth.TokenService
	Limiter    ratelimit.Limiter
	Breakers   *breaker.Registry
	Signatures *signature.Registry
	SigSyncer  *signature.Syncer
	Edge       *edge.Syncer
	Upstream   *upstream.Client
}

// Server is the API server.
type Server struct {
	Deps
	cfg     Config
	httpSrv *http.Server
}

func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.NewInMemory()
	}
	if deps.Hub == nil {
		deps.Hub = stream.NewHub()
	}
	return &Server{Deps: deps, cfg: cfg}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", MetricsHandler())
	r.Get("/sys/health", s.HealthHandler)

	// Agent traffic
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.Tokens, auth.ScopeEvaluate))
		r.Use(rateLimitMiddleware(s.Limiter, s.cfg.RateLimits))

		r.Post("/firewall/evaluate", s.EvaluateHandler)
		r.Post("/v1/agent/invoke", s.InvokeHandler)
	})

	// Read-only views
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.Tokens, auth.ScopeRead))

		r.Get("/policies", s.PolicyListHandler)
		r.Get("/policies/{id}", s.PolicyGetHandler)
		r.Get("/policies/{id}/rules", s.RuleListHandler)
		r.Get("/bindings", s.BindingListHandler)
		r.Get("/bindings/{id}", s.BindingGetHandler)
		r.Get("/stats", s.StatsHandler)
		r.Get("/audit", s.AuditQueryHandler)
		r.Get("/firewall/mode", s.ModeGetHandler)
		r.Get("/signatures", s.SignatureListHandler)
		r.Get("/sys/breakers", s.BreakersHandler)
		r.Get("/events", s.EventsHandler)
		r.Get("/events/ws", s.EventsWSHandler)
	})

	// Administration
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.Tokens, auth.ScopeAdmin))

		r.Post("/policies", s.PolicyCreateHandler)
		r.Put("/policies/{id}", s.PolicyUpdateHandler)
		r.Post("/policies/{id}/rules", s.RuleCreateHandler)
		r.Post("/policies/{id}/sync", s.PolicySyncHandler)
		r.Post("/bindings", s.BindingCreateHandler)
		r.Put("/bindings/{id}", s.BindingUpdateHandler)
		r.Delete("/bindings/{id}", s.BindingDeleteHandler)
		r.Put("/firewall/mode", s.ModeSetHandler)
		r.Post("/signatures/sync", s.SignatureSyncHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	// No WriteTimeout: /events streams stay open.
	s.httpSrv = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		tlsCfg := &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		s.httpSrv.TLSConfig = tlsCfg
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// tenantAllowed reports whether the caller may act on tenantID, writing a 403
// when not.
func (s *Server) tenantAllowed(w http.ResponseWriter, r *http.Request, tenantID string) bool {
	p := principalFromCtx(r.Context())
	if p == nil || p.CanAccessTenant(tenantID) {
		return true
	}
	writeError(w, r, http.StatusForbidden, "token is not valid for this tenant")
	return false
}

// scopedTenant narrows an optional tenant filter to the caller's tenant.
func scopedTenant(r *http.Request, tenantID string) string {
	if p := principalFromCtx(r.Context()); p != nil && p.TenantID != "" {
		return p.TenantID
	}
	return tenantID
}
