package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/org/agentwall/internal/auth"
	"github.com/org/agentwall/internal/ratelimit"
	"github.com/rs/zerolog/log"
)

// requestIDMiddleware attaches a request ID to each request. A well-formed
// incoming X-Request-ID is kept so callers can correlate decisions.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := withRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken reads "Authorization: Bearer <token>" or X-Agentwall-Token.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.Header.Get("X-Agentwall-Token")
}

// authMiddleware validates the caller's token and requires scope. A missing
// token is 401; an unknown token or a missing scope is 403.
func authMiddleware(tokens *auth.TokenService, scope auth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			plaintext := bearerToken(r)
			if plaintext == "" {
				writeError(w, r, http.StatusUnauthorized, "missing bearer token")
				return
			}
			p, err := tokens.ValidateToken(plaintext)
			if err != nil {
				writeError(w, r, http.StatusForbidden, "invalid token")
				return
			}
			if !p.Has(scope) {
				writeError(w, r, http.StatusForbidden, "token lacks the "+string(scope)+" scope")
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
		})
	}
}

// responseRecorder captures the status code. It passes Flush and Hijack
// through so event streams keep working behind it.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.statusCode = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Flush() {
	if f, ok := rr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rr *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (rr *responseRecorder) Unwrap() http.ResponseWriter { return rr.ResponseWriter }

// RateLimits are the per-identifier limits applied to evaluation endpoints.
// A zero limit disables that identifier type.
type RateLimits struct {
	Window time.Duration
	APIKey int
	User   int
	IP     int
}

// rateLimitMiddleware counts the request once per identifier type: the
// caller's token, the X-User-ID header and the client IP. The counters are
// independent; the first one over its limit rejects the request.
func rateLimitMiddleware(limiter ratelimit.Limiter, limits RateLimits) func(http.Handler) http.Handler {
	window := limits.Window
	if window <= 0 {
		window = time.Minute
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			type check struct {
				kind, value string
				limit       int
			}
			var checks []check
			if p := principalFromCtx(r.Context()); p != nil {
				checks = append(checks, check{ratelimit.KindAPIKey, p.Name, limits.APIKey})
			}
			if u := r.Header.Get("X-User-ID"); u != "" {
				checks = append(checks, check{ratelimit.KindUser, u, limits.User})
			}
			checks = append(checks, check{ratelimit.KindIP, clientIP(r), limits.IP})

			var tightest *ratelimit.Decision
			for _, c := range checks {
				if c.limit <= 0 || c.value == "" {
					continue
				}
				d := limiter.CheckAndConsume(r.Context(), ratelimit.Key(c.kind, c.value), c.limit, window)
				if !d.Allowed {
					setRateLimitHeaders(w, d)
					retry := d.RetryAfter(time.Now())
					w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
					rateLimitRejections.WithLabelValues(c.kind).Inc()
					log.Warn().
						Str("kind", c.kind).
						Str("request_id", requestIDFromCtx(r.Context())).
						Msg("rate limit exceeded")
					writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
					return
				}
				if tightest == nil || d.Remaining < tightest.Remaining {
					dd := d
					tightest = &dd
				}
			}
			if tightest != nil {
				setRateLimitHeaders(w, *tightest)
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// clientIP prefers the first X-Forwarded-For hop, then the connection's
// remote host.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
