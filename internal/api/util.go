package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/org/agentwall/internal/errs"
	"github.com/rs/zerolog/log"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// errorBody is the stable error shape returned to clients.
type errorBody struct {
	Error     string `json:"error"`
	Category  string `json:"category,omitempty"`
	RequestID string `json:"requestId,omitempty"`
	Issues    any    `json:"issues,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg, RequestID: requestIDFromCtx(r.Context())})
}

// writeErr maps err to a status and a client-safe message. Server-side
// failures are logged with their cause; the client only sees errs.Message.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := errs.Message(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).
			Str("request_id", requestIDFromCtx(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeError(w, r, code, msg)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrValidation), errors.Is(err, errs.ErrConflict):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, errs.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, errs.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(dst); err != nil {
		return errs.Validation("invalid request body")
	}
	return nil
}

// queryBool parses an optional boolean query parameter.
func queryBool(r *http.Request, name string) (*bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, errs.Validation("%s must be true or false", name)
	}
	return &v, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errs.Validation("%s must be a non-negative integer", name)
	}
	return n, nil
}

func sseWrite(w http.ResponseWriter, event string, data []byte) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
