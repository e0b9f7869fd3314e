package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/org/agentwall/internal/breaker"
	"github.com/org/agentwall/internal/errs"
)

func TestComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(map[string]any{"output": "echo: " + req.Input, "model": "m1", "usage": 3})
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL}, breaker.NewRegistry(breaker.Config{}, nil))
	resp, err := c.Complete(context.Background(), Request{Input: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Output != "echo: hi" || resp.Model != "m1" || len(resp.Raw) == 0 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestCompleteErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(Config{URL: srv.URL}, breaker.NewRegistry(breaker.Config{FailureThreshold: 1}, nil))
	if _, err := c.Complete(context.Background(), Request{Input: "hi"}); !errors.Is(err, errs.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if _, err := c.Complete(context.Background(), Request{Input: "hi"}); !errors.Is(err, errs.ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}

	var unset *Client
	if _, err := unset.Complete(context.Background(), Request{}); !errors.Is(err, errs.ErrUpstream) {
		t.Fatalf("unconfigured client: %v", err)
	}
}
