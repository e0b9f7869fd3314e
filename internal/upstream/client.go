// Package upstream forwards admitted payloads to the AI backend through the
// "upstream" circuit breaker.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/org/agentwall/internal/breaker"
	"github.com/org/agentwall/internal/errs"
)

const defaultTimeout = 30 * time.Second

type Config struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// Request is what the backend receives.
type Request struct {
	Input    string            `json:"input"`
	AgentID  string            `json:"agentId,omitempty"`
	UserID   string            `json:"userId,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Response is the backend's answer. Extra fields are preserved in Raw.
type Response struct {
	Output string          `json:"output"`
	Model  string          `json:"model,omitempty"`
	Raw    json.RawMessage `json:"-"`
}

type Client struct {
	url      string
	token    string
	http     *http.Client
	breakers *breaker.Registry
}

func New(cfg Config, breakers *breaker.Registry) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		url:      strings.TrimRight(cfg.URL, "/"),
		token:    cfg.Token,
		http:     &http.Client{Timeout: timeout},
		breakers: breakers,
	}
}

// Configured reports whether a backend URL is set.
func (c *Client) Configured() bool { return c != nil && c.url != "" }

// Complete sends req to the backend. Failures match errs.ErrUpstream, or
// errs.ErrCircuitOpen when the breaker is open.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("%w: no upstream configured", errs.ErrUpstream)
	}
	var out Response
	call := func(ctx context.Context) error {
		body, err := json.Marshal(req)
		if err != nil {
			return err
		}
		hr, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		hr.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			hr.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.http.Do(hr)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode >= 300 {
			return fmt.Errorf("upstream returned %d", resp.StatusCode)
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("decoding upstream response: %w", err)
		}
		out.Raw = raw
		return nil
	}
	err := c.breakers.Execute(ctx, breaker.Upstream, call)
	switch {
	case err == nil:
		return &out, nil
	case errors.Is(err, errs.ErrCircuitOpen):
		return nil, err
	default:
		return nil, fmt.Errorf("%w: %v", errs.ErrUpstream, err)
	}
}
