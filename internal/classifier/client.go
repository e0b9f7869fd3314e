// Package classifier calls the remote PII classification service. Every call
// goes through the "classifier" circuit breaker.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/org/agentwall/internal/breaker"
	"github.com/org/agentwall/internal/rules"
)

const defaultTimeout = 2 * time.Second

type Config struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type Client struct {
	url      string
	token    string
	http     *http.Client
	breakers *breaker.Registry
}

// New returns nil when no URL is configured; rules then fall back to local
// detectors.
func New(cfg Config, breakers *breaker.Registry) *Client {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil
	}
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

type classifyRequest struct {
	Text  string   `json:"text"`
	Types []string `json:"types,omitempty"`
}

type classifyResponse struct {
	Findings []rules.Finding `json:"findings"`
}

// ClassifyPII returns the PII findings for text. Offsets are byte offsets.
// A nil client reports nothing.
func (c *Client) ClassifyPII(ctx context.Context, text string, types []string) ([]rules.Finding, error) {
	if c == nil {
		return nil, nil
	}
	var out classifyResponse
	call := func(ctx context.Context) error {
		body, err := json.Marshal(classifyRequest{Text: text, Types: types})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+"/v1/pii", bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("classifier returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		}
		return json.NewDecoder(resp.Body).Decode(&out)
	}
	if err := c.breakers.Execute(ctx, breaker.Classifier, call); err != nil {
		return nil, err
	}
	return out.Findings, nil
}
