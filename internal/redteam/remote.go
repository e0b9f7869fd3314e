package redteam

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/org/agentwall/internal/firewall"
)

// Remote evaluates through a running server's POST /firewall/evaluate.
type Remote struct {
	addr  string
	token string
	http  *http.Client
}

func NewRemote(addr, token string) *Remote {
	return &Remote{
		addr:  strings.TrimRight(addr, "/"),
		token: token,
		http:  &http.Client{Timeout: 30 * time.Second},
	}
}

// WithClient replaces the HTTP client, e.g. to trust a private CA.
func (r *Remote) WithClient(c *http.Client) *Remote {
	r.http = c
	return r
}

func (r *Remote) Evaluate(ctx context.Context, req firewall.Request) (*firewall.Decision, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, r.addr+"/firewall/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	hr.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		hr.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.http.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("evaluate: %s (%d)", e.Error, resp.StatusCode)
		}
		return nil, fmt.Errorf("evaluate: status %d", resp.StatusCode)
	}
	var d firewall.Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decoding decision: %w", err)
	}
	return &d, nil
}
