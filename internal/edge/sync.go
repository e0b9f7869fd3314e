// Package edge pushes validated policy bundles to an edge enforcement point.
package edge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/org/agentwall/internal/breaker"
	"github.com/org/agentwall/internal/errs"
	"github.com/org/agentwall/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds one sync, covering both the policy fetch and the push.
const DefaultTimeout = 10 * time.Second

type Config struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// Source loads what a bundle is built from.
type Source interface {
	GetPolicy(ctx context.Context, id string) (*models.Policy, error)
	ListBindings(ctx context.Context, tenantID, policyID string) ([]*models.Binding, error)
}

// Recorder receives the policy.sync audit event.
type Recorder interface {
	Record(ctx context.Context, e *models.AuditEvent) error
}

// Bundle is the document the edge receives.
type Bundle struct {
	Policy   *models.Policy    `json:"policy"`
	Bindings []*models.Binding `json:"bindings"`
	SyncedAt time.Time         `json:"syncedAt"`
}

// Issue is one schema problem found before pushing.
type Issue struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every issue found in a bundle.
type ValidationError struct {
	Issues []Issue
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("policy failed validation with %d issue(s)", len(e.Issues))
}

func (e *ValidationError) Is(target error) bool { return target == errs.ErrValidation }

// UpstreamError carries the edge's own error message.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string { return e.Message }

func (e *UpstreamError) Is(target error) bool { return target == errs.ErrUpstream }

// Result describes a successful push.
type Result struct {
	PolicyID string    `json:"policyId"`
	Rules    int       `json:"rules"`
	Bindings int       `json:"bindings"`
	SyncedAt time.Time `json:"syncedAt"`
}

type Syncer struct {
	source   Source
	recorder Recorder
	url      string
	token    string
	timeout  time.Duration
	http     *http.Client
	breakers *breaker.Registry
	now      func() time.Time
}

func NewSyncer(cfg Config, source Source, recorder Recorder, breakers *breaker.Registry) *Syncer {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Syncer{
		source:   source,
		recorder: recorder,
		url:      strings.TrimRight(cfg.URL, "/"),
		token:    cfg.Token,
		timeout:  timeout,
		http:     &http.Client{},
		breakers: breakers,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Sync loads, validates and pushes policyID. The whole operation shares one
// deadline.
func (s *Syncer) Sync(ctx context.Context, actor, policyID string) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.sync(ctx, policyID)
	tenant := ""
	if res != nil {
		tenant = res.tenantID
	}
	s.audit(ctx, actor, policyID, tenant, err)
	if err != nil {
		return nil, err
	}
	return &res.Result, nil
}

type syncResult struct {
	Result
	tenantID string
}

func (s *Syncer) sync(ctx context.Context, policyID string) (*syncResult, error) {
	if s.url == "" {
		return nil, &UpstreamError{Message: "edge sync is not configured"}
	}
	p, err := s.source.GetPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}
	bindings, err := s.source.ListBindings(ctx, p.TenantID, p.ID)
	if err != nil {
		return nil, err
	}
	if issues := Validate(p); len(issues) > 0 {
		return &syncResult{tenantID: p.TenantID}, &ValidationError{Issues: issues}
	}

	bundle := Bundle{Policy: p, Bindings: bindings, SyncedAt: s.now()}
	err = s.breakers.Execute(ctx, breaker.Edge, func(ctx context.Context) error {
		return s.push(ctx, bundle)
	})
	if err != nil {
		var ue *UpstreamError
		if !errors.As(err, &ue) && !errors.Is(err, errs.ErrCircuitOpen) {
			err = &UpstreamError{Message: err.Error()}
		}
		return &syncResult{tenantID: p.TenantID}, err
	}
	return &syncResult{
		Result:   Result{PolicyID: p.ID, Rules: len(p.Rules), Bindings: len(bindings), SyncedAt: bundle.SyncedAt},
		tenantID: p.TenantID,
	}, nil
}

func (s *Syncer) push(ctx context.Context, b Bundle) error {
	body, err := json.Marshal(b)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.url+"/policies/"+url.PathEscape(b.Policy.ID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &UpstreamError{Status: resp.StatusCode, Message: upstreamMessage(resp.StatusCode, raw)}
}

func upstreamMessage(status int, raw []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		return text
	}
	return fmt.Sprintf("edge returned %d %s", status, http.StatusText(status))
}

// Validate checks a policy with its rules against the bundle schema.
func Validate(p *models.Policy) []Issue {
	var issues []Issue
	add := func(field, format string, args ...any) {
		issues = append(issues, Issue{Field: field, Message: fmt.Sprintf(format, args...)})
	}
	if strings.TrimSpace(p.Name) == "" {
		add("name", "name is required")
	}
	if !p.Mode.Valid() {
		add("mode", "unknown mode %q", p.Mode)
	}
	if p.Priority < 0 {
		add("priority", "priority must not be negative")
	}
	active := 0
	for i, r := range p.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if !r.Action.Valid() {
			add(field+".action", "unknown action %q", r.Action)
		}
		if !r.Severity.Valid() {
			add(field+".severity", "unknown severity %q", r.Severity)
		}
		if r.Conditions.IsEmpty() {
			add(field+".conditions", "condition tree is empty and never matches")
		} else if err := r.Conditions.Validate(); err != nil {
			add(field+".conditions", "%v", err)
		}
		if r.IsActive {
			active++
		}
	}
	if active == 0 {
		add("rules", "policy has no active rules")
	}
	return issues
}

func (s *Syncer) audit(ctx context.Context, actor, policyID, tenantID string, err error) {
	if s.recorder == nil {
		return
	}
	status := models.StatusSuccess
	details := map[string]any{}
	if err != nil {
		status = models.StatusFailure
		details["error"] = err.Error()
	}
	rerr := s.recorder.Record(context.WithoutCancel(ctx), &models.AuditEvent{
		TenantID:     tenantID,
		Actor:        actor,
		Action:       models.AuditPolicySync,
		ResourceType: "policy",
		ResourceID:   policyID,
		Status:       status,
		Details:      details,
	})
	if rerr != nil {
		log.Error().Err(rerr).Str("policy_id", policyID).Msg("failed to record sync audit event")
	}
}
