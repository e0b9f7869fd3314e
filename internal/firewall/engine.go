// Package firewall decides whether a payload may pass. It resolves the
// policies bound to a request, evaluates their rules, applies each policy's
// mode and records exactly one audit event per decision.
package firewall

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/org/agentwall/internal/errs"
	"github.com/org/agentwall/internal/policy"
	"github.com/org/agentwall/internal/rules"
	"github.com/org/agentwall/pkg/models"
	"github.com/rs/zerolog/log"
)

// FailMode selects the decision when evaluation cannot complete.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

func (f FailMode) Valid() bool { return f == FailOpen || f == FailClosed }

// DefaultEvaluationTimeout bounds one evaluation including store reads.
const DefaultEvaluationTimeout = 2 * time.Second

// Config holds the engine settings.
type Config struct {
	Enabled           bool          `yaml:"enabled"`
	Mode              models.Mode   `yaml:"mode"`
	FailMode          FailMode      `yaml:"fail_mode"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
}

// PolicyResolver returns the ordered policies applying to a request.
type PolicyResolver interface {
	Resolve(ctx context.Context, rc models.RequestContext) ([]policy.Resolved, error)
}

// RuleEvaluator evaluates rules against one payload.
type RuleEvaluator interface {
	EvaluateRules(ctx context.Context, rs []*models.Rule, in rules.Input) ([]rules.Verdict, error)
}

// Recorder persists and publishes audit events.
type Recorder interface {
	Record(ctx context.Context, e *models.AuditEvent) error
}

// Referencer turns a payload into a non-reversible reference.
type Referencer interface {
	Reference(tenantID, payload string) string
}

// Request is one payload to decide on.
type Request struct {
	Context models.RequestContext `json:"context"`
	Phase   models.Phase          `json:"phase"`
	Payload string                `json:"payload"`
}

// Decision is the final verdict for a request. It never carries matched
// payload content beyond the (possibly sanitized) Payload. ShadowBlocked is
// set when a shadow policy would have blocked an allowed request.
type Decision struct {
	RequestID     string          `json:"requestId"`
	Decision      string          `json:"decision"`
	Allowed       bool            `json:"allowed"`
	ShadowBlocked bool            `json:"shadowBlocked,omitempty"`
	Payload       string          `json:"payload"`
	Category      string          `json:"category,omitempty"`
	Severity      models.Severity `json:"severity,omitempty"`
	RuleIDs       []string        `json:"ruleIds,omitempty"`
	PolicyID      string          `json:"policyId,omitempty"`
	Mode          models.Mode     `json:"mode"`
	LatencyMs     float64         `json:"latencyMs"`
	Policies      []PolicyResult  `json:"policies,omitempty"`
}

// Recorded is the decision written to the audit trail and metrics.
func (d *Decision) Recorded() string {
	if d.ShadowBlocked && d.Decision == models.DecisionAllow {
		return models.DecisionShadowLogged
	}
	return d.Decision
}

// Engine is safe for concurrent use.
type Engine struct {
	resolver  PolicyResolver
	evaluator RuleEvaluator
	modes     *ModeController
	recorder  Recorder
	refs      Referencer

	enabled  atomic.Bool
	failMode atomic.Value // FailMode
	timeout  time.Duration
	now      func() time.Time
}

// NewEngine wires an engine. refs may be nil, in which case audit events
// carry no payload reference.
func NewEngine(cfg Config, resolver PolicyResolver, evaluator RuleEvaluator, recorder Recorder, refs Referencer) *Engine {
	e := &Engine{
		resolver:  resolver,
		evaluator: evaluator,
		modes:     NewModeController(cfg.Mode),
		recorder:  recorder,
		refs:      refs,
		timeout:   cfg.EvaluationTimeout,
		now:       time.Now,
	}
	if e.timeout <= 0 {
		e.timeout = DefaultEvaluationTimeout
	}
	if !cfg.FailMode.Valid() {
		cfg.FailMode = FailOpen
	}
	e.failMode.Store(cfg.FailMode)
	e.enabled.Store(cfg.Enabled)
	return e
}

func (e *Engine) Modes() *ModeController { return e.modes }

func (e *Engine) Enabled() bool { return e.enabled.Load() }

func (e *Engine) SetEnabled(v bool) { e.enabled.Store(v) }

func (e *Engine) FailMode() FailMode { return e.failMode.Load().(FailMode) }

func (e *Engine) SetFailMode(f FailMode) { e.failMode.Store(f) }

// Evaluate decides on req. The returned error is non-nil only for a malformed
// request; dependency failures resolve to a degraded or unavailable-block
// decision according to the fail mode.
func (e *Engine) Evaluate(ctx context.Context, req Request) (*Decision, error) {
	if strings.TrimSpace(req.Context.TenantID) == "" {
		return nil, errs.Validation("tenantId is required")
	}
	if req.Phase == "" {
		req.Phase = models.PhaseInput
	}
	if !req.Phase.Valid() {
		return nil, errs.Validation("phase must be input or output")
	}
	if req.Context.RequestID == "" {
		req.Context.RequestID = uuid.NewString()
	}

	start := e.now()
	d := &Decision{
		RequestID: req.Context.RequestID,
		Decision:  models.DecisionAllow,
		Allowed:   true,
		Payload:   req.Payload,
		Mode:      e.modes.Global(),
	}

	var (
		evalErr error
		shadow  []PolicyResult
	)
	if e.Enabled() {
		evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
		shadow, evalErr = e.run(evalCtx, req, d)
		cancel()
	}

	if evalErr != nil {
		e.fail(d, req, evalErr)
	}
	d.LatencyMs = float64(e.now().Sub(start).Microseconds()) / 1000

	decisionsTotal.WithLabelValues(d.Recorded()).Inc()
	evaluationDuration.Observe(d.LatencyMs / 1000)

	// The decision is final here; the audit event must outlive a cancelled
	// caller.
	e.record(context.WithoutCancel(ctx), req, d, shadow, evalErr)
	return d, nil
}

// run walks the resolved policies in order. Rewrites chain: each policy sees
// the payload left by the previous one. After an enforced block only shadow
// policies are still evaluated, for the audit trail.
func (e *Engine) run(ctx context.Context, req Request, d *Decision) ([]PolicyResult, error) {
	resolved, err := e.resolver.Resolve(ctx, req.Context)
	if err != nil {
		return nil, err
	}

	var (
		shadow      []PolicyResult
		blocked     *PolicyResult
		warned      *PolicyResult
		rewrote     bool
		transformed bool
	)
	payload := req.Payload
	for _, r := range resolved {
		mode := e.modes.Effective(r.Policy)
		if blocked != nil && mode != models.ModeShadow {
			continue
		}
		verdicts, err := e.evaluator.EvaluateRules(ctx, r.Policy.Rules, rules.Input{
			Phase:   req.Phase,
			Text:    payload,
			Context: req.Context,
		})
		if err != nil {
			if blocked != nil {
				log.Warn().Err(err).Str("policy_id", r.Policy.ID).Msg("shadow evaluation after block failed")
				continue
			}
			return nil, fmt.Errorf("policy %s: %w", r.Policy.ID, err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		res := e.modes.Apply(r.Policy, verdicts, payload)
		if res.Matched() {
			d.Policies = append(d.Policies, res)
		}
		if blocked != nil {
			if res.Outcome == OutcomeShadowLogged {
				shadow = append(shadow, res)
			}
			continue
		}
		switch res.Outcome {
		case OutcomeEnforcedBlock:
			b := res
			blocked = &b
		case OutcomeShadowLogged:
			shadow = append(shadow, res)
		case OutcomeEnforcedSanitize:
			rewrote = true
			transformed = transformed || res.Transformed
			payload = res.Payload
		}
		if res.Warned && warned == nil {
			w := res
			warned = &w
		}
	}

	switch {
	case blocked != nil:
		d.Decision = models.DecisionBlock
		d.Allowed = false
		d.Payload = ""
		d.PolicyID = blocked.PolicyID
		d.RuleIDs = blocked.RuleIDs
		d.Category = blocked.Category
		d.Severity = blocked.Severity
	case len(shadow) > 0:
		d.ShadowBlocked = true
		d.PolicyID = shadow[0].PolicyID
		d.RuleIDs = shadow[0].RuleIDs
		d.Category = shadow[0].Category
		d.Severity = shadow[0].Severity
	case rewrote:
		d.Decision = models.DecisionSanitize
		if transformed {
			d.Decision = models.DecisionTransform
		}
	case warned != nil:
		d.Decision = models.DecisionWarn
		d.PolicyID = warned.PolicyID
		d.RuleIDs = warned.RuleIDs
		d.Category = warned.Category
		d.Severity = warned.Severity
	}
	if d.Allowed {
		d.Payload = payload
	}
	if d.Decision == models.DecisionSanitize || d.Decision == models.DecisionTransform {
		for _, p := range d.Policies {
			if p.Outcome == OutcomeEnforcedSanitize {
				d.RuleIDs = append(d.RuleIDs, p.RuleIDs...)
				d.Severity = models.MaxSeverity(d.Severity, p.Severity)
				if d.Category == "" {
					d.Category = p.Category
				}
			}
		}
	}
	return shadow, nil
}

// fail replaces d with the fail-mode decision. The original payload passes
// through unchanged on fail-open.
func (e *Engine) fail(d *Decision, req Request, cause error) {
	log.Error().Err(cause).
		Str("request_id", d.RequestID).
		Str("tenant_id", req.Context.TenantID).
		Str("fail_mode", string(e.FailMode())).
		Msg("firewall evaluation failed")

	d.Policies = nil
	d.ShadowBlocked = false
	d.RuleIDs = nil
	d.PolicyID = ""
	d.Category = ""
	d.Severity = ""
	if e.FailMode() == FailClosed {
		d.Decision = models.DecisionUnavailable
		d.Allowed = false
		d.Payload = ""
		return
	}
	d.Decision = models.DecisionDegraded
	d.Allowed = true
	d.Payload = req.Payload
}

func (e *Engine) record(ctx context.Context, req Request, d *Decision, shadow []PolicyResult, evalErr error) {
	if e.recorder == nil {
		return
	}
	details := map[string]any{
		"phase":    req.Phase,
		"mode":     d.Mode,
		"failMode": e.FailMode(),
		"enabled":  e.Enabled(),
		"route":    req.Context.Route,
	}
	if d.PolicyID != "" {
		details["policyId"] = d.PolicyID
	}
	if len(d.RuleIDs) > 0 {
		details["ruleIds"] = d.RuleIDs
	}
	if len(d.Policies) > 0 {
		ids := make([]string, len(d.Policies))
		for i, p := range d.Policies {
			ids[i] = p.PolicyID
		}
		details["matchedPolicies"] = ids
	}
	if len(shadow) > 0 {
		details["shadowPolicies"] = len(shadow)
	}
	if req.Context.Metadata[models.DetailRedTeam] == "true" {
		details[models.DetailRedTeam] = true
	}
	if e.refs != nil && (len(d.Policies) > 0 || evalErr != nil) {
		details["payloadRef"] = e.refs.Reference(req.Context.TenantID, req.Payload)
	}
	if evalErr != nil {
		details["error"] = errs.Message(evalErr)
	}

	recorded := d.Recorded()
	status := models.StatusSuccess
	switch recorded {
	case models.DecisionDegraded, models.DecisionShadowLogged, models.DecisionWarn:
		status = models.StatusWarning
	case models.DecisionUnavailable:
		status = models.StatusFailure
	}

	actor := req.Context.APIKeyID
	if actor == "" {
		actor = req.Context.UserID
	}
	ev := &models.AuditEvent{
		TenantID:     req.Context.TenantID,
		RequestID:    d.RequestID,
		Actor:        actor,
		Action:       auditAction(recorded),
		ResourceType: models.ResourceRequest,
		ResourceID:   d.RequestID,
		Decision:     recorded,
		Severity:     d.Severity,
		Category:     d.Category,
		Status:       status,
		LatencyMs:    d.LatencyMs,
		Details:      details,
	}
	if err := e.recorder.Record(ctx, ev); err != nil {
		log.Error().Err(err).Str("request_id", d.RequestID).Msg("failed to record decision")
	}
	log.Debug().
		Str("request_id", d.RequestID).
		Str("tenant_id", req.Context.TenantID).
		Str("decision", recorded).
		Strs("rule_ids", d.RuleIDs).
		Float64("latency_ms", d.LatencyMs).
		Msg("firewall decision")
}

func auditAction(decision string) string {
	switch decision {
	case models.DecisionBlock:
		return models.AuditFirewallBlock
	case models.DecisionShadowLogged:
		return models.AuditShadowBlock
	case models.DecisionSanitize, models.DecisionTransform:
		return models.AuditFirewallSanitize
	case models.DecisionWarn:
		return models.AuditFirewallWarn
	case models.DecisionDegraded:
		return models.AuditFirewallDegraded
	case models.DecisionUnavailable:
		return models.AuditFirewallUnavailableBlock
	default:
		return models.AuditFirewallAllow
	}
}
