package models

import "time"

// Audit event status values.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusWarning = "warning"
)

// Firewall decision actions recorded in the audit trail.
const (
	AuditFirewallAllow            = "firewall_allow"
	AuditFirewallBlock            = "firewall_block"
	AuditFirewallSanitize         = "firewall_sanitize"
	AuditFirewallWarn             = "firewall_warn"
	AuditShadowBlock              = "shadow-block"
	AuditFirewallDegraded         = "firewall_degraded"
	AuditFirewallUnavailableBlock = "firewall_unavailable_block"
)

// Admin mutation actions.
const (
	AuditPolicyCreate  = "policy.create"
	AuditPolicyUpdate  = "policy.update"
	AuditPolicySync    = "policy.sync"
	AuditRuleCreate    = "rule.create"
	AuditBindingCreate = "binding.create"
	AuditBindingUpdate = "binding.update"
	AuditBindingDelete = "binding.delete"
	AuditModeUpdate    = "firewall.mode"
	AuditSignatureSync = "signature.sync"
)

// AuditEvent is an immutable record of a decision or mutation.
type AuditEvent struct {
	Seq          int64          `json:"-"`
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	TenantID     string         `json:"tenantId,omitempty"`
	RequestID    string         `json:"requestId,omitempty"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId,omitempty"`
	Decision     string         `json:"decision,omitempty"`
	Severity     Severity       `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Status       string         `json:"status"`
	LatencyMs    float64        `json:"latencyMs,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

// DetailRedTeam marks decisions made for a red-team run, both in request
// metadata and in the event details. Stats leave them out.
const DetailRedTeam = "redteam"

// IsRedTeam reports whether the event records a red-team case.
func (e *AuditEvent) IsRedTeam() bool {
	v, _ := e.Details[DetailRedTeam].(bool)
	return v
}

// IsFirewallDecision reports whether the event records a request decision
// rather than an admin mutation.
func (e *AuditEvent) IsFirewallDecision() bool {
	return e.ResourceType == ResourceRequest
}

// CategoryCount is one entry of the top threat categories.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int64  `json:"count"`
}

// FirewallStats aggregates decision events.
type FirewallStats struct {
	TotalRequests    int64           `json:"totalRequests"`
	Allowed          int64           `json:"allowed"`
	Blocked          int64           `json:"blocked"`
	ShadowBlocked    int64           `json:"shadowBlocked"`
	Sanitized        int64           `json:"sanitized"`
	Degraded         int64           `json:"degraded"`
	AverageLatencyMs float64         `json:"averageLatencyMs"`
	TopCategories    []CategoryCount `json:"topCategories"`
	Mode             Mode            `json:"mode"`
	FailMode         string          `json:"failMode"`
	Enabled          bool            `json:"enabled"`
}

// Decision values carried by firewall decisions and their audit events.
// A shadow block is allowed for the caller and recorded as shadow-logged.
const (
	DecisionAllow        = "allowed"
	DecisionWarn         = "warned"
	DecisionBlock        = "enforced-block"
	DecisionShadowLogged = "shadow-logged"
	DecisionSanitize     = "enforced-sanitize"
	DecisionTransform    = "enforced-transform"
	DecisionDegraded     = "degraded"
	DecisionUnavailable  = "unavailable-block"
)

// ResourceRequest is the resource type of firewall decision events.
const ResourceRequest = "request"
