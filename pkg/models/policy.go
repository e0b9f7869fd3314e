package models

import "time"

// Mode controls how strongly a policy's matches are enforced.
type Mode string

const (
	ModeEnforce Mode = "enforce"
	ModeShadow  Mode = "shadow"
	ModeOff     Mode = "off"
)

// Valid reports whether m is one of the known modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeEnforce, ModeShadow, ModeOff:
		return true
	}
	return false
}

// strength orders modes so a global mode can cap a policy mode.
func (m Mode) strength() int {
	switch m {
	case ModeEnforce:
		return 2
	case ModeShadow:
		return 1
	}
	return 0
}

// Cap returns the weaker of m and ceiling.
func (m Mode) Cap(ceiling Mode) Mode {
	if ceiling.strength() < m.strength() {
		return ceiling
	}
	return m
}

// Action is what a matched rule asks the firewall to do.
type Action string

const (
	ActionBlock     Action = "block"
	ActionSanitize  Action = "sanitize"
	ActionWarn      Action = "warn"
	ActionTransform Action = "transform"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionBlock, ActionSanitize, ActionWarn, ActionTransform:
		return true
	}
	return false
}

// Rewrites reports whether the action changes the payload.
func (a Action) Rewrites() bool {
	return a == ActionSanitize || a == ActionTransform
}

// Severity of a rule or signature. Ordered critical > high > medium > low.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordering weight of s; unknown severities rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// MaxSeverity returns the higher-ranked of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Policy is a named, tenant-scoped, prioritised ruleset.
type Policy struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Priority    int       `json:"priority"` // lower is evaluated first
	IsActive    bool      `json:"isActive"`
	Mode        Mode      `json:"mode"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Rules       []*Rule   `json:"rules,omitempty"`
}

// Rule is one condition tree plus the action to take when it matches.
type Rule struct {
	ID          string     `json:"id"`
	PolicyID    string     `json:"policyId"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Conditions  *Condition `json:"conditions"`
	Action      Action     `json:"action"`
	Severity    Severity   `json:"severity"`
	Replacement string     `json:"replacement,omitempty"`
	IsActive    bool       `json:"isActive"`
	CreatedAt   time.Time  `json:"createdAt"`
}

// Binding scopes a policy to a slice of a tenant's traffic. Nil scoping
// fields are wildcards; a binding with all of them nil is tenant-global.
type Binding struct {
	ID          string    `json:"id"`
	PolicyID    string    `json:"policyId"`
	TenantID    string    `json:"tenantId"`
	APIKeyID    *string   `json:"apiKeyId"`
	UserID      *string   `json:"userId"`
	AgentID     *string   `json:"agentId"`
	RoutePrefix *string   `json:"routePrefix"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Specificity ranks bindings: apiKey > user > agent > routePrefix > tenant-global.
// Each scoping field contributes a distinct bit so a binding that sets a
// higher-ranked field always outranks one that only sets lower-ranked ones.
func (b *Binding) Specificity() int {
	score := 0
	if b.APIKeyID != nil {
		score |= 8
	}
	if b.UserID != nil {
		score |= 4
	}
	if b.AgentID != nil {
		score |= 2
	}
	if b.RoutePrefix != nil {
		score |= 1
	}
	return score
}

// TenantSnapshot is a consistent read of a tenant's active bindings together
// with the active policies they reference and those policies' active rules.
type TenantSnapshot struct {
	TenantID string
	Bindings []*Binding
	Policies map[string]*Policy
}
