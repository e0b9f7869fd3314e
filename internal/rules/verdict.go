// Package rules evaluates rule condition trees against a payload. Evaluation
// is pure apart from signature lookups and the optional remote PII
// classifier.
package rules

import "github.com/org/agentwall/pkg/models"

// Categories reported for leaves that are not signature based.
const (
	CategoryPII        = "pii"
	CategoryPattern    = "pattern"
	CategoryTokenLimit = "token_limit"
	CategoryContext    = "context"
	CategoryFormat     = "format"
)

// Input is one payload to inspect.
type Input struct {
	Phase   models.Phase
	Text    string
	Context models.RequestContext
}

// Span is a byte range of the payload that caused a match. Label names what
// was found there, e.g. "email" or "prompt_injection".
type Span struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Label string `json:"label"`
}

// Verdict is the outcome of one rule.
type Verdict struct {
	RuleID   string          `json:"ruleId"`
	RuleName string          `json:"ruleName"`
	Matched  bool            `json:"matched"`
	Action   models.Action   `json:"action"`
	Severity models.Severity `json:"severity"`
	Category string          `json:"category,omitempty"`
	Spans    []Span          `json:"-"`
	// TokenLimit is set when only token_count leaves matched; it is the
	// smallest exceeded maximum.
	TokenLimit int `json:"-"`
}

// MaxSeverity returns the highest severity among matched verdicts.
func MaxSeverity(verdicts []Verdict) models.Severity {
	var s models.Severity
	for _, v := range verdicts {
		if v.Matched {
			s = models.MaxSeverity(s, v.Severity)
		}
	}
	return s
}
