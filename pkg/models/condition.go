package models

import (
	"fmt"
	"regexp"
)

// ConditionType tags a Condition node. The set is closed: and/or combinators
// plus five leaf predicate kinds.
type ConditionType string

const (
	ConditionAnd        ConditionType = "and"
	ConditionOr         ConditionType = "or"
	ConditionPII        ConditionType = "pii"
	ConditionRegex      ConditionType = "regex"
	ConditionSignature  ConditionType = "signature"
	ConditionTokenCount ConditionType = "token_count"
	ConditionContext    ConditionType = "context"
	ConditionFormat     ConditionType = "format"
)

// Phase is the side of the upstream call a payload belongs to.
type Phase string

const (
	PhaseInput  Phase = "input"
	PhaseOutput Phase = "output"
)

// Valid reports whether p is input or output.
func (p Phase) Valid() bool { return p == PhaseInput || p == PhaseOutput }

const (
	maxConditionDepth = 16
	maxConditionNodes = 256
)

// Condition is a node of a rule's condition tree. Combinators carry
// Conditions; a leaf carries exactly the payload named by its Type.
type Condition struct {
	Type       ConditionType        `json:"type"`
	Conditions []Condition          `json:"conditions,omitempty"`
	Phase      Phase                `json:"phase,omitempty"`
	PII        *PIICondition        `json:"pii,omitempty"`
	Regex      *RegexCondition      `json:"regex,omitempty"`
	Signature  *SignatureCondition  `json:"signature,omitempty"`
	TokenCount *TokenCountCondition `json:"tokenCount,omitempty"`
	Context    *ContextCondition    `json:"context,omitempty"`
	Format     *FormatCondition     `json:"format,omitempty"`
}

// PIICondition matches when any of the listed PII types is detected.
type PIICondition struct {
	Types  []string `json:"types,omitempty"` // empty means every known type
	Remote bool     `json:"remote,omitempty"`
}

// RegexCondition matches an RE2 pattern against the payload.
type RegexCondition struct {
	Pattern         string `json:"pattern"`
	CaseInsensitive bool   `json:"caseInsensitive,omitempty"`
}

// SignatureCondition matches active threat signatures of a category.
type SignatureCondition struct {
	Category    string   `json:"category"`
	MinSeverity Severity `json:"minSeverity,omitempty"`
}

// TokenCountCondition matches when the estimated token count exceeds Max.
type TokenCountCondition struct {
	Max int `json:"max"`
}

// ContextCondition inspects the request context rather than the payload.
type ContextCondition struct {
	Field    string   `json:"field"`
	Operator string   `json:"operator"`
	Values   []string `json:"values,omitempty"`
}

// FormatCondition matches when the payload violates the expected format.
type FormatCondition struct {
	Format    string `json:"format,omitempty"`
	MaxLength int    `json:"maxLength,omitempty"`
}

// Known PII detector names.
var PIITypes = []string{"email", "phone", "ssn", "credit_card", "ip_address"}

// Context operators.
const (
	OpEquals    = "equals"
	OpNotEquals = "not_equals"
	OpIn        = "in"
	OpNotIn     = "not_in"
	OpPrefix    = "prefix"
	OpExists    = "exists"
)

// Formats understood by FormatCondition.
var Formats = []string{"json", "email", "url", "uuid"}

// Validate checks the tree is finite, bounded and well-formed.
func (c *Condition) Validate() error {
	nodes := 0
	return c.validate(1, &nodes)
}

func (c *Condition) validate(depth int, nodes *int) error {
	if depth > maxConditionDepth {
		return fmt.Errorf("condition tree deeper than %d", maxConditionDepth)
	}
	*nodes++
	if *nodes > maxConditionNodes {
		return fmt.Errorf("condition tree has more than %d nodes", maxConditionNodes)
	}
	if c.Phase != "" && !c.Phase.Valid() {
		return fmt.Errorf("invalid phase %q", c.Phase)
	}

	leaves := 0
	for _, set := range []bool{c.PII != nil, c.Regex != nil, c.Signature != nil, c.TokenCount != nil, c.Context != nil, c.Format != nil} {
		if set {
			leaves++
		}
	}

	switch c.Type {
	case ConditionAnd, ConditionOr:
		if leaves > 0 {
			return fmt.Errorf("%s node cannot carry a leaf payload", c.Type)
		}
		for i := range c.Conditions {
			if err := c.Conditions[i].validate(depth+1, nodes); err != nil {
				return err
			}
		}
		return nil
	case "":
		return fmt.Errorf("condition type is required")
	}

	if len(c.Conditions) > 0 {
		return fmt.Errorf("%s leaf cannot have child conditions", c.Type)
	}
	if leaves != 1 {
		return fmt.Errorf("%s leaf must carry exactly one payload", c.Type)
	}

	switch c.Type {
	case ConditionPII:
		if c.PII == nil {
			return fmt.Errorf("pii leaf requires pii payload")
		}
		for _, t := range c.PII.Types {
			if !contains(PIITypes, t) {
				return fmt.Errorf("unknown pii type %q", t)
			}
		}
	case ConditionRegex:
		if c.Regex == nil || c.Regex.Pattern == "" {
			return fmt.Errorf("regex leaf requires a pattern")
		}
		if _, err := regexp.Compile(c.Regex.Pattern); err != nil {
			return fmt.Errorf("invalid regex: %w", err)
		}
	case ConditionSignature:
		if c.Signature == nil || c.Signature.Category == "" {
			return fmt.Errorf("signature leaf requires a category")
		}
		if c.Signature.MinSeverity != "" && !c.Signature.MinSeverity.Valid() {
			return fmt.Errorf("invalid minSeverity %q", c.Signature.MinSeverity)
		}
	case ConditionTokenCount:
		if c.TokenCount == nil || c.TokenCount.Max < 0 {
			return fmt.Errorf("token_count leaf requires a non-negative max")
		}
	case ConditionContext:
		if c.Context == nil || c.Context.Field == "" {
			return fmt.Errorf("context leaf requires a field")
		}
		switch c.Context.Operator {
		case OpEquals, OpNotEquals, OpIn, OpNotIn, OpPrefix:
			if len(c.Context.Values) == 0 {
				return fmt.Errorf("context operator %q requires values", c.Context.Operator)
			}
		case OpExists:
		default:
			return fmt.Errorf("unknown context operator %q", c.Context.Operator)
		}
	case ConditionFormat:
		if c.Format == nil || (c.Format.Format == "" && c.Format.MaxLength <= 0) {
			return fmt.Errorf("format leaf requires a format or maxLength")
		}
		if c.Format.Format != "" && !contains(Formats, c.Format.Format) {
			return fmt.Errorf("unknown format %q", c.Format.Format)
		}
	default:
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	return nil
}

// IsEmpty reports whether the tree can never match: nil, or a combinator with
// no children.
func (c *Condition) IsEmpty() bool {
	if c == nil {
		return true
	}
	if c.Type == ConditionAnd || c.Type == ConditionOr {
		return len(c.Conditions) == 0
	}
	return false
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
