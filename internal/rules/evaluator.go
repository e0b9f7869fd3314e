package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/org/agentwall/internal/signature"
	"github.com/org/agentwall/pkg/models"
)

// Finding is one PII hit reported by a remote classifier.
type Finding struct {
	Type  string `json:"type"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// PIIClassifier is a remote PII detection service.
type PIIClassifier interface {
	ClassifyPII(ctx context.Context, text string, types []string) ([]Finding, error)
}

// SignatureMatcher looks up threat signatures.
type SignatureMatcher interface {
	Match(category string, min models.Severity, text string) signature.Match
}

// Evaluator runs condition trees.
type Evaluator struct {
	signatures SignatureMatcher
	patterns   *PatternCache
	classifier PIIClassifier
}

// NewEvaluator wires an evaluator. classifier may be nil, in which case pii
// leaves asking for remote classification use the local detectors only.
func NewEvaluator(sigs SignatureMatcher, patterns *PatternCache, classifier PIIClassifier) *Evaluator {
	if patterns == nil {
		patterns = NewPatternCache(0)
	}
	return &Evaluator{signatures: sigs, patterns: patterns, classifier: classifier}
}

// EvaluateRules evaluates every active rule; a match does not stop the scan.
// An error means a detector could not run and no verdicts are returned.
func (e *Evaluator) EvaluateRules(ctx context.Context, rules []*models.Rule, in Input) ([]Verdict, error) {
	verdicts := make([]Verdict, 0, len(rules))
	for _, r := range rules {
		if !r.IsActive {
			continue
		}
		v := Verdict{RuleID: r.ID, RuleName: r.Name, Action: r.Action, Severity: r.Severity}
		if !r.Conditions.IsEmpty() {
			res, err := e.eval(ctx, r.Conditions, in)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", r.ID, err)
			}
			if res.matched {
				v.Matched = true
				v.Category = res.category
				v.Spans = res.spans
				if res.tokenOnly {
					v.TokenLimit = res.tokenLimit
				}
			}
		}
		verdicts = append(verdicts, v)
	}
	return verdicts, nil
}

type result struct {
	matched    bool
	category   string
	spans      []Span
	tokenOnly  bool
	tokenLimit int
}

func (e *Evaluator) eval(ctx context.Context, c *models.Condition, in Input) (result, error) {
	switch c.Type {
	case models.ConditionAnd:
		if len(c.Conditions) == 0 {
			return result{}, nil
		}
		acc := result{matched: true, tokenOnly: true}
		for i := range c.Conditions {
			r, err := e.eval(ctx, &c.Conditions[i], in)
			if err != nil {
				return result{}, err
			}
			if !r.matched {
				return result{}, nil
			}
			acc.merge(r)
		}
		return acc, nil

	case models.ConditionOr:
		acc := result{tokenOnly: true}
		for i := range c.Conditions {
			r, err := e.eval(ctx, &c.Conditions[i], in)
			if err != nil {
				return result{}, err
			}
			if r.matched {
				acc.matched = true
				acc.merge(r)
			}
		}
		if !acc.matched {
			return result{}, nil
		}
		return acc, nil
	}

	if c.Phase != "" && c.Phase != in.Phase {
		return result{}, nil
	}
	return e.leaf(ctx, c, in)
}

func (r *result) merge(o result) {
	if r.category == "" {
		r.category = o.category
	}
	r.spans = append(r.spans, o.spans...)
	r.tokenOnly = r.tokenOnly && o.tokenOnly
	if o.tokenLimit > 0 && (r.tokenLimit == 0 || o.tokenLimit < r.tokenLimit) {
		r.tokenLimit = o.tokenLimit
	}
}

func (e *Evaluator) leaf(ctx context.Context, c *models.Condition, in Input) (result, error) {
	switch c.Type {
	case models.ConditionPII:
		if c.PII == nil {
			return result{}, nil
		}
		spans := detectPII(in.Text, c.PII.Types)
		if c.PII.Remote && e.classifier != nil {
			findings, err := e.classifier.ClassifyPII(ctx, in.Text, c.PII.Types)
			if err != nil {
				return result{}, fmt.Errorf("pii classifier: %w", err)
			}
			for _, f := range findings {
				if f.Start < 0 || f.End > len(in.Text) || f.Start >= f.End {
					continue
				}
				spans = append(spans, Span{Start: f.Start, End: f.End, Label: f.Type})
			}
		}
		return spanResult(CategoryPII, spans), nil

	case models.ConditionRegex:
		if c.Regex == nil {
			return result{}, nil
		}
		re, err := e.patterns.Get(c.Regex.Pattern, c.Regex.CaseInsensitive)
		if err != nil {
			return result{}, fmt.Errorf("compiling pattern: %w", err)
		}
		var spans []Span
		for _, loc := range re.FindAllStringIndex(in.Text, -1) {
			spans = append(spans, Span{Start: loc[0], End: loc[1], Label: CategoryPattern})
		}
		return spanResult(CategoryPattern, spans), nil

	case models.ConditionSignature:
		if c.Signature == nil || e.signatures == nil {
			return result{}, nil
		}
		m := e.signatures.Match(c.Signature.Category, c.Signature.MinSeverity, in.Text)
		if !m.Matched {
			return result{}, nil
		}
		spans := make([]Span, 0, len(m.Spans))
		for _, s := range m.Spans {
			spans = append(spans, Span{Start: s[0], End: s[1], Label: m.Category})
		}
		return result{matched: true, category: m.Category, spans: spans}, nil

	case models.ConditionTokenCount:
		if c.TokenCount == nil || EstimateTokens(in.Text) <= c.TokenCount.Max {
			return result{}, nil
		}
		return result{matched: true, category: CategoryTokenLimit, tokenOnly: true, tokenLimit: c.TokenCount.Max}, nil

	case models.ConditionContext:
		if c.Context == nil || !contextMatches(c.Context, in.Context) {
			return result{}, nil
		}
		return result{matched: true, category: CategoryContext}, nil

	case models.ConditionFormat:
		if c.Format == nil || !formatViolation(in.Text, c.Format.Format, c.Format.MaxLength) {
			return result{}, nil
		}
		return result{matched: true, category: CategoryFormat}, nil
	}
	return result{}, nil
}

func spanResult(category string, spans []Span) result {
	if len(spans) == 0 {
		return result{}
	}
	return result{matched: true, category: category, spans: spans}
}

func contextValue(field string, rc models.RequestContext) (string, bool) {
	switch field {
	case "tenant_id":
		return rc.TenantID, rc.TenantID != ""
	case "route":
		return rc.Route, rc.Route != ""
	case "agent_id":
		return rc.AgentID, rc.AgentID != ""
	case "user_id":
		return rc.UserID, rc.UserID != ""
	case "api_key_id":
		return rc.APIKeyID, rc.APIKeyID != ""
	}
	if key, ok := strings.CutPrefix(field, "metadata."); ok {
		v, found := rc.Metadata[key]
		return v, found
	}
	return "", false
}

func contextMatches(c *models.ContextCondition, rc models.RequestContext) bool {
	v, present := contextValue(c.Field, rc)
	switch c.Operator {
	case models.OpExists:
		return present
	case models.OpEquals:
		return present && len(c.Values) > 0 && v == c.Values[0]
	case models.OpNotEquals:
		return len(c.Values) > 0 && v != c.Values[0]
	case models.OpIn:
		return present && containsString(c.Values, v)
	case models.OpNotIn:
		return !containsString(c.Values, v)
	case models.OpPrefix:
		if !present {
			return false
		}
		for _, p := range c.Values {
			if strings.HasPrefix(v, p) {
				return true
			}
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
