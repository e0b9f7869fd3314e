package firewall

import (
	"sort"
	"sync/atomic"
	"unicode/utf8"

	"github.com/org/agentwall/internal/rules"
	"github.com/org/agentwall/pkg/models"
)

// Outcome is the terminal state of one policy evaluation.
type Outcome string

const (
	OutcomeAllowed          Outcome = "allowed"
	OutcomeEnforcedBlock    Outcome = "enforced-block"
	OutcomeEnforcedSanitize Outcome = "enforced-sanitize"
	OutcomeShadowLogged     Outcome = "shadow-logged"
)

// charsPerToken matches the estimator used by token_count leaves.
const charsPerToken = 4

// PolicyResult is the outcome of applying one policy's verdicts.
type PolicyResult struct {
	PolicyID string          `json:"policyId"`
	Mode     models.Mode     `json:"mode"`
	Outcome  Outcome         `json:"outcome"`
	Severity models.Severity `json:"severity,omitempty"`
	Category string          `json:"category,omitempty"`
	// RuleIDs lists the matched rules; for a block only the blocking ones.
	RuleIDs []string `json:"ruleIds,omitempty"`
	// Warned is set when a warn rule matched in a mode that acts on it.
	Warned bool `json:"warned,omitempty"`
	// Transformed is set when a transform rule took part in the rewrite.
	Transformed bool `json:"transformed,omitempty"`
	// Payload is the text handed to the next policy. It differs from the
	// input only for enforced-sanitize.
	Payload string `json:"-"`
}

// Matched reports whether any rule of the policy matched.
func (r PolicyResult) Matched() bool { return len(r.RuleIDs) > 0 }

// ModeController turns verdicts into per-policy outcomes. The global mode is
// a ceiling on every policy's own mode and can be changed at runtime.
type ModeController struct {
	global atomic.Value // models.Mode
}

func NewModeController(global models.Mode) *ModeController {
	if !global.Valid() {
		global = models.ModeEnforce
	}
	mc := &ModeController{}
	mc.global.Store(global)
	return mc
}

func (mc *ModeController) Global() models.Mode {
	return mc.global.Load().(models.Mode)
}

func (mc *ModeController) SetGlobal(m models.Mode) {
	mc.global.Store(m)
}

// Effective returns the mode p runs in under the current global mode.
func (mc *ModeController) Effective(p *models.Policy) models.Mode {
	return p.Mode.Cap(mc.Global())
}

// Apply combines a policy's verdicts with its effective mode.
//
//   - off: nothing is enforced; matches are still reported.
//   - shadow: a matched block rule yields shadow-logged; the payload is never
//     rewritten.
//   - enforce: a matched block rule yields enforced-block; otherwise sanitize
//     and transform rules rewrite the payload.
func (mc *ModeController) Apply(p *models.Policy, verdicts []rules.Verdict, payload string) PolicyResult {
	res := PolicyResult{PolicyID: p.ID, Mode: mc.Effective(p), Outcome: OutcomeAllowed, Payload: payload}

	var matched, blocking, rewriting []rules.Verdict
	warned := false
	for _, v := range verdicts {
		if !v.Matched {
			continue
		}
		matched = append(matched, v)
		switch {
		case v.Action == models.ActionBlock:
			blocking = append(blocking, v)
		case v.Action.Rewrites():
			rewriting = append(rewriting, v)
		case v.Action == models.ActionWarn:
			warned = true
		}
	}
	if len(matched) == 0 {
		return res
	}
	res.RuleIDs = ruleIDs(matched)
	res.Severity, res.Category = strongest(matched)

	switch res.Mode {
	case models.ModeOff:
		return res
	case models.ModeShadow:
		if len(blocking) > 0 {
			res.Outcome = OutcomeShadowLogged
			res.Severity, res.Category = strongest(blocking)
		}
		return res
	}

	if len(blocking) > 0 {
		res.Outcome = OutcomeEnforcedBlock
		res.RuleIDs = ruleIDs(blocking)
		res.Severity, res.Category = strongest(blocking)
		return res
	}
	res.Warned = warned
	if len(rewriting) > 0 {
		res.Outcome = OutcomeEnforcedSanitize
		res.Payload, res.Transformed = rewrite(payload, rewriting, replacements(p))
	}
	return res
}

// strongest returns the highest severity and the category of the first
// verdict carrying it.
func strongest(vs []rules.Verdict) (models.Severity, string) {
	var sev models.Severity
	cat := ""
	for _, v := range vs {
		if sev == "" || v.Severity.Rank() > sev.Rank() {
			sev, cat = v.Severity, v.Category
		}
	}
	return sev, cat
}

func ruleIDs(vs []rules.Verdict) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.RuleID
	}
	return out
}

func replacements(p *models.Policy) map[string]string {
	out := make(map[string]string, len(p.Rules))
	for _, r := range p.Rules {
		out[r.ID] = r.Replacement
	}
	return out
}

type edit struct {
	start, end int
	text       string
}

// rewrite applies sanitize and transform verdicts to payload. Overlapping
// spans are merged and take the text of the span that starts first. A verdict
// without spans covers the whole payload, except a token-only transform,
// which truncates to the token budget after the span edits.
func rewrite(payload string, vs []rules.Verdict, repl map[string]string) (string, bool) {
	var edits []edit
	transformed := false
	truncateTo := -1
	for _, v := range vs {
		text := "[REDACTED:" + v.Category + "]"
		if v.Action == models.ActionTransform {
			transformed = true
			text = repl[v.RuleID]
			if v.TokenLimit > 0 && len(v.Spans) == 0 {
				if limit := v.TokenLimit * charsPerToken; truncateTo < 0 || limit < truncateTo {
					truncateTo = limit
				}
				continue
			}
		}
		if len(v.Spans) == 0 {
			edits = append(edits, edit{start: 0, end: len(payload), text: text})
			continue
		}
		for _, s := range v.Spans {
			t := text
			if v.Action == models.ActionSanitize && s.Label != "" {
				t = "[REDACTED:" + s.Label + "]"
			}
			edits = append(edits, edit{start: s.Start, end: s.End, text: t})
		}
	}

	out := applyEdits(payload, edits)
	if truncateTo >= 0 && utf8.RuneCountInString(out) > truncateTo {
		out = string([]rune(out)[:truncateTo])
	}
	return out, transformed
}

func applyEdits(payload string, edits []edit) string {
	if len(edits) == 0 {
		return payload
	}
	sort.SliceStable(edits, func(i, j int) bool {
		if edits[i].start != edits[j].start {
			return edits[i].start < edits[j].start
		}
		return edits[i].end > edits[j].end
	})
	merged := []edit{edits[0]}
	for _, e := range edits[1:] {
		last := &merged[len(merged)-1]
		if e.start < last.end {
			if e.end > last.end {
				last.end = e.end
			}
			continue
		}
		merged = append(merged, e)
	}

	var b []byte
	pos := 0
	for _, e := range merged {
		start, end := clamp(e.start, len(payload)), clamp(e.end, len(payload))
		if start < pos {
			start = pos
		}
		b = append(b, payload[pos:start]...)
		b = append(b, e.text...)
		if end > pos {
			pos = end
		}
	}
	b = append(b, payload[pos:]...)
	return string(b)
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}
