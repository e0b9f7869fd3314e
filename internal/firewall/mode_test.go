package firewall

import (
	"testing"

	"github.com/org/agentwall/internal/rules"
	"github.com/org/agentwall/pkg/models"
)

func testPolicy(mode models.Mode, rs ...*models.Rule) *models.Policy {
	return &models.Policy{ID: "p1", TenantID: "t1", Mode: mode, IsActive: true, Rules: rs}
}

func hit(id string, action models.Action, sev models.Severity, cat string, spans ...rules.Span) rules.Verdict {
	return rules.Verdict{RuleID: id, Matched: true, Action: action, Severity: sev, Category: cat, Spans: spans}
}

func miss(id string, action models.Action) rules.Verdict {
	return rules.Verdict{RuleID: id, Action: action, Severity: models.SeverityLow}
}

func TestApplyStates(t *testing.T) {
	block := hit("r-block", models.ActionBlock, models.SeverityHigh, "prompt_injection", rules.Span{Start: 0, End: 6})
	sanitize := hit("r-san", models.ActionSanitize, models.SeverityMedium, rules.CategoryPII, rules.Span{Start: 7, End: 12, Label: "email"})
	warn := hit("r-warn", models.ActionWarn, models.SeverityLow, rules.CategoryContext)

	tests := []struct {
		name     string
		mode     models.Mode
		verdicts []rules.Verdict
		outcome  Outcome
		ruleIDs  int
		payload  string
		warned   bool
	}{
		{"no match", models.ModeEnforce, []rules.Verdict{miss("a", models.ActionBlock)}, OutcomeAllowed, 0, "ignore a@b.c", false},
		{"enforced block", models.ModeEnforce, []rules.Verdict{block, sanitize}, OutcomeEnforcedBlock, 1, "ignore a@b.c", false},
		{"shadow block", models.ModeShadow, []rules.Verdict{block, sanitize}, OutcomeShadowLogged, 2, "ignore a@b.c", false},
		{"shadow never rewrites", models.ModeShadow, []rules.Verdict{sanitize}, OutcomeAllowed, 1, "ignore a@b.c", false},
		{"off reports but allows", models.ModeOff, []rules.Verdict{block}, OutcomeAllowed, 1, "ignore a@b.c", false},
		{"sanitize", models.ModeEnforce, []rules.Verdict{sanitize, warn}, OutcomeEnforcedSanitize, 2, "ignore [REDACTED:email]", true},
		{"warn only", models.ModeEnforce, []rules.Verdict{warn}, OutcomeAllowed, 1, "ignore a@b.c", true},
	}

	mc := NewModeController(models.ModeEnforce)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := mc.Apply(testPolicy(tt.mode), tt.verdicts, "ignore a@b.c")
			if res.Outcome != tt.outcome {
				t.Errorf("outcome = %s, want %s", res.Outcome, tt.outcome)
			}
			if len(res.RuleIDs) != tt.ruleIDs {
				t.Errorf("ruleIDs = %v, want %d", res.RuleIDs, tt.ruleIDs)
			}
			if res.Payload != tt.payload {
				t.Errorf("payload = %q, want %q", res.Payload, tt.payload)
			}
			if res.Warned != tt.warned {
				t.Errorf("warned = %v", res.Warned)
			}
		})
	}
}

func TestApplyBlockReportsBlockingSeverity(t *testing.T) {
	mc := NewModeController(models.ModeEnforce)
	res := mc.Apply(testPolicy(models.ModeEnforce), []rules.Verdict{
		hit("r1", models.ActionWarn, models.SeverityCritical, "jailbreak"),
		hit("r2", models.ActionBlock, models.SeverityMedium, "pattern"),
		hit("r3", models.ActionBlock, models.SeverityHigh, "prompt_injection"),
	}, "x")
	if res.Outcome != OutcomeEnforcedBlock {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Severity != models.SeverityHigh || res.Category != "prompt_injection" {
		t.Errorf("severity/category = %s/%s", res.Severity, res.Category)
	}
	if len(res.RuleIDs) != 2 || res.RuleIDs[0] != "r2" || res.RuleIDs[1] != "r3" {
		t.Errorf("ruleIDs = %v", res.RuleIDs)
	}
}

func TestGlobalModeIsACeiling(t *testing.T) {
	mc := NewModeController(models.ModeShadow)
	block := hit("r", models.ActionBlock, models.SeverityHigh, "pattern")

	if res := mc.Apply(testPolicy(models.ModeEnforce), []rules.Verdict{block}, "x"); res.Outcome != OutcomeShadowLogged {
		t.Errorf("enforce under shadow ceiling = %s", res.Outcome)
	}
	mc.SetGlobal(models.ModeOff)
	if res := mc.Apply(testPolicy(models.ModeShadow), []rules.Verdict{block}, "x"); res.Outcome != OutcomeAllowed || res.Mode != models.ModeOff {
		t.Errorf("shadow under off ceiling = %s/%s", res.Outcome, res.Mode)
	}
	mc.SetGlobal(models.ModeEnforce)
	if res := mc.Apply(testPolicy(models.ModeShadow), []rules.Verdict{block}, "x"); res.Outcome != OutcomeShadowLogged {
		t.Errorf("enforce ceiling must not strengthen a shadow policy, got %s", res.Outcome)
	}
}

func TestRewriteMergesOverlappingSpans(t *testing.T) {
	mc := NewModeController(models.ModeEnforce)
	payload := "key sk-ABCDEFGH and bob@example.com"
	res := mc.Apply(testPolicy(models.ModeEnforce), []rules.Verdict{
		hit("r1", models.ActionSanitize, models.SeverityHigh, "secrets", rules.Span{Start: 4, End: 15, Label: "secrets"}),
		hit("r2", models.ActionSanitize, models.SeverityHigh, "pattern", rules.Span{Start: 7, End: 15, Label: "pattern"}),
		hit("r3", models.ActionSanitize, models.SeverityLow, rules.CategoryPII, rules.Span{Start: 20, End: 35, Label: "email"}),
	}, payload)
	want := "key [REDACTED:secrets] and [REDACTED:email]"
	if res.Payload != want {
		t.Fatalf("payload = %q, want %q", res.Payload, want)
	}
}

func TestTransform(t *testing.T) {
	mc := NewModeController(models.ModeEnforce)
	p := testPolicy(models.ModeEnforce,
		&models.Rule{ID: "swap", Replacement: "<name>"},
		&models.Rule{ID: "trim", Replacement: "ignored"},
		&models.Rule{ID: "whole", Replacement: "[withheld]"},
	)

	res := mc.Apply(p, []rules.Verdict{
		hit("swap", models.ActionTransform, models.SeverityLow, "pattern", rules.Span{Start: 6, End: 11}),
	}, "hello Alice, how are you")
	if res.Payload != "hello <name>, how are you" || !res.Transformed {
		t.Errorf("span transform = %q", res.Payload)
	}

	long := "abcdefghijklmnopqrstuvwxyz"
	trim := hit("trim", models.ActionTransform, models.SeverityLow, rules.CategoryTokenLimit)
	trim.TokenLimit = 2
	res = mc.Apply(p, []rules.Verdict{trim}, long)
	if res.Payload != "abcdefgh" {
		t.Errorf("token transform = %q, want first 8 chars", res.Payload)
	}

	res = mc.Apply(p, []rules.Verdict{hit("whole", models.ActionTransform, models.SeverityLow, rules.CategoryContext)}, long)
	if res.Payload != "[withheld]" {
		t.Errorf("spanless transform = %q", res.Payload)
	}
}
