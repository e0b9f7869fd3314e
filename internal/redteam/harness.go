package redteam

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/org/agentwall/internal/firewall"
	"github.com/org/agentwall/pkg/models"
	"github.com/rs/zerolog/log"
)

// Evaluator decides on one payload, in process or over HTTP.
type Evaluator interface {
	Evaluate(ctx context.Context, req firewall.Request) (*firewall.Decision, error)
}

// CaseResult is the outcome of one rendered prompt.
type CaseResult struct {
	Template  string   `json:"template"`
	Category  string   `json:"category"`
	Prompt    string   `json:"prompt"`
	Expected  string   `json:"expected"`
	Decision  string   `json:"decision"`
	Detected  bool     `json:"detected"`
	Passed    bool     `json:"passed"`
	RuleIDs   []string `json:"ruleIds,omitempty"`
	RequestID string   `json:"requestId,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// CategoryReport aggregates the cases of one category.
type CategoryReport struct {
	Category string `json:"category"`
	Total    int    `json:"total"`
	Passed   int    `json:"passed"`
}

// Report summarises a suite run. Rates are fractions in [0,1]; Score is the
// percentage of passed cases.
type Report struct {
	Suite             string           `json:"suite"`
	Total             int              `json:"total"`
	Passed            int              `json:"passed"`
	Failed            int              `json:"failed"`
	Errors            int              `json:"errors"`
	ExpectedBlocks    int              `json:"expectedBlocks"`
	Detected          int              `json:"detected"`
	ExpectedAllows    int              `json:"expectedAllows"`
	FalsePositives    int              `json:"falsePositives"`
	DetectionRate     float64          `json:"detectionRate"`
	FalsePositiveRate float64          `json:"falsePositiveRate"`
	Score             float64          `json:"score"`
	Categories        []CategoryReport `json:"categories"`
	Results           []CaseResult     `json:"results"`
	Duration          time.Duration    `json:"duration"`
}

type Harness struct {
	eval Evaluator
}

func NewHarness(eval Evaluator) *Harness {
	return &Harness{eval: eval}
}

// Run evaluates every template and payload of suite in order. Evaluation
// errors are recorded per case; only cancellation of ctx stops the run.
func (h *Harness) Run(ctx context.Context, suite *Suite) (*Report, error) {
	if err := suite.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	rep := &Report{Suite: suite.Name}
	cats := map[string]*CategoryReport{}

	for _, t := range suite.Templates {
		payloads := t.Payloads
		if len(payloads) == 0 {
			payloads = []string{""}
		}
		for _, p := range payloads {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			res := h.runCase(ctx, suite, t, p)
			rep.add(res)

			c, ok := cats[t.Category]
			if !ok {
				c = &CategoryReport{Category: t.Category}
				cats[t.Category] = c
			}
			c.Total++
			if res.Passed {
				c.Passed++
			}
		}
	}

	for _, c := range cats {
		rep.Categories = append(rep.Categories, *c)
	}
	sort.Slice(rep.Categories, func(i, j int) bool { return rep.Categories[i].Category < rep.Categories[j].Category })
	rep.finish()
	rep.Duration = time.Since(start)

	log.Info().
		Str("suite", suite.Name).
		Int("total", rep.Total).
		Int("passed", rep.Passed).
		Float64("detection_rate", rep.DetectionRate).
		Float64("false_positive_rate", rep.FalsePositiveRate).
		Msg("red-team suite finished")
	return rep, nil
}

func (h *Harness) runCase(ctx context.Context, suite *Suite, t Template, payload string) CaseResult {
	prompt := t.Render(payload)
	res := CaseResult{Template: t.Name, Category: t.Category, Prompt: prompt, Expected: t.Expect}

	meta := map[string]string{"template": t.Name}
	for k, v := range suite.Metadata {
		meta[k] = v
	}
	meta[models.DetailRedTeam] = "true"
	d, err := h.eval.Evaluate(ctx, firewall.Request{
		Context: models.RequestContext{
			TenantID: suite.TenantID,
			Route:    suite.Route,
			AgentID:  suite.AgentID,
			Metadata: meta,
		},
		Phase:   t.Phase,
		Payload: prompt,
	})
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Decision = d.Recorded()
	res.RuleIDs = d.RuleIDs
	res.RequestID = d.RequestID
	res.Detected = Detected(d)
	res.Passed = res.Detected == (t.Expect == ExpectBlock)
	return res
}

// Detected reports whether a decision counts as catching the prompt. A
// shadow block counts: the policy matched even though it did not enforce.
func Detected(d *firewall.Decision) bool {
	return d.Decision == models.DecisionBlock || d.ShadowBlocked
}

func (r *Report) add(c CaseResult) {
	r.Results = append(r.Results, c)
	r.Total++
	if c.Error != "" {
		r.Errors++
	}
	if c.Passed {
		r.Passed++
	} else {
		r.Failed++
	}
	if c.Expected == ExpectBlock {
		r.ExpectedBlocks++
		if c.Detected {
			r.Detected++
		}
	} else {
		r.ExpectedAllows++
		if c.Detected {
			r.FalsePositives++
		}
	}
}

func (r *Report) finish() {
	if r.ExpectedBlocks > 0 {
		r.DetectionRate = round(float64(r.Detected) / float64(r.ExpectedBlocks))
	}
	if r.ExpectedAllows > 0 {
		r.FalsePositiveRate = round(float64(r.FalsePositives) / float64(r.ExpectedAllows))
	}
	if r.Total > 0 {
		r.Score = round(100 * float64(r.Passed) / float64(r.Total))
	}
}

func round(f float64) float64 {
	return math.Round(f*10000) / 10000
}
