package policy

import (
	"strings"
	"sync/atomic"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
)

// Signals are the risk inputs for one submission.
type Signals struct {
	// Labels come from the image label detector.
	Labels []model.Label
	// TextSignals come from caption classification and are treated like labels.
	TextSignals []model.Label
}

func (s Signals) all() []model.Label {
	out := make([]model.Label, 0, len(s.Labels)+len(s.TextSignals))
	out = append(out, s.Labels...)
	return append(out, s.TextSignals...)
}

// Engine evaluates signals against the current policy. The policy can be
// swapped at runtime; each evaluation sees one consistent snapshot.
type Engine struct {
	current atomic.Pointer[compiled]
}

type compiled struct {
	policy     Policy
	disallowed categorySet
	relevant   categorySet
	sexual     categorySet
}

// NewEngine creates an engine with the given policy.
func NewEngine(p Policy) *Engine {
	e := &Engine{}
	e.SetPolicy(p)
	return e
}

// SetPolicy atomically replaces the active policy.
func (e *Engine) SetPolicy(p Policy) {
	e.current.Store(&compiled{
		policy:     p,
		disallowed: newCategorySet(p.DisallowedCategories),
		relevant:   newCategorySet(p.DisallowedCategories, p.FlaggedCategories),
		sexual:     newCategorySet(p.SexualLabels),
	})
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy {
	return e.current.Load().policy
}

// Evaluate returns the verdict for the given signals and offender history.
// Rules are applied in order and the first match wins.
func (e *Engine) Evaluate(sig Signals, offender model.RepeatOffenderRecord) model.ModerationVerdict {
	c := e.current.Load()
	p := c.policy
	labels := sig.all()

	var minors, sexual, overall float64
	for _, l := range labels {
		if strings.EqualFold(strings.TrimSpace(l.Name), p.MinorsLabel) {
			minors = max(minors, l.Confidence)
		}
		if c.sexual.has(l.Name) {
			sexual = max(sexual, l.Confidence)
		}
		if c.relevant.has(l.Name) {
			overall = max(overall, l.Confidence)
		}
	}

	verdict := model.ModerationVerdict{
		Labels:            labels,
		OverallConfidence: overall,
	}
	decide := func(d model.ModerationDecision, rule string) model.ModerationVerdict {
		verdict.Decision = d
		verdict.Rule = rule
		return verdict
	}

	// Shadow rule overrides everything else.
	if p.MinorsLabel != "" && minors*sexual/100 > p.MinorsRiskThreshold {
		verdict.ShadowFlagged = true
		return decide(model.ModerationAutoReject, RuleShadow)
	}

	for _, l := range labels {
		if c.disallowed.has(l.Name) && l.Confidence >= p.AutoRejectThreshold {
			return decide(model.ModerationAutoReject, RuleHardBlock)
		}
	}

	if offender.RequiresManualReview(p.StrikeThreshold) {
		return decide(model.ModerationHumanReview, RuleRepeatOffender)
	}

	for _, l := range labels {
		if c.relevant.has(l.Name) && l.Confidence >= p.HumanReviewThreshold {
			return decide(model.ModerationHumanReview, RuleReviewBand)
		}
	}

	if overall < p.AutoApproveThreshold {
		return decide(model.ModerationAutoApprove, RuleClearBand)
	}

	return decide(model.ModerationHumanReview, RuleDefault)
}
