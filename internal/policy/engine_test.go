package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
)

func labels(pairs ...any) []model.Label {
	var out []model.Label
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, model.Label{Name: pairs[i].(string), Confidence: float64(pairs[i+1].(int))})
	}
	return out
}

func TestEvaluateRulePrecedence(t *testing.T) {
	e := NewEngine(Default())
	clean := model.RepeatOffenderRecord{UserID: "U1"}
	offender := model.RepeatOffenderRecord{UserID: "U2", StrikeCount: 3}

	tests := []struct {
		name     string
		signals  Signals
		offender model.RepeatOffenderRecord
		decision model.ModerationDecision
		rule     string
		shadow   bool
	}{
		{
			name:     "minors with sexual content is shadow rejected",
			signals:  Signals{Labels: labels("Minor", 90, "Suggestive", 70)},
			offender: clean,
			decision: model.ModerationAutoReject, rule: RuleShadow, shadow: true,
		},
		{
			name:     "shadow overrides offender override",
			signals:  Signals{Labels: labels("Minor", 100, "Explicit Nudity", 60)},
			offender: offender,
			decision: model.ModerationAutoReject, rule: RuleShadow, shadow: true,
		},
		{
			name:     "minors without sexual content is not shadow flagged",
			signals:  Signals{Labels: labels("Minor", 99)},
			offender: clean,
			decision: model.ModerationAutoApprove, rule: RuleClearBand,
		},
		{
			name:     "disallowed category above reject threshold",
			signals:  Signals{Labels: labels("Hate Symbols", 95)},
			offender: clean,
			decision: model.ModerationAutoReject, rule: RuleHardBlock,
		},
		{
			name:     "hard block wins over offender history",
			signals:  Signals{Labels: labels("Explicit Nudity", 90)},
			offender: offender,
			decision: model.ModerationAutoReject, rule: RuleHardBlock,
		},
		{
			name:     "offender forced into review even in clear band",
			signals:  Signals{Labels: labels("Suggestive", 5)},
			offender: offender,
			decision: model.ModerationHumanReview, rule: RuleRepeatOffender,
		},
		{
			name:     "flagged label in review band",
			signals:  Signals{Labels: labels("Drugs", 75)},
			offender: clean,
			decision: model.ModerationHumanReview, rule: RuleReviewBand,
		},
		{
			name:     "text signals count like labels",
			signals:  Signals{TextSignals: labels("Toxic Text", 80)},
			offender: clean,
			decision: model.ModerationHumanReview, rule: RuleReviewBand,
		},
		{
			name:     "clear band auto approves",
			signals:  Signals{Labels: labels("Suggestive", 20, "Alcohol", 39)},
			offender: clean,
			decision: model.ModerationAutoApprove, rule: RuleClearBand,
		},
		{
			name:     "unrelated labels are ignored",
			signals:  Signals{Labels: labels("Dress", 99, "Person", 98)},
			offender: clean,
			decision: model.ModerationAutoApprove, rule: RuleClearBand,
		},
		{
			name:     "between approve and review thresholds defaults to review",
			signals:  Signals{Labels: labels("Gambling", 50)},
			offender: clean,
			decision: model.ModerationHumanReview, rule: RuleDefault,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Evaluate(tt.signals, tt.offender)
			assert.Equal(t, tt.decision, v.Decision)
			assert.Equal(t, tt.rule, v.Rule)
			assert.Equal(t, tt.shadow, v.ShadowFlagged)
		})
	}
}

func TestEvaluateAutoRejectIgnoresOffenderHistory(t *testing.T) {
	p := Default()
	e := NewEngine(p)
	for conf := p.AutoRejectThreshold; conf <= 100; conf += 2.5 {
		for strikes := 0; strikes < 6; strikes++ {
			v := e.Evaluate(
				Signals{Labels: []model.Label{{Name: "Graphic Violence", Confidence: conf}}},
				model.RepeatOffenderRecord{UserID: "U", StrikeCount: strikes},
			)
			require.Equal(t, model.ModerationAutoReject, v.Decision, "confidence %v strikes %d", conf, strikes)
		}
	}
}

func TestEvaluateOverallConfidence(t *testing.T) {
	e := NewEngine(Default())
	v := e.Evaluate(Signals{Labels: labels("Person", 99, "Alcohol", 30, "Suggestive", 12)}, model.RepeatOffenderRecord{})
	assert.Equal(t, 30.0, v.OverallConfidence)
	assert.Len(t, v.Labels, 3)
}

func TestSetPolicySwapsThresholds(t *testing.T) {
	e := NewEngine(Default())
	sig := Signals{Labels: labels("Alcohol", 30)}
	require.Equal(t, model.ModerationAutoApprove, e.Evaluate(sig, model.RepeatOffenderRecord{}).Decision)

	p := Default()
	p.AutoApproveThreshold = 10
	p.HumanReviewThreshold = 25
	e.SetPolicy(p)
	assert.Equal(t, model.ModerationHumanReview, e.Evaluate(sig, model.RepeatOffenderRecord{}).Decision)
	assert.Equal(t, 25.0, e.Policy().HumanReviewThreshold)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Default().Validate())

	p := Default()
	p.AutoApproveThreshold = 70
	assert.Error(t, p.Validate())

	p = Default()
	p.AutoRejectThreshold = 120
	assert.Error(t, p.Validate())
}

func TestStrikesAndDecay(t *testing.T) {
	p := Default()
	p.DecayCleanSubmissions = 2
	p.DecayAfter = 24 * time.Hour
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

	rec := model.RepeatOffenderRecord{UserID: "U1"}
	rec = RecordStrike(rec, now)
	rec = RecordStrike(rec, now)
	rec = RecordStrike(rec, now)
	require.Equal(t, 3, rec.StrikeCount)
	assert.True(t, rec.RequiresManualReview(p.StrikeThreshold))

	rec = RecordClean(rec, now, p)
	assert.Equal(t, 3, rec.StrikeCount)
	rec = RecordClean(rec, now, p)
	assert.Equal(t, 2, rec.StrikeCount)
	assert.Equal(t, 0, rec.CleanStreak)
	assert.False(t, rec.RequiresManualReview(p.StrikeThreshold))

	// One decay already happened at now; 36h later only one full window has passed.
	rec = DecayElapsed(rec, now.Add(36*time.Hour), p)
	assert.Equal(t, 1, rec.StrikeCount)

	// Never below zero.
	rec = DecayElapsed(rec, now.Add(30*24*time.Hour), p)
	assert.Equal(t, 0, rec.StrikeCount)

	// A strike resets the clean streak.
	rec.CleanStreak = 1
	rec = RecordStrike(rec, now)
	assert.Equal(t, 0, rec.CleanStreak)
}
