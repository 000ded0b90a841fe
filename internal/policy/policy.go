// Package policy implements the moderation decision function that gates the
// approval pipeline. It has no dependency on the workflow or on storage.
package policy

import (
	"fmt"
	"strings"
	"time"
)

// Rule names recorded on verdicts so reviewers can see which rule fired.
const (
	RuleShadow         = "shadow"
	RuleHardBlock      = "hard_block"
	RuleRepeatOffender = "repeat_offender"
	RuleReviewBand     = "review_band"
	RuleClearBand      = "clear_band"
	RuleDefault        = "default"
)

// Policy holds the thresholds and category lists the engine decides with.
// Confidences are on a 0-100 scale.
type Policy struct {
	AutoRejectThreshold  float64  `yaml:"autoRejectThreshold"`
	HumanReviewThreshold float64  `yaml:"humanReviewThreshold"`
	AutoApproveThreshold float64  `yaml:"autoApproveThreshold"`
	MinorsRiskThreshold  float64  `yaml:"minorsRiskThreshold"`
	DisallowedCategories []string `yaml:"disallowedCategories"`
	FlaggedCategories    []string `yaml:"flaggedCategories"`
	MinorsLabel          string   `yaml:"minorsLabel"`
	SexualLabels         []string `yaml:"sexualLabels"`

	StrikeThreshold       int           `yaml:"strikeThreshold"`
	DecayCleanSubmissions int           `yaml:"decayCleanSubmissions"`
	DecayAfter            time.Duration `yaml:"decayAfter"`
}

// Default returns the policy used when no policy file is configured.
func Default() Policy {
	return Policy{
		AutoRejectThreshold:  90,
		HumanReviewThreshold: 60,
		AutoApproveThreshold: 40,
		MinorsRiskThreshold:  50,
		DisallowedCategories: []string{"Explicit Nudity", "Graphic Violence", "Hate Symbols"},
		FlaggedCategories:    []string{"Suggestive", "Violence", "Drugs", "Tobacco", "Alcohol", "Gambling", "Rude Gestures", "Toxic Text"},
		MinorsLabel:          "Minor",
		SexualLabels:         []string{"Explicit Nudity", "Suggestive"},

		StrikeThreshold:       3,
		DecayCleanSubmissions: 5,
		DecayAfter:            30 * 24 * time.Hour,
	}
}

// Validate checks the thresholds are coherent.
func (p Policy) Validate() error {
	for name, v := range map[string]float64{
		"autoRejectThreshold":  p.AutoRejectThreshold,
		"humanReviewThreshold": p.HumanReviewThreshold,
		"autoApproveThreshold": p.AutoApproveThreshold,
		"minorsRiskThreshold":  p.MinorsRiskThreshold,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("%s must be within [0, 100], got %v", name, v)
		}
	}
	if p.AutoApproveThreshold > p.HumanReviewThreshold {
		return fmt.Errorf("autoApproveThreshold (%v) must not exceed humanReviewThreshold (%v)", p.AutoApproveThreshold, p.HumanReviewThreshold)
	}
	if p.HumanReviewThreshold > p.AutoRejectThreshold {
		return fmt.Errorf("humanReviewThreshold (%v) must not exceed autoRejectThreshold (%v)", p.HumanReviewThreshold, p.AutoRejectThreshold)
	}
	if p.StrikeThreshold < 0 || p.DecayCleanSubmissions < 0 || p.DecayAfter < 0 {
		return fmt.Errorf("strike and decay settings must not be negative")
	}
	return nil
}

type categorySet map[string]struct{}

func newCategorySet(groups ...[]string) categorySet {
	set := make(categorySet)
	for _, names := range groups {
		for _, n := range names {
			if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
				set[n] = struct{}{}
			}
		}
	}
	return set
}

func (c categorySet) has(name string) bool {
	_, ok := c[strings.ToLower(strings.TrimSpace(name))]
	return ok
}
