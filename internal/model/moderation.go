package model

import (
	"time"
)

// ModerationDecision is the verdict class produced by the policy engine.
type ModerationDecision string

const (
	ModerationAutoApprove ModerationDecision = "AUTO_APPROVE"
	ModerationHumanReview ModerationDecision = "HUMAN_REVIEW"
	ModerationAutoReject  ModerationDecision = "AUTO_REJECT"
)

// Label is a single risk signal with a confidence score in [0, 100].
type Label struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// ModerationVerdict is attached to a submission once computed and never changed.
type ModerationVerdict struct {
	Labels            []Label            `json:"labels"`
	Decision          ModerationDecision `json:"decision"`
	ShadowFlagged     bool               `json:"shadowFlagged"`
	OverallConfidence float64            `json:"overallConfidence"`
	Rule              string             `json:"rule,omitempty"`
}

// OK reports whether the verdict clears the submission without review.
func (v ModerationVerdict) OK() bool {
	return v.Decision == ModerationAutoApprove
}

// PIIVerdict is the outcome of the external PII scan.
type PIIVerdict struct {
	OK       bool     `json:"ok"`
	HasPII   bool     `json:"hasPii"`
	Entities []string `json:"entities,omitempty"`
}

// Clean reports whether the scan succeeded and found nothing.
func (v PIIVerdict) Clean() bool {
	return v.OK && !v.HasPII
}

// RepeatOffenderRecord tracks rejected content per user.
// This corresponds to the repeat_offenders table in storage.
type RepeatOffenderRecord struct {
	UserID       string     `json:"userId" db:"user_id"`
	StrikeCount  int        `json:"strikeCount" db:"strike_count"`
	LastStrikeAt *time.Time `json:"lastStrikeAt,omitempty" db:"last_strike_at"`
	CleanStreak  int        `json:"cleanStreak" db:"clean_streak"`
	LastDecayAt  *time.Time `json:"lastDecayAt,omitempty" db:"last_decay_at"`
}

// RequiresManualReview is derived from the strike count and the configured threshold.
func (r RepeatOffenderRecord) RequiresManualReview(threshold int) bool {
	return threshold > 0 && r.StrikeCount >= threshold
}
