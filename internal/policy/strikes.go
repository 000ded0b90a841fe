package policy

import (
	"time"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
)

// RecordStrike adds one strike for a rejected submission.
func RecordStrike(rec model.RepeatOffenderRecord, now time.Time) model.RepeatOffenderRecord {
	at := now.UTC()
	rec.StrikeCount++
	rec.LastStrikeAt = &at
	rec.CleanStreak = 0
	return rec
}

// RecordClean counts a clean publication and removes one strike once the
// configured streak is reached.
func RecordClean(rec model.RepeatOffenderRecord, now time.Time, p Policy) model.RepeatOffenderRecord {
	if rec.StrikeCount == 0 {
		rec.CleanStreak = 0
		return rec
	}
	rec.CleanStreak++
	if p.DecayCleanSubmissions > 0 && rec.CleanStreak >= p.DecayCleanSubmissions {
		at := now.UTC()
		rec.StrikeCount--
		rec.CleanStreak = 0
		rec.LastDecayAt = &at
	}
	return rec
}

// DecayElapsed removes one strike per full DecayAfter window elapsed since the
// later of the last strike and the last decay.
func DecayElapsed(rec model.RepeatOffenderRecord, now time.Time, p Policy) model.RepeatOffenderRecord {
	if p.DecayAfter <= 0 || rec.StrikeCount == 0 || rec.LastStrikeAt == nil {
		return rec
	}
	anchor := *rec.LastStrikeAt
	if rec.LastDecayAt != nil && rec.LastDecayAt.After(anchor) {
		anchor = *rec.LastDecayAt
	}
	windows := int(now.Sub(anchor) / p.DecayAfter)
	if windows <= 0 {
		return rec
	}
	windows = min(windows, rec.StrikeCount)
	at := anchor.Add(time.Duration(windows) * p.DecayAfter).UTC()
	rec.StrikeCount -= windows
	rec.LastDecayAt = &at
	return rec
}
