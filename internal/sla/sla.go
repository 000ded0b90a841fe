// Package sla reports admin decision latency, the time from submission
// creation to a human resolution, read back from the audit log.
package sla

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/storage"
)

// Report summarises decision latency in seconds.
type Report struct {
	Count int       `json:"count"`
	P50   float64   `json:"p50Seconds"`
	P90   float64   `json:"p90Seconds"`
	P99   float64   `json:"p99Seconds"`
	Max   float64   `json:"maxSeconds"`
	Since time.Time `json:"since"`
}

// Compute builds a report from approval.decided entries newer than since.
func Compute(ctx context.Context, audit storage.AuditLog, since time.Time) (Report, error) {
	entries, err := audit.ListAudit(ctx, model.AuditQuery{
		Actions: []string{model.AuditActionDecided},
		Since:   since,
	})
	if err != nil {
		return Report{}, fmt.Errorf("list decisions: %w", err)
	}

	samples := make([]float64, 0, len(entries))
	for _, e := range entries {
		if v, ok := seconds(e.Details["latencySeconds"]); ok {
			samples = append(samples, v)
		}
	}
	r := Summarize(samples)
	r.Since = since
	return r, nil
}

// Summarize computes nearest-rank percentiles of samples.
func Summarize(samples []float64) Report {
	if len(samples) == 0 {
		return Report{}
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)
	return Report{
		Count: len(sorted),
		P50:   percentile(sorted, 50),
		P90:   percentile(sorted, 90),
		P99:   percentile(sorted, 99),
		Max:   sorted[len(sorted)-1],
	}
}

func percentile(sorted []float64, p float64) float64 {
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// seconds reads a latency stored in an audit detail. Values decoded from JSON
// arrive as float64 or json.Number.
func seconds(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
