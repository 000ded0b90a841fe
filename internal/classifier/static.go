package classifier

import (
	"context"
	"path"
	"strings"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/policy"
)

// Static answers every call locally with fixed results. It stands in for the
// classifier service in development and in end-to-end tests.
type Static struct {
	Signals policy.Signals
	PII     model.PIIVerdict
}

// Clean is a Static that reports no risk and no personal data.
func Clean() *Static {
	return &Static{PII: model.PIIVerdict{OK: true}}
}

// SegmentImage maps key to its processed location without touching the object.
func (s *Static) SegmentImage(ctx context.Context, key string) (string, error) {
	return path.Join("processed", strings.TrimPrefix(key, "public/")), nil
}

// DetectLabels returns the configured signals.
func (s *Static) DetectLabels(ctx context.Context, processedKey, caption string) (policy.Signals, error) {
	return s.Signals, nil
}

// ScanPII returns the configured verdict.
func (s *Static) ScanPII(ctx context.Context, text string) (model.PIIVerdict, error) {
	return s.PII, nil
}
