// Package normalize turns loosely-shaped create payloads into canonical
// submission seeds. Everything here is pure: no I/O, no clocks, no ids.
package normalize

import (
	"errors"
	"fmt"
	"strings"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
)

var (
	// ErrMissingIdentity is returned when neither userId nor ownerSub is present.
	ErrMissingIdentity = errors.New("missing identity")
	// ErrMissingUploadKey is returned when no media key alias is present.
	ErrMissingUploadKey = errors.New("missing upload key")
	// ErrInvalidVariant is returned for an unknown workflow variant.
	ErrInvalidVariant = errors.New("invalid workflow variant")
)

// ValidationError reports a deterministic input problem. These are never retried.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Normalize resolves a create payload into a canonical submission seed.
// Precedence, first match wins:
//  1. nested item fields, then flat root fields
//  2. identity: both kept, or the present one copied into the other
//  3. upload key: s3Key (alias mediaKey), else rawMediaKey
func Normalize(req model.CreateSubmissionRequest) (model.Submission, error) {
	f := unwrap(req)

	userID, ownerSub := value(f.UserID), value(f.OwnerSub)
	switch {
	case userID == "" && ownerSub == "":
		return model.Submission{}, &ValidationError{Field: "userId", Err: ErrMissingIdentity}
	case userID == "":
		userID = ownerSub
	case ownerSub == "":
		ownerSub = userID
	}

	mediaKey := first(value(f.S3Key), value(f.MediaKey))
	rawKey := value(f.RawMediaKey)
	if mediaKey == "" && rawKey == "" {
		return model.Submission{}, &ValidationError{Field: "s3Key", Err: ErrMissingUploadKey}
	}

	variant := model.VariantHumanGated
	if v := strings.ToUpper(value(f.Variant)); v != "" {
		variant = model.Variant(v)
		if !variant.Valid() {
			return model.Submission{}, &ValidationError{Field: "variant", Err: ErrInvalidVariant}
		}
	}

	return model.Submission{
		ID:          value(f.ID),
		UserID:      userID,
		OwnerSub:    ownerSub,
		MediaKey:    mediaKey,
		RawMediaKey: rawKey,
		Caption:     first(value(f.Caption), value(f.Description)),
		Variant:     variant,
	}, nil
}

// Raw copies the supplied fields without validation. It is used to record
// payloads that Normalize rejected.
func Raw(req model.CreateSubmissionRequest) model.Submission {
	f := unwrap(req)
	return model.Submission{
		ID:          value(f.ID),
		UserID:      value(f.UserID),
		OwnerSub:    value(f.OwnerSub),
		MediaKey:    first(value(f.S3Key), value(f.MediaKey)),
		RawMediaKey: value(f.RawMediaKey),
		Caption:     first(value(f.Caption), value(f.Description)),
		Variant:     model.Variant(strings.ToUpper(value(f.Variant))),
	}
}

// Request re-expresses a normalized submission as a flat create payload.
// Normalize(Request(s)) == s for any s returned by Normalize.
func Request(s model.Submission) model.CreateSubmissionRequest {
	var f model.SubmissionFields
	f.ID = ptr(s.ID)
	f.UserID = ptr(s.UserID)
	f.OwnerSub = ptr(s.OwnerSub)
	f.S3Key = ptr(s.MediaKey)
	f.RawMediaKey = ptr(s.RawMediaKey)
	f.Caption = ptr(s.Caption)
	f.Variant = ptr(string(s.Variant))
	return model.CreateSubmissionRequest{SubmissionFields: f}
}

// unwrap merges the nested item over the flat root so callers see one shape.
func unwrap(req model.CreateSubmissionRequest) model.SubmissionFields {
	if req.Item == nil {
		return req.SubmissionFields
	}
	out := *req.Item
	root := req.SubmissionFields
	fill(&out.ID, root.ID)
	fill(&out.UserID, root.UserID)
	fill(&out.OwnerSub, root.OwnerSub)
	fill(&out.S3Key, root.S3Key)
	fill(&out.MediaKey, root.MediaKey)
	fill(&out.RawMediaKey, root.RawMediaKey)
	fill(&out.Caption, root.Caption)
	fill(&out.Description, root.Description)
	fill(&out.Variant, root.Variant)
	return out
}

func fill(dst **string, src *string) {
	if value(*dst) == "" && value(src) != "" {
		*dst = src
	}
}

func value(p *string) string {
	if p == nil {
		return ""
	}
	return strings.TrimSpace(*p)
}

func first(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
