package normalize

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
)

func s(v string) *string { return &v }

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		req     model.CreateSubmissionRequest
		want    model.Submission
		wantErr error
	}{
		{
			name: "ownerSub only copies into userId",
			req:  model.CreateSubmissionRequest{SubmissionFields: model.SubmissionFields{OwnerSub: s("U1"), S3Key: s("a.jpg")}},
			want: model.Submission{UserID: "U1", OwnerSub: "U1", MediaKey: "a.jpg", Variant: model.VariantHumanGated},
		},
		{
			name: "userId only copies into ownerSub",
			req:  model.CreateSubmissionRequest{SubmissionFields: model.SubmissionFields{UserID: s("U2"), RawMediaKey: s("raw/b.png")}},
			want: model.Submission{UserID: "U2", OwnerSub: "U2", RawMediaKey: "raw/b.png", Variant: model.VariantHumanGated},
		},
		{
			name: "both identities kept even when different",
			req:  model.CreateSubmissionRequest{SubmissionFields: model.SubmissionFields{UserID: s("U3"), OwnerSub: s("sub-3"), S3Key: s("c.jpg")}},
			want: model.Submission{UserID: "U3", OwnerSub: "sub-3", MediaKey: "c.jpg", Variant: model.VariantHumanGated},
		},
		{
			name: "s3Key preferred but rawMediaKey retained",
			req:  model.CreateSubmissionRequest{SubmissionFields: model.SubmissionFields{UserID: s("U4"), S3Key: s("processed.jpg"), RawMediaKey: s("raw.jpg")}},
			want: model.Submission{UserID: "U4", OwnerSub: "U4", MediaKey: "processed.jpg", RawMediaKey: "raw.jpg", Variant: model.VariantHumanGated},
		},
		{
			name: "nested item unwrapped",
			req: model.CreateSubmissionRequest{Item: &model.SubmissionFields{
				ID: s("sub-1"), OwnerSub: s("U5"), S3Key: s("d.jpg"), Variant: s("auto"), Description: s("hello"),
			}},
			want: model.Submission{ID: "sub-1", UserID: "U5", OwnerSub: "U5", MediaKey: "d.jpg", Caption: "hello", Variant: model.VariantAuto},
		},
		{
			name: "nested item falls back to root fields",
			req: model.CreateSubmissionRequest{
				Item:             &model.SubmissionFields{UserID: s("U6")},
				SubmissionFields: model.SubmissionFields{RawMediaKey: s("raw/e.jpg")},
			},
			want: model.Submission{UserID: "U6", OwnerSub: "U6", RawMediaKey: "raw/e.jpg", Variant: model.VariantHumanGated},
		},
		{
			name:    "no identity",
			req:     model.CreateSubmissionRequest{SubmissionFields: model.SubmissionFields{S3Key: s("a.jpg")}},
			wantErr: ErrMissingIdentity,
		},
		{
			name:    "blank identity treated as missing",
			req:     model.CreateSubmissionRequest{SubmissionFields: model.SubmissionFields{UserID: s("  "), S3Key: s("a.jpg")}},
			wantErr: ErrMissingIdentity,
		},
		{
			name:    "no identity and no key reports identity first",
			req:     model.CreateSubmissionRequest{},
			wantErr: ErrMissingIdentity,
		},
		{
			name:    "no upload key",
			req:     model.CreateSubmissionRequest{SubmissionFields: model.SubmissionFields{UserID: s("U7")}},
			wantErr: ErrMissingUploadKey,
		},
		{
			name:    "unknown variant",
			req:     model.CreateSubmissionRequest{SubmissionFields: model.SubmissionFields{UserID: s("U8"), S3Key: s("a.jpg"), Variant: s("yolo")}},
			wantErr: ErrInvalidVariant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.req)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				var verr *ValidationError
				assert.True(t, errors.As(err, &verr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []model.CreateSubmissionRequest{
		{SubmissionFields: model.SubmissionFields{OwnerSub: s("U1"), S3Key: s("a.jpg")}},
		{SubmissionFields: model.SubmissionFields{UserID: s("U2"), RawMediaKey: s("raw.jpg"), Caption: s("hi")}},
		{SubmissionFields: model.SubmissionFields{UserID: s("U3"), OwnerSub: s("x"), MediaKey: s("m.jpg"), RawMediaKey: s("r.jpg")}},
		{Item: &model.SubmissionFields{ID: s("id-9"), OwnerSub: s("U9"), S3Key: s("k"), Variant: s("BACKGROUND_CHANGE")}},
	}
	for _, in := range inputs {
		once, err := Normalize(in)
		require.NoError(t, err)
		twice, err := Normalize(Request(once))
		require.NoError(t, err)
		assert.Equal(t, once, twice)
	}
}
