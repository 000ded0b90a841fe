package model

import (
	"time"
)

// CreateSubmissionRequest is the loosely-shaped create payload. Fields may be
// supplied flat at the root or nested under "item"; aliases are resolved by the
// normalizer.
type CreateSubmissionRequest struct {
	Item        *SubmissionFields `json:"item,omitempty"`
	SubmissionFields
}

// SubmissionFields are the raw, optional fields a client may send.
type SubmissionFields struct {
	ID          *string `json:"id,omitempty"`
	UserID      *string `json:"userId,omitempty"`
	OwnerSub    *string `json:"ownerSub,omitempty"`
	S3Key       *string `json:"s3Key,omitempty"`
	MediaKey    *string `json:"mediaKey,omitempty"`
	RawMediaKey *string `json:"rawMediaKey,omitempty"`
	Caption     *string `json:"caption,omitempty"`
	Description *string `json:"description,omitempty"`
	Variant     *string `json:"variant,omitempty"`
}

// AdminDecisionRequest is the request body for POST /v1/admin/decisions.
type AdminDecisionRequest struct {
	ApprovalID string   `json:"approvalId"`
	Decision   Decision `json:"decision"`
	Reason     string   `json:"reason,omitempty"`
}

// AdminDecisionData is returned after a decision is accepted.
type AdminDecisionData struct {
	OK           bool       `json:"ok"`
	SubmissionID string     `json:"submissionId"`
	Resolution   Resolution `json:"resolution"`
	Status       Status     `json:"status"`
	Replayed     bool       `json:"replayed"`
}

// BroadcastDecision is the payload of a decision arriving over the broadcast channel.
type BroadcastDecision struct {
	Token    string   `json:"token"`
	Decision Decision `json:"decision"`
	Reason   string   `json:"reason,omitempty"`
	Actor    string   `json:"actor"`
}

// SweepReport summarises one sweeper pass.
type SweepReport struct {
	Scanned    int       `json:"scanned"`
	Expired    int       `json:"expired"`
	Reconciled int       `json:"reconciled"`
	Conflicts  int       `json:"conflicts"`
	Errors     int       `json:"errors"`
	RanAt      time.Time `json:"ranAt"`
}
