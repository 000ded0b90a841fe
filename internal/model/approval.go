package model

import (
	"time"
)

// Resolution is the write-once outcome of an ApprovalRequest.
type Resolution string

const (
	ResolutionPending  Resolution = "PENDING"
	ResolutionApproved Resolution = "APPROVED"
	ResolutionRejected Resolution = "REJECTED"
	ResolutionExpired  Resolution = "EXPIRED"
)

// Terminal reports whether the resolution has left PENDING.
func (r Resolution) Terminal() bool {
	return r == ResolutionApproved || r == ResolutionRejected || r == ResolutionExpired
}

// Decision is a human verdict submitted through the admin gateway.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// Resolution maps an admin decision onto the approval outcome it produces.
func (d Decision) Resolution() (Resolution, bool) {
	switch d {
	case DecisionApprove:
		return ResolutionApproved, true
	case DecisionReject:
		return ResolutionRejected, true
	}
	return "", false
}

// ApprovalRequest is the durable suspend/resume handle for a submission
// waiting on a human decision. This corresponds to the approval_requests table.
type ApprovalRequest struct {
	Token        string     `json:"token" db:"token"`
	SubmissionID string     `json:"submissionId" db:"submission_id"`
	IssuedAt     time.Time  `json:"issuedAt" db:"issued_at"`
	ExpiresAt    time.Time  `json:"expiresAt" db:"expires_at"`
	Resolution   Resolution `json:"resolution" db:"resolution"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty" db:"resolved_at"`
	ResolvedBy   string     `json:"resolvedBy,omitempty" db:"resolved_by"`
	Reason       string     `json:"reason,omitempty" db:"reason"`
}

// Overdue reports whether the request is still pending past its expiry.
func (a ApprovalRequest) Overdue(now time.Time) bool {
	return a.Resolution == ResolutionPending && !now.Before(a.ExpiresAt)
}

// ResolveCommand is a conditional PENDING -> terminal transition request.
type ResolveCommand struct {
	Token      string
	Resolution Resolution
	Actor      string
	Reason     string
	At         time.Time
}
