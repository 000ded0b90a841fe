// internal/model/submission.go
// Package model defines the data structures used throughout the approvals service.
// These structures represent submissions moving through the approval pipeline,
// the approval requests that suspend them, and the records kept about their outcome.
package model

import (
	"time"
)

// Status is the lifecycle state of a Submission.
type Status string

const (
	StatusReceived      Status = "RECEIVED"
	StatusNormalized    Status = "NORMALIZED"
	StatusSegmented     Status = "SEGMENTED"
	StatusModerated     Status = "MODERATED"
	StatusPIIChecked    Status = "PII_CHECKED"
	StatusAwaitingAdmin Status = "AWAITING_ADMIN"
	StatusApproved      Status = "APPROVED"
	StatusRejected      Status = "REJECTED"
	StatusExpired       Status = "EXPIRED"
	StatusPublished     Status = "PUBLISHED"
	StatusFailed        Status = "FAILED"
)

// Terminal reports whether no further transition may leave the status.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusExpired, StatusPublished, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusReceived, StatusNormalized, StatusSegmented, StatusModerated, StatusPIIChecked,
		StatusAwaitingAdmin, StatusApproved, StatusRejected, StatusExpired, StatusPublished, StatusFailed:
		return true
	}
	return false
}

// Variant selects which workflow shape drives a submission.
type Variant string

const (
	// VariantHumanGated always waits for an admin decision.
	VariantHumanGated Variant = "HUMAN_GATED"
	// VariantAuto is the trusted tier: publish or reject without a human gate.
	VariantAuto Variant = "AUTO"
	// VariantBackgroundChange is human-gated, notified over the broadcast channel.
	VariantBackgroundChange Variant = "BACKGROUND_CHANGE"
)

// Valid reports whether v is a known workflow variant.
func (v Variant) Valid() bool {
	switch v {
	case VariantHumanGated, VariantAuto, VariantBackgroundChange:
		return true
	}
	return false
}

// HumanGated reports whether the variant suspends on an admin decision.
func (v Variant) HumanGated() bool {
	return v == VariantHumanGated || v == VariantBackgroundChange
}

// Submission is the unit of work moving through the approval pipeline.
// This corresponds to the submissions table in storage.
type Submission struct {
	ID                string             `json:"id" db:"id"`
	UserID            string             `json:"userId" db:"user_id"`
	OwnerSub          string             `json:"ownerSub" db:"owner_sub"`
	MediaKey          string             `json:"mediaKey,omitempty" db:"media_key"`
	RawMediaKey       string             `json:"rawMediaKey,omitempty" db:"raw_media_key"`
	ProcessedMediaKey string             `json:"processedMediaKey,omitempty" db:"processed_media_key"`
	PublicKey         string             `json:"publicKey,omitempty" db:"public_key"`
	Caption           string             `json:"caption,omitempty" db:"caption"`
	Variant           Variant            `json:"variant" db:"variant"`
	Status            Status             `json:"status" db:"status"`
	ModerationVerdict *ModerationVerdict `json:"moderationVerdict,omitempty" db:"moderation_verdict"`
	PIIVerdict        *PIIVerdict        `json:"piiVerdict,omitempty" db:"pii_verdict"`
	ApprovalToken     string             `json:"-" db:"approval_token"`
	ApprovalRequest   *ApprovalRequest   `json:"approvalRequest,omitempty" db:"-"`
	FailureReason     string             `json:"failureReason,omitempty" db:"failure_reason"`
	Version           int64              `json:"version" db:"version"`
	CreatedAt         time.Time          `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time          `json:"updatedAt" db:"updated_at"`
	ResolvedAt        *time.Time         `json:"resolvedAt,omitempty" db:"resolved_at"`
}

// OwnerID is the canonical identity of the submitter.
func (s Submission) OwnerID() string {
	if s.UserID != "" {
		return s.UserID
	}
	return s.OwnerSub
}

// SourceKey is the object-store key the pipeline reads from.
// mediaKey wins whenever both keys are present.
func (s Submission) SourceKey() string {
	if s.MediaKey != "" {
		return s.MediaKey
	}
	return s.RawMediaKey
}

// ListSubmissionsQuery filters submissions for listing and recovery scans.
type ListSubmissionsQuery struct {
	Statuses []Status `json:"statuses"`
	Limit    int      `json:"limit"`
}
