package model

import (
	"time"
)

// Audit actions written by the pipeline.
const (
	AuditActionSubmitted    = "submission.received"
	AuditActionFailed       = "submission.failed"
	AuditActionAutoResolved = "submission.auto_resolved"
	AuditActionAwaiting     = "approval.issued"
	AuditActionDecided      = "approval.decided"
	AuditActionExpired      = "approval.expired"
	AuditActionPublished    = "submission.published"
	AuditActionDeadLetter   = "dlq.received"
)

// Audit actors that are not humans.
const (
	ActorSystem  = "system"
	ActorSweeper = "sweeper"
	ActorDLQ     = "dlq"
)

// AuditLogEntry is an append-only record of something that happened to a submission.
// Entries are never mutated or deleted. This corresponds to the audit_log table.
type AuditLogEntry struct {
	ID           string         `json:"id" db:"id"`
	SubmissionID string         `json:"submissionId" db:"submission_id"`
	Actor        string         `json:"actor" db:"actor"`
	Action       string         `json:"action" db:"action"`
	Outcome      string         `json:"outcome" db:"outcome"`
	Timestamp    time.Time      `json:"timestamp" db:"occurred_at"`
	Details      map[string]any `json:"details,omitempty" db:"details"`
}

// AuditQuery filters audit entries.
type AuditQuery struct {
	SubmissionID string
	Actions      []string
	Since        time.Time
	Limit        int
}

// DLQMessage describes a workflow execution that failed unrecoverably.
type DLQMessage struct {
	ExecutionID     string    `json:"executionId"`
	SubmissionID    string    `json:"submissionId"`
	Error           string    `json:"error"`
	WorkflowVariant Variant   `json:"workflowVariant"`
	Timestamp       time.Time `json:"timestamp"`
}

// AdminNotification is sent once when a submission enters AWAITING_ADMIN.
type AdminNotification struct {
	Token             string             `json:"token"`
	Submission        Submission         `json:"submission"`
	ModerationVerdict *ModerationVerdict `json:"moderationVerdict,omitempty"`
	PIIVerdict        *PIIVerdict        `json:"piiVerdict,omitempty"`
	ProcessedMediaKey string             `json:"processedMediaKey"`
	ExpiresAt         time.Time          `json:"expiresAt"`
}

// ExpirationEvent is emitted once per submission force-expired by the sweeper.
type ExpirationEvent struct {
	SubmissionID string `json:"submissionId"`
	Reason       string `json:"reason"`
}

// OperatorAlert is sent to the operators channel.
type OperatorAlert struct {
	Kind         string    `json:"kind"`
	SubmissionID string    `json:"submissionId"`
	Message      string    `json:"message"`
	OccurredAt   time.Time `json:"occurredAt"`
}
