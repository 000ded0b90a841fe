// Package storage provides the persisted state of the approval pipeline.
// Implementations: in-memory (development, tests), PostgreSQL (production) and a
// Redis-backed offender store that can be layered over either.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound = errors.New("not found") // Returned when a record is not found
	ErrConflict = errors.New("conflict")  // Returned when a conditional write loses
)

// SubmissionStore persists submissions. Every update is conditional on the
// version the caller read.
type SubmissionStore interface {
	CreateSubmission(ctx context.Context, s model.Submission) error
	GetSubmission(ctx context.Context, id string) (*model.Submission, error)
	// UpdateSubmission writes s only if the stored version equals s.Version and
	// returns the stored row with the bumped version. ErrConflict otherwise.
	UpdateSubmission(ctx context.Context, s model.Submission) (model.Submission, error)
	ListSubmissions(ctx context.Context, q model.ListSubmissionsQuery) ([]model.Submission, error)
}

// ApprovalStore persists resume handles.
type ApprovalStore interface {
	// CreateApproval inserts a PENDING request. ErrConflict if the submission
	// already has a PENDING request or the token is taken.
	CreateApproval(ctx context.Context, a model.ApprovalRequest) error
	GetApproval(ctx context.Context, token string) (*model.ApprovalRequest, error)
	// GetApprovalBySubmission returns the most recently issued request.
	GetApprovalBySubmission(ctx context.Context, submissionID string) (*model.ApprovalRequest, error)
	// ResolveApproval moves a request from PENDING to cmd.Resolution. Exactly one
	// caller wins; losers get ErrConflict together with the current record.
	ResolveApproval(ctx context.Context, cmd model.ResolveCommand) (model.ApprovalRequest, error)
	// ListOverdueApprovals returns PENDING requests with expiresAt <= now,
	// oldest first, at most limit.
	ListOverdueApprovals(ctx context.Context, now time.Time, limit int) ([]model.ApprovalRequest, error)
	// ListStrandedApprovals returns resolved requests whose submission is still
	// AWAITING_ADMIN on the same token, earliest resolution first, at most limit.
	ListStrandedApprovals(ctx context.Context, limit int) ([]model.ApprovalRequest, error)
}

// OffenderStore persists repeat-offender records.
type OffenderStore interface {
	// GetOffender returns the zero record for unknown users.
	GetOffender(ctx context.Context, userID string) (model.RepeatOffenderRecord, error)
	// UpdateOffender applies fn as an optimistic read-modify-write.
	UpdateOffender(ctx context.Context, userID string, fn func(model.RepeatOffenderRecord) model.RepeatOffenderRecord) (model.RepeatOffenderRecord, error)
}

// AuditLog is append-only.
type AuditLog interface {
	// AppendAudit returns ErrConflict when an entry with e.ID already exists.
	AppendAudit(ctx context.Context, e model.AuditLogEntry) error
	ListAudit(ctx context.Context, q model.AuditQuery) ([]model.AuditLogEntry, error)
}

// DLQLedger records processed dead-letter messages by idempotency key.
type DLQLedger interface {
	// MarkDLQProcessed returns false when the key was already recorded.
	MarkDLQProcessed(ctx context.Context, key string, msg model.DLQMessage) (bool, error)
}

// Store is the full storage surface used by the service.
type Store interface {
	SubmissionStore
	ApprovalStore
	OffenderStore
	AuditLog
	DLQLedger
	Ping(ctx context.Context) error
}

// WithOffenders returns a Store that serves offender records from o and
// everything else from base.
func WithOffenders(base Store, o OffenderStore) Store {
	return &layered{Store: base, offenders: o}
}

type layered struct {
	Store
	offenders OffenderStore
}

func (l *layered) GetOffender(ctx context.Context, userID string) (model.RepeatOffenderRecord, error) {
	return l.offenders.GetOffender(ctx, userID)
}

func (l *layered) UpdateOffender(ctx context.Context, userID string, fn func(model.RepeatOffenderRecord) model.RepeatOffenderRecord) (model.RepeatOffenderRecord, error) {
	return l.offenders.UpdateOffender(ctx, userID, fn)
}

// Close releases resources held by the store, when it holds any.
func Close(s Store) {
	if l, ok := s.(*layered); ok {
		if c, ok := l.offenders.(interface{ Close() error }); ok {
			_ = c.Close()
		}
		s = l.Store
	}
	if c, ok := s.(interface{ Close() }); ok {
		c.Close()
	}
}
