// internal/storage/memory.go
package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
)

// memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes. A single mutex makes
// every conditional write a compare-and-set.
type memory struct {
	mu             sync.RWMutex
	submissions    map[string]*model.Submission      // Map of submission ID to submission
	approvals      map[string]*model.ApprovalRequest // Map of token to approval request
	latestApproval map[string]string                 // Map of submission ID to latest token
	offenders      map[string]model.RepeatOffenderRecord
	audit          []model.AuditLogEntry
	auditIDs       map[string]struct{}
	dlq            map[string]model.DLQMessage // Map of idempotency key to message
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() Store {
	return &memory{
		submissions:    make(map[string]*model.Submission),
		approvals:      make(map[string]*model.ApprovalRequest),
		latestApproval: make(map[string]string),
		offenders:      make(map[string]model.RepeatOffenderRecord),
		auditIDs:       make(map[string]struct{}),
		dlq:            make(map[string]model.DLQMessage),
	}
}

func (m *memory) Ping(ctx context.Context) error { return nil }

func (m *memory) CreateSubmission(ctx context.Context, s model.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.submissions[s.ID]; exists {
		return ErrConflict
	}
	c := copySubmission(s)
	c.ApprovalRequest = nil
	m.submissions[s.ID] = &c
	return nil
}

func (m *memory) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.submissions[id]
	if !exists {
		return nil, ErrNotFound
	}
	c := copySubmission(*s)
	return &c, nil
}

func (m *memory) UpdateSubmission(ctx context.Context, s model.Submission) (model.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.submissions[s.ID]
	if !exists {
		return model.Submission{}, ErrNotFound
	}
	if current.Version != s.Version {
		return copySubmission(*current), ErrConflict
	}
	c := copySubmission(s)
	c.ApprovalRequest = nil
	c.Version++
	m.submissions[s.ID] = &c
	return copySubmission(c), nil
}

func (m *memory) ListSubmissions(ctx context.Context, q model.ListSubmissionsQuery) ([]model.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Submission, 0)
	for _, s := range m.submissions {
		if len(q.Statuses) > 0 && !slices.Contains(q.Statuses, s.Status) {
			continue
		}
		out = append(out, copySubmission(*s))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memory) CreateApproval(ctx context.Context, a model.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.approvals[a.Token]; exists {
		return ErrConflict
	}
	if prev, ok := m.latestApproval[a.SubmissionID]; ok && m.approvals[prev].Resolution == model.ResolutionPending {
		return ErrConflict
	}
	c := a
	m.approvals[a.Token] = &c
	m.latestApproval[a.SubmissionID] = a.Token
	return nil
}

func (m *memory) GetApproval(ctx context.Context, token string) (*model.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, exists := m.approvals[token]
	if !exists {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (m *memory) GetApprovalBySubmission(ctx context.Context, submissionID string) (*model.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	token, exists := m.latestApproval[submissionID]
	if !exists {
		return nil, ErrNotFound
	}
	c := *m.approvals[token]
	return &c, nil
}

func (m *memory) ResolveApproval(ctx context.Context, cmd model.ResolveCommand) (model.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.approvals[cmd.Token]
	if !exists {
		return model.ApprovalRequest{}, ErrNotFound
	}
	if a.Resolution != model.ResolutionPending {
		return *a, ErrConflict
	}
	at := cmd.At.UTC()
	a.Resolution = cmd.Resolution
	a.ResolvedAt = &at
	a.ResolvedBy = cmd.Actor
	a.Reason = cmd.Reason
	return *a, nil
}

func (m *memory) ListOverdueApprovals(ctx context.Context, now time.Time, limit int) ([]model.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.ApprovalRequest, 0)
	for _, a := range m.approvals {
		if a.Overdue(now) {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].Token < out[j].Token
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memory) ListStrandedApprovals(ctx context.Context, limit int) ([]model.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.ApprovalRequest, 0)
	for _, a := range m.approvals {
		if !a.Resolution.Terminal() {
			continue
		}
		s, exists := m.submissions[a.SubmissionID]
		if exists && s.Status == model.StatusAwaitingAdmin && s.ApprovalToken == a.Token {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].ResolvedAt, out[j].ResolvedAt
		if ti == nil || tj == nil || ti.Equal(*tj) {
			return out[i].Token < out[j].Token
		}
		return ti.Before(*tj)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memory) GetOffender(ctx context.Context, userID string) (model.RepeatOffenderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, exists := m.offenders[userID]
	if !exists {
		return model.RepeatOffenderRecord{UserID: userID}, nil
	}
	return rec, nil
}

func (m *memory) UpdateOffender(ctx context.Context, userID string, fn func(model.RepeatOffenderRecord) model.RepeatOffenderRecord) (model.RepeatOffenderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.offenders[userID]
	if !exists {
		rec = model.RepeatOffenderRecord{UserID: userID}
	}
	rec = fn(rec)
	rec.UserID = userID
	m.offenders[userID] = rec
	return rec, nil
}

func (m *memory) AppendAudit(ctx context.Context, e model.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.auditIDs[e.ID]; exists {
		return ErrConflict
	}
	m.auditIDs[e.ID] = struct{}{}
	m.audit = append(m.audit, e)
	return nil
}

func (m *memory) ListAudit(ctx context.Context, q model.AuditQuery) ([]model.AuditLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.AuditLogEntry, 0)
	for _, e := range m.audit {
		if q.SubmissionID != "" && e.SubmissionID != q.SubmissionID {
			continue
		}
		if len(q.Actions) > 0 && !slices.Contains(q.Actions, e.Action) {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (m *memory) MarkDLQProcessed(ctx context.Context, key string, msg model.DLQMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.dlq[key]; exists {
		return false, nil
	}
	m.dlq[key] = msg
	return true, nil
}

// copySubmission detaches verdict pointers so callers cannot mutate stored state.
func copySubmission(s model.Submission) model.Submission {
	if s.ModerationVerdict != nil {
		v := *s.ModerationVerdict
		v.Labels = slices.Clone(v.Labels)
		s.ModerationVerdict = &v
	}
	if s.PIIVerdict != nil {
		v := *s.PIIVerdict
		v.Entities = slices.Clone(v.Entities)
		s.PIIVerdict = &v
	}
	if s.ResolvedAt != nil {
		t := *s.ResolvedAt
		s.ResolvedAt = &t
	}
	return s
}
