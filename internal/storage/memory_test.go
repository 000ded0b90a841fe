package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
)

var t0 = time.Date(2026, time.April, 1, 9, 0, 0, 0, time.UTC)

func seedApproval(t *testing.T, s Store, submissionID, token string, expires time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.CreateSubmission(ctx, model.Submission{
		ID: submissionID, UserID: "U1", Variant: model.VariantHumanGated,
		Status: model.StatusAwaitingAdmin, ApprovalToken: token, CreatedAt: t0, UpdatedAt: t0,
	}))
	require.NoError(t, s.CreateApproval(ctx, model.ApprovalRequest{
		Token: token, SubmissionID: submissionID, IssuedAt: t0, ExpiresAt: expires,
		Resolution: model.ResolutionPending,
	}))
}

func TestUpdateSubmissionVersionCheck(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.CreateSubmission(ctx, model.Submission{ID: "S1", UserID: "U1", Status: model.StatusReceived}))
	assert.ErrorIs(t, s.CreateSubmission(ctx, model.Submission{ID: "S1"}), ErrConflict)

	sub, err := s.GetSubmission(ctx, "S1")
	require.NoError(t, err)
	stale := *sub

	sub.Status = model.StatusNormalized
	updated, err := s.UpdateSubmission(ctx, *sub)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Version)

	stale.Status = model.StatusFailed
	current, err := s.UpdateSubmission(ctx, stale)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, model.StatusNormalized, current.Status)

	_, err = s.GetSubmission(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateApprovalOnePendingPerSubmission(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedApproval(t, s, "S1", "tok-1", t0.Add(time.Hour))

	err := s.CreateApproval(ctx, model.ApprovalRequest{Token: "tok-2", SubmissionID: "S1", Resolution: model.ResolutionPending})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.ResolveApproval(ctx, model.ResolveCommand{Token: "tok-1", Resolution: model.ResolutionRejected, Actor: "admin", At: t0})
	require.NoError(t, err)
	require.NoError(t, s.CreateApproval(ctx, model.ApprovalRequest{Token: "tok-2", SubmissionID: "S1", Resolution: model.ResolutionPending}))

	latest, err := s.GetApprovalBySubmission(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, "tok-2", latest.Token)
}

func TestResolveApprovalIsWriteOnce(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedApproval(t, s, "S1", "tok-1", t0.Add(time.Hour))

	a, err := s.ResolveApproval(ctx, model.ResolveCommand{Token: "tok-1", Resolution: model.ResolutionApproved, Actor: "admin", Reason: "ok", At: t0})
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionApproved, a.Resolution)
	assert.Equal(t, "admin", a.ResolvedBy)

	current, err := s.ResolveApproval(ctx, model.ResolveCommand{Token: "tok-1", Resolution: model.ResolutionExpired, Actor: model.ActorSweeper, At: t0})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, model.ResolutionApproved, current.Resolution)

	_, err = s.ResolveApproval(ctx, model.ResolveCommand{Token: "nope", Resolution: model.ResolutionApproved})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveApprovalRaceHasOneWinner(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedApproval(t, s, "S1", "tok-1", t0)

	resolutions := []model.Resolution{
		model.ResolutionApproved, model.ResolutionRejected, model.ResolutionExpired,
		model.ResolutionApproved, model.ResolutionExpired, model.ResolutionRejected,
	}
	var wg sync.WaitGroup
	results := make(chan error, len(resolutions))
	for _, r := range resolutions {
		wg.Add(1)
		go func(r model.Resolution) {
			defer wg.Done()
			_, err := s.ResolveApproval(ctx, model.ResolveCommand{Token: "tok-1", Resolution: r, Actor: "racer", At: t0})
			results <- err
		}(r)
	}
	wg.Wait()
	close(results)

	wins, conflicts := 0, 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, len(resolutions)-1, conflicts)
}

func TestListOverdueApprovalsOrderAndLimit(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedApproval(t, s, "S3", "tok-3", t0.Add(3*time.Minute))
	seedApproval(t, s, "S1", "tok-1", t0.Add(1*time.Minute))
	seedApproval(t, s, "S2", "tok-2", t0.Add(2*time.Minute))
	seedApproval(t, s, "S4", "tok-4", t0.Add(time.Hour))

	overdue, err := s.ListOverdueApprovals(ctx, t0.Add(10*time.Minute), 2)
	require.NoError(t, err)
	require.Len(t, overdue, 2)
	assert.Equal(t, "tok-1", overdue[0].Token)
	assert.Equal(t, "tok-2", overdue[1].Token)

	// expiresAt == now counts as overdue.
	overdue, err = s.ListOverdueApprovals(ctx, t0.Add(3*time.Minute), 0)
	require.NoError(t, err)
	assert.Len(t, overdue, 3)
}

func TestListStrandedApprovals(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	seedApproval(t, s, "S1", "tok-1", t0.Add(time.Hour))
	seedApproval(t, s, "S2", "tok-2", t0.Add(time.Hour))
	seedApproval(t, s, "S3", "tok-3", t0.Add(time.Hour))

	for i, token := range []string{"tok-2", "tok-1", "tok-3"} {
		_, err := s.ResolveApproval(ctx, model.ResolveCommand{
			Token: token, Resolution: model.ResolutionExpired, Actor: model.ActorSweeper, At: t0.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	// S3 already left AWAITING_ADMIN.
	sub, err := s.GetSubmission(ctx, "S3")
	require.NoError(t, err)
	sub.Status = model.StatusExpired
	_, err = s.UpdateSubmission(ctx, *sub)
	require.NoError(t, err)

	stranded, err := s.ListStrandedApprovals(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stranded, 2)
	assert.Equal(t, "tok-2", stranded[0].Token)
	assert.Equal(t, "tok-1", stranded[1].Token)

	stranded, err = s.ListStrandedApprovals(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, stranded, 1)
}

func TestAuditAndDLQLedger(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()
	require.NoError(t, s.AppendAudit(ctx, model.AuditLogEntry{ID: "a1", SubmissionID: "S1", Action: model.AuditActionSubmitted, Timestamp: t0}))
	require.NoError(t, s.AppendAudit(ctx, model.AuditLogEntry{ID: "a2", SubmissionID: "S1", Action: model.AuditActionDecided, Timestamp: t0.Add(time.Minute)}))
	require.NoError(t, s.AppendAudit(ctx, model.AuditLogEntry{ID: "a3", SubmissionID: "S2", Action: model.AuditActionDecided, Timestamp: t0.Add(2 * time.Minute)}))
	assert.ErrorIs(t, s.AppendAudit(ctx, model.AuditLogEntry{ID: "a1", SubmissionID: "S1", Action: model.AuditActionSubmitted, Timestamp: t0}), ErrConflict)

	entries, err := s.ListAudit(ctx, model.AuditQuery{SubmissionID: "S1"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = s.ListAudit(ctx, model.AuditQuery{Actions: []string{model.AuditActionDecided}, Since: t0.Add(90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a3", entries[0].ID)

	msg := model.DLQMessage{ExecutionID: "exec-1", SubmissionID: "S1"}
	first, err := s.MarkDLQProcessed(ctx, "k1", msg)
	require.NoError(t, err)
	assert.True(t, first)
	again, err := s.MarkDLQProcessed(ctx, "k1", msg)
	require.NoError(t, err)
	assert.False(t, again)
}
