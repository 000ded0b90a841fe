package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/storage"
)

var created = time.Date(2026, time.July, 3, 10, 0, 0, 0, time.UTC)

// recordingResolver applies resolutions by writing the submission status.
type recordingResolver struct {
	store    storage.Store
	mu       sync.Mutex
	applied  []model.ApprovalRequest
	failNext bool
}

func (r *recordingResolver) ApplyResolution(ctx context.Context, a model.ApprovalRequest) (model.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext {
		r.failNext = false
		return model.Submission{}, errors.New("store blip")
	}
	r.applied = append(r.applied, a)
	sub, err := r.store.GetSubmission(ctx, a.SubmissionID)
	if err != nil {
		return model.Submission{}, err
	}
	if sub.Status != model.StatusAwaitingAdmin {
		return *sub, nil
	}
	next := *sub
	next.Status = model.StatusApproved
	if a.Resolution == model.ResolutionRejected {
		next.Status = model.StatusRejected
	}
	return r.store.UpdateSubmission(ctx, next)
}

func (r *recordingResolver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.applied)
}

func setup(t *testing.T) (*Gateway, storage.Store, *recordingResolver) {
	t.Helper()
	store := storage.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.CreateSubmission(ctx, model.Submission{
		ID: "S1", UserID: "U1", OwnerSub: "U1", Variant: model.VariantHumanGated,
		Status: model.StatusAwaitingAdmin, ApprovalToken: "tok-1", CreatedAt: created, UpdatedAt: created,
	}))
	require.NoError(t, store.CreateApproval(ctx, model.ApprovalRequest{
		Token: "tok-1", SubmissionID: "S1", IssuedAt: created, ExpiresAt: created.Add(24 * time.Hour),
		Resolution: model.ResolutionPending,
	}))
	resolver := &recordingResolver{store: store}
	now := func() time.Time { return created.Add(90 * time.Minute) }
	return New(store, resolver, nil, nil, now), store, resolver
}

func TestResolveApprove(t *testing.T) {
	g, store, resolver := setup(t)
	ctx := context.Background()

	res, err := g.Resolve(ctx, Command{ApprovalID: "tok-1", Decision: model.DecisionApprove, Reason: "looks fine", Actor: "admin-1"})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, model.ResolutionApproved, res.Approval.Resolution)
	assert.Equal(t, model.StatusApproved, res.Submission.Status)
	assert.Equal(t, 1, resolver.count())

	entries, err := store.ListAudit(ctx, model.AuditQuery{SubmissionID: "S1", Actions: []string{model.AuditActionDecided}})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "admin-1", entries[0].Actor)
	assert.Equal(t, string(model.ResolutionApproved), entries[0].Outcome)
	assert.InDelta(t, 5400.0, entries[0].Details["latencySeconds"], 0.001)
}

func TestResolveBySubmissionID(t *testing.T) {
	g, _, _ := setup(t)
	res, err := g.Resolve(context.Background(), Command{ApprovalID: "S1", Decision: model.DecisionReject, Actor: "admin-1"})
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionRejected, res.Approval.Resolution)
	assert.Equal(t, "tok-1", res.Approval.Token)
}

func TestResolveNotFound(t *testing.T) {
	g, _, resolver := setup(t)
	_, err := g.Resolve(context.Background(), Command{ApprovalID: "nope", Decision: model.DecisionApprove, Actor: "admin-1"})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = g.Resolve(context.Background(), Command{ApprovalID: "", Decision: model.DecisionApprove, Actor: "admin-1"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, resolver.count())
}

func TestResolveInvalidDecision(t *testing.T) {
	g, _, _ := setup(t)
	_, err := g.Resolve(context.Background(), Command{ApprovalID: "tok-1", Decision: "MAYBE", Actor: "admin-1"})
	assert.ErrorIs(t, err, ErrInvalidDecision)
}

func TestIdenticalRetryIsReplayed(t *testing.T) {
	g, _, resolver := setup(t)
	ctx := context.Background()
	cmd := Command{ApprovalID: "tok-1", Decision: model.DecisionApprove, Actor: "admin-1"}

	_, err := g.Resolve(ctx, cmd)
	require.NoError(t, err)
	res, err := g.Resolve(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, model.ResolutionApproved, res.Approval.Resolution)
	assert.Equal(t, 1, resolver.count(), "side effects must not repeat")
}

func TestConflictingDecisionAfterResolution(t *testing.T) {
	g, _, resolver := setup(t)
	ctx := context.Background()

	_, err := g.Resolve(ctx, Command{ApprovalID: "tok-1", Decision: model.DecisionApprove, Actor: "admin-1"})
	require.NoError(t, err)

	_, err = g.Resolve(ctx, Command{ApprovalID: "tok-1", Decision: model.DecisionReject, Actor: "admin-1"})
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	_, err = g.Resolve(ctx, Command{ApprovalID: "tok-1", Decision: model.DecisionApprove, Actor: "admin-2"})
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.Equal(t, 1, resolver.count())
}

func TestLateApproveAfterExpiryIsConflict(t *testing.T) {
	g, store, resolver := setup(t)
	ctx := context.Background()
	_, err := store.ResolveApproval(ctx, model.ResolveCommand{Token: "tok-1", Resolution: model.ResolutionExpired, Actor: model.ActorSweeper, At: created.Add(25 * time.Hour)})
	require.NoError(t, err)

	res, err := g.Resolve(ctx, Command{ApprovalID: "tok-1", Decision: model.DecisionApprove, Actor: "admin-1"})
	assert.ErrorIs(t, err, ErrAlreadyResolved)
	assert.Equal(t, model.ResolutionExpired, res.Approval.Resolution)
	assert.Zero(t, resolver.count())
}

func TestConcurrentApproveAndExpireHaveOneWinner(t *testing.T) {
	for i := 0; i < 50; i++ {
		g, store, resolver := setup(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		var gatewayErr, sweeperErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, gatewayErr = g.Resolve(ctx, Command{ApprovalID: "tok-1", Decision: model.DecisionApprove, Actor: "admin-1"})
		}()
		go func() {
			defer wg.Done()
			_, sweeperErr = store.ResolveApproval(ctx, model.ResolveCommand{Token: "tok-1", Resolution: model.ResolutionExpired, Actor: model.ActorSweeper, At: created})
		}()
		wg.Wait()

		a, err := store.GetApproval(ctx, "tok-1")
		require.NoError(t, err)
		switch a.Resolution {
		case model.ResolutionApproved:
			require.NoError(t, gatewayErr)
			require.ErrorIs(t, sweeperErr, storage.ErrConflict)
			require.Equal(t, 1, resolver.count())
		case model.ResolutionExpired:
			require.NoError(t, sweeperErr)
			require.True(t, errors.Is(gatewayErr, ErrAlreadyResolved), "gateway error: %v", gatewayErr)
			require.Zero(t, resolver.count())
		default:
			t.Fatalf("ambiguous final resolution %s", a.Resolution)
		}
	}
}

func TestIdenticalRetryFinishesFailedApply(t *testing.T) {
	g, store, resolver := setup(t)
	ctx := context.Background()
	cmd := Command{ApprovalID: "tok-1", Decision: model.DecisionApprove, Actor: "admin-1"}

	resolver.failNext = true
	res, err := g.Resolve(ctx, cmd)
	require.Error(t, err)
	assert.Equal(t, model.ResolutionApproved, res.Approval.Resolution)
	sub, err := store.GetSubmission(ctx, "S1")
	require.NoError(t, err)
	require.Equal(t, model.StatusAwaitingAdmin, sub.Status)

	res, err = g.Resolve(ctx, cmd)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, model.StatusApproved, res.Submission.Status)
	assert.Equal(t, 1, resolver.count())

	entries, err := store.ListAudit(ctx, model.AuditQuery{SubmissionID: "S1", Actions: []string{model.AuditActionDecided}})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
