// Package gateway is the single entry point for human approval decisions.
// It is transport-agnostic: the HTTP API and the broadcast subscription both
// hand it an approval id and a decision.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/storage"
)

var (
	// ErrNotFound is returned when no approval request matches the id.
	ErrNotFound = errors.New("approval request not found")
	// ErrAlreadyResolved is returned when the request has left PENDING.
	ErrAlreadyResolved = errors.New("approval request already resolved")
	// ErrInvalidDecision is returned for anything but APPROVE or REJECT.
	ErrInvalidDecision = errors.New("invalid decision")
)

// Resolver applies a won resolution to the submission.
type Resolver interface {
	ApplyResolution(ctx context.Context, a model.ApprovalRequest) (model.Submission, error)
}

// Command is one admin decision.
type Command struct {
	// ApprovalID is the resume token or the submission id.
	ApprovalID string
	Decision   model.Decision
	Reason     string
	Actor      string
}

// Result describes the outcome of Resolve.
type Result struct {
	Submission model.Submission
	Approval   model.ApprovalRequest
	// Replayed is set when an identical earlier decision is returned unchanged.
	Replayed bool
}

// Gateway resolves approval requests.
type Gateway struct {
	store    storage.Store
	resolver Resolver
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a gateway. m may be nil.
func New(store storage.Store, resolver Resolver, m *metrics.Metrics, logger *slog.Logger, now func() time.Time) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &Gateway{store: store, resolver: resolver, metrics: m, logger: logger, now: now}
}

// Resolve moves a PENDING approval request to APPROVED or REJECTED. Exactly one
// concurrent caller (admin or sweeper) wins; the others get ErrAlreadyResolved
// without mutating anything. Repeating the winning call returns its outcome with
// Replayed set.
func (g *Gateway) Resolve(ctx context.Context, cmd Command) (Result, error) {
	resolution, ok := cmd.Decision.Resolution()
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrInvalidDecision, cmd.Decision)
	}

	a, err := g.lookup(ctx, cmd.ApprovalID)
	if err != nil {
		return Result{}, err
	}
	if a.Resolution != model.ResolutionPending {
		return g.settled(ctx, cmd, resolution, *a)
	}

	won, err := g.store.ResolveApproval(ctx, model.ResolveCommand{
		Token:      a.Token,
		Resolution: resolution,
		Actor:      cmd.Actor,
		Reason:     cmd.Reason,
		At:         g.now().UTC(),
	})
	switch {
	case errors.Is(err, storage.ErrConflict):
		g.logger.Info("Decision lost resolution race",
			"token", a.Token,
			"submission_id", a.SubmissionID,
			"resolution", won.Resolution,
			"resolved_by", won.ResolvedBy)
		return g.settled(ctx, cmd, resolution, won)
	case errors.Is(err, storage.ErrNotFound):
		return Result{}, ErrNotFound
	case err != nil:
		return Result{}, fmt.Errorf("resolve approval: %w", err)
	}

	sub, err := g.store.GetSubmission(ctx, won.SubmissionID)
	if err != nil {
		return Result{}, fmt.Errorf("load submission: %w", err)
	}
	latency := won.ResolvedAt.Sub(sub.CreatedAt)
	g.metrics.ObserveDecisionLatency(string(won.Resolution), latency)
	g.audit(ctx, won, latency)

	g.logger.Info("Approval decided",
		"token", won.Token,
		"submission_id", won.SubmissionID,
		"resolution", won.Resolution,
		"actor", cmd.Actor,
		"latency", latency)

	next, err := g.resolver.ApplyResolution(ctx, won)
	if err != nil {
		return Result{Approval: won, Submission: *sub}, fmt.Errorf("apply resolution: %w", err)
	}
	return Result{Submission: next, Approval: won}, nil
}

// lookup tries the id as a token first, then as a submission id.
func (g *Gateway) lookup(ctx context.Context, id string) (*model.ApprovalRequest, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	a, err := g.store.GetApproval(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		a, err = g.store.GetApprovalBySubmission(ctx, id)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup approval: %w", err)
	}
	return a, nil
}

// settled answers a decision on a request that is no longer PENDING. A replay
// whose submission is still parked on this token re-applies the resolution,
// finishing a call that won the resolve but failed to apply it.
func (g *Gateway) settled(ctx context.Context, cmd Command, want model.Resolution, a model.ApprovalRequest) (Result, error) {
	if a.Resolution != want || a.ResolvedBy != cmd.Actor {
		return Result{Approval: a}, fmt.Errorf("%w: %s by %s", ErrAlreadyResolved, a.Resolution, a.ResolvedBy)
	}
	sub, err := g.store.GetSubmission(ctx, a.SubmissionID)
	if err != nil {
		return Result{}, fmt.Errorf("load submission: %w", err)
	}
	if sub.Status == model.StatusAwaitingAdmin && sub.ApprovalToken == a.Token {
		g.logger.Info("Re-applying stranded decision", "token", a.Token, "submission_id", a.SubmissionID)
		next, err := g.resolver.ApplyResolution(ctx, a)
		if err != nil {
			return Result{Approval: a, Submission: *sub}, fmt.Errorf("apply resolution: %w", err)
		}
		sub = &next
	}
	return Result{Submission: *sub, Approval: a, Replayed: true}, nil
}

func (g *Gateway) audit(ctx context.Context, a model.ApprovalRequest, latency time.Duration) {
	entry := model.AuditLogEntry{
		ID:           uuid.NewString(),
		SubmissionID: a.SubmissionID,
		Actor:        a.ResolvedBy,
		Action:       model.AuditActionDecided,
		Outcome:      string(a.Resolution),
		Timestamp:    *a.ResolvedAt,
		Details: map[string]any{
			"token":          a.Token,
			"reason":         a.Reason,
			"latencySeconds": latency.Seconds(),
		},
	}
	if err := g.store.AppendAudit(ctx, entry); err != nil {
		g.logger.Error("Audit append failed", "submission_id", a.SubmissionID, "error", err)
	}
}
