// Package sweeper force-expires approval requests whose deadline has passed.
package sweeper

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

// DefaultBatchSize caps how many requests one run expires.
const DefaultBatchSize = 25

// ExpiryReason is attached to every forced expiration.
const ExpiryReason = "timeout"

// Resolver applies a won resolution to the submission.
type Resolver interface {
	ApplyResolution(ctx context.Context, a model.ApprovalRequest) (model.Submission, error)
}

// Notifier delivers a payload to a channel.
type Notifier interface {
	Notify(ctx context.Context, channel model.Channel, payload any) error
}

// Sweeper expires overdue approval requests in bounded batches.
type Sweeper struct {
	store    storage.Store
	resolver Resolver
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
	batch    int
}

// Options configures a Sweeper. Zero values take defaults.
type Options struct {
	BatchSize int
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// New creates a sweeper.
func New(store storage.Store, resolver Resolver, notifier Notifier, opts Options) *Sweeper {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{
		store:    store,
		resolver: resolver,
		notifier: notifier,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      opts.Now,
		batch:    opts.BatchSize,
	}
}

// RunOnce first re-applies resolutions that were written but never reached
// their submission, then expires at most one batch of overdue requests, oldest
// first. Requests beyond the batch are left for the next run. A failure on one
// request is logged and counted; it never stops the batch.
func (s *Sweeper) RunOnce(ctx context.Context) (model.SweepReport, error) {
	now := s.now().UTC()
	report := model.SweepReport{RanAt: now}

	if err := s.reconcile(ctx, now, &report); err != nil {
		return report, err
	}

	overdue, err := s.store.ListOverdueApprovals(ctx, now, s.batch)
	if err != nil {
		return report, fmt.Errorf("list overdue approvals: %w", err)
	}
	report.Scanned = len(overdue)

	for _, a := range overdue {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		won, err := s.expire(ctx, a, now)
		if won {
			report.Expired++
		}
		switch {
		case err == nil:
		case errors.Is(err, storage.ErrConflict):
			report.Conflicts++
		default:
			report.Errors++
			s.metrics.SweeperError()
			s.logger.Error("Expire approval failed",
				"token", a.Token,
				"submission_id", a.SubmissionID,
				"expired", won,
				"error", err)
		}
	}

	s.logger.Info("Sweep finished",
		"scanned", report.Scanned,
		"expired", report.Expired,
		"reconciled", report.Reconciled,
		"conflicts", report.Conflicts,
		"errors", report.Errors)
	return report, nil
}

// reconcile finishes resolutions whose apply step failed after the request
// left PENDING, whether an admin or an earlier sweep resolved it.
func (s *Sweeper) reconcile(ctx context.Context, now time.Time, report *model.SweepReport) error {
	stranded, err := s.store.ListStrandedApprovals(ctx, s.batch)
	if err != nil {
		return fmt.Errorf("list stranded approvals: %w", err)
	}
	for _, a := range stranded {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.finish(ctx, a, now); err != nil {
			report.Errors++
			s.metrics.SweeperError()
			s.logger.Error("Reconcile resolution failed",
				"token", a.Token,
				"submission_id", a.SubmissionID,
				"resolution", a.Resolution,
				"error", err)
			continue
		}
		report.Reconciled++
		s.logger.Info("Stranded resolution applied",
			"token", a.Token,
			"submission_id", a.SubmissionID,
			"resolution", a.Resolution)
	}
	return nil
}

// expire reports whether this sweep won the request, even when applying the
// expiry afterwards failed.
func (s *Sweeper) expire(ctx context.Context, a model.ApprovalRequest, now time.Time) (bool, error) {
	won, err := s.store.ResolveApproval(ctx, model.ResolveCommand{
		Token:      a.Token,
		Resolution: model.ResolutionExpired,
		Actor:      model.ActorSweeper,
		Reason:     ExpiryReason,
		At:         now,
	})
	if errors.Is(err, storage.ErrConflict) {
		// An admin decided first; nothing to do for this record.
		s.logger.Debug("Approval resolved before sweep",
			"token", a.Token,
			"submission_id", a.SubmissionID,
			"resolution", won.Resolution)
		return false, err
	}
	if err != nil {
		return false, fmt.Errorf("resolve approval: %w", err)
	}
	s.metrics.SweeperExpired()

	entry := model.AuditLogEntry{
		ID:           uuid.NewString(),
		SubmissionID: won.SubmissionID,
		Actor:        model.ActorSweeper,
		Action:       model.AuditActionExpired,
		Outcome:      string(model.ResolutionExpired),
		Timestamp:    now,
		Details: map[string]any{
			"token":     won.Token,
			"reason":    ExpiryReason,
			"expiresAt": won.ExpiresAt,
		},
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.logger.Error("Audit append failed", "submission_id", won.SubmissionID, "error", err)
	}

	if err := s.finish(ctx, won, now); err != nil {
		// The request is already EXPIRED; the next run reconciles the submission.
		return true, err
	}
	return true, nil
}

// finish applies a resolved request to its submission. Expiries also raise
// the expiration event and the operator alert.
func (s *Sweeper) finish(ctx context.Context, a model.ApprovalRequest, now time.Time) error {
	if _, err := s.resolver.ApplyResolution(ctx, a); err != nil {
		return fmt.Errorf("apply %s: %w", a.Resolution, err)
	}
	if a.Resolution != model.ResolutionExpired {
		return nil
	}
	s.notify(ctx, model.ChannelExpirations, model.ExpirationEvent{SubmissionID: a.SubmissionID, Reason: ExpiryReason})
	s.notify(ctx, model.ChannelOperators, model.OperatorAlert{
		Kind:         model.AlertExpired,
		SubmissionID: a.SubmissionID,
		Message:      fmt.Sprintf("approval request expired after %s without a decision", a.ExpiresAt.Sub(a.IssuedAt)),
		OccurredAt:   now,
	})
	return nil
}

func (s *Sweeper) notify(ctx context.Context, channel model.Channel, payload any) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, channel, payload); err != nil {
		s.logger.Warn("Sweeper notification failed", "channel", channel, "error", err)
	}
}
