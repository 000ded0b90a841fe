// Package dlq handles workflow executions that failed unrecoverably. Each
// message is recorded in the audit log and raised to operators exactly once;
// nothing is re-driven automatically.
package dlq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/storage"
)

// DefaultConcurrency bounds how many messages of a batch are handled at once.
const DefaultConcurrency = 10

// ErrInvalidMessage marks a message that can never be processed.
var ErrInvalidMessage = errors.New("invalid dead-letter message")

// Outcome is the result of handling one message.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeFailed    Outcome = "failed"
)

// Settled reports whether the message needs no further delivery.
func (o Outcome) Settled() bool {
	return o != OutcomeFailed
}

// Notifier delivers a payload to a channel.
type Notifier interface {
	Notify(ctx context.Context, channel model.Channel, payload any) error
}

// Processor consumes dead-letter messages.
type Processor struct {
	store       storage.Store
	notifier    Notifier
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
	concurrency int
}

// Options configures a Processor. Zero values take defaults.
type Options struct {
	Concurrency int
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Now         func() time.Time
}

// NewProcessor creates a processor.
func NewProcessor(store storage.Store, notifier Notifier, opts Options) *Processor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{
		store:       store,
		notifier:    notifier,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         opts.Now,
		concurrency: opts.Concurrency,
	}
}

// IdempotencyKey derives the dedup key of a message from its execution id.
func IdempotencyKey(executionID string) string {
	sum := sha256.Sum256([]byte("dlq:" + executionID))
	return hex.EncodeToString(sum[:])
}

// AuditEntryID is the audit entry id of a message, stable across redeliveries.
func AuditEntryID(executionID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("dlq:"+executionID)).String()
}

// HandleBatch handles msgs with bounded concurrency. outcomes[i] belongs to msgs[i].
// A failing message never aborts its siblings.
func (p *Processor) HandleBatch(ctx context.Context, msgs []model.DLQMessage) []Outcome {
	outcomes := make([]Outcome, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, msg := range msgs {
		g.Go(func() error {
			outcome, err := p.Handle(gctx, msg)
			outcomes[i] = outcome
			if err != nil {
				p.logger.Error("Dead-letter message failed",
					"execution_id", msg.ExecutionID,
					"submission_id", msg.SubmissionID,
					"outcome", outcome,
					"error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// Handle records one message. The audit entry is written first under an id
// derived from the execution id, then the idempotency key is claimed, so a
// crash between the two leaves a redelivery that completes the work.
// Redelivered messages produce no second audit entry or alert.
func (p *Processor) Handle(ctx context.Context, msg model.DLQMessage) (Outcome, error) {
	if msg.ExecutionID == "" || msg.SubmissionID == "" {
		p.metrics.DLQMessage(string(OutcomeInvalid))
		return OutcomeInvalid, fmt.Errorf("%w: executionId and submissionId are required", ErrInvalidMessage)
	}

	now := p.now().UTC()
	entry := model.AuditLogEntry{
		ID:           AuditEntryID(msg.ExecutionID),
		SubmissionID: msg.SubmissionID,
		Actor:        model.ActorDLQ,
		Action:       model.AuditActionDeadLetter,
		Outcome:      string(model.StatusFailed),
		Timestamp:    now,
		Details: map[string]any{
			"executionId":     msg.ExecutionID,
			"error":           msg.Error,
			"workflowVariant": msg.WorkflowVariant,
			"failedAt":        msg.Timestamp,
		},
	}
	if err := p.store.AppendAudit(ctx, entry); err != nil && !errors.Is(err, storage.ErrConflict) {
		p.metrics.DLQMessage(string(OutcomeFailed))
		return OutcomeFailed, fmt.Errorf("append audit: %w", err)
	}

	fresh, err := p.store.MarkDLQProcessed(ctx, IdempotencyKey(msg.ExecutionID), msg)
	if err != nil {
		p.metrics.DLQMessage(string(OutcomeFailed))
		return OutcomeFailed, fmt.Errorf("mark processed: %w", err)
	}
	if !fresh {
		p.metrics.DLQMessage(string(OutcomeDuplicate))
		p.logger.Debug("Dead-letter message already processed", "execution_id", msg.ExecutionID)
		return OutcomeDuplicate, nil
	}

	if p.notifier != nil {
		alert := model.OperatorAlert{
			Kind:         model.AlertDeadLetter,
			SubmissionID: msg.SubmissionID,
			Message:      fmt.Sprintf("execution %s failed: %s", msg.ExecutionID, msg.Error),
			OccurredAt:   now,
		}
		if err := p.notifier.Notify(ctx, model.ChannelOperators, alert); err != nil {
			p.logger.Warn("Operator alert failed", "execution_id", msg.ExecutionID, "error", err)
		}
	}

	p.metrics.DLQMessage(string(OutcomeProcessed))
	p.logger.Info("Dead-letter message recorded",
		"execution_id", msg.ExecutionID,
		"submission_id", msg.SubmissionID,
		"variant", msg.WorkflowVariant)
	return OutcomeProcessed, nil
}
