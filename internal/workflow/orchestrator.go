package workflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/normalize"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/policy"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/telemetry"
)

// Segmenter produces the processed (segmented) media key for a source key.
type Segmenter interface {
	SegmentImage(ctx context.Context, key string) (string, error)
}

// LabelDetector returns the risk signals for processed media and its caption.
type LabelDetector interface {
	DetectLabels(ctx context.Context, processedKey, caption string) (policy.Signals, error)
}

// PIIScanner scans free text for personal data.
type PIIScanner interface {
	ScanPII(ctx context.Context, text string) (model.PIIVerdict, error)
}

// Publisher makes processed media public and returns its public key.
type Publisher interface {
	Publish(ctx context.Context, s model.Submission) (string, error)
}

// Notifier delivers a payload to a channel.
type Notifier interface {
	Notify(ctx context.Context, channel model.Channel, payload any) error
}

// DeadLetterSink receives executions that failed unrecoverably.
type DeadLetterSink interface {
	PublishDeadLetter(ctx context.Context, msg model.DLQMessage) error
}

// Deps wires the orchestrator. Store, Policy and the four step collaborators
// are required.
type Deps struct {
	Store       storage.Store
	Policy      *policy.Engine
	Segmenter   Segmenter
	Labels      LabelDetector
	PII         PIIScanner
	Publisher   Publisher
	Notifier    Notifier
	DeadLetters DeadLetterSink
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
	Tracer      trace.Tracer
	Now         func() time.Time
	ApprovalTTL time.Duration
	Retry       RetryPolicy
}

// Orchestrator advances submissions through the state machine.
type Orchestrator struct {
	store       storage.Store
	engine      *policy.Engine
	segmenter   Segmenter
	labels      LabelDetector
	pii         PIIScanner
	publisher   Publisher
	notifier    Notifier
	deadLetters DeadLetterSink
	metrics     *metrics.Metrics
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
	ttl         time.Duration
	retrier     *Retrier

	// mu orders Dispatch against Close so no work is added once Close waits.
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator.
func New(d Deps) *Orchestrator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Tracer == nil {
		d.Tracer = telemetry.Tracer("workflow")
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.ApprovalTTL <= 0 {
		d.ApprovalTTL = 24 * time.Hour
	}
	if d.Retry.MaxAttempts == 0 {
		d.Retry = DefaultRetryPolicy()
	}
	if d.Notifier == nil {
		d.Notifier = discard{}
	}
	if d.DeadLetters == nil {
		d.DeadLetters = discard{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:       d.Store,
		engine:      d.Policy,
		segmenter:   d.Segmenter,
		labels:      d.Labels,
		pii:         d.PII,
		publisher:   d.Publisher,
		notifier:    d.Notifier,
		deadLetters: d.DeadLetters,
		metrics:     d.Metrics,
		logger:      d.Logger,
		tracer:      d.Tracer,
		now:         d.Now,
		ttl:         d.ApprovalTTL,
		retrier:     NewRetrier(d.Retry, d.Logger, d.Metrics.StepRetry),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Submit normalizes a create payload and persists the submission. A payload
// that fails normalization is persisted as FAILED and the *normalize.ValidationError
// is returned. Callers run the remaining steps with Dispatch or Advance.
func (o *Orchestrator) Submit(ctx context.Context, req model.CreateSubmissionRequest) (model.Submission, error) {
	ctx, span := telemetry.Start(ctx, o.tracer, "workflow.submit", "")
	defer span.End()

	seed, normErr := normalize.Normalize(req)
	if normErr != nil {
		seed = normalize.Raw(req)
		if !seed.Variant.Valid() {
			seed.Variant = model.VariantHumanGated
		}
	}
	if seed.ID == "" {
		seed.ID = ulid.Make().String()
	}
	now := o.now().UTC()
	seed.Status = model.StatusReceived
	seed.CreatedAt = now
	seed.UpdatedAt = now

	if err := o.store.CreateSubmission(ctx, seed); err != nil {
		return model.Submission{}, fmt.Errorf("create submission: %w", err)
	}
	o.audit(ctx, seed.ID, model.ActorSystem, model.AuditActionSubmitted, string(model.StatusReceived), map[string]any{
		"variant": string(seed.Variant),
	})

	if normErr != nil {
		failed, err := o.transition(ctx, seed, EventFailed, func(s *model.Submission) {
			s.FailureReason = normErr.Error()
		})
		if err != nil {
			return model.Submission{}, err
		}
		o.audit(ctx, failed.ID, model.ActorSystem, model.AuditActionFailed, string(model.StatusFailed), map[string]any{
			"reason": normErr.Error(),
		})
		return failed, normErr
	}

	return o.transition(ctx, seed, EventNormalized, nil)
}

// Dispatch advances a submission in the background. Use Wait or Close to
// wait for dispatched work. After Close it does nothing; Resume picks the
// submission up on the next start.
func (o *Orchestrator) Dispatch(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ctx.Err() != nil {
		o.logger.Debug("Dispatch after close dropped", "submission_id", id)
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.Advance(o.ctx, id); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("Advance failed", "submission_id", id, "error", err)
		}
	}()
}

// Wait blocks until all dispatched work has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close cancels dispatched work and waits for it to stop.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.cancel()
	o.mu.Unlock()
	o.wg.Wait()
}

// Advance runs steps until the submission is terminal or suspended in
// AWAITING_ADMIN. Step failures move the submission to FAILED and are not
// returned; the error result is reserved for storage problems.
func (o *Orchestrator) Advance(ctx context.Context, id string) (model.Submission, error) {
	for {
		s, err := o.store.GetSubmission(ctx, id)
		if err != nil {
			return model.Submission{}, fmt.Errorf("load submission %s: %w", id, err)
		}
		if s.Status.Terminal() || s.Status == model.StatusAwaitingAdmin {
			return *s, nil
		}

		var step func(context.Context, model.Submission) (model.Submission, error)
		switch s.Status {
		case model.StatusReceived:
			step = o.normalize
		case model.StatusNormalized:
			step = o.segment
		case model.StatusSegmented:
			step = o.moderate
		case model.StatusModerated:
			step = o.scanPII
		case model.StatusPIIChecked:
			step = o.gate
		case model.StatusApproved:
			step = o.publish
		default:
			return *s, fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, s.Status)
		}

		next, err := step(ctx, *s)
		switch {
		case err == nil:
			if next.Status == s.Status {
				return next, nil
			}
		case errors.Is(err, storage.ErrConflict):
			// Another worker moved the submission; it owns the next step.
			o.logger.Debug("Submission advanced concurrently", "submission_id", id, "status", s.Status)
			return next, nil
		case ctx.Err() != nil:
			return *s, ctx.Err()
		default:
			return o.fail(ctx, *s, err)
		}
	}
}

// ApplyResolution moves an AWAITING_ADMIN submission according to an approval
// request that has just been resolved. Approved submissions are dispatched for
// publication. Submissions that already left AWAITING_ADMIN are returned unchanged.
func (o *Orchestrator) ApplyResolution(ctx context.Context, a model.ApprovalRequest) (model.Submission, error) {
	ev, ok := EventForResolution(a.Resolution)
	if !ok {
		return model.Submission{}, fmt.Errorf("%w: resolution %s", ErrIllegalTransition, a.Resolution)
	}

	for {
		s, err := o.store.GetSubmission(ctx, a.SubmissionID)
		if err != nil {
			return model.Submission{}, fmt.Errorf("load submission %s: %w", a.SubmissionID, err)
		}
		if s.Status != model.StatusAwaitingAdmin || s.ApprovalToken != a.Token {
			return *s, nil
		}

		next, err := o.transition(ctx, *s, ev, func(s *model.Submission) {
			s.ResolvedAt = a.ResolvedAt
		})
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return model.Submission{}, err
		}

		switch a.Resolution {
		case model.ResolutionRejected:
			o.strike(ctx, next)
		case model.ResolutionApproved:
			o.Dispatch(next.ID)
		}
		return next, nil
	}
}

// Resume re-drives every non-terminal submission after a restart. Submissions
// suspended in AWAITING_ADMIN stay suspended unless their approval request was
// resolved before the status write landed; those are reconciled.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	inFlight, err := o.store.ListSubmissions(ctx, model.ListSubmissionsQuery{Statuses: []model.Status{
		model.StatusReceived, model.StatusNormalized, model.StatusSegmented, model.StatusModerated,
		model.StatusPIIChecked, model.StatusAwaitingAdmin, model.StatusApproved,
	}})
	if err != nil {
		return 0, fmt.Errorf("list in-flight submissions: %w", err)
	}

	resumed := 0
	for _, s := range inFlight {
		if s.Status != model.StatusAwaitingAdmin {
			o.Dispatch(s.ID)
			resumed++
			continue
		}
		a, err := o.store.GetApprovalBySubmission(ctx, s.ID)
		if err != nil {
			o.logger.Warn("Awaiting submission without approval request", "submission_id", s.ID, "error", err)
			continue
		}
		if a.Resolution.Terminal() {
			if _, err := o.ApplyResolution(ctx, *a); err != nil {
				o.logger.Error("Reconcile resolution failed", "submission_id", s.ID, "token", a.Token, "error", err)
				continue
			}
			resumed++
		}
	}

	o.logger.Info("Resumed in-flight submissions", "scanned", len(inFlight), "resumed", resumed)
	return resumed, nil
}

func (o *Orchestrator) normalize(ctx context.Context, s model.Submission) (model.Submission, error) {
	seed, err := normalize.Normalize(normalize.Request(s))
	if err != nil {
		return s, fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	return o.transition(ctx, s, EventNormalized, func(s *model.Submission) {
		s.UserID, s.OwnerSub = seed.UserID, seed.OwnerSub
		s.MediaKey, s.RawMediaKey = seed.MediaKey, seed.RawMediaKey
		s.Caption, s.Variant = seed.Caption, seed.Variant
	})
}

func (o *Orchestrator) segment(ctx context.Context, s model.Submission) (_ model.Submission, err error) {
	ctx, span := telemetry.Start(ctx, o.tracer, "workflow.segment", s.ID)
	defer func() { telemetry.End(span, err) }()

	var processed string
	err = o.retrier.Do(ctx, "segment", func(ctx context.Context) error {
		key, err := o.segmenter.SegmentImage(ctx, s.SourceKey())
		if err != nil {
			return err
		}
		if key == "" {
			return fmt.Errorf("%w: segmentation returned no processed key", ErrPermanent)
		}
		processed = key
		return nil
	})
	if err != nil {
		return s, err
	}
	return o.transition(ctx, s, EventSegmented, func(s *model.Submission) {
		s.ProcessedMediaKey = processed
	})
}

func (o *Orchestrator) moderate(ctx context.Context, s model.Submission) (_ model.Submission, err error) {
	ctx, span := telemetry.Start(ctx, o.tracer, "workflow.moderate", s.ID)
	defer func() { telemetry.End(span, err) }()

	var signals policy.Signals
	err = o.retrier.Do(ctx, "moderate", func(ctx context.Context) error {
		var err error
		signals, err = o.labels.DetectLabels(ctx, s.ProcessedMediaKey, s.Caption)
		return err
	})
	if err != nil {
		return s, err
	}

	p := o.engine.Policy()
	now := o.now()
	offender, err := o.store.UpdateOffender(ctx, s.OwnerID(), func(rec model.RepeatOffenderRecord) model.RepeatOffenderRecord {
		return policy.DecayElapsed(rec, now, p)
	})
	if err != nil {
		return s, fmt.Errorf("load offender record: %w", err)
	}

	verdict := o.engine.Evaluate(signals, offender)
	o.metrics.ModerationDecision(string(verdict.Decision))
	o.logger.Info("Moderation verdict",
		"submission_id", s.ID,
		"decision", verdict.Decision,
		"rule", verdict.Rule,
		"overall_confidence", verdict.OverallConfidence,
		"strikes", offender.StrikeCount)

	return o.transition(ctx, s, EventModerated, func(s *model.Submission) {
		s.ModerationVerdict = &verdict
	})
}

func (o *Orchestrator) scanPII(ctx context.Context, s model.Submission) (_ model.Submission, err error) {
	ctx, span := telemetry.Start(ctx, o.tracer, "workflow.pii", s.ID)
	defer func() { telemetry.End(span, err) }()

	verdict := model.PIIVerdict{OK: true}
	if s.Caption != "" {
		err = o.retrier.Do(ctx, "pii", func(ctx context.Context) error {
			var err error
			verdict, err = o.pii.ScanPII(ctx, s.Caption)
			return err
		})
		if err != nil {
			return s, err
		}
	}
	return o.transition(ctx, s, EventPIIScanned, func(s *model.Submission) {
		s.PIIVerdict = &verdict
	})
}

// gate decides what happens after all signals are in: reject, publish, or
// suspend on an admin decision.
func (o *Orchestrator) gate(ctx context.Context, s model.Submission) (_ model.Submission, err error) {
	ctx, span := telemetry.Start(ctx, o.tracer, "workflow.gate", s.ID)
	defer func() { telemetry.End(span, err) }()

	if s.ModerationVerdict == nil || s.PIIVerdict == nil {
		return s, fmt.Errorf("%w: verdicts missing at %s", ErrPermanent, s.Status)
	}
	mv, pv := *s.ModerationVerdict, *s.PIIVerdict

	if mv.Decision == model.ModerationAutoReject {
		return o.autoReject(ctx, s, "moderation:"+mv.Rule, true)
	}
	if !s.Variant.HumanGated() {
		if mv.OK() && pv.Clean() {
			return o.autoPublish(ctx, s)
		}
		reason := "moderation:" + mv.Rule
		if mv.OK() {
			reason = "pii"
		}
		return o.autoReject(ctx, s, reason, false)
	}
	return o.suspend(ctx, s)
}

func (o *Orchestrator) autoReject(ctx context.Context, s model.Submission, reason string, strike bool) (model.Submission, error) {
	now := o.now().UTC()
	next, err := o.transition(ctx, s, EventAutoRejected, func(s *model.Submission) {
		s.ResolvedAt = &now
	})
	if err != nil {
		return s, err
	}
	o.audit(ctx, next.ID, model.ActorSystem, model.AuditActionAutoResolved, string(model.StatusRejected), map[string]any{
		"reason":  reason,
		"variant": string(next.Variant),
	})
	if strike {
		o.strike(ctx, next)
	}
	if next.ModerationVerdict != nil && next.ModerationVerdict.ShadowFlagged {
		o.notify(ctx, model.ChannelAdminRestricted, model.AdminNotification{
			Submission:        next,
			ModerationVerdict: next.ModerationVerdict,
			PIIVerdict:        next.PIIVerdict,
			ProcessedMediaKey: next.ProcessedMediaKey,
		})
	}
	return next, nil
}

func (o *Orchestrator) autoPublish(ctx context.Context, s model.Submission) (model.Submission, error) {
	publicKey, err := o.publishMedia(ctx, s)
	if err != nil {
		return s, err
	}
	now := o.now().UTC()
	next, err := o.transition(ctx, s, EventAutoPublished, func(s *model.Submission) {
		s.PublicKey = publicKey
		s.ResolvedAt = &now
	})
	if err != nil {
		return s, err
	}
	o.audit(ctx, next.ID, model.ActorSystem, model.AuditActionAutoResolved, string(model.StatusPublished), map[string]any{
		"variant": string(next.Variant),
	})
	o.published(ctx, next)
	return next, nil
}

// suspend issues the resume token and parks the submission in AWAITING_ADMIN.
func (o *Orchestrator) suspend(ctx context.Context, s model.Submission) (model.Submission, error) {
	now := o.now().UTC()
	a := model.ApprovalRequest{
		Token:        newToken(),
		SubmissionID: s.ID,
		IssuedAt:     now,
		ExpiresAt:    now.Add(o.ttl),
		Resolution:   model.ResolutionPending,
	}
	if err := o.store.CreateApproval(ctx, a); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			return s, fmt.Errorf("create approval request: %w", err)
		}
		// A previous attempt issued the token but crashed before the status write.
		existing, getErr := o.store.GetApprovalBySubmission(ctx, s.ID)
		if getErr != nil || existing.Resolution != model.ResolutionPending {
			return s, fmt.Errorf("create approval request: %w", err)
		}
		a = *existing
	}

	next, err := o.transition(ctx, s, EventTokenIssued, func(s *model.Submission) {
		s.ApprovalToken = a.Token
	})
	if err != nil {
		return s, err
	}
	o.audit(ctx, next.ID, model.ActorSystem, model.AuditActionAwaiting, string(model.StatusAwaitingAdmin), map[string]any{
		"expiresAt": a.ExpiresAt,
	})

	channel := model.ChannelAdmin
	if next.Variant == model.VariantBackgroundChange {
		channel = model.ChannelAdminBroadcast
	}
	o.notify(ctx, channel, model.AdminNotification{
		Token:             a.Token,
		Submission:        next,
		ModerationVerdict: next.ModerationVerdict,
		PIIVerdict:        next.PIIVerdict,
		ProcessedMediaKey: next.ProcessedMediaKey,
		ExpiresAt:         a.ExpiresAt,
	})
	return next, nil
}

func (o *Orchestrator) publish(ctx context.Context, s model.Submission) (_ model.Submission, err error) {
	ctx, span := telemetry.Start(ctx, o.tracer, "workflow.publish", s.ID)
	defer func() { telemetry.End(span, err) }()

	publicKey, err := o.publishMedia(ctx, s)
	if err != nil {
		return s, err
	}
	next, err := o.transition(ctx, s, EventPublished, func(s *model.Submission) {
		s.PublicKey = publicKey
	})
	if err != nil {
		return s, err
	}
	o.published(ctx, next)
	return next, nil
}

func (o *Orchestrator) publishMedia(ctx context.Context, s model.Submission) (string, error) {
	if s.ProcessedMediaKey == "" {
		return "", fmt.Errorf("%w: no processed media key", ErrPermanent)
	}
	var publicKey string
	err := o.retrier.Do(ctx, "publish", func(ctx context.Context) error {
		var err error
		publicKey, err = o.publisher.Publish(ctx, s)
		return err
	})
	return publicKey, err
}

func (o *Orchestrator) published(ctx context.Context, s model.Submission) {
	o.audit(ctx, s.ID, model.ActorSystem, model.AuditActionPublished, string(model.StatusPublished), map[string]any{
		"publicKey": s.PublicKey,
	})
	p := o.engine.Policy()
	now := o.now()
	if _, err := o.store.UpdateOffender(ctx, s.OwnerID(), func(rec model.RepeatOffenderRecord) model.RepeatOffenderRecord {
		return policy.RecordClean(rec, now, p)
	}); err != nil {
		o.logger.Warn("Record clean publication failed", "submission_id", s.ID, "error", err)
	}
}

func (o *Orchestrator) strike(ctx context.Context, s model.Submission) {
	now := o.now()
	rec, err := o.store.UpdateOffender(ctx, s.OwnerID(), func(rec model.RepeatOffenderRecord) model.RepeatOffenderRecord {
		return policy.RecordStrike(rec, now)
	})
	if err != nil {
		o.logger.Error("Record strike failed", "submission_id", s.ID, "user_id", s.OwnerID(), "error", err)
		return
	}
	o.logger.Info("Strike recorded", "submission_id", s.ID, "user_id", s.OwnerID(), "strikes", rec.StrikeCount)
}

// fail moves s to FAILED and routes it to the dead-letter sink.
func (o *Orchestrator) fail(ctx context.Context, s model.Submission, cause error) (model.Submission, error) {
	o.logger.Error("Step failed permanently", "submission_id", s.ID, "status", s.Status, "error", cause)

	next, err := o.transition(ctx, s, EventFailed, func(s *model.Submission) {
		s.FailureReason = cause.Error()
	})
	if errors.Is(err, storage.ErrConflict) {
		return next, nil
	}
	if err != nil {
		return s, err
	}

	executionID := ulid.Make().String()
	o.audit(ctx, next.ID, model.ActorSystem, model.AuditActionFailed, string(model.StatusFailed), map[string]any{
		"reason":      cause.Error(),
		"failedAt":    string(s.Status),
		"executionId": executionID,
	})
	msg := model.DLQMessage{
		ExecutionID:     executionID,
		SubmissionID:    next.ID,
		Error:           cause.Error(),
		WorkflowVariant: next.Variant,
		Timestamp:       o.now().UTC(),
	}
	if err := o.deadLetters.PublishDeadLetter(ctx, msg); err != nil {
		o.logger.Error("Dead-letter publish failed", "submission_id", next.ID, "execution_id", executionID, "error", err)
	}
	return next, nil
}

// transition applies ev to s, runs mutate and writes the result conditional on
// the version s was read at.
func (o *Orchestrator) transition(ctx context.Context, s model.Submission, ev Event, mutate func(*model.Submission)) (model.Submission, error) {
	to, err := Next(s.Status, ev)
	if err != nil {
		return s, err
	}
	from := s.Status
	next := s
	if mutate != nil {
		mutate(&next)
	}
	next.Status = to
	next.UpdatedAt = o.now().UTC()

	stored, err := o.store.UpdateSubmission(ctx, next)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return stored, err
		}
		return s, fmt.Errorf("write %s -> %s: %w", from, to, err)
	}

	o.metrics.Transition(string(from), string(to))
	o.logger.Info("Submission transitioned",
		"submission_id", s.ID,
		"from", from,
		"to", to,
		"event", ev)
	return stored, nil
}

func (o *Orchestrator) notify(ctx context.Context, channel model.Channel, payload any) {
	err := o.retrier.Do(ctx, "notify", func(ctx context.Context) error {
		return o.notifier.Notify(ctx, channel, payload)
	})
	if err != nil {
		o.logger.Error("Notification failed", "channel", channel, "error", err)
	}
}

func (o *Orchestrator) audit(ctx context.Context, submissionID, actor, action, outcome string, details map[string]any) {
	entry := model.AuditLogEntry{
		ID:           uuid.NewString(),
		SubmissionID: submissionID,
		Actor:        actor,
		Action:       action,
		Outcome:      outcome,
		Timestamp:    o.now().UTC(),
		Details:      details,
	}
	if err := o.store.AppendAudit(ctx, entry); err != nil {
		o.logger.Error("Audit append failed", "submission_id", submissionID, "action", action, "error", err)
	}
}

// newToken returns an unguessable 256-bit resume token.
func newToken() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

type discard struct{}

func (discard) Notify(context.Context, model.Channel, any) error          { return nil }
func (discard) PublishDeadLetter(context.Context, model.DLQMessage) error { return nil }
