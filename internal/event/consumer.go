package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/gateway"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
)

const (
	dlqConsumerName      = "approvals-dlq"
	decisionConsumerName = "approvals-decisions"
	fetchWait            = 5 * time.Second
	redeliveryDelay      = 30 * time.Second
)

// delivery is the part of jetstream.Msg the consumers use.
type delivery interface {
	Data() []byte
	Ack() error
	NakWithDelay(delay time.Duration) error
	Term() error
	Metadata() (*jetstream.MsgMetadata, error)
}

// DLQConsumer pulls dead-letter messages in bounded batches.
type DLQConsumer struct {
	consumer   jetstream.Consumer
	handler    BatchHandler
	batch      int
	maxDeliver int
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// NewDLQConsumer creates or updates the durable dead-letter consumer.
// Messages still failing after maxDeliver deliveries stay parked in the stream.
func NewDLQConsumer(ctx context.Context, js jetstream.JetStream, handler BatchHandler, batch, maxDeliver int, m *metrics.Metrics, logger *slog.Logger) (*DLQConsumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	stream, err := js.Stream(ctx, DLQStream)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", DLQStream, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       dlqConsumerName,
		FilterSubject: DLQSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       time.Minute,
		MaxDeliver:    maxDeliver,
		MaxAckPending: batch * 2,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	return &DLQConsumer{
		consumer:   consumer,
		handler:    handler,
		batch:      batch,
		maxDeliver: maxDeliver,
		metrics:    m,
		logger:     logger,
	}, nil
}

// Run fetches and settles batches until ctx is cancelled.
func (c *DLQConsumer) Run(ctx context.Context) {
	c.logger.Info("DLQ consumer started", "stream", DLQStream, "batch", c.batch, "max_deliver", c.maxDeliver)
	for {
		if ctx.Err() != nil {
			return
		}
		msgs, err := c.consumer.Fetch(c.batch, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		var batch []delivery
		for msg := range msgs.Messages() {
			batch = append(batch, msg)
		}
		if len(batch) > 0 {
			c.settle(ctx, batch)
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, nats.ErrTimeout) {
			c.logger.Warn("Message fetch error", "error", err)
		}
	}
}

// settle decodes a fetched batch, hands the valid messages to the handler and
// acks each delivery according to its outcome.
func (c *DLQConsumer) settle(ctx context.Context, batch []delivery) {
	var msgs []model.DLQMessage
	var owners []delivery
	for _, d := range batch {
		var msg model.DLQMessage
		if err := decode(d.Data(), &msg); err != nil {
			c.metrics.DLQMessage("invalid")
			c.logger.Error("Malformed dead-letter message", "error", err)
			// Malformed data is never retryable.
			_ = d.Term()
			continue
		}
		msgs = append(msgs, msg)
		owners = append(owners, d)
	}
	if len(msgs) == 0 {
		return
	}

	outcomes := c.handler.HandleBatch(ctx, msgs)
	for i, d := range owners {
		if outcomes[i].Settled() {
			if err := d.Ack(); err != nil {
				c.logger.Warn("Failed to ack message", "execution_id", msgs[i].ExecutionID, "error", err)
			}
			continue
		}
		if meta, err := d.Metadata(); err == nil && c.maxDeliver > 0 && meta.NumDelivered >= uint64(c.maxDeliver) {
			c.logger.Error("Dead-letter message parked after final delivery",
				"execution_id", msgs[i].ExecutionID,
				"submission_id", msgs[i].SubmissionID,
				"deliveries", meta.NumDelivered)
		}
		if err := d.NakWithDelay(redeliveryDelay); err != nil {
			c.logger.Warn("Failed to nak message", "execution_id", msgs[i].ExecutionID, "error", err)
		}
	}
}

// DecisionResolver is the admin decision gateway.
type DecisionResolver interface {
	Resolve(ctx context.Context, cmd gateway.Command) (gateway.Result, error)
}

// DecisionSubscriber feeds decisions published on the broadcast subject into
// the gateway. Background-change reviews are answered this way.
type DecisionSubscriber struct {
	consumer jetstream.Consumer
	resolver DecisionResolver
	logger   *slog.Logger
	cc       jetstream.ConsumeContext
}

// NewDecisionSubscriber creates the durable decision consumer.
func NewDecisionSubscriber(ctx context.Context, js jetstream.JetStream, resolver DecisionResolver, logger *slog.Logger) (*DecisionSubscriber, error) {
	if logger == nil {
		logger = slog.Default()
	}
	stream, err := js.Stream(ctx, DecisionsStream)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", DecisionsStream, err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       decisionConsumerName,
		FilterSubject: DecisionsSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}
	return &DecisionSubscriber{consumer: consumer, resolver: resolver, logger: logger}, nil
}

// Start begins consuming. Stop ends it.
func (s *DecisionSubscriber) Start(ctx context.Context) error {
	cc, err := s.consumer.Consume(func(msg jetstream.Msg) {
		s.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume decisions: %w", err)
	}
	s.cc = cc
	s.logger.Info("Decision subscriber started", "subject", DecisionsSubject)
	return nil
}

// Stop stops consuming.
func (s *DecisionSubscriber) Stop() {
	if s.cc != nil {
		s.cc.Stop()
	}
}

func (s *DecisionSubscriber) handle(ctx context.Context, d delivery) {
	var dec model.BroadcastDecision
	if err := decode(d.Data(), &dec); err != nil || dec.Token == "" || dec.Actor == "" {
		s.logger.Error("Malformed broadcast decision", "error", err)
		_ = d.Term()
		return
	}

	res, err := s.resolver.Resolve(ctx, gateway.Command{
		ApprovalID: dec.Token,
		Decision:   dec.Decision,
		Reason:     dec.Reason,
		Actor:      dec.Actor,
	})
	switch {
	case err == nil:
		s.logger.Info("Broadcast decision applied",
			"token", dec.Token,
			"resolution", res.Approval.Resolution,
			"replayed", res.Replayed)
		_ = d.Ack()
	case errors.Is(err, gateway.ErrAlreadyResolved), errors.Is(err, gateway.ErrNotFound), errors.Is(err, gateway.ErrInvalidDecision):
		// Settled either way; redelivery cannot change the answer.
		s.logger.Info("Broadcast decision refused", "token", dec.Token, "error", err)
		_ = d.Term()
	default:
		s.logger.Warn("Broadcast decision failed", "token", dec.Token, "error", err)
		_ = d.NakWithDelay(time.Second)
	}
}
