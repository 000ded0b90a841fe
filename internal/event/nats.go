// Package event delivers pipeline notifications and dead-letter messages over
// NATS JetStream, and receives admin decisions broadcast by other services.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
)

// Streams and subjects used by the service.
const (
	NotifyStream    = "APPROVALS_NOTIFY"
	DLQStream       = "APPROVALS_DLQ"
	DecisionsStream = "APPROVALS_DECISIONS"

	notifyPrefix     = "approvals.notify."
	DLQSubject       = "approvals.dlq.failed"
	DecisionsSubject = "approvals.decisions.broadcast"

	envelopeVersion = "1.0.0"
)

// Subject returns the NATS subject a channel is published on.
func Subject(channel model.Channel) string {
	return notifyPrefix + string(channel)
}

// EventEnvelope wraps every message published by the service.
type EventEnvelope struct {
	Type          string    `json:"type"`
	Version       string    `json:"version"`
	OccurredAt    time.Time `json:"occurredAt"`
	CorrelationID string    `json:"correlationId"`
	Payload       any       `json:"payload"`
}

// Notifier delivers a payload to a channel.
type Notifier interface {
	Notify(ctx context.Context, channel model.Channel, payload any) error
}

// Bus is the JetStream-backed notifier and dead-letter publisher.
type Bus struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// Connect dials NATS and makes sure the service streams exist.
func Connect(ctx context.Context, url string, m *metrics.Metrics, logger *slog.Logger) (*Bus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(url,
		nats.Name("registryaccord-approvals"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}
	if err := initStreams(ctx, js); err != nil {
		nc.Close()
		return nil, err
	}
	return &Bus{nc: nc, js: js, metrics: m, logger: logger}, nil
}

// initStreams creates or updates the notification, dead-letter and decision streams.
func initStreams(ctx context.Context, js jetstream.JetStream) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       NotifyStream,
			Subjects:   []string{notifyPrefix + ">"},
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     7 * 24 * time.Hour,
			Discard:    jetstream.DiscardOld,
			Storage:    jetstream.FileStorage,
			Duplicates: 2 * time.Minute,
		},
		{
			// Messages that exhaust MaxDeliver stay here for manual intervention.
			Name:       DLQStream,
			Subjects:   []string{DLQSubject},
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     30 * 24 * time.Hour,
			Discard:    jetstream.DiscardOld,
			Storage:    jetstream.FileStorage,
			Duplicates: 10 * time.Minute,
		},
		{
			Name:       DecisionsStream,
			Subjects:   []string{DecisionsSubject},
			Retention:  jetstream.WorkQueuePolicy,
			MaxAge:     7 * 24 * time.Hour,
			Storage:    jetstream.FileStorage,
			Duplicates: 2 * time.Minute,
		},
	}
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("failed to create %s stream: %w", cfg.Name, err)
		}
	}
	return nil
}

// JetStream exposes the context for consumers.
func (b *Bus) JetStream() jetstream.JetStream { return b.js }

// Ping reports whether the connection is usable.
func (b *Bus) Ping(ctx context.Context) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("nats not connected: %s", b.nc.Status())
	}
	return nil
}

// Close drains the connection.
func (b *Bus) Close() error {
	if b.nc == nil {
		return nil
	}
	return b.nc.Drain()
}

// Notify publishes payload on the channel's subject. Repeats of the same
// logical event inside the stream's duplicate window are dropped by the server.
func (b *Bus) Notify(ctx context.Context, channel model.Channel, payload any) error {
	subject := Subject(channel)
	err := b.publish(ctx, subject, "approvals."+string(channel), payload, messageID(channel, payload))
	b.metrics.EventPublished(string(channel), err)
	return err
}

// PublishDeadLetter appends msg to the dead-letter stream.
func (b *Bus) PublishDeadLetter(ctx context.Context, msg model.DLQMessage) error {
	err := b.publish(ctx, DLQSubject, "approvals.dlq.failed", msg, "dlq:"+msg.ExecutionID)
	b.metrics.EventPublished("dlq", err)
	return err
}

func (b *Bus) publish(ctx context.Context, subject, eventType string, payload any, msgID string) error {
	body, err := encode(eventType, payload)
	if err != nil {
		return err
	}
	opts := []jetstream.PublishOpt{}
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	ack, err := b.js.Publish(ctx, subject, body, opts...)
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if ack.Duplicate {
		b.logger.Debug("Duplicate event dropped", "subject", subject, "msg_id", msgID)
	}
	return nil
}

func encode(eventType string, payload any) ([]byte, error) {
	envelope := EventEnvelope{
		Type:          eventType,
		Version:       envelopeVersion,
		OccurredAt:    time.Now().UTC(),
		CorrelationID: uuid.NewString(),
		Payload:       payload,
	}
	b, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return b, nil
}

// decode unwraps an envelope into out. Bare payloads are accepted too.
func decode(data []byte, out any) error {
	var env struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err == nil && env.Type != "" && len(env.Payload) > 0 {
		data = env.Payload
	}
	return json.Unmarshal(data, out)
}

// messageID identifies the logical event carried by payload, for server-side dedup.
func messageID(channel model.Channel, payload any) string {
	switch p := payload.(type) {
	case model.AdminNotification:
		return fmt.Sprintf("%s:issued:%s", channel, p.Token)
	case model.ExpirationEvent:
		return fmt.Sprintf("%s:expired:%s", channel, p.SubmissionID)
	case model.OperatorAlert:
		return fmt.Sprintf("%s:%s:%s", channel, p.Kind, p.SubmissionID)
	}
	return ""
}
