package event

import (
	"context"
	"sync"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/dlq"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
)

// Noop drops every notification. Used when NATS is not configured.
type Noop struct{}

// Notify implements Notifier.
func (Noop) Notify(ctx context.Context, channel model.Channel, payload any) error { return nil }

// Sent is one recorded notification.
type Sent struct {
	Channel model.Channel
	Payload any
}

// Recorder keeps notifications in memory, for tests and the conformance harness.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

// Notify implements Notifier.
func (r *Recorder) Notify(ctx context.Context, channel model.Channel, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{Channel: channel, Payload: payload})
	return nil
}

// On returns the payloads sent to channel, in order.
func (r *Recorder) On(channel model.Channel) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []any
	for _, s := range r.sent {
		if s.Channel == channel {
			out = append(out, s.Payload)
		}
	}
	return out
}

// All returns every recorded notification.
func (r *Recorder) All() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// BatchHandler processes dead-letter messages; outcomes[i] belongs to msgs[i].
type BatchHandler interface {
	HandleBatch(ctx context.Context, msgs []model.DLQMessage) []dlq.Outcome
}

// DirectDeadLetters hands dead letters straight to the processor when there
// is no queue in between.
type DirectDeadLetters struct {
	Handler BatchHandler
}

// PublishDeadLetter implements the orchestrator's dead-letter sink.
func (d DirectDeadLetters) PublishDeadLetter(ctx context.Context, msg model.DLQMessage) error {
	d.Handler.HandleBatch(ctx, []model.DLQMessage{msg})
	return nil
}
