package event

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/dlq"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/gateway"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/storage"
)

type fakeDelivery struct {
	data      []byte
	delivered uint64
	acked     bool
	naked     bool
	termed    bool
}

func (f *fakeDelivery) Data() []byte                       { return f.data }
func (f *fakeDelivery) Ack() error                         { f.acked = true; return nil }
func (f *fakeDelivery) NakWithDelay(d time.Duration) error { f.naked = true; return nil }
func (f *fakeDelivery) Term() error                        { f.termed = true; return nil }
func (f *fakeDelivery) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: f.delivered}, nil
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func envelope(t *testing.T, payload any) []byte {
	t.Helper()
	b, err := encode("test", payload)
	require.NoError(t, err)
	return b
}

func TestSubjectPerChannel(t *testing.T) {
	assert.Equal(t, "approvals.notify.admin", Subject(model.ChannelAdmin))
	assert.Equal(t, "approvals.notify.admin.restricted", Subject(model.ChannelAdminRestricted))
	assert.Equal(t, "approvals.notify.admin.broadcast", Subject(model.ChannelAdminBroadcast))
	assert.Equal(t, "approvals.notify.operators", Subject(model.ChannelOperators))
}

func TestMessageIDIdentifiesLogicalEvent(t *testing.T) {
	a := messageID(model.ChannelAdmin, model.AdminNotification{Token: "tok-1"})
	b := messageID(model.ChannelAdmin, model.AdminNotification{Token: "tok-1", ProcessedMediaKey: "other"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, messageID(model.ChannelAdminRestricted, model.AdminNotification{Token: "tok-1"}))
	assert.Equal(t, "expirations:expired:S1", messageID(model.ChannelExpirations, model.ExpirationEvent{SubmissionID: "S1"}))
	assert.Empty(t, messageID(model.ChannelOperators, map[string]string{"x": "y"}))
}

func TestDecodeAcceptsEnvelopeAndBarePayload(t *testing.T) {
	msg := model.DLQMessage{ExecutionID: "e1", SubmissionID: "S1"}

	var got model.DLQMessage
	require.NoError(t, decode(envelope(t, msg), &got))
	assert.Equal(t, msg, got)

	bare, err := json.Marshal(msg)
	require.NoError(t, err)
	got = model.DLQMessage{}
	require.NoError(t, decode(bare, &got))
	assert.Equal(t, msg, got)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	ctx := context.Background()
	require.NoError(t, r.Notify(ctx, model.ChannelAdmin, "a"))
	require.NoError(t, r.Notify(ctx, model.ChannelOperators, "b"))
	require.NoError(t, r.Notify(ctx, model.ChannelAdmin, "c"))

	assert.Equal(t, []any{"a", "c"}, r.On(model.ChannelAdmin))
	assert.Len(t, r.All(), 3)
	assert.Empty(t, r.On(model.ChannelAdminRestricted))
}

type staticHandler struct {
	outcomes []dlq.Outcome
	got      []model.DLQMessage
}

func (h *staticHandler) HandleBatch(ctx context.Context, msgs []model.DLQMessage) []dlq.Outcome {
	h.got = append(h.got, msgs...)
	return h.outcomes[:len(msgs)]
}

func TestDLQSettleAcksByOutcome(t *testing.T) {
	h := &staticHandler{outcomes: []dlq.Outcome{dlq.OutcomeProcessed, dlq.OutcomeFailed, dlq.OutcomeDuplicate}}
	c := &DLQConsumer{handler: h, batch: 10, maxDeliver: 5, logger: discardLogger()}

	ok := &fakeDelivery{data: envelope(t, model.DLQMessage{ExecutionID: "e1", SubmissionID: "S1"}), delivered: 1}
	broken := &fakeDelivery{data: []byte("{not json"), delivered: 1}
	failing := &fakeDelivery{data: envelope(t, model.DLQMessage{ExecutionID: "e2", SubmissionID: "S2"}), delivered: 5}
	dup := &fakeDelivery{data: envelope(t, model.DLQMessage{ExecutionID: "e3", SubmissionID: "S3"}), delivered: 2}

	c.settle(context.Background(), []delivery{ok, broken, failing, dup})

	require.Len(t, h.got, 3)
	assert.True(t, ok.acked)
	assert.True(t, broken.termed)
	assert.False(t, broken.acked)
	assert.True(t, failing.naked)
	assert.False(t, failing.acked)
	assert.True(t, dup.acked)
}

func TestDirectDeadLettersProcessesInline(t *testing.T) {
	store := storage.NewMemory()
	p := dlq.NewProcessor(store, nil, dlq.Options{})
	sink := DirectDeadLetters{Handler: p}
	ctx := context.Background()

	msg := model.DLQMessage{ExecutionID: "e1", SubmissionID: "S1", Error: "boom"}
	require.NoError(t, sink.PublishDeadLetter(ctx, msg))
	require.NoError(t, sink.PublishDeadLetter(ctx, msg))

	entries, err := store.ListAudit(ctx, model.AuditQuery{SubmissionID: "S1"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

type fakeResolver struct {
	err error
	got []gateway.Command
}

func (f *fakeResolver) Resolve(ctx context.Context, cmd gateway.Command) (gateway.Result, error) {
	f.got = append(f.got, cmd)
	return gateway.Result{Approval: model.ApprovalRequest{Token: cmd.ApprovalID, Resolution: model.ResolutionApproved}}, f.err
}

func TestDecisionSubscriberSettlesByGatewayAnswer(t *testing.T) {
	decision := model.BroadcastDecision{Token: "tok-1", Decision: model.DecisionApprove, Actor: "admin-9"}
	tests := []struct {
		name  string
		err   error
		ack   bool
		term  bool
		retry bool
	}{
		{"applied", nil, true, false, false},
		{"already resolved", gateway.ErrAlreadyResolved, false, true, false},
		{"unknown token", gateway.ErrNotFound, false, true, false},
		{"store down", errors.New("connection refused"), false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeResolver{err: tt.err}
			s := &DecisionSubscriber{resolver: r, logger: discardLogger()}
			d := &fakeDelivery{data: envelope(t, decision)}

			s.handle(context.Background(), d)

			require.Len(t, r.got, 1)
			assert.Equal(t, "tok-1", r.got[0].ApprovalID)
			assert.Equal(t, "admin-9", r.got[0].Actor)
			assert.Equal(t, tt.ack, d.acked)
			assert.Equal(t, tt.term, d.termed)
			assert.Equal(t, tt.retry, d.naked)
		})
	}
}

func TestDecisionSubscriberDropsMalformed(t *testing.T) {
	r := &fakeResolver{}
	s := &DecisionSubscriber{resolver: r, logger: discardLogger()}
	d := &fakeDelivery{data: envelope(t, model.BroadcastDecision{Decision: model.DecisionApprove})}

	s.handle(context.Background(), d)
	assert.True(t, d.termed)
	assert.Empty(t, r.got)
}
