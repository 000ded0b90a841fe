package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/policy"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/storage"
)

var errUnavailable = errors.New("service unavailable")

// collaborators fakes every external step.
type collaborators struct {
	mu sync.Mutex

	labels      []model.Label
	pii         model.PIIVerdict
	segmentErrs int // fail this many segment calls before succeeding
	segmentErr  error
	publishErr  error

	segmentCalls int
	publishCalls int
	published    []string
	notified     []notification
	deadLetters  []model.DLQMessage
}

type notification struct {
	channel model.Channel
	payload any
}

func newCollaborators() *collaborators {
	return &collaborators{pii: model.PIIVerdict{OK: true}}
}

func (c *collaborators) SegmentImage(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segmentCalls++
	if c.segmentErr != nil {
		return "", c.segmentErr
	}
	if c.segmentErrs > 0 {
		c.segmentErrs--
		return "", errUnavailable
	}
	return "processed/" + key, nil
}

func (c *collaborators) DetectLabels(ctx context.Context, processedKey, caption string) (policy.Signals, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return policy.Signals{Labels: c.labels}, nil
}

func (c *collaborators) ScanPII(ctx context.Context, text string) (model.PIIVerdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pii, nil
}

func (c *collaborators) Publish(ctx context.Context, s model.Submission) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishCalls++
	if c.publishErr != nil {
		return "", c.publishErr
	}
	c.published = append(c.published, s.ID)
	return "public/" + s.ID, nil
}

func (c *collaborators) Notify(ctx context.Context, channel model.Channel, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notified = append(c.notified, notification{channel: channel, payload: payload})
	return nil
}

func (c *collaborators) PublishDeadLetter(ctx context.Context, msg model.DLQMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadLetters = append(c.deadLetters, msg)
	return nil
}

func (c *collaborators) channels() []model.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.Channel, 0, len(c.notified))
	for _, n := range c.notified {
		out = append(out, n.channel)
	}
	return out
}

// clock is a settable test clock.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store storage.Store
	fakes *collaborators
	clock *clock
	orch  *Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: storage.NewMemory(),
		fakes: newCollaborators(),
		clock: &clock{now: time.Date(2026, time.June, 1, 8, 0, 0, 0, time.UTC)},
	}
	h.orch = New(Deps{
		Store:       h.store,
		Policy:      policy.NewEngine(policy.Default()),
		Segmenter:   h.fakes,
		Labels:      h.fakes,
		PII:         h.fakes,
		Publisher:   h.fakes,
		Notifier:    h.fakes,
		DeadLetters: h.fakes,
		Now:         h.clock.Now,
		Retry:       RetryPolicy{MaxAttempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond},
	})
	t.Cleanup(h.orch.Close)
	return h
}

func str(s string) *string { return &s }
