package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/workflow"
)

// LocalPublisher records publications in memory. It is used when no object
// store is configured.
type LocalPublisher struct {
	mu        sync.Mutex
	published map[string]string
}

// NewLocalPublisher creates an empty LocalPublisher.
func NewLocalPublisher() *LocalPublisher {
	return &LocalPublisher{published: make(map[string]string)}
}

// Publish records the public key of s.
func (p *LocalPublisher) Publish(ctx context.Context, s model.Submission) (string, error) {
	if s.ProcessedMediaKey == "" {
		return "", fmt.Errorf("%w: submission %s has no processed media", workflow.ErrPermanent, s.ID)
	}
	key := PublicKey(s)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published[s.ID] = key
	return key, nil
}

// Published returns the public key recorded for a submission id.
func (p *LocalPublisher) Published(id string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key, ok := p.published[id]
	return key, ok
}

// Ping always succeeds.
func (p *LocalPublisher) Ping(ctx context.Context) error { return nil }
