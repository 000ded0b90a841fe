package media

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/workflow"
)

// fakeS3 answers HEAD and copy requests against a fixed set of objects.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]bool
	copies  map[string]string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := strings.TrimPrefix(r.URL.Path, "/")
	switch r.Method {
	case http.MethodHead:
		if !f.objects[p] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", "3")
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		src := r.Header.Get("X-Amz-Copy-Source")
		f.copies[p] = src
		f.objects[p] = true
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><CopyObjectResult><ETag>"abc"</ETag><LastModified>2026-07-03T10:00:00.000Z</LastModified></CopyObjectResult>`))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newPublisher(t *testing.T, objects ...string) (*S3Publisher, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string]bool{}, copies: map[string]string{}}
	for _, o := range objects {
		fake.objects[o] = true
	}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	p, err := NewS3Publisher(context.Background(), srv.URL, "us-east-1", "processed", "public", "key", "secret")
	require.NoError(t, err)
	return p, fake
}

func TestPublicKey(t *testing.T) {
	s := model.Submission{ID: "S1", OwnerSub: "U1", ProcessedMediaKey: "processed/U1/x.png"}
	assert.Equal(t, "published/U1/S1.png", PublicKey(s))
}

func TestPublishCopiesProcessedMedia(t *testing.T) {
	p, fake := newPublisher(t, "processed/processed/U1/x.png")
	s := model.Submission{ID: "S1", OwnerSub: "U1", ProcessedMediaKey: "processed/U1/x.png"}

	key, err := p.Publish(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, "published/U1/S1.png", key)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "processed/processed/U1/x.png", strings.TrimPrefix(fake.copies["public/published/U1/S1.png"], "/"))
}

func TestPublishMissingObjectIsPermanent(t *testing.T) {
	p, _ := newPublisher(t)
	s := model.Submission{ID: "S1", OwnerSub: "U1", ProcessedMediaKey: "processed/U1/gone.png"}

	_, err := p.Publish(context.Background(), s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, workflow.ErrPermanent))
	assert.True(t, errors.Is(err, ErrMissingObject))
}

func TestPublishWithoutProcessedKey(t *testing.T) {
	p, _ := newPublisher(t)
	_, err := p.Publish(context.Background(), model.Submission{ID: "S1"})
	assert.ErrorIs(t, err, workflow.ErrPermanent)
}
