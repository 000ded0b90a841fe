package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/workflow"
)

func server(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL)
}

func TestSegmentImage(t *testing.T) {
	c := server(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/segment", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var req segmentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "public/U1/a.jpg", req.Key)
		_ = json.NewEncoder(w).Encode(segmentResponse{ProcessedKey: "processed/U1/a.png"})
	})

	key, err := c.SegmentImage(context.Background(), "public/U1/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "processed/U1/a.png", key)
}

func TestDetectLabels(t *testing.T) {
	c := server(t, func(w http.ResponseWriter, r *http.Request) {
		var req labelsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "hello", req.Caption)
		_, _ = w.Write([]byte(`{"labels":[{"name":"Suggestive","confidence":72.5}],"textSignals":[{"name":"Hate Symbols","confidence":10}]}`))
	})

	s, err := c.DetectLabels(context.Background(), "processed/a.png", "hello")
	require.NoError(t, err)
	require.Len(t, s.Labels, 1)
	assert.Equal(t, "Suggestive", s.Labels[0].Name)
	assert.InDelta(t, 72.5, s.Labels[0].Confidence, 0.001)
	require.Len(t, s.TextSignals, 1)
}

func TestScanPII(t *testing.T) {
	c := server(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"hasPii":true,"entities":["EMAIL"]}`))
	})

	v, err := c.ScanPII(context.Background(), "mail me at a@b.c")
	require.NoError(t, err)
	assert.True(t, v.OK)
	assert.True(t, v.HasPII)
	assert.False(t, v.Clean())
	assert.Equal(t, []string{"EMAIL"}, v.Entities)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := server(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			_, err := c.SegmentImage(context.Background(), "k")
			require.Error(t, err)
			assert.Equal(t, tt.permanent, errors.Is(err, workflow.ErrPermanent))
			assert.Equal(t, !tt.permanent, errors.Is(err, ErrUnavailable))
		})
	}
}

func TestEmptyProcessedKeyIsPermanent(t *testing.T) {
	c := server(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	_, err := c.SegmentImage(context.Background(), "k")
	assert.ErrorIs(t, err, workflow.ErrPermanent)
}

func TestUnreachableIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := New(url).ScanPII(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnavailable)
}
