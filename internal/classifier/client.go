// Package classifier is the client of the external media service that
// segments uploads, detects risk labels and scans captions for PII.
package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/policy"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/workflow"
)

// ErrUnavailable is returned when the service answers with a 5xx or 429.
var ErrUnavailable = errors.New("classifier unavailable")

// Client calls the classifier service. It implements the orchestrator's
// Segmenter, LabelDetector and PIIScanner.
type Client struct {
	base string
	hc   *http.Client
}

// New creates a client for baseURL.
func New(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 10 * time.Second},
	}
}

type segmentRequest struct {
	Key string `json:"key"`
}

type segmentResponse struct {
	ProcessedKey string `json:"processedKey"`
}

type labelsRequest struct {
	Key     string `json:"key"`
	Caption string `json:"caption,omitempty"`
}

type labelsResponse struct {
	Labels      []model.Label `json:"labels"`
	TextSignals []model.Label `json:"textSignals"`
}

type piiRequest struct {
	Text string `json:"text"`
}

type piiResponse struct {
	HasPII   bool     `json:"hasPii"`
	Entities []string `json:"entities"`
}

// SegmentImage isolates the subject of the raw upload and returns the key of
// the processed asset.
func (c *Client) SegmentImage(ctx context.Context, key string) (string, error) {
	var out segmentResponse
	if err := c.post(ctx, "/v1/segment", segmentRequest{Key: key}, &out); err != nil {
		return "", err
	}
	if out.ProcessedKey == "" {
		return "", fmt.Errorf("%w: segment returned no processed key", workflow.ErrPermanent)
	}
	return out.ProcessedKey, nil
}

// DetectLabels returns image labels for the processed asset and text signals
// for the caption.
func (c *Client) DetectLabels(ctx context.Context, processedKey, caption string) (policy.Signals, error) {
	var out labelsResponse
	if err := c.post(ctx, "/v1/labels", labelsRequest{Key: processedKey, Caption: caption}, &out); err != nil {
		return policy.Signals{}, err
	}
	return policy.Signals{Labels: out.Labels, TextSignals: out.TextSignals}, nil
}

// ScanPII scans text for personal data.
func (c *Client) ScanPII(ctx context.Context, text string) (model.PIIVerdict, error) {
	var out piiResponse
	if err := c.post(ctx, "/v1/pii", piiRequest{Text: text}, &out); err != nil {
		return model.PIIVerdict{}, err
	}
	return model.PIIVerdict{OK: true, HasPII: out.HasPII, Entities: out.Entities}, nil
}

// post sends body as JSON and decodes a 200 response into out. Client errors
// are permanent; everything else may be retried.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	u, err := url.JoinPath(c.base, path)
	if err != nil {
		return fmt.Errorf("%w: bad classifier url: %v", workflow.ErrPermanent, err)
	}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", workflow.ErrPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", workflow.ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decode %s response: %v", workflow.ErrPermanent, path, err)
		}
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s: %s", ErrUnavailable, path, resp.Status)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s: %s: %s", workflow.ErrPermanent, path, resp.Status, bytes.TrimSpace(msg))
	}
}
