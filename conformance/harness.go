// Package conformance drives the approvals service end to end over HTTP with
// in-process backends and a controllable clock.
package conformance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/auth"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/classifier"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/dlq"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/event"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/gateway"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/media"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/policy"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/server"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/storage"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/sweeper"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/workflow"
)

// Config holds configuration for the conformance test harness.
type Config struct {
	// JWTIssuer is the expected JWT issuer
	JWTIssuer string

	// JWTAudience is the expected JWT audience
	JWTAudience string

	// ApprovalTTL is the lifetime of issued approval requests
	ApprovalTTL time.Duration

	// Start is the initial harness time
	Start time.Time
}

// Clock is a manually advanced time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// Now returns the current harness time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Harness is the service wired against in-memory backends.
type Harness struct {
	server     *httptest.Server
	Store      storage.Store
	Notices    *event.Recorder
	Classifier *classifier.Static
	Publisher  *media.LocalPublisher
	Clock      *Clock

	orch *workflow.Orchestrator
	auth *auth.Validator
}

// NewHarness creates a new conformance test harness.
func NewHarness(cfg Config) (*Harness, error) {
	if cfg.Start.IsZero() {
		cfg.Start = time.Date(2026, time.January, 5, 9, 0, 0, 0, time.UTC)
	}
	clock := &Clock{now: cfg.Start}
	store := storage.NewMemory()
	notices := &event.Recorder{}
	steps := classifier.Clean()
	pub := media.NewLocalPublisher()

	proc := dlq.NewProcessor(store, notices, dlq.Options{Now: clock.Now})
	orch := workflow.New(workflow.Deps{
		Store:       store,
		Policy:      policy.NewEngine(policy.Default()),
		Segmenter:   steps,
		Labels:      steps,
		PII:         steps,
		Publisher:   pub,
		Notifier:    notices,
		DeadLetters: event.DirectDeadLetters{Handler: proc},
		Now:         clock.Now,
		ApprovalTTL: cfg.ApprovalTTL,
		Retry:       workflow.RetryPolicy{MaxAttempts: 1},
	})
	gw := gateway.New(store, orch, nil, nil, clock.Now)
	sw := sweeper.New(store, orch, notices, sweeper.Options{Now: clock.Now})
	validator := auth.NewTestValidator(cfg.JWTIssuer, cfg.JWTAudience)

	mux, err := server.NewMux(server.Deps{
		Store:        store,
		Orchestrator: orch,
		Gateway:      gw,
		Sweeper:      sw,
		Auth:         validator,
		Now:          clock.Now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create mux: %w", err)
	}

	return &Harness{
		server:     httptest.NewServer(mux),
		Store:      store,
		Notices:    notices,
		Classifier: steps,
		Publisher:  pub,
		Clock:      clock,
		orch:       orch,
		auth:       validator,
	}, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server and cleans up resources.
func (h *Harness) Close() {
	h.server.Close()
	h.orch.Close()
}

// Settle waits for every dispatched workflow step to finish.
func (h *Harness) Settle() {
	h.orch.Wait()
}

// AdminToken mints a bearer token with the admin role.
func (h *Harness) AdminToken(t *testing.T, subject string) string {
	t.Helper()
	tok, err := h.auth.Mint(subject, []string{auth.RoleAdmin}, time.Hour)
	if err != nil {
		t.Fatalf("mint admin token: %v", err)
	}
	return tok
}

// Response is a decoded API response.
type Response struct {
	Status int
	Data   json.RawMessage `json:"data"`
	Error  *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

// Do sends a JSON request and decodes the envelope.
func (h *Harness) Do(t *testing.T, method, path string, body any, bearer string) Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode request: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, h.URL()+path, r)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := Response{Status: resp.StatusCode}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode %s %s response: %v", method, path, err)
	}
	return out
}

// Submission fetches a submission through the API.
func (h *Harness) Submission(t *testing.T, id string) model.Submission {
	t.Helper()
	resp := h.Do(t, http.MethodGet, "/v1/submissions/"+id, nil, "")
	if resp.Status != http.StatusOK {
		t.Fatalf("GET submission %s: status %d", id, resp.Status)
	}
	var s model.Submission
	if err := json.Unmarshal(resp.Data, &s); err != nil {
		t.Fatalf("decode submission: %v", err)
	}
	return s
}

// Submit creates a submission and waits for the pipeline to settle.
func (h *Harness) Submit(t *testing.T, body map[string]any) model.Submission {
	t.Helper()
	resp := h.Do(t, http.MethodPost, "/v1/submissions", body, "")
	if resp.Status != http.StatusAccepted {
		t.Fatalf("POST submission: status %d, error %+v", resp.Status, resp.Error)
	}
	var s model.Submission
	if err := json.Unmarshal(resp.Data, &s); err != nil {
		t.Fatalf("decode submission: %v", err)
	}
	h.Settle()
	return h.Submission(t, s.ID)
}

// RunScenarios runs the end-to-end approval scenarios.
func (h *Harness) RunScenarios(t *testing.T) {
	t.Run("HumanGatedApproval", h.testHumanGatedApproval)
	t.Run("TrustedAutoPublish", h.testTrustedAutoPublish)
	t.Run("TimeoutRace", h.testTimeoutRace)
}

// testHumanGatedApproval: a clean submission still waits for an admin, and
// the admin's approval publishes it.
func (h *Harness) testHumanGatedApproval(t *testing.T) {
	s := h.Submit(t, map[string]any{"ownerSub": "U1", "s3Key": "a.jpg"})
	if s.UserID != "U1" || s.OwnerSub != "U1" {
		t.Errorf("identity not normalized: userId=%q ownerSub=%q", s.UserID, s.OwnerSub)
	}
	if s.Status != model.StatusAwaitingAdmin {
		t.Fatalf("status = %s, want %s", s.Status, model.StatusAwaitingAdmin)
	}
	if s.ModerationVerdict == nil || s.ModerationVerdict.Decision != model.ModerationAutoApprove {
		t.Errorf("expected a clear-band verdict, got %+v", s.ModerationVerdict)
	}
	if s.ApprovalRequest == nil {
		t.Fatal("approval request not embedded")
	}

	resp := h.Do(t, http.MethodPost, "/v1/admin/decisions", map[string]any{
		"approvalId": s.ApprovalRequest.Token,
		"decision":   "APPROVE",
	}, h.AdminToken(t, "admin-1"))
	if resp.Status != http.StatusOK {
		t.Fatalf("decision: status %d, error %+v", resp.Status, resp.Error)
	}
	h.Settle()

	s = h.Submission(t, s.ID)
	if s.Status != model.StatusPublished {
		t.Errorf("status = %s, want %s", s.Status, model.StatusPublished)
	}
	if key, ok := h.Publisher.Published(s.ID); !ok || key != s.PublicKey {
		t.Errorf("published key = %q (%v), submission public key %q", key, ok, s.PublicKey)
	}
}

// testTrustedAutoPublish: the auto variant publishes a clean submission
// without ever issuing an approval request.
func (h *Harness) testTrustedAutoPublish(t *testing.T) {
	s := h.Submit(t, map[string]any{"ownerSub": "U2", "s3Key": "b.jpg", "variant": "auto"})
	if s.Status != model.StatusPublished {
		t.Fatalf("status = %s, want %s", s.Status, model.StatusPublished)
	}
	if s.PIIVerdict == nil || !s.PIIVerdict.Clean() {
		t.Errorf("expected a clean PII verdict, got %+v", s.PIIVerdict)
	}
	if _, err := h.Store.GetApprovalBySubmission(context.Background(), s.ID); err == nil {
		t.Error("approval request issued on the trusted path")
	}
	if _, ok := h.Publisher.Published(s.ID); !ok {
		t.Error("media not published")
	}
}

// testTimeoutRace: the sweeper expires an overdue request and a late
// approval is refused without publishing.
func (h *Harness) testTimeoutRace(t *testing.T) {
	s := h.Submit(t, map[string]any{"userId": "U3", "rawMediaKey": "c.jpg"})
	if s.Status != model.StatusAwaitingAdmin || s.ApprovalRequest == nil {
		t.Fatalf("status = %s, want %s with a request", s.Status, model.StatusAwaitingAdmin)
	}
	token := s.ApprovalRequest.Token
	admin := h.AdminToken(t, "admin-2")

	h.Clock.Advance(25 * time.Hour)
	resp := h.Do(t, http.MethodPost, "/v1/admin/sweep", nil, admin)
	if resp.Status != http.StatusOK {
		t.Fatalf("sweep: status %d", resp.Status)
	}
	var report model.SweepReport
	if err := json.Unmarshal(resp.Data, &report); err != nil {
		t.Fatalf("decode sweep report: %v", err)
	}
	if report.Expired != 1 {
		t.Errorf("expired = %d, want 1", report.Expired)
	}

	resp = h.Do(t, http.MethodPost, "/v1/admin/decisions", map[string]any{
		"approvalId": token,
		"decision":   "APPROVE",
	}, admin)
	if resp.Status != http.StatusConflict || resp.Error == nil || resp.Error.Code != "APR_ALREADY_RESOLVED" {
		t.Fatalf("late approval: status %d, error %+v", resp.Status, resp.Error)
	}
	if got := resp.Error.Details["resolution"]; got != string(model.ResolutionExpired) {
		t.Errorf("conflict resolution = %v, want %s", got, model.ResolutionExpired)
	}
	h.Settle()

	s = h.Submission(t, s.ID)
	if s.Status != model.StatusExpired {
		t.Errorf("status = %s, want %s", s.Status, model.StatusExpired)
	}
	if _, ok := h.Publisher.Published(s.ID); ok {
		t.Error("expired submission was published")
	}
	if len(h.Notices.On(model.ChannelExpirations)) == 0 {
		t.Error("no expiration event emitted")
	}
}
