// Package server implements the HTTP API of the approvals service: submission
// intake and lookup, admin decisions, on-demand sweeps and the SLA report.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/auth"
	errordefs "github.com/RegistryAccord/registryaccord-approvals-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/gateway"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/normalize"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/schema"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/sla"
	"github.com/RegistryAccord/registryaccord-approvals-go/internal/storage"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	ContextKeyPrincipal     ContextKey = "principal"     // Authenticated admin
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	maxBodyBytes     = 1 << 20
	defaultSLAWindow = 7 * 24 * time.Hour
)

// Orchestrator accepts new submissions.
type Orchestrator interface {
	Submit(ctx context.Context, req model.CreateSubmissionRequest) (model.Submission, error)
	Dispatch(id string)
}

// DecisionGateway resolves approval requests.
type DecisionGateway interface {
	Resolve(ctx context.Context, cmd gateway.Command) (gateway.Result, error)
}

// Sweeper runs one expiration pass.
type Sweeper interface {
	RunOnce(ctx context.Context) (model.SweepReport, error)
}

// TokenValidator authenticates admin bearer tokens.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (auth.Principal, error)
}

// Pinger is a readiness dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the HTTP API.
type Deps struct {
	Store        storage.Store
	Orchestrator Orchestrator
	Gateway      DecisionGateway
	Sweeper      Sweeper
	Auth         TokenValidator
	Schemas      *schema.Validator
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	// Readiness lists extra dependencies checked by /readyz, by name.
	Readiness map[string]Pinger
	SLAWindow time.Duration
	Now       func() time.Time
}

// Mux handles HTTP requests for the approvals service.
type Mux struct {
	mux       *http.ServeMux
	d         Deps
	logger    *slog.Logger
	now       func() time.Time
	slaWindow time.Duration
}

// NewMux registers every endpoint and returns the handler.
func NewMux(d Deps) (http.Handler, error) {
	if d.Store == nil || d.Orchestrator == nil || d.Gateway == nil || d.Auth == nil {
		return nil, errors.New("server: store, orchestrator, gateway and auth are required")
	}
	if d.Schemas == nil {
		v, err := schema.NewValidator()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
		}
		d.Schemas = v
	}
	m := &Mux{
		mux:       http.NewServeMux(),
		d:         d,
		logger:    d.Logger,
		now:       d.Now,
		slaWindow: d.SLAWindow,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.slaWindow <= 0 {
		m.slaWindow = defaultSLAWindow
	}

	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	m.mux.HandleFunc("/v1/submissions", m.method(http.MethodPost, m.withMiddleware("submissions.create", m.handleCreateSubmission)))
	m.mux.HandleFunc("/v1/submissions/{id}", m.method(http.MethodGet, m.withMiddleware("submissions.get", m.handleGetSubmission)))
	m.mux.HandleFunc("/v1/admin/decisions", m.method(http.MethodPost, m.withMiddleware("admin.decide", m.admin(m.handleDecision))))
	m.mux.HandleFunc("/v1/admin/sweep", m.method(http.MethodPost, m.withMiddleware("admin.sweep", m.admin(m.handleSweep))))
	m.mux.HandleFunc("/v1/admin/sla", m.method(http.MethodGet, m.withMiddleware("admin.sla", m.admin(m.handleSLA))))

	return m.mux, nil
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.Header().Set("Allow", method)
			err := errordefs.New(errordefs.APR_BAD_REQUEST, "method not allowed", "")
			err.HTTPStatus = http.StatusMethodNotAllowed
			m.writeErrorDef(w, err)
			return
		}
		h(w, r)
	}
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMiddleware assigns a correlation id, opens a span, and records metrics
// and one log line per request.
func (m *Mux) withMiddleware(route string, h http.HandlerFunc) http.HandlerFunc {
	tracer := otel.Tracer("registryaccord-approvals/server")
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		ctx, span := tracer.Start(r.Context(), route)
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("correlation_id", correlationID),
		)

		ctx = context.WithValue(ctx, ContextKeyCorrelationID, correlationID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Correlation-Id", correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)

		span.SetAttributes(attribute.Int("http.status_code", rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
		d := time.Since(start)
		m.d.Metrics.HTTPRequest(r.Method, route, rec.status, d)
		m.logRequest(r, rec.status, d, correlationID)
	}
}

// admin requires a bearer token carrying the admin role.
func (m *Mux) admin(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := m.authenticate(r)
		if err != nil {
			err.CorrelationID = correlationID(r)
			m.writeErrorDef(w, err)
			return
		}
		h(w, r.WithContext(context.WithValue(r.Context(), ContextKeyPrincipal, p)))
	}
}

func (m *Mux) authenticate(r *http.Request) (auth.Principal, *errordefs.Error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return auth.Principal{}, errordefs.New(errordefs.APR_AUTHN, "missing Authorization header", "")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return auth.Principal{}, errordefs.New(errordefs.APR_AUTHN, "invalid Authorization header format", "")
	}

	p, err := m.d.Auth.Validate(r.Context(), token)
	switch {
	case err == nil:
		return p, nil
	case errors.Is(err, auth.ErrExpiredToken):
		return p, errordefs.New(errordefs.APR_JWT_EXPIRED, "JWT token expired", "")
	case errors.Is(err, auth.ErrForbidden):
		return p, errordefs.New(errordefs.APR_AUTHZ, "admin role required", "")
	default:
		return p, errordefs.New(errordefs.APR_JWT_INVALID, err.Error(), "")
	}
}

func correlationID(r *http.Request) string {
	id, _ := r.Context().Value(ContextKeyCorrelationID).(string)
	return id
}

func principal(r *http.Request) auth.Principal {
	p, _ := r.Context().Value(ContextKeyPrincipal).(auth.Principal)
	return p
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

// writeErrorDef writes an error response using the error definitions package
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": err})
}

func (m *Mux) fail(w http.ResponseWriter, r *http.Request, code errordefs.ErrorCode, message string, details any) {
	m.writeErrorDef(w, errordefs.NewWithDetails(code, message, correlationID(r), details))
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("correlation_id", correlationID),
	}
	if p := principal(r); p.Subject != "" {
		attrs = append(attrs, slog.String("admin", p.Subject))
	}
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	m.logger.LogAttrs(r.Context(), level, "Request completed", attrs...)
}

// readBody reads the request body and checks it against the named schema.
func (m *Mux) readBody(w http.ResponseWriter, r *http.Request, schemaName string) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		m.fail(w, r, errordefs.APR_BAD_REQUEST, "request body too large or unreadable", nil)
		return nil, false
	}
	if err := m.d.Schemas.Validate(schemaName, body); err != nil {
		var ve *schema.ValidationError
		if errors.As(err, &ve) {
			m.fail(w, r, errordefs.APR_VALIDATION, "request does not match schema", ve.Violations)
			return nil, false
		}
		m.fail(w, r, errordefs.APR_INTERNAL, "schema validation unavailable", nil)
		return nil, false
	}
	return body, true
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz checks the store and every registered dependency.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.d.Store.Ping(ctx); err != nil {
		m.logger.Warn("Readiness check failed", "dependency", "store", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	for name, dep := range m.d.Readiness {
		if err := dep.Ping(ctx); err != nil {
			m.logger.Warn("Readiness check failed", "dependency", name, "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleCreateSubmission handles POST /v1/submissions. Accepted submissions
// are advanced in the background; the response carries the NORMALIZED record.
func (m *Mux) handleCreateSubmission(w http.ResponseWriter, r *http.Request) {
	body, ok := m.readBody(w, r, schema.CreateSubmission)
	if !ok {
		return
	}
	var req model.CreateSubmissionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		m.fail(w, r, errordefs.APR_BAD_REQUEST, "invalid JSON", nil)
		return
	}

	sub, err := m.d.Orchestrator.Submit(r.Context(), req)
	var ve *normalize.ValidationError
	switch {
	case err == nil:
	case errors.As(err, &ve):
		details := map[string]string{"field": ve.Field, "submissionId": sub.ID}
		switch {
		case errors.Is(err, normalize.ErrMissingIdentity):
			m.fail(w, r, errordefs.APR_MISSING_IDENTITY, "userId or ownerSub is required", details)
		case errors.Is(err, normalize.ErrMissingUploadKey):
			m.fail(w, r, errordefs.APR_MISSING_UPLOAD_KEY, "an upload key is required", details)
		default:
			m.fail(w, r, errordefs.APR_VALIDATION, ve.Error(), details)
		}
		return
	case errors.Is(err, storage.ErrConflict):
		m.fail(w, r, errordefs.APR_CONFLICT, "submission already exists", nil)
		return
	default:
		m.logger.Error("Submit failed", "error", err, "correlation_id", correlationID(r))
		m.fail(w, r, errordefs.APR_INTERNAL, "failed to create submission", nil)
		return
	}

	m.d.Orchestrator.Dispatch(sub.ID)
	m.writeSuccess(w, http.StatusAccepted, sub)
}

// handleGetSubmission handles GET /v1/submissions/{id}. The approval request
// is embedded only while the submission awaits a decision.
func (m *Mux) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sub, err := m.d.Store.GetSubmission(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		m.fail(w, r, errordefs.APR_NOT_FOUND, "submission not found", nil)
		return
	}
	if err != nil {
		m.logger.Error("Get submission failed", "submission_id", id, "error", err)
		m.fail(w, r, errordefs.APR_INTERNAL, "failed to load submission", nil)
		return
	}

	if sub.Status == model.StatusAwaitingAdmin && sub.ApprovalToken != "" {
		a, err := m.d.Store.GetApproval(r.Context(), sub.ApprovalToken)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			m.logger.Error("Get approval failed", "submission_id", id, "error", err)
			m.fail(w, r, errordefs.APR_INTERNAL, "failed to load approval request", nil)
			return
		}
		sub.ApprovalRequest = a
	}
	m.writeSuccess(w, http.StatusOK, sub)
}

// handleDecision handles POST /v1/admin/decisions.
func (m *Mux) handleDecision(w http.ResponseWriter, r *http.Request) {
	body, ok := m.readBody(w, r, schema.AdminDecision)
	if !ok {
		return
	}
	var req model.AdminDecisionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		m.fail(w, r, errordefs.APR_BAD_REQUEST, "invalid JSON", nil)
		return
	}

	p := principal(r)
	res, err := m.d.Gateway.Resolve(r.Context(), gateway.Command{
		ApprovalID: req.ApprovalID,
		Decision:   req.Decision,
		Reason:     req.Reason,
		Actor:      p.Subject,
	})
	switch {
	case err == nil:
	case errors.Is(err, gateway.ErrNotFound):
		m.fail(w, r, errordefs.APR_NOT_FOUND, "approval request not found", nil)
		return
	case errors.Is(err, gateway.ErrAlreadyResolved):
		m.fail(w, r, errordefs.APR_ALREADY_RESOLVED, "approval request already resolved", map[string]any{
			"resolution": res.Approval.Resolution,
			"resolvedBy": res.Approval.ResolvedBy,
		})
		return
	case errors.Is(err, gateway.ErrInvalidDecision):
		m.fail(w, r, errordefs.APR_VALIDATION, err.Error(), nil)
		return
	case res.Approval.Resolution.Terminal():
		// The decision was recorded; applying it to the submission failed. An
		// identical retry or the next sweep finishes it.
		m.logger.Error("Apply decision failed", "token", res.Approval.Token, "error", err)
	default:
		m.logger.Error("Resolve failed", "approval_id", req.ApprovalID, "error", err)
		m.fail(w, r, errordefs.APR_INTERNAL, "failed to record decision", nil)
		return
	}

	m.writeSuccess(w, http.StatusOK, model.AdminDecisionData{
		OK:           true,
		SubmissionID: res.Approval.SubmissionID,
		Resolution:   res.Approval.Resolution,
		Status:       res.Submission.Status,
		Replayed:     res.Replayed,
	})
}

// handleSweep handles POST /v1/admin/sweep.
func (m *Mux) handleSweep(w http.ResponseWriter, r *http.Request) {
	if m.d.Sweeper == nil {
		m.fail(w, r, errordefs.APR_UNAVAILABLE, "sweeper not configured", nil)
		return
	}
	report, err := m.d.Sweeper.RunOnce(r.Context())
	if err != nil {
		m.logger.Error("On-demand sweep failed", "error", err)
		m.fail(w, r, errordefs.APR_INTERNAL, "sweep failed", nil)
		return
	}
	m.writeSuccess(w, http.StatusOK, report)
}

// handleSLA handles GET /v1/admin/sla?window=168h.
func (m *Mux) handleSLA(w http.ResponseWriter, r *http.Request) {
	window := m.slaWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			m.fail(w, r, errordefs.APR_VALIDATION, "window must be a positive duration", nil)
			return
		}
		window = d
	}
	report, err := sla.Compute(r.Context(), m.d.Store, m.now().UTC().Add(-window))
	if err != nil {
		m.logger.Error("SLA report failed", "error", err)
		m.fail(w, r, errordefs.APR_INTERNAL, "failed to compute SLA report", nil)
		return
	}
	m.writeSuccess(w, http.StatusOK, report)
}
