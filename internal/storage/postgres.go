// internal/storage/postgres.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/RegistryAccord/registryaccord-approvals-go/internal/model"
)

// offenderUpdateAttempts bounds the optimistic retry loop on repeat_offenders.
const offenderUpdateAttempts = 8

// postgres implements Store on PostgreSQL. Every state transition is a
// conditional UPDATE so that several service instances can share one database.
type postgres struct {
	db  *pgxpool.Pool
	sql sq.StatementBuilderType
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
func NewPostgres(ctx context.Context, dsn string) (Store, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &postgres{
		db:  pool,
		sql: sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}, nil
}

// initSchema creates all required tables and indexes if they don't already exist.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS submissions (
		    id TEXT PRIMARY KEY,
		    user_id TEXT NOT NULL,
		    owner_sub TEXT NOT NULL,
		    media_key TEXT NOT NULL DEFAULT '',
		    raw_media_key TEXT NOT NULL DEFAULT '',
		    processed_media_key TEXT NOT NULL DEFAULT '',
		    public_key TEXT NOT NULL DEFAULT '',
		    caption TEXT NOT NULL DEFAULT '',
		    variant TEXT NOT NULL,
		    status TEXT NOT NULL,
		    moderation_verdict JSONB,
		    pii_verdict JSONB,
		    approval_token TEXT NOT NULL DEFAULT '',
		    failure_reason TEXT NOT NULL DEFAULT '',
		    version BIGINT NOT NULL DEFAULT 0,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    resolved_at TIMESTAMP WITH TIME ZONE
		);
		CREATE INDEX IF NOT EXISTS idx_submissions_status_created_at ON submissions(status, created_at);

		-- Resume handles. resolution is write-once: only rows still PENDING are updated.
		CREATE TABLE IF NOT EXISTS approval_requests (
		    token TEXT PRIMARY KEY,
		    submission_id TEXT NOT NULL REFERENCES submissions(id),
		    issued_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    resolution TEXT NOT NULL DEFAULT 'PENDING',
		    resolved_at TIMESTAMP WITH TIME ZONE,
		    resolved_by TEXT NOT NULL DEFAULT '',
		    reason TEXT NOT NULL DEFAULT ''
		);
		-- At most one non-terminal request per submission.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_approval_requests_one_pending
		    ON approval_requests(submission_id) WHERE resolution = 'PENDING';
		CREATE INDEX IF NOT EXISTS idx_approval_requests_pending_expiry
		    ON approval_requests(expires_at) WHERE resolution = 'PENDING';
		CREATE INDEX IF NOT EXISTS idx_approval_requests_submission ON approval_requests(submission_id, issued_at DESC);

		CREATE TABLE IF NOT EXISTS repeat_offenders (
		    user_id TEXT PRIMARY KEY,
		    strike_count INTEGER NOT NULL DEFAULT 0,
		    last_strike_at TIMESTAMP WITH TIME ZONE,
		    clean_streak INTEGER NOT NULL DEFAULT 0,
		    last_decay_at TIMESTAMP WITH TIME ZONE,
		    version BIGINT NOT NULL DEFAULT 0
		);

		-- Append-only audit trail; source of truth for decision latency.
		CREATE TABLE IF NOT EXISTS audit_log (
		    id TEXT PRIMARY KEY,
		    submission_id TEXT NOT NULL,
		    actor TEXT NOT NULL,
		    action TEXT NOT NULL,
		    outcome TEXT NOT NULL,
		    details JSONB,
		    occurred_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_audit_log_submission ON audit_log(submission_id, occurred_at);
		CREATE INDEX IF NOT EXISTS idx_audit_log_action ON audit_log(action, occurred_at);

		CREATE TABLE IF NOT EXISTS dlq_ledger (
		    idempotency_key TEXT PRIMARY KEY,
		    execution_id TEXT NOT NULL,
		    submission_id TEXT NOT NULL,
		    error TEXT NOT NULL,
		    workflow_variant TEXT NOT NULL,
		    failed_at TIMESTAMP WITH TIME ZONE NOT NULL,
		    received_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);
	`

	_, err := db.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool
func (p *postgres) Close() {
	p.db.Close()
}

func (p *postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

var submissionColumns = []string{
	"id", "user_id", "owner_sub", "media_key", "raw_media_key", "processed_media_key", "public_key",
	"caption", "variant", "status", "moderation_verdict", "pii_verdict", "approval_token",
	"failure_reason", "version", "created_at", "updated_at", "resolved_at",
}

func scanSubmission(row pgx.Row) (*model.Submission, error) {
	var s model.Submission
	var moderationJSON, piiJSON []byte
	err := row.Scan(
		&s.ID, &s.UserID, &s.OwnerSub, &s.MediaKey, &s.RawMediaKey, &s.ProcessedMediaKey, &s.PublicKey,
		&s.Caption, &s.Variant, &s.Status, &moderationJSON, &piiJSON, &s.ApprovalToken,
		&s.FailureReason, &s.Version, &s.CreatedAt, &s.UpdatedAt, &s.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(moderationJSON) > 0 {
		s.ModerationVerdict = &model.ModerationVerdict{}
		if err := json.Unmarshal(moderationJSON, s.ModerationVerdict); err != nil {
			return nil, fmt.Errorf("failed to unmarshal moderation verdict: %w", err)
		}
	}
	if len(piiJSON) > 0 {
		s.PIIVerdict = &model.PIIVerdict{}
		if err := json.Unmarshal(piiJSON, s.PIIVerdict); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pii verdict: %w", err)
		}
	}
	return &s, nil
}

// nullableJSON marshals v, mapping nil pointers to SQL NULL.
func nullableJSON[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (p *postgres) CreateSubmission(ctx context.Context, s model.Submission) error {
	moderationJSON, err := nullableJSON(s.ModerationVerdict)
	if err != nil {
		return fmt.Errorf("failed to marshal moderation verdict: %w", err)
	}
	piiJSON, err := nullableJSON(s.PIIVerdict)
	if err != nil {
		return fmt.Errorf("failed to marshal pii verdict: %w", err)
	}

	query, args, err := p.sql.Insert("submissions").Columns(submissionColumns...).Values(
		s.ID, s.UserID, s.OwnerSub, s.MediaKey, s.RawMediaKey, s.ProcessedMediaKey, s.PublicKey,
		s.Caption, string(s.Variant), string(s.Status), moderationJSON, piiJSON, s.ApprovalToken,
		s.FailureReason, s.Version, s.CreatedAt, s.UpdatedAt, s.ResolvedAt,
	).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	if _, err := p.db.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create submission: %w", err)
	}
	return nil
}

func (p *postgres) GetSubmission(ctx context.Context, id string) (*model.Submission, error) {
	query, args, err := p.sql.Select(submissionColumns...).From("submissions").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}
	s, err := scanSubmission(p.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get submission: %w", err)
	}
	return s, nil
}

func (p *postgres) UpdateSubmission(ctx context.Context, s model.Submission) (model.Submission, error) {
	moderationJSON, err := nullableJSON(s.ModerationVerdict)
	if err != nil {
		return model.Submission{}, fmt.Errorf("failed to marshal moderation verdict: %w", err)
	}
	piiJSON, err := nullableJSON(s.PIIVerdict)
	if err != nil {
		return model.Submission{}, fmt.Errorf("failed to marshal pii verdict: %w", err)
	}

	query, args, err := p.sql.Update("submissions").SetMap(map[string]any{
		"media_key":           s.MediaKey,
		"raw_media_key":       s.RawMediaKey,
		"processed_media_key": s.ProcessedMediaKey,
		"public_key":          s.PublicKey,
		"caption":             s.Caption,
		"variant":             string(s.Variant),
		"status":              string(s.Status),
		"moderation_verdict":  moderationJSON,
		"pii_verdict":         piiJSON,
		"approval_token":      s.ApprovalToken,
		"failure_reason":      s.FailureReason,
		"updated_at":          s.UpdatedAt,
		"resolved_at":         s.ResolvedAt,
		"version":             sq.Expr("version + 1"),
	}).Where(sq.Eq{"id": s.ID, "version": s.Version}).Suffix("RETURNING version").ToSql()
	if err != nil {
		return model.Submission{}, fmt.Errorf("failed to build update: %w", err)
	}

	var version int64
	if err := p.db.QueryRow(ctx, query, args...).Scan(&version); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return model.Submission{}, fmt.Errorf("failed to update submission: %w", err)
		}
		current, getErr := p.GetSubmission(ctx, s.ID)
		if getErr != nil {
			return model.Submission{}, getErr
		}
		return *current, ErrConflict
	}

	s.Version = version
	s.ApprovalRequest = nil
	return s, nil
}

func (p *postgres) ListSubmissions(ctx context.Context, q model.ListSubmissionsQuery) ([]model.Submission, error) {
	builder := p.sql.Select(submissionColumns...).From("submissions").OrderBy("created_at ASC", "id ASC")
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			statuses[i] = string(st)
		}
		builder = builder.Where(sq.Eq{"status": statuses})
	}
	if q.Limit > 0 {
		builder = builder.Limit(uint64(q.Limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	defer rows.Close()

	out := make([]model.Submission, 0)
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating submissions: %w", err)
	}
	return out, nil
}

var approvalColumns = []string{
	"token", "submission_id", "issued_at", "expires_at", "resolution", "resolved_at", "resolved_by", "reason",
}

func scanApproval(row pgx.Row) (*model.ApprovalRequest, error) {
	var a model.ApprovalRequest
	if err := row.Scan(&a.Token, &a.SubmissionID, &a.IssuedAt, &a.ExpiresAt, &a.Resolution,
		&a.ResolvedAt, &a.ResolvedBy, &a.Reason); err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *postgres) CreateApproval(ctx context.Context, a model.ApprovalRequest) error {
	query, args, err := p.sql.Insert("approval_requests").
		Columns("token", "submission_id", "issued_at", "expires_at", "resolution").
		Values(a.Token, a.SubmissionID, a.IssuedAt, a.ExpiresAt, string(model.ResolutionPending)).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := p.db.Exec(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create approval request: %w", err)
	}
	return nil
}

func (p *postgres) getApprovalWhere(ctx context.Context, where sq.Sqlizer) (*model.ApprovalRequest, error) {
	query, args, err := p.sql.Select(approvalColumns...).From("approval_requests").
		Where(where).OrderBy("issued_at DESC").Limit(1).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}
	a, err := scanApproval(p.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get approval request: %w", err)
	}
	return a, nil
}

func (p *postgres) GetApproval(ctx context.Context, token string) (*model.ApprovalRequest, error) {
	return p.getApprovalWhere(ctx, sq.Eq{"token": token})
}

func (p *postgres) GetApprovalBySubmission(ctx context.Context, submissionID string) (*model.ApprovalRequest, error) {
	return p.getApprovalWhere(ctx, sq.Eq{"submission_id": submissionID})
}

// ResolveApproval performs the single conditional write both the admin gateway
// and the sweeper race on.
func (p *postgres) ResolveApproval(ctx context.Context, cmd model.ResolveCommand) (model.ApprovalRequest, error) {
	query := `UPDATE approval_requests
	          SET resolution = $2, resolved_at = $3, resolved_by = $4, reason = $5
	          WHERE token = $1 AND resolution = 'PENDING'
	          RETURNING token, submission_id, issued_at, expires_at, resolution, resolved_at, resolved_by, reason`

	a, err := scanApproval(p.db.QueryRow(ctx, query, cmd.Token, string(cmd.Resolution), cmd.At.UTC(), cmd.Actor, cmd.Reason))
	if err == nil {
		return *a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.ApprovalRequest{}, fmt.Errorf("failed to resolve approval request: %w", err)
	}

	current, getErr := p.GetApproval(ctx, cmd.Token)
	if getErr != nil {
		return model.ApprovalRequest{}, getErr
	}
	return *current, ErrConflict
}

func (p *postgres) ListOverdueApprovals(ctx context.Context, now time.Time, limit int) ([]model.ApprovalRequest, error) {
	builder := p.sql.Select(approvalColumns...).From("approval_requests").
		Where(sq.Eq{"resolution": string(model.ResolutionPending)}).
		Where(sq.LtOrEq{"expires_at": now.UTC()}).
		OrderBy("expires_at ASC", "token ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue approvals: %w", err)
	}
	defer rows.Close()

	out := make([]model.ApprovalRequest, 0)
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approval requests: %w", err)
	}
	return out, nil
}

func (p *postgres) ListStrandedApprovals(ctx context.Context, limit int) ([]model.ApprovalRequest, error) {
	cols := make([]string, len(approvalColumns))
	for i, c := range approvalColumns {
		cols[i] = "a." + c
	}
	builder := p.sql.Select(cols...).From("approval_requests a").
		Join("submissions s ON s.id = a.submission_id AND s.approval_token = a.token").
		Where(sq.NotEq{"a.resolution": string(model.ResolutionPending)}).
		Where(sq.Eq{"s.status": string(model.StatusAwaitingAdmin)}).
		OrderBy("a.resolved_at ASC", "a.token ASC")
	if limit > 0 {
		builder = builder.Limit(uint64(limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stranded approvals: %w", err)
	}
	defer rows.Close()

	out := make([]model.ApprovalRequest, 0)
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval request: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating approval requests: %w", err)
	}
	return out, nil
}

func (p *postgres) getOffender(ctx context.Context, userID string) (model.RepeatOffenderRecord, int64, bool, error) {
	query := `SELECT user_id, strike_count, last_strike_at, clean_streak, last_decay_at, version
	          FROM repeat_offenders WHERE user_id = $1`
	var rec model.RepeatOffenderRecord
	var version int64
	err := p.db.QueryRow(ctx, query, userID).Scan(&rec.UserID, &rec.StrikeCount, &rec.LastStrikeAt,
		&rec.CleanStreak, &rec.LastDecayAt, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.RepeatOffenderRecord{UserID: userID}, 0, false, nil
		}
		return model.RepeatOffenderRecord{}, 0, false, fmt.Errorf("failed to get offender: %w", err)
	}
	return rec, version, true, nil
}

func (p *postgres) GetOffender(ctx context.Context, userID string) (model.RepeatOffenderRecord, error) {
	rec, _, _, err := p.getOffender(ctx, userID)
	return rec, err
}

func (p *postgres) UpdateOffender(ctx context.Context, userID string, fn func(model.RepeatOffenderRecord) model.RepeatOffenderRecord) (model.RepeatOffenderRecord, error) {
	for attempt := 0; attempt < offenderUpdateAttempts; attempt++ {
		rec, version, exists, err := p.getOffender(ctx, userID)
		if err != nil {
			return model.RepeatOffenderRecord{}, err
		}
		next := fn(rec)
		next.UserID = userID

		var tag pgconn.CommandTag
		if exists {
			tag, err = p.db.Exec(ctx, `UPDATE repeat_offenders
			    SET strike_count = $2, last_strike_at = $3, clean_streak = $4, last_decay_at = $5, version = version + 1
			    WHERE user_id = $1 AND version = $6`,
				userID, next.StrikeCount, next.LastStrikeAt, next.CleanStreak, next.LastDecayAt, version)
		} else {
			tag, err = p.db.Exec(ctx, `INSERT INTO repeat_offenders
			    (user_id, strike_count, last_strike_at, clean_streak, last_decay_at, version)
			    VALUES ($1, $2, $3, $4, $5, 1) ON CONFLICT (user_id) DO NOTHING`,
				userID, next.StrikeCount, next.LastStrikeAt, next.CleanStreak, next.LastDecayAt)
		}
		if err != nil {
			return model.RepeatOffenderRecord{}, fmt.Errorf("failed to update offender: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return next, nil
		}
	}
	return model.RepeatOffenderRecord{}, fmt.Errorf("update offender %s: %w", userID, ErrConflict)
}

func (p *postgres) AppendAudit(ctx context.Context, e model.AuditLogEntry) error {
	detailsJSON, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal audit details: %w", err)
	}
	query, args, err := p.sql.Insert("audit_log").
		Columns("id", "submission_id", "actor", "action", "outcome", "details", "occurred_at").
		Values(e.ID, e.SubmissionID, e.Actor, e.Action, e.Outcome, detailsJSON, e.Timestamp.UTC()).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}
	tag, err := p.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("audit entry %s: %w", e.ID, ErrConflict)
	}
	return nil
}

func (p *postgres) ListAudit(ctx context.Context, q model.AuditQuery) ([]model.AuditLogEntry, error) {
	builder := p.sql.Select("id", "submission_id", "actor", "action", "outcome", "details", "occurred_at").
		From("audit_log").OrderBy("occurred_at ASC", "id ASC")
	if q.SubmissionID != "" {
		builder = builder.Where(sq.Eq{"submission_id": q.SubmissionID})
	}
	if len(q.Actions) > 0 {
		builder = builder.Where(sq.Eq{"action": q.Actions})
	}
	if !q.Since.IsZero() {
		builder = builder.Where(sq.GtOrEq{"occurred_at": q.Since.UTC()})
	}
	if q.Limit > 0 {
		builder = builder.Limit(uint64(q.Limit))
	}
	query, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	out := make([]model.AuditLogEntry, 0)
	for rows.Next() {
		var e model.AuditLogEntry
		var detailsJSON []byte
		if err := rows.Scan(&e.ID, &e.SubmissionID, &e.Actor, &e.Action, &e.Outcome, &detailsJSON, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		if len(detailsJSON) > 0 {
			if err := json.Unmarshal(detailsJSON, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}
	return out, nil
}

func (p *postgres) MarkDLQProcessed(ctx context.Context, key string, msg model.DLQMessage) (bool, error) {
	tag, err := p.db.Exec(ctx, `INSERT INTO dlq_ledger
	    (idempotency_key, execution_id, submission_id, error, workflow_variant, failed_at)
	    VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (idempotency_key) DO NOTHING`,
		key, msg.ExecutionID, msg.SubmissionID, msg.Error, string(msg.WorkflowVariant), msg.Timestamp.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to record dlq message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
