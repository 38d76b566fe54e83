// Package postgres is the durable Store implementation backed by
// PostgreSQL via pgx/sqlx, with lib/pq array types for string-slice
// columns and goose-managed migrations (see ./migrations).
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/ci-remediator/ci-remediator/pkg/store"
	"github.com/ci-remediator/ci-remediator/pkg/types"
)

// Store is a sqlx-backed Store. All operations are bounded by the caller's
// context deadline; no default per-call deadline is applied.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn using the pgx stdlib driver wrapped by sqlx.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenWithDB wraps an already-open *sql.DB (used by tests against
// go-sqlmock, which cannot be driven through sqlx.Connect).
func OpenWithDB(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "pgx")}
}

func (s *Store) Close() error { return s.db.Close() }

var _ store.Store = (*Store)(nil)

func init() {
	// Registered for side effect: sqlx.Connect("pgx", dsn) needs the pgx
	// stdlib driver registered under that name.
	_ = stdlib.GetDefaultDriver()
}

func (s *Store) UpsertFailure(ctx context.Context, f types.Failure) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failures (failure_id, repository, branch, workflow_name, workflow_run_id,
			commit_hash, status, captured_logs, failure_reason, detected_at, terminal_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (failure_id) DO UPDATE SET
			status = EXCLUDED.status,
			terminal_reason = EXCLUDED.terminal_reason,
			captured_logs = EXCLUDED.captured_logs
	`, f.FailureID, f.Repository, f.Branch, f.WorkflowName, f.WorkflowRunID,
		f.CommitHash, f.Status, f.CapturedLogs, f.FailureReason, f.DetectedAt, f.TerminalReason)
	if err != nil {
		return fmt.Errorf("postgres: upsert failure: %w", err)
	}
	return nil
}

func (s *Store) GetFailure(ctx context.Context, id string) (types.Failure, error) {
	var f types.Failure
	err := s.db.GetContext(ctx, &f, `SELECT * FROM failures WHERE failure_id = $1`, id)
	if err == sql.ErrNoRows {
		return types.Failure{}, store.ErrNotFound
	}
	if err != nil {
		return types.Failure{}, fmt.Errorf("postgres: get failure: %w", err)
	}
	return f, nil
}

func (s *Store) FindFailureByRun(ctx context.Context, repo string, runID int64) (types.Failure, bool, error) {
	var f types.Failure
	err := s.db.GetContext(ctx, &f,
		`SELECT * FROM failures WHERE repository = $1 AND workflow_run_id = $2`, repo, runID)
	if err == sql.ErrNoRows {
		return types.Failure{}, false, nil
	}
	if err != nil {
		return types.Failure{}, false, fmt.Errorf("postgres: find failure by run: %w", err)
	}
	return f, true, nil
}

func (s *Store) ListFailures(ctx context.Context, f store.Filter) ([]types.Failure, error) {
	q := `SELECT * FROM failures WHERE ($1 = '' OR repository = $1) AND ($2 = '' OR status = $2)
		AND ($3::timestamptz IS NULL OR detected_at >= $3) AND ($4::timestamptz IS NULL OR detected_at <= $4)
		ORDER BY detected_at DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	var out []types.Failure
	if err := s.db.SelectContext(ctx, &out, q, f.Repository, f.Status, nullTime(f.From), nullTime(f.To)); err != nil {
		return nil, fmt.Errorf("postgres: list failures: %w", err)
	}
	return out, nil
}

func (s *Store) UpsertAnalysis(ctx context.Context, a types.Analysis) error {
	ops, err := json.Marshal(a.FixOperations)
	if err != nil {
		return fmt.Errorf("postgres: marshal fix operations: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analyses (failure_id, error_type, category, risk_score, confidence, effort,
			proposed_fix, files_to_modify, fix_operations, reasoning, affected_components, model_id, response_latency_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (failure_id) DO NOTHING
	`, a.FailureID, a.ErrorType, a.Category, a.RiskScore, a.Confidence, a.Effort,
		a.ProposedFix, pq.Array(a.FilesToModify), ops, a.Reasoning, pq.Array(a.AffectedComponents), a.ModelID, a.ResponseLatencyMS)
	if err != nil {
		return fmt.Errorf("postgres: upsert analysis: %w", err)
	}
	return nil
}

func (s *Store) GetAnalysis(ctx context.Context, failureID string) (types.Analysis, error) {
	row := s.db.QueryRowxContext(ctx, `SELECT * FROM analyses WHERE failure_id = $1`, failureID)
	var a types.Analysis
	var files, components pq.StringArray
	var ops []byte
	if err := row.Scan(&a.FailureID, &a.ErrorType, &a.Category, &a.RiskScore, &a.Confidence, &a.Effort,
		&a.ProposedFix, &files, &ops, &a.Reasoning, &components, &a.ModelID, &a.ResponseLatencyMS); err != nil {
		if err == sql.ErrNoRows {
			return types.Analysis{}, store.ErrNotFound
		}
		return types.Analysis{}, fmt.Errorf("postgres: get analysis: %w", err)
	}
	a.FilesToModify = []string(files)
	a.AffectedComponents = []string(components)
	_ = json.Unmarshal(ops, &a.FixOperations)
	return a, nil
}

func (s *Store) InsertDecisionRecord(ctx context.Context, d types.DecisionRecord) error {
	alts, err := json.Marshal(d.Alternatives)
	if err != nil {
		return fmt.Errorf("postgres: marshal alternatives: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decision_records (id, failure_id, kind, chosen, alternatives, context_digest, confidence, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, d.ID, d.FailureID, d.Kind, d.Chosen, alts, d.ContextDigest, d.Confidence, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert decision record: %w", err)
	}
	return nil
}

func (s *Store) ListDecisionRecords(ctx context.Context, failureID string) ([]types.DecisionRecord, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT id, failure_id, kind, chosen, alternatives, context_digest, confidence, created_at
		 FROM decision_records WHERE failure_id = $1 ORDER BY created_at ASC`, failureID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list decision records: %w", err)
	}
	defer rows.Close()

	var out []types.DecisionRecord
	for rows.Next() {
		var d types.DecisionRecord
		var alts []byte
		if err := rows.Scan(&d.ID, &d.FailureID, &d.Kind, &d.Chosen, &alts, &d.ContextDigest, &d.Confidence, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan decision record: %w", err)
		}
		_ = json.Unmarshal(alts, &d.Alternatives)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) GetCircuitState(ctx context.Context, signature string) (types.CircuitState, bool, error) {
	row := s.db.QueryRowxContext(ctx, `SELECT * FROM circuit_states WHERE signature = $1`, signature)
	var c types.CircuitState
	var history []byte
	if err := row.Scan(&c.Signature, &c.State, &c.FailureCount, &c.LastFailureAt,
		&c.OpenedAt, &c.AutoResetAt, &history, &c.TrialInFlight); err != nil {
		if err == sql.ErrNoRows {
			return types.CircuitState{}, false, nil
		}
		return types.CircuitState{}, false, fmt.Errorf("postgres: get circuit state: %w", err)
	}
	_ = json.Unmarshal(history, &c.History)
	return c, true, nil
}

func (s *Store) UpsertCircuitState(ctx context.Context, c types.CircuitState) error {
	history, err := json.Marshal(c.History)
	if err != nil {
		return fmt.Errorf("postgres: marshal circuit history: %w", err)
	}
	// Writes are synchronous before any dependent decision (§4.4 Persistence).
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO circuit_states (signature, state, failure_count, last_failure_at, opened_at, auto_reset_at, history, trial_in_flight)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (signature) DO UPDATE SET
			state = EXCLUDED.state, failure_count = EXCLUDED.failure_count,
			last_failure_at = EXCLUDED.last_failure_at, opened_at = EXCLUDED.opened_at,
			auto_reset_at = EXCLUDED.auto_reset_at, history = EXCLUDED.history,
			trial_in_flight = EXCLUDED.trial_in_flight
	`, c.Signature, c.State, c.FailureCount, c.LastFailureAt, c.OpenedAt, c.AutoResetAt, history, c.TrialInFlight)
	if err != nil {
		return fmt.Errorf("postgres: upsert circuit state: %w", err)
	}
	return nil
}

func (s *Store) ListOpenCircuits(ctx context.Context) ([]types.CircuitState, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT * FROM circuit_states WHERE state = $1`, types.CircuitOpen)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open circuits: %w", err)
	}
	defer rows.Close()
	var out []types.CircuitState
	for rows.Next() {
		var c types.CircuitState
		var history []byte
		if err := rows.Scan(&c.Signature, &c.State, &c.FailureCount, &c.LastFailureAt,
			&c.OpenedAt, &c.AutoResetAt, &history, &c.TrialInFlight); err != nil {
			return nil, fmt.Errorf("postgres: scan circuit state: %w", err)
		}
		_ = json.Unmarshal(history, &c.History)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) InsertSnapshot(ctx context.Context, snap types.Snapshot) error {
	files, err := json.Marshal(snap.Files)
	if err != nil {
		return fmt.Errorf("postgres: marshal snapshot files: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (snapshot_id, repository, remediation_id, branch, base_commit_sha, files, created_at, expires_at, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, snap.SnapshotID, snap.Repository, snap.RemediationID, snap.Branch, snap.BaseCommitSHA, files, snap.CreatedAt, snap.ExpiresAt, snap.Status)
	if err != nil {
		return fmt.Errorf("postgres: insert snapshot: %w", err)
	}
	return nil
}

func (s *Store) GetSnapshot(ctx context.Context, id string) (types.Snapshot, error) {
	row := s.db.QueryRowxContext(ctx, `SELECT * FROM snapshots WHERE snapshot_id = $1`, id)
	var snap types.Snapshot
	var files []byte
	if err := row.Scan(&snap.SnapshotID, &snap.Repository, &snap.RemediationID, &snap.Branch,
		&snap.BaseCommitSHA, &files, &snap.CreatedAt, &snap.ExpiresAt, &snap.Status); err != nil {
		if err == sql.ErrNoRows {
			return types.Snapshot{}, store.ErrNotFound
		}
		return types.Snapshot{}, fmt.Errorf("postgres: get snapshot: %w", err)
	}
	_ = json.Unmarshal(files, &snap.Files)
	return snap, nil
}

func (s *Store) UpdateSnapshotStatus(ctx context.Context, id string, status types.SnapshotStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE snapshots SET status = $1 WHERE snapshot_id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("postgres: update snapshot status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListExpiredSnapshots(ctx context.Context, asOf time.Time) ([]types.Snapshot, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT * FROM snapshots WHERE status = $1 AND expires_at < $2`, types.SnapshotActive, asOf)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired snapshots: %w", err)
	}
	defer rows.Close()
	var out []types.Snapshot
	for rows.Next() {
		var snap types.Snapshot
		var files []byte
		if err := rows.Scan(&snap.SnapshotID, &snap.Repository, &snap.RemediationID, &snap.Branch,
			&snap.BaseCommitSHA, &files, &snap.CreatedAt, &snap.ExpiresAt, &snap.Status); err != nil {
			return nil, fmt.Errorf("postgres: scan snapshot: %w", err)
		}
		_ = json.Unmarshal(files, &snap.Files)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE snapshot_id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete snapshot: %w", err)
	}
	return nil
}

func (s *Store) InsertHealthCheck(ctx context.Context, h types.HealthCheck) error {
	checks, err := json.Marshal(h.Checks)
	if err != nil {
		return fmt.Errorf("postgres: marshal health checks: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO health_checks (check_id, remediation_id, snapshot_id, scheduled_at, executed_at, passed, checks, triggered_rollback)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, h.CheckID, h.RemediationID, h.SnapshotID, h.ScheduledAt, h.ExecutedAt, h.Passed, checks, h.TriggeredRollback)
	if err != nil {
		return fmt.Errorf("postgres: insert health check: %w", err)
	}
	return nil
}

func (s *Store) ResolveHealthCheck(ctx context.Context, h types.HealthCheck) error {
	checks, err := json.Marshal(h.Checks)
	if err != nil {
		return fmt.Errorf("postgres: marshal health checks: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE health_checks SET executed_at = $1, passed = $2, checks = $3, triggered_rollback = $4
		WHERE check_id = $5
	`, h.ExecutedAt, h.Passed, checks, h.TriggeredRollback, h.CheckID)
	if err != nil {
		return fmt.Errorf("postgres: resolve health check: %w", err)
	}
	return nil
}

func (s *Store) ListPendingHealthChecks(ctx context.Context) ([]types.HealthCheck, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT * FROM health_checks WHERE executed_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending health checks: %w", err)
	}
	defer rows.Close()
	var out []types.HealthCheck
	for rows.Next() {
		var h types.HealthCheck
		var checks []byte
		if err := rows.Scan(&h.CheckID, &h.RemediationID, &h.SnapshotID, &h.ScheduledAt,
			&h.ExecutedAt, &h.Passed, &checks, &h.TriggeredRollback); err != nil {
			return nil, fmt.Errorf("postgres: scan health check: %w", err)
		}
		_ = json.Unmarshal(checks, &h.Checks)
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *Store) InsertApprovalRequest(ctx context.Context, a types.ApprovalRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approval_requests (request_id, failure_id, repository, pr_number, required_reviewers,
			environment_name, status, created_at, expires_at, resolved_at, resolved_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, a.RequestID, a.FailureID, a.Repository, a.PRNumber, pq.Array(a.RequiredReviewers),
		a.EnvironmentName, a.Status, a.CreatedAt, a.ExpiresAt, a.ResolvedAt, a.ResolvedBy)
	if err != nil {
		return fmt.Errorf("postgres: insert approval request: %w", err)
	}
	return nil
}

func (s *Store) UpdateApprovalRequest(ctx context.Context, a types.ApprovalRequest) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE approval_requests SET status = $1, resolved_at = $2, resolved_by = $3 WHERE request_id = $4
	`, a.Status, a.ResolvedAt, a.ResolvedBy, a.RequestID)
	if err != nil {
		return fmt.Errorf("postgres: update approval request: %w", err)
	}
	return nil
}

func (s *Store) GetApprovalRequest(ctx context.Context, id string) (types.ApprovalRequest, error) {
	var a types.ApprovalRequest
	var reviewers pq.StringArray
	row := s.db.QueryRowxContext(ctx, `SELECT * FROM approval_requests WHERE request_id = $1`, id)
	if err := row.Scan(&a.RequestID, &a.FailureID, &a.Repository, &a.PRNumber, &reviewers,
		&a.EnvironmentName, &a.Status, &a.CreatedAt, &a.ExpiresAt, &a.ResolvedAt, &a.ResolvedBy); err != nil {
		if err == sql.ErrNoRows {
			return types.ApprovalRequest{}, store.ErrNotFound
		}
		return types.ApprovalRequest{}, fmt.Errorf("postgres: get approval request: %w", err)
	}
	a.RequiredReviewers = []string(reviewers)
	return a, nil
}

func (s *Store) ListPendingApprovals(ctx context.Context) ([]types.ApprovalRequest, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT * FROM approval_requests WHERE status = $1`, types.ApprovalPending)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending approvals: %w", err)
	}
	defer rows.Close()
	var out []types.ApprovalRequest
	for rows.Next() {
		var a types.ApprovalRequest
		var reviewers pq.StringArray
		if err := rows.Scan(&a.RequestID, &a.FailureID, &a.Repository, &a.PRNumber, &reviewers,
			&a.EnvironmentName, &a.Status, &a.CreatedAt, &a.ExpiresAt, &a.ResolvedAt, &a.ResolvedBy); err != nil {
			return nil, fmt.Errorf("postgres: scan approval request: %w", err)
		}
		a.RequiredReviewers = []string(reviewers)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) InsertPattern(ctx context.Context, p types.Pattern) error {
	embedding, err := json.Marshal(p.Embedding)
	if err != nil {
		return fmt.Errorf("postgres: marshal embedding: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO patterns (pattern_id, repository, branch, error_signature, category, proposed_fix,
			files_modified, fix_commands, fix_successful, resolution_time_ms, embedding, embedding_family, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, p.PatternID, p.Repository, p.Branch, p.ErrorSignature, p.Category, p.ProposedFix,
		pq.Array(p.FilesModified), pq.Array(p.FixCommands), p.FixSuccessful, p.ResolutionTimeMS,
		embedding, p.EmbeddingFamily, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert pattern: %w", err)
	}
	return nil
}

func (s *Store) ListPatterns(ctx context.Context, repo string) ([]types.Pattern, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT * FROM patterns WHERE repository = $1 ORDER BY created_at ASC`, repo)
	if err != nil {
		return nil, fmt.Errorf("postgres: list patterns: %w", err)
	}
	defer rows.Close()
	var out []types.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanPattern(rows *sqlx.Rows) (types.Pattern, error) {
	var p types.Pattern
	var files, commands pq.StringArray
	var embedding []byte
	if err := rows.Scan(&p.PatternID, &p.Repository, &p.Branch, &p.ErrorSignature, &p.Category,
		&p.ProposedFix, &files, &commands, &p.FixSuccessful, &p.ResolutionTimeMS,
		&embedding, &p.EmbeddingFamily, &p.CreatedAt); err != nil {
		return types.Pattern{}, fmt.Errorf("postgres: scan pattern: %w", err)
	}
	p.FilesModified = []string(files)
	p.FixCommands = []string(commands)
	_ = json.Unmarshal(embedding, &p.Embedding)
	return p, nil
}

func (s *Store) CountPatterns(ctx context.Context, repo string) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM patterns WHERE repository = $1`, repo); err != nil {
		return 0, fmt.Errorf("postgres: count patterns: %w", err)
	}
	return n, nil
}

func (s *Store) DeleteOldestPattern(ctx context.Context, repo string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM patterns WHERE pattern_id = (
			SELECT pattern_id FROM patterns WHERE repository = $1 ORDER BY created_at ASC LIMIT 1
		)
	`, repo)
	if err != nil {
		return fmt.Errorf("postgres: delete oldest pattern: %w", err)
	}
	return nil
}

func (s *Store) GetPersonalityProfile(ctx context.Context, repo string) (types.PersonalityProfile, bool, error) {
	row := s.db.QueryRowxContext(ctx, `SELECT * FROM personality_profiles WHERE repository = $1`, repo)
	var p types.PersonalityProfile
	var catHist, dowHist, hourHist, detected []byte
	if err := row.Scan(&p.Repository, &p.TotalFailures, &catHist, &dowHist, &hourHist,
		&p.FlakyRate, &p.AvgResolutionMinutes, &p.SuccessRate, &detected, &p.ComputedAt); err != nil {
		if err == sql.ErrNoRows {
			return types.PersonalityProfile{}, false, nil
		}
		return types.PersonalityProfile{}, false, fmt.Errorf("postgres: get personality profile: %w", err)
	}
	_ = json.Unmarshal(catHist, &p.CategoryHistogram)
	_ = json.Unmarshal(dowHist, &p.DayOfWeekHistogram)
	_ = json.Unmarshal(hourHist, &p.HourHistogram)
	_ = json.Unmarshal(detected, &p.DetectedPatterns)
	return p, true, nil
}

func (s *Store) UpsertPersonalityProfile(ctx context.Context, p types.PersonalityProfile) error {
	catHist, _ := json.Marshal(p.CategoryHistogram)
	dowHist, _ := json.Marshal(p.DayOfWeekHistogram)
	hourHist, _ := json.Marshal(p.HourHistogram)
	detected, _ := json.Marshal(p.DetectedPatterns)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO personality_profiles (repository, total_failures, category_histogram, day_of_week_histogram,
			hour_histogram, flaky_rate, avg_resolution_minutes, success_rate, detected_patterns, computed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (repository) DO UPDATE SET
			total_failures = EXCLUDED.total_failures, category_histogram = EXCLUDED.category_histogram,
			day_of_week_histogram = EXCLUDED.day_of_week_histogram, hour_histogram = EXCLUDED.hour_histogram,
			flaky_rate = EXCLUDED.flaky_rate, avg_resolution_minutes = EXCLUDED.avg_resolution_minutes,
			success_rate = EXCLUDED.success_rate, detected_patterns = EXCLUDED.detected_patterns,
			computed_at = EXCLUDED.computed_at
	`, p.Repository, p.TotalFailures, catHist, dowHist, hourHist, p.FlakyRate,
		p.AvgResolutionMinutes, p.SuccessRate, detected, p.ComputedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert personality profile: %w", err)
	}
	return nil
}

func (s *Store) AppendAudit(ctx context.Context, a types.AuditEntry) error {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, timestamp, actor, action_kind, failure_id, outcome, details, error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, a.ID, a.Timestamp, a.Actor, a.ActionKind, a.FailureID, a.Outcome, details, a.Error)
	if err != nil {
		return fmt.Errorf("postgres: append audit: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, f store.Filter) ([]types.AuditEntry, error) {
	q := `SELECT * FROM audit_entries WHERE ($1::timestamptz IS NULL OR timestamp >= $1)
		AND ($2::timestamptz IS NULL OR timestamp <= $2) ORDER BY timestamp DESC`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := s.db.QueryxContext(ctx, q, nullTime(f.From), nullTime(f.To))
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit: %w", err)
	}
	defer rows.Close()
	var out []types.AuditEntry
	for rows.Next() {
		var a types.AuditEntry
		var details []byte
		if err := rows.Scan(&a.ID, &a.Timestamp, &a.Actor, &a.ActionKind, &a.FailureID, &a.Outcome, &details, &a.Error); err != nil {
			return nil, fmt.Errorf("postgres: scan audit entry: %w", err)
		}
		_ = json.Unmarshal(details, &a.Details)
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
