// Package store defines the Store abstraction of §6: durable records for
// every entity in §3, behind upsert/get/list/delete and an append-only
// audit query surface.
package store

import (
	"context"
	"time"

	"github.com/ci-remediator/ci-remediator/pkg/types"
)

// Filter narrows a list query. Zero-value fields are ignored.
type Filter struct {
	Repository string
	Status     string
	Kind       string
	From       time.Time
	To         time.Time
	Limit      int
}

// Store is the abstract persistence surface every decision service and the
// Orchestrator depend on. All methods must respect ctx's deadline; no
// default per-call deadline is applied, so a call is bounded only by the
// deadline the caller sets on ctx.
type Store interface {
	// Failures
	UpsertFailure(ctx context.Context, f types.Failure) error
	GetFailure(ctx context.Context, id string) (types.Failure, error)
	FindFailureByRun(ctx context.Context, repo string, runID int64) (types.Failure, bool, error)
	ListFailures(ctx context.Context, f Filter) ([]types.Failure, error)

	// Analyses
	UpsertAnalysis(ctx context.Context, a types.Analysis) error
	GetAnalysis(ctx context.Context, failureID string) (types.Analysis, error)

	// DecisionRecords
	InsertDecisionRecord(ctx context.Context, d types.DecisionRecord) error
	ListDecisionRecords(ctx context.Context, failureID string) ([]types.DecisionRecord, error)

	// CircuitState
	GetCircuitState(ctx context.Context, signature string) (types.CircuitState, bool, error)
	UpsertCircuitState(ctx context.Context, c types.CircuitState) error
	ListOpenCircuits(ctx context.Context) ([]types.CircuitState, error)

	// Snapshots
	InsertSnapshot(ctx context.Context, s types.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (types.Snapshot, error)
	UpdateSnapshotStatus(ctx context.Context, id string, status types.SnapshotStatus) error
	ListExpiredSnapshots(ctx context.Context, asOf time.Time) ([]types.Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error

	// HealthChecks
	InsertHealthCheck(ctx context.Context, h types.HealthCheck) error
	ResolveHealthCheck(ctx context.Context, h types.HealthCheck) error
	ListPendingHealthChecks(ctx context.Context) ([]types.HealthCheck, error)

	// ApprovalRequests
	InsertApprovalRequest(ctx context.Context, a types.ApprovalRequest) error
	UpdateApprovalRequest(ctx context.Context, a types.ApprovalRequest) error
	GetApprovalRequest(ctx context.Context, id string) (types.ApprovalRequest, error)
	ListPendingApprovals(ctx context.Context) ([]types.ApprovalRequest, error)

	// Patterns
	InsertPattern(ctx context.Context, p types.Pattern) error
	ListPatterns(ctx context.Context, repo string) ([]types.Pattern, error)
	CountPatterns(ctx context.Context, repo string) (int, error)
	DeleteOldestPattern(ctx context.Context, repo string) error

	// PersonalityProfile
	GetPersonalityProfile(ctx context.Context, repo string) (types.PersonalityProfile, bool, error)
	UpsertPersonalityProfile(ctx context.Context, p types.PersonalityProfile) error

	// AuditEntries (append-only)
	AppendAudit(ctx context.Context, a types.AuditEntry) error
	ListAudit(ctx context.Context, f Filter) ([]types.AuditEntry, error)
}
