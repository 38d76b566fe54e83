package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ci-remediator/ci-remediator/internal/clock"
	"github.com/ci-remediator/ci-remediator/pkg/notifier"
	"github.com/ci-remediator/ci-remediator/pkg/store"
	"github.com/ci-remediator/ci-remediator/pkg/types"
	"github.com/ci-remediator/ci-remediator/pkg/vcs"
)

// HealthChecker runs the post-PR-open verification of §4.7 and invokes
// rollback when it fails.
type HealthChecker struct {
	store     store.Store
	vcs       vcs.VcsClient
	notifier  notifier.Notifier
	snapshots *Manager
	clock     clock.Clock
}

func NewHealthChecker(s store.Store, vc vcs.VcsClient, n notifier.Notifier, mgr *Manager, clk clock.Clock) *HealthChecker {
	return &HealthChecker{store: s, vcs: vc, notifier: n, snapshots: mgr, clock: clk}
}

// Schedule records a HealthCheck at clock.Now()+delay, per the Executor's
// "schedule a health check" step.
func (h *HealthChecker) Schedule(ctx context.Context, remediationID, snapshotID string, delay time.Duration) (types.HealthCheck, error) {
	hc := types.HealthCheck{
		CheckID:       uuid.NewString(),
		RemediationID: remediationID,
		SnapshotID:    snapshotID,
		ScheduledAt:   h.clock.Now().Add(delay),
	}
	if err := h.store.InsertHealthCheck(ctx, hc); err != nil {
		return types.HealthCheck{}, err
	}
	return hc, nil
}

// DueNow lists every unresolved HealthCheck whose scheduled time has
// arrived.
func (h *HealthChecker) DueNow(ctx context.Context) ([]types.HealthCheck, error) {
	pending, err := h.store.ListPendingHealthChecks(ctx)
	if err != nil {
		return nil, err
	}
	now := h.clock.Now()
	due := make([]types.HealthCheck, 0, len(pending))
	for _, hc := range pending {
		if !hc.ScheduledAt.After(now) {
			due = append(due, hc)
		}
	}
	return due, nil
}

// RuleInput carries the facts a health-check rule set needs: the
// remediation's repository and branch, and the running window since PR
// open used to detect fresh failures.
type RuleInput struct {
	Repository  string
	Branch      string
	FixBranch   string
	SinceUnixMS int64
	PRNumber    int
}

// Evaluate runs the §4.7 rule set against hc and resolves it. On failure it
// invokes rollback against snap and fires a critical notifier alert.
func (h *HealthChecker) Evaluate(ctx context.Context, hc types.HealthCheck, in RuleInput, snap types.Snapshot) (types.HealthCheck, error) {
	checks := []types.HealthCheckOutcome{
		h.checkNoSubsequentFailure(ctx, in),
		h.checkPROpen(in),
	}

	passed := true
	for _, c := range checks {
		if !c.Passed {
			passed = false
		}
	}

	now := h.clock.Now()
	hc.ExecutedAt = &now
	hc.Passed = &passed
	hc.Checks = checks

	if !passed {
		result, err := h.snapshots.Rollback(ctx, snap, in.FixBranch)
		if err != nil {
			return hc, err
		}
		hc.TriggeredRollback = true

		details := map[string]interface{}{"outcomes": result.Outcomes, "partial": result.Partial}
		outcome := types.AuditSuccess
		if result.Partial {
			outcome = types.AuditFailure
		}
		if err := h.store.AppendAudit(ctx, types.AuditEntry{
			ID:         uuid.NewString(),
			Timestamp:  now,
			Actor:      "health_checker",
			ActionKind: "rollback",
			Outcome:    outcome,
			Details:    details,
		}); err != nil {
			return hc, err
		}

		if err := h.notifier.Send(ctx, in.Repository, notifier.KindCritical, notifier.Payload{
			"reason":     "health check failed, rollback triggered",
			"repository": in.Repository,
			"branch":     in.FixBranch,
			"partial":    result.Partial,
		}); err != nil {
			return hc, err
		}
	}

	if err := h.store.ResolveHealthCheck(ctx, hc); err != nil {
		return hc, err
	}
	return hc, nil
}

func (h *HealthChecker) checkNoSubsequentFailure(ctx context.Context, in RuleInput) types.HealthCheckOutcome {
	runs, err := h.vcs.ListFailedRuns(ctx, in.Repository, in.SinceUnixMS)
	if err != nil {
		return types.HealthCheckOutcome{Name: "no_subsequent_failure", Passed: false, Message: err.Error()}
	}
	for _, r := range runs {
		if r.Branch == in.FixBranch || r.Branch == in.Branch {
			return types.HealthCheckOutcome{
				Name:    "no_subsequent_failure",
				Passed:  false,
				Message: fmt.Sprintf("run %d on %s failed again", r.RunID, r.Branch),
			}
		}
	}
	return types.HealthCheckOutcome{Name: "no_subsequent_failure", Passed: true}
}

func (h *HealthChecker) checkPROpen(in RuleInput) types.HealthCheckOutcome {
	if in.PRNumber <= 0 {
		return types.HealthCheckOutcome{Name: "pr_open", Passed: false, Message: "no PR number recorded"}
	}
	return types.HealthCheckOutcome{Name: "pr_open", Passed: true}
}
