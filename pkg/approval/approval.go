// Package approval implements ApprovalManager (§4.8): reviewer selection
// by risk_score, a native approval checkpoint via a review-gated deployment
// environment, a summarizing PR comment, and deployment-status polling.
package approval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ci-remediator/ci-remediator/internal/clock"
	"github.com/ci-remediator/ci-remediator/pkg/notifier"
	"github.com/ci-remediator/ci-remediator/pkg/store"
	"github.com/ci-remediator/ci-remediator/pkg/types"
	"github.com/ci-remediator/ci-remediator/pkg/vcs"
)

const reviewEnvironment = "ci-remediator-review"

// ReviewerConfig resolves the configured reviewer pools per repository.
type ReviewerConfig interface {
	SeniorReviewersFor(repo string) []string
	AnyReviewersFor(repo string) []string
}

// Manager handles the RequireApproval escalation path.
type Manager struct {
	vcs       vcs.VcsClient
	store     store.Store
	notifier  notifier.Notifier
	reviewers ReviewerConfig
	clock     clock.Clock
	timeout   time.Duration
	dryRun    bool
}

func New(vc vcs.VcsClient, s store.Store, n notifier.Notifier, reviewers ReviewerConfig, clk clock.Clock, timeout time.Duration, dryRun bool) *Manager {
	return &Manager{vcs: vc, store: s, notifier: n, reviewers: reviewers, clock: clk, timeout: timeout, dryRun: dryRun}
}

func digest(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:8])
}

// simulatedDeploymentID is a sentinel deploymentID threaded through
// EnvironmentName for a dry-run ApprovalRequest: it still round-trips
// through deploymentIDFromEnvironment's %d parse, but is negative so
// PollOne can recognize and skip it without a real GetDeploymentStatus
// call against a deployment that was never actually created.
const simulatedDeploymentID int64 = -1

// SelectReviewers implements §4.8's risk-scaled reviewer selection.
func SelectReviewers(riskScore int, senior, any []string) []string {
	switch {
	case riskScore >= 8:
		return firstN(senior, 2)
	case riskScore >= 5:
		return firstN(senior, 1)
	default:
		return firstN(any, 1)
	}
}

func firstN(pool []string, n int) []string {
	if len(pool) <= n {
		return pool
	}
	return pool[:n]
}

// RequestApproval creates the deployment checkpoint and the summarizing PR
// comment, and persists the resulting ApprovalRequest.
func (m *Manager) RequestApproval(ctx context.Context, f types.Failure, a types.Analysis, decision types.SafetyDecision, prNumber int) (types.ApprovalRequest, error) {
	senior := m.reviewers.SeniorReviewersFor(f.Repository)
	any := m.reviewers.AnyReviewersFor(f.Repository)
	reviewers := SelectReviewers(a.RiskScore, senior, any)

	ref := fmt.Sprintf("ci-remediator/%s", f.FailureID)
	comment := summaryComment(a, decision, reviewers)

	var deploymentID int64
	var dryRunActions []string
	if m.dryRun {
		deploymentID = simulatedDeploymentID
		dryRunActions = append(dryRunActions,
			fmt.Sprintf("create_deployment:%s", digest(ref+reviewEnvironment)),
			fmt.Sprintf("comment_on_pr:%s", digest(comment)),
		)
	} else {
		var err error
		deploymentID, err = m.vcs.CreateDeployment(ctx, f.Repository, ref, reviewEnvironment)
		if err != nil {
			return types.ApprovalRequest{}, fmt.Errorf("approval: creating review deployment: %w", err)
		}
		if err := m.vcs.CommentOnPR(ctx, f.Repository, prNumber, comment); err != nil {
			return types.ApprovalRequest{}, fmt.Errorf("approval: commenting on PR: %w", err)
		}
	}

	now := m.clock.Now()
	req := types.ApprovalRequest{
		RequestID:         uuid.NewString(),
		FailureID:         f.FailureID,
		Repository:        f.Repository,
		PRNumber:          prNumber,
		RequiredReviewers: reviewers,
		EnvironmentName:   fmt.Sprintf("%s/%d", reviewEnvironment, deploymentID),
		Status:            types.ApprovalPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(m.timeout),
	}
	if err := req.Validate(); err != nil {
		return types.ApprovalRequest{}, err
	}
	if err := m.store.InsertApprovalRequest(ctx, req); err != nil {
		return types.ApprovalRequest{}, err
	}

	if m.dryRun {
		dryRunActions = append(dryRunActions, "notify:"+digest(string(notifier.KindApprovalRequest)+f.FailureID))
		if err := m.store.AppendAudit(ctx, types.AuditEntry{
			ID:         uuid.NewString(),
			Timestamp:  now,
			Actor:      "approval_manager",
			ActionKind: "dry_run_request_approval",
			FailureID:  f.FailureID,
			Outcome:    types.AuditSuccess,
			Details:    map[string]interface{}{"actions": dryRunActions},
		}); err != nil {
			return types.ApprovalRequest{}, err
		}
		return req, nil
	}

	if err := m.notifier.Send(ctx, f.Repository, notifier.KindApprovalRequest, notifier.Payload{
		"failure_id": f.FailureID,
		"reviewers":  reviewers,
		"pr_number":  prNumber,
	}); err != nil {
		return types.ApprovalRequest{}, err
	}
	return req, nil
}

func summaryComment(a types.Analysis, decision types.SafetyDecision, reviewers []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Remediation pending approval\n\nrisk_score=%d blast_radius=%.1f (%s)\n\n",
		a.RiskScore, decision.BlastRadius.Score, decision.BlastRadius.Level)
	b.WriteString("### Analysis\n")
	b.WriteString(a.Reasoning)
	b.WriteString("\n\n### Gate trail\n")
	for _, o := range decision.Outcomes {
		fmt.Fprintf(&b, "- %s: %s (%s)\n", o.Gate, passFail(o.Passed), o.Reason)
	}
	b.WriteString("\n### Required reviewers\n")
	for _, r := range reviewers {
		fmt.Fprintf(&b, "- @%s\n", r)
	}
	return b.String()
}

func passFail(passed bool) string {
	if passed {
		return "pass"
	}
	return "escalated"
}

// PollOne checks a single pending ApprovalRequest's deployment status and
// resolves it if the platform has returned a terminal state, or if it has
// expired. It never transitions Failure state directly; the caller
// (Orchestrator) observes the resolved ApprovalRequest and reacts.
func (m *Manager) PollOne(ctx context.Context, req types.ApprovalRequest) (types.ApprovalRequest, error) {
	if req.Status != types.ApprovalPending {
		return req, nil
	}

	now := m.clock.Now()
	if req.IsExpired(now) {
		req.Status = types.ApprovalExpired
		req.ResolvedAt = &now
		if err := m.store.UpdateApprovalRequest(ctx, req); err != nil {
			return req, err
		}
		return req, nil
	}

	deploymentID, err := deploymentIDFromEnvironment(req.EnvironmentName)
	if err != nil {
		return req, err
	}
	if deploymentID == simulatedDeploymentID {
		// A dry-run request never created a real deployment to review;
		// it stays pending until it expires, same as a request nobody
		// has acted on yet.
		return req, nil
	}
	status, err := m.vcs.GetDeploymentStatus(ctx, req.Repository, deploymentID)
	if err != nil {
		return req, fmt.Errorf("approval: polling deployment status: %w", err)
	}

	switch status {
	case vcs.DeploymentApproved:
		req.Status = types.ApprovalApproved
		req.ResolvedAt = &now
		req.ResolvedBy = "deployment_reviewer"
	case vcs.DeploymentRejected:
		req.Status = types.ApprovalRejected
		req.ResolvedAt = &now
	default:
		return req, nil
	}

	if err := m.store.UpdateApprovalRequest(ctx, req); err != nil {
		return req, err
	}
	return req, nil
}

func deploymentIDFromEnvironment(env string) (int64, error) {
	var id int64
	if _, err := fmt.Sscanf(env, reviewEnvironment+"/%d", &id); err != nil {
		return 0, fmt.Errorf("approval: malformed environment name %q: %w", env, err)
	}
	return id, nil
}
