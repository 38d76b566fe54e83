// Package executor implements the Executor of §4.7: snapshot before edit,
// branch from the failing ref, apply the Classifier's proposed edits, open
// a PR against the failing branch, and schedule a health check. Every
// outbound state-changing call is interceptable in dry-run mode.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ci-remediator/ci-remediator/internal/clock"
	"github.com/ci-remediator/ci-remediator/pkg/snapshot"
	"github.com/ci-remediator/ci-remediator/pkg/store"
	"github.com/ci-remediator/ci-remediator/pkg/types"
	"github.com/ci-remediator/ci-remediator/pkg/vcs"
)

// DryRunAction is one intercepted state-changing call, recorded instead of
// executed when the Executor runs in dry-run mode (§4.7).
type DryRunAction struct {
	Action        string `json:"action"`
	Target        string `json:"target"`
	PayloadDigest string `json:"payload_digest"`
}

// Report is the outcome of one Remediate call.
type Report struct {
	RemediationID string
	Snapshot      types.Snapshot
	FixBranch     string
	PR            vcs.PR
	HealthCheck   types.HealthCheck
	DryRun        bool
	DryRunActions []DryRunAction
}

// Executor applies an allowed Analysis as a PR against the failing branch.
type Executor struct {
	vcs             vcs.VcsClient
	store           store.Store
	snapshots       *snapshot.Manager
	healthChecks    *snapshot.HealthChecker
	clock           clock.Clock
	dryRun          bool
	fixBranchPrefix string
	healthDelay     time.Duration
}

func New(vc vcs.VcsClient, s store.Store, snapshots *snapshot.Manager, healthChecks *snapshot.HealthChecker, clk clock.Clock, dryRun bool, fixBranchPrefix string, healthDelay time.Duration) *Executor {
	return &Executor{
		vcs: vc, store: s, snapshots: snapshots, healthChecks: healthChecks,
		clock: clk, dryRun: dryRun, fixBranchPrefix: fixBranchPrefix, healthDelay: healthDelay,
	}
}

func digest(payload string) string {
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:8])
}

// Remediate runs the full §4.7 sequence for an allowed Analysis against f.
// Branch source and PR base are both f.Branch; targeting the default
// branch is never permitted here.
func (e *Executor) Remediate(ctx context.Context, f types.Failure, a types.Analysis) (Report, error) {
	// One remediation attempt per Failure: a replay on the same signature
	// is blocked upstream by the circuit or by PR dedup (§4.7), so the
	// Failure's own id doubles as the remediation id and lets the
	// Orchestrator and HealthChecker map a Snapshot straight back to it.
	remediationID := f.FailureID
	report := Report{RemediationID: remediationID, DryRun: e.dryRun}

	snap, err := e.snapshots.Capture(ctx, f.Repository, remediationID, f.Branch, f.CommitHash, a.FilesToModify)
	if err != nil {
		return report, fmt.Errorf("executor: snapshot aborted remediation: %w", err)
	}
	report.Snapshot = snap

	fixBranch := fmt.Sprintf("%s/%s", e.fixBranchPrefix, remediationID)
	report.FixBranch = fixBranch

	if e.dryRun {
		report.DryRunActions = append(report.DryRunActions, DryRunAction{
			Action: "create_branch", Target: fmt.Sprintf("%s@%s", fixBranch, f.CommitHash),
			PayloadDigest: digest(fixBranch + f.CommitHash),
		})
	} else if err := e.vcs.CreateBranch(ctx, f.Repository, fixBranch, f.CommitHash); err != nil {
		return report, fmt.Errorf("executor: creating fix branch: %w", err)
	}

	for _, op := range a.FixOperations {
		if err := e.applyOp(ctx, f.Repository, fixBranch, op, &report); err != nil {
			return report, err
		}
	}

	prReq := vcs.PRRequest{
		Title: fmt.Sprintf("ci-remediator: fix %s", f.WorkflowName),
		Body:  a.Reasoning,
		Base:  f.Branch,
		Head:  fixBranch,
	}
	if e.dryRun {
		report.DryRunActions = append(report.DryRunActions, DryRunAction{
			Action: "open_pr", Target: fmt.Sprintf("%s<-%s", f.Branch, fixBranch),
			PayloadDigest: digest(prReq.Title + prReq.Body),
		})
		report.PR = vcs.PR{Base: f.Branch, Head: fixBranch, State: "simulated"}
	} else {
		pr, err := e.vcs.OpenPR(ctx, f.Repository, prReq)
		if err != nil {
			return report, fmt.Errorf("executor: opening PR: %w", err)
		}
		report.PR = pr
	}

	if e.dryRun {
		report.DryRunActions = append(report.DryRunActions, DryRunAction{
			Action: "schedule_health_check", Target: fmt.Sprintf("%s@%s", remediationID, snap.SnapshotID),
			PayloadDigest: digest(remediationID + snap.SnapshotID),
		})
	} else {
		hc, err := e.healthChecks.Schedule(ctx, remediationID, snap.SnapshotID, e.healthDelay)
		if err != nil {
			return report, fmt.Errorf("executor: scheduling health check: %w", err)
		}
		report.HealthCheck = hc
	}

	if err := e.store.AppendAudit(ctx, types.AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  e.clock.Now(),
		Actor:      "executor",
		ActionKind: "remediate",
		FailureID:  f.FailureID,
		Outcome:    types.AuditSuccess,
		Details: map[string]interface{}{
			"fix_branch": fixBranch,
			"dry_run":    e.dryRun,
			"pr_number":  report.PR.Number,
		},
	}); err != nil {
		return report, err
	}

	return report, nil
}

func (e *Executor) applyOp(ctx context.Context, repo, fixBranch string, op types.FixOperation, report *Report) error {
	switch op.Operation {
	case "delete":
		if e.dryRun {
			report.DryRunActions = append(report.DryRunActions, DryRunAction{
				Action: "delete_file", Target: fixBranch + ":" + op.Path, PayloadDigest: digest(op.Path),
			})
			return nil
		}
		existing, err := e.vcs.GetFileAtRef(ctx, repo, fixBranch, op.Path)
		if err != nil {
			return fmt.Errorf("executor: reading %s before delete: %w", op.Path, err)
		}
		return e.vcs.DeleteFile(ctx, repo, fixBranch, op.Path, existing.SHA, op.Rationale)
	case "create", "update":
		if e.dryRun {
			report.DryRunActions = append(report.DryRunActions, DryRunAction{
				Action: "put_file", Target: fixBranch + ":" + op.Path, PayloadDigest: digest(op.Content),
			})
			return nil
		}
		var sha string
		if op.Operation == "update" {
			existing, err := e.vcs.GetFileAtRef(ctx, repo, fixBranch, op.Path)
			if err != nil {
				return fmt.Errorf("executor: reading %s before update: %w", op.Path, err)
			}
			sha = existing.SHA
		}
		return e.vcs.PutFile(ctx, repo, fixBranch, op.Path, []byte(op.Content), sha, op.Rationale)
	default:
		return fmt.Errorf("executor: unknown fix operation %q for %s", op.Operation, op.Path)
	}
}
