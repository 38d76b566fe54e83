// Package orchestrator drives each Failure through the §4.9 state machine,
// enforces per-repository serialization and a bounded worker pool, and
// wires the decision services and control-loop components together. It
// owns no business logic beyond sequencing and error translation.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ci-remediator/ci-remediator/internal/clock"
	domainerrors "github.com/ci-remediator/ci-remediator/internal/errors"
	"github.com/ci-remediator/ci-remediator/pkg/circuitbreaker"
	"github.com/ci-remediator/ci-remediator/pkg/executor"
	"github.com/ci-remediator/ci-remediator/pkg/metrics"
	"github.com/ci-remediator/ci-remediator/pkg/notifier"
	"github.com/ci-remediator/ci-remediator/pkg/snapshot"
	"github.com/ci-remediator/ci-remediator/pkg/store"
	"github.com/ci-remediator/ci-remediator/pkg/types"
)

// ClassifierService is the subset of classifier.Classifier the Orchestrator
// depends on.
type ClassifierService interface {
	Classify(ctx context.Context, f types.Failure) (types.Analysis, error)
}

// GateService is the subset of safety.Gate the Orchestrator depends on.
type GateService interface {
	Evaluate(ctx context.Context, f types.Failure, a types.Analysis) (types.SafetyDecision, error)
}

// CircuitService is the subset of circuitbreaker.Breaker the Orchestrator
// depends on directly (SafetyGate already consults IsAllowed; the
// Orchestrator is responsible for reporting the remediation's eventual
// outcome back to the breaker).
type CircuitService interface {
	RecordSuccess(ctx context.Context, signature string) error
	RecordFailure(ctx context.Context, signature string) (types.CircuitState, error)
}

// ExecutorService is the subset of executor.Executor the Orchestrator
// depends on.
type ExecutorService interface {
	Remediate(ctx context.Context, f types.Failure, a types.Analysis) (executor.Report, error)
}

// ApprovalService is the subset of approval.Manager the Orchestrator
// depends on.
type ApprovalService interface {
	RequestApproval(ctx context.Context, f types.Failure, a types.Analysis, decision types.SafetyDecision, prNumber int) (types.ApprovalRequest, error)
	PollOne(ctx context.Context, req types.ApprovalRequest) (types.ApprovalRequest, error)
}

// HealthCheckService is the subset of snapshot.HealthChecker the
// Orchestrator depends on.
type HealthCheckService interface {
	DueNow(ctx context.Context) ([]types.HealthCheck, error)
	Evaluate(ctx context.Context, hc types.HealthCheck, in snapshot.RuleInput, snap types.Snapshot) (types.HealthCheck, error)
}

// PatternRecorder is the subset of patternmemory.Memory the Orchestrator
// depends on.
type PatternRecorder interface {
	Store(ctx context.Context, p types.Pattern) error
}

// SnapshotReader is the subset of snapshot.Manager the Orchestrator needs
// to run the scheduled snapshot cleanup (ExpireSnapshots).
type SnapshotReader interface {
	ExpireDue(ctx context.Context) (int, error)
}

// Orchestrator sequences a Failure through detect -> analyze -> gate ->
// execute/notify -> verify, per §4.9.
type Orchestrator struct {
	store        store.Store
	classifier   ClassifierService
	gate         GateService
	circuit      CircuitService
	patterns     PatternRecorder
	exec         ExecutorService
	approvals    ApprovalService
	healthChecks HealthCheckService
	notifier     notifier.Notifier
	clock        clock.Clock
	metrics      *metrics.Collectors

	workers   *semaphore.Weighted
	repoLocks sync.Map // repository -> *sync.Mutex
}

// WithMetrics attaches a Collectors set; every recorded method is already
// nil-safe, so this is optional and chainable: orchestrator.New(...).WithMetrics(m).
func (o *Orchestrator) WithMetrics(m *metrics.Collectors) *Orchestrator {
	o.metrics = m
	return o
}

func New(
	s store.Store,
	c ClassifierService,
	g GateService,
	cb CircuitService,
	pm PatternRecorder,
	ex ExecutorService,
	am ApprovalService,
	hc HealthCheckService,
	n notifier.Notifier,
	clk clock.Clock,
	workerPoolSize int64,
) *Orchestrator {
	if workerPoolSize < 1 {
		workerPoolSize = 8
	}
	return &Orchestrator{
		store: s, classifier: c, gate: g, circuit: cb, patterns: pm,
		exec: ex, approvals: am, healthChecks: hc, notifier: n, clock: clk,
		workers: semaphore.NewWeighted(workerPoolSize),
	}
}

func (o *Orchestrator) repoMutex(repo string) *sync.Mutex {
	m, _ := o.repoLocks.LoadOrStore(repo, &sync.Mutex{})
	return m.(*sync.Mutex)
}

// Dispatch acquires a worker-pool slot and this Failure's repository lock,
// then advances it exactly one state-machine step. The pool bounds
// cross-repository concurrency; the per-repo lock preserves causal
// ordering within a repository (§5).
func (o *Orchestrator) Dispatch(ctx context.Context, f types.Failure) error {
	if err := o.workers.Acquire(ctx, 1); err != nil {
		return err
	}
	defer o.workers.Release(1)

	mu := o.repoMutex(f.Repository)
	mu.Lock()
	defer mu.Unlock()

	return o.step(ctx, f)
}

func (o *Orchestrator) step(ctx context.Context, f types.Failure) error {
	switch f.Status {
	case types.FailureDetected:
		return o.classify(ctx, f)
	case types.FailureAnalyzed:
		return o.evaluateGate(ctx, f)
	default:
		return fmt.Errorf("orchestrator: failure %s in non-dispatchable status %q", f.FailureID, f.Status)
	}
}

func (o *Orchestrator) classify(ctx context.Context, f types.Failure) error {
	analysis, err := o.classifier.Classify(ctx, f)
	if err != nil {
		return o.transition(ctx, f, types.FailureFailed, "classification error: "+err.Error())
	}
	if err := o.store.UpsertAnalysis(ctx, analysis); err != nil {
		return err
	}
	if err := o.recordDecision(ctx, f.FailureID, types.DecisionClassification,
		fmt.Sprintf("%s:%s", analysis.ErrorType, analysis.Category), analysis.Confidence); err != nil {
		return err
	}

	if analysis.ErrorType == types.ErrorTypeDeveloper {
		if err := o.notifier.Send(ctx, f.Repository, notifier.KindAnalysis, notifier.Payload{
			"failure_id":  f.FailureID,
			"repository":  f.Repository,
			"category":    analysis.Category,
			"confidence":  analysis.Confidence,
			"proposed_fix": analysis.ProposedFix,
		}); err != nil {
			return err
		}
		return o.transition(ctx, f, types.FailureDeveloperNotified, "developer-owned failure; routed to notification")
	}

	return o.transition(ctx, f, types.FailureAnalyzed, "")
}

func (o *Orchestrator) evaluateGate(ctx context.Context, f types.Failure) error {
	analysis, err := o.store.GetAnalysis(ctx, f.FailureID)
	if err != nil {
		return err
	}

	decision, err := o.gate.Evaluate(ctx, f, analysis)
	if err != nil {
		return err
	}
	if err := o.recordDecision(ctx, f.FailureID, types.DecisionRiskAssessment, string(decision.Verdict), analysis.Confidence); err != nil {
		return err
	}

	signature := circuitbreaker.Signature(f.Repository, f.Branch, f.FailureReason)

	switch decision.Verdict {
	case types.VerdictBlock:
		return o.transition(ctx, f, types.FailureFailed, "blocked by safety gate")

	case types.VerdictAutoApply, types.VerdictAutoApplySimulated:
		report, err := o.exec.Remediate(ctx, f, analysis)
		if err != nil {
			if _, cbErr := o.circuit.RecordFailure(ctx, signature); cbErr != nil {
				return cbErr
			}
			return o.transition(ctx, f, types.FailureFailed, "executor error: "+err.Error())
		}
		f.PRNumber = report.PR.Number
		if err := o.transition(ctx, f, types.FailurePROpen, fmt.Sprintf("pr #%d opened (dry_run=%v)", report.PR.Number, report.DryRun)); err != nil {
			return err
		}
		return nil

	case types.VerdictRequireApproval:
		report, err := o.exec.Remediate(ctx, f, analysis)
		if err != nil {
			if _, cbErr := o.circuit.RecordFailure(ctx, signature); cbErr != nil {
				return cbErr
			}
			return o.transition(ctx, f, types.FailureFailed, "executor error: "+err.Error())
		}
		if _, err := o.approvals.RequestApproval(ctx, f, analysis, decision, report.PR.Number); err != nil {
			return err
		}
		f.PRNumber = report.PR.Number
		return o.transition(ctx, f, types.FailurePROpen, fmt.Sprintf("pr #%d opened, awaiting approval", report.PR.Number))

	default:
		return fmt.Errorf("orchestrator: unknown verdict %q", decision.Verdict)
	}
}

// ResolveApprovals polls every pending ApprovalRequest once and reacts to
// any that resolved (§4.8's merge-gate lifecycle).
func (o *Orchestrator) ResolveApprovals(ctx context.Context) error {
	pending, err := o.store.ListPendingApprovals(ctx)
	if err != nil {
		return err
	}
	for _, req := range pending {
		resolved, err := o.approvals.PollOne(ctx, req)
		if err != nil {
			return err
		}
		if resolved.Status == types.ApprovalPending {
			continue
		}
		if err := o.reactToApproval(ctx, resolved); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) reactToApproval(ctx context.Context, req types.ApprovalRequest) error {
	f, err := o.store.GetFailure(ctx, req.FailureID)
	if err != nil {
		return err
	}
	if f.Status.Terminal() {
		return nil // already resolved by a racing health check
	}

	signature := circuitbreaker.Signature(f.Repository, f.Branch, f.FailureReason)
	switch req.Status {
	case types.ApprovalApproved:
		if err := o.circuit.RecordSuccess(ctx, signature); err != nil {
			return err
		}
		if err := o.recordPattern(ctx, f); err != nil {
			return err
		}
		return o.transition(ctx, f, types.FailureRemediated, "approved by "+req.ResolvedBy)
	case types.ApprovalRejected, types.ApprovalExpired:
		if _, err := o.circuit.RecordFailure(ctx, signature); err != nil {
			return err
		}
		if err := o.notifier.Send(ctx, f.Repository, notifier.KindCritical, notifier.Payload{
			"reason":     "approval " + string(req.Status),
			"failure_id": f.FailureID,
		}); err != nil {
			return err
		}
		return o.transition(ctx, f, types.FailureFailed, "approval "+string(req.Status))
	}
	return nil
}

// RunHealthChecks evaluates every due HealthCheck and reacts to its
// outcome: a pass closes the remediation out as succeeded, a failure has
// already triggered rollback inside HealthCheckService.Evaluate.
func (o *Orchestrator) RunHealthChecks(ctx context.Context, snapshots func(ctx context.Context, snapshotID string) (types.Snapshot, error), inputs func(types.HealthCheck) snapshot.RuleInput) error {
	due, err := o.healthChecks.DueNow(ctx)
	if err != nil {
		return err
	}
	for _, hc := range due {
		snap, err := snapshots(ctx, hc.SnapshotID)
		if err != nil {
			return err
		}
		resolved, err := o.healthChecks.Evaluate(ctx, hc, inputs(hc), snap)
		if err != nil {
			return err
		}
		if err := o.reactToHealthCheck(ctx, resolved, snap); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) reactToHealthCheck(ctx context.Context, hc types.HealthCheck, snap types.Snapshot) error {
	// The Executor mints one remediation per Failure and reuses the
	// Failure's own id as the remediation id (see executor.Remediate).
	f, err := o.store.GetFailure(ctx, hc.RemediationID)
	if err != nil {
		return err
	}
	if f.Status.Terminal() {
		return nil
	}

	signature := circuitbreaker.Signature(f.Repository, f.Branch, f.FailureReason)
	if hc.Passed != nil && *hc.Passed {
		if err := o.circuit.RecordSuccess(ctx, signature); err != nil {
			return err
		}
		if err := o.recordPattern(ctx, f); err != nil {
			return err
		}
		return o.transition(ctx, f, types.FailureRemediated, "health check passed")
	}

	if _, err := o.circuit.RecordFailure(ctx, signature); err != nil {
		return err
	}
	return o.transition(ctx, f, types.FailureRolledBack, "health check failed, rollback triggered")
}

// ExpireSnapshots runs the daily snapshot-cleanup background job (§5).
func (o *Orchestrator) ExpireSnapshots(ctx context.Context, snapshots SnapshotReader) (int, error) {
	return snapshots.ExpireDue(ctx)
}

// RefreshGauges runs the §5 metric-threshold evaluator job: it recomputes
// the open-circuit count and the total pattern count across every
// configured repository and pushes them into the attached Collectors.
func (o *Orchestrator) RefreshGauges(ctx context.Context, repositories []string) error {
	open, err := o.store.ListOpenCircuits(ctx)
	if err != nil {
		return err
	}
	o.metrics.SetCircuitsOpen(len(open))

	total := 0
	for _, repo := range repositories {
		n, err := o.store.CountPatterns(ctx, repo)
		if err != nil {
			return err
		}
		total += n
	}
	o.metrics.SetPatternsTotal(total)
	return nil
}

// categoryWeight mirrors the teacher's named-weight-lookup idiom for
// summarizing a heterogeneous set of records into a single ranked list:
// categories seen more often in a trailing window surface first in the
// weekly report regardless of how many repositories contributed them.
func categoryWeight(counts map[string]int, category string) int {
	return counts[category]
}

// WeeklyHealthReport runs the §5 weekly background job: it aggregates the
// trailing 7 days of Failures across repositories and sends one
// notifier.KindWeeklyReport message per repository summarizing failure
// volume, remediation success rate, open circuits, and the top categories.
func (o *Orchestrator) WeeklyHealthReport(ctx context.Context, repositories []string) error {
	now := o.clock.Now()
	since := now.Add(-7 * 24 * time.Hour)

	openCircuits, err := o.store.ListOpenCircuits(ctx)
	if err != nil {
		return err
	}
	openSignatures := make(map[string]bool, len(openCircuits))
	for _, c := range openCircuits {
		openSignatures[c.Signature] = true
	}

	for _, repo := range repositories {
		failures, err := o.store.ListFailures(ctx, store.Filter{Repository: repo, From: since, To: now})
		if err != nil {
			return err
		}

		var succeeded, resolved, openForRepo int
		counts := make(map[string]int)
		for _, f := range failures {
			switch f.Status {
			case types.FailureRemediated:
				succeeded++
				resolved++
			case types.FailureRolledBack, types.FailureFailed:
				resolved++
			}
			if a, err := o.store.GetAnalysis(ctx, f.FailureID); err == nil {
				counts[a.Category]++
			}
			if openSignatures[circuitbreaker.Signature(f.Repository, f.Branch, f.FailureReason)] {
				openForRepo++
			}
		}
		successRate := 0.0
		if resolved > 0 {
			successRate = float64(succeeded) / float64(resolved)
		}

		categories := make([]string, 0, len(counts))
		for category := range counts {
			categories = append(categories, category)
		}
		sort.Slice(categories, func(i, j int) bool {
			return categoryWeight(counts, categories[i]) > categoryWeight(counts, categories[j])
		})
		if len(categories) > 3 {
			categories = categories[:3]
		}

		if err := o.notifier.Send(ctx, repo, notifier.KindWeeklyReport, notifier.Payload{
			"repository":     repo,
			"failure_count":  len(failures),
			"success_rate":   successRate,
			"open_circuits":  openForRepo,
			"top_categories": categories,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) transition(ctx context.Context, f types.Failure, to types.FailureStatus, reason string) error {
	f.Status = to
	if to.Terminal() {
		f.TerminalReason = reason
	}
	if err := f.Validate(); err != nil {
		return domainerrors.New(domainerrors.CategoryIntegrity, "illegal_transition", err.Error(), nil)
	}
	if err := o.store.UpsertFailure(ctx, f); err != nil {
		return err
	}
	outcome := types.AuditSuccess
	if to == types.FailureFailed || to == types.FailureRolledBack {
		outcome = types.AuditFailure
	}
	switch to {
	case types.FailurePROpen:
		o.metrics.RemediationOpened(f.Repository)
	case types.FailureRemediated:
		o.metrics.RemediationSucceeded(f.Repository)
	case types.FailureRolledBack:
		o.metrics.Rollback(f.Repository)
	}
	return o.store.AppendAudit(ctx, types.AuditEntry{
		ID:         uuid.NewString(),
		Timestamp:  o.clock.Now(),
		Actor:      "orchestrator",
		ActionKind: "transition:" + string(to),
		FailureID:  f.FailureID,
		Outcome:    outcome,
		Details:    map[string]interface{}{"reason": reason},
	})
}

// recordPattern inserts a PatternMemory entry for a confirmed-successful
// remediation (§3: PatternMemory inserts only when fix_successful=true).
func (o *Orchestrator) recordPattern(ctx context.Context, f types.Failure) error {
	a, err := o.store.GetAnalysis(ctx, f.FailureID)
	if err != nil {
		return err
	}
	return o.patterns.Store(ctx, types.Pattern{
		Repository:       f.Repository,
		Branch:           f.Branch,
		ErrorSignature:   f.FailureReason,
		Category:         a.Category,
		ProposedFix:      a.ProposedFix,
		FilesModified:    a.FilesToModify,
		FixSuccessful:    true,
		ResolutionTimeMS: o.clock.Now().Sub(f.DetectedAt).Milliseconds(),
	})
}

func (o *Orchestrator) recordDecision(ctx context.Context, failureID string, kind types.DecisionKind, chosen string, confidence int) error {
	return o.store.InsertDecisionRecord(ctx, types.DecisionRecord{
		ID:         uuid.NewString(),
		FailureID:  failureID,
		Kind:       kind,
		Chosen:     chosen,
		Confidence: confidence,
		CreatedAt:  o.clock.Now(),
	})
}
