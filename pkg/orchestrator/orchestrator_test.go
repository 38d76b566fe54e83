package orchestrator_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ci-remediator/ci-remediator/internal/clock"
	"github.com/ci-remediator/ci-remediator/pkg/circuitbreaker"
	"github.com/ci-remediator/ci-remediator/pkg/executor"
	"github.com/ci-remediator/ci-remediator/pkg/metrics"
	"github.com/ci-remediator/ci-remediator/pkg/notifier"
	"github.com/ci-remediator/ci-remediator/pkg/orchestrator"
	"github.com/ci-remediator/ci-remediator/pkg/snapshot"
	"github.com/ci-remediator/ci-remediator/pkg/store/memory"
	"github.com/ci-remediator/ci-remediator/pkg/types"
	"github.com/ci-remediator/ci-remediator/pkg/vcs"
)

type fakeClassifier struct {
	analysis types.Analysis
	err      error
}

func (f *fakeClassifier) Classify(ctx context.Context, failure types.Failure) (types.Analysis, error) {
	return f.analysis, f.err
}

type fakeGate struct {
	decision types.SafetyDecision
	err      error
}

func (f *fakeGate) Evaluate(ctx context.Context, failure types.Failure, a types.Analysis) (types.SafetyDecision, error) {
	return f.decision, f.err
}

type fakeCircuit struct {
	successes []string
	failures  []string
}

func (f *fakeCircuit) RecordSuccess(ctx context.Context, signature string) error {
	f.successes = append(f.successes, signature)
	return nil
}

func (f *fakeCircuit) RecordFailure(ctx context.Context, signature string) (types.CircuitState, error) {
	f.failures = append(f.failures, signature)
	return types.CircuitState{Signature: signature, State: types.CircuitClosed}, nil
}

type fakeExecutor struct {
	report executor.Report
	err    error
	calls  int
}

func (f *fakeExecutor) Remediate(ctx context.Context, failure types.Failure, a types.Analysis) (executor.Report, error) {
	f.calls++
	return f.report, f.err
}

type fakeApprovals struct {
	requested []string
	poll      types.ApprovalRequest
}

func (f *fakeApprovals) RequestApproval(ctx context.Context, failure types.Failure, a types.Analysis, d types.SafetyDecision, prNumber int) (types.ApprovalRequest, error) {
	f.requested = append(f.requested, failure.FailureID)
	return types.ApprovalRequest{RequestID: "req1", FailureID: failure.FailureID, Status: types.ApprovalPending}, nil
}

func (f *fakeApprovals) PollOne(ctx context.Context, req types.ApprovalRequest) (types.ApprovalRequest, error) {
	return f.poll, nil
}

type fakeHealthChecks struct {
	due      []types.HealthCheck
	evaluate types.HealthCheck
}

func (f *fakeHealthChecks) DueNow(ctx context.Context) ([]types.HealthCheck, error) {
	return f.due, nil
}

func (f *fakeHealthChecks) Evaluate(ctx context.Context, hc types.HealthCheck, in snapshot.RuleInput, snap types.Snapshot) (types.HealthCheck, error) {
	return f.evaluate, nil
}

type recordingPatterns struct{ stored []types.Pattern }

func (r *recordingPatterns) Store(ctx context.Context, p types.Pattern) error {
	r.stored = append(r.stored, p)
	return nil
}

type recordingNotifier struct{ sent []notifier.Kind }

func (r *recordingNotifier) Send(ctx context.Context, channel string, kind notifier.Kind, payload notifier.Payload) error {
	r.sent = append(r.sent, kind)
	return nil
}

func seedFailure(t *testing.T, st *memory.Store, status types.FailureStatus) types.Failure {
	t.Helper()
	f := types.Failure{
		FailureID: "f1", Repository: "x/y", Branch: "feature/broken",
		WorkflowName: "ci", FailureReason: "go test failed", CommitHash: "sha1",
		Status: status, DetectedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, st.UpsertFailure(context.Background(), f))
	return f
}

func TestDispatch_DeveloperErrorRoutesToNotificationWithoutExecutorOrGate(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	f := seedFailure(t, st, types.FailureDetected)

	cls := &fakeClassifier{analysis: types.Analysis{FailureID: "f1", ErrorType: types.ErrorTypeDeveloper, Category: "logic", Confidence: 80}}
	gate := &fakeGate{}
	circuit := &fakeCircuit{}
	ex := &fakeExecutor{}
	n := &recordingNotifier{}
	mclock := clock.NewManual(time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC))
	o := orchestrator.New(st, cls, gate, circuit, &recordingPatterns{}, ex, &fakeApprovals{}, &fakeHealthChecks{}, n, mclock, 4)

	require.NoError(t, o.Dispatch(ctx, f))

	got, err := st.GetFailure(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, types.FailureDeveloperNotified, got.Status)
	require.Equal(t, 0, ex.calls)
	require.Equal(t, []notifier.Kind{notifier.KindAnalysis}, n.sent)
}

func TestDispatch_AutoApplyOpensPR(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	f := seedFailure(t, st, types.FailureAnalyzed)
	require.NoError(t, st.UpsertAnalysis(ctx, types.Analysis{FailureID: "f1", ErrorType: types.ErrorTypeDevOps, Category: "flaky_test", Confidence: 90, RiskScore: 2}))

	gate := &fakeGate{decision: types.SafetyDecision{Verdict: types.VerdictAutoApply}}
	circuit := &fakeCircuit{}
	ex := &fakeExecutor{report: executor.Report{PR: vcs.PR{Number: 5}}}
	mclock := clock.NewManual(time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC))
	o := orchestrator.New(st, &fakeClassifier{}, gate, circuit, &recordingPatterns{}, ex, &fakeApprovals{}, &fakeHealthChecks{}, &recordingNotifier{}, mclock, 4)

	require.NoError(t, o.Dispatch(ctx, f))

	got, err := st.GetFailure(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, types.FailurePROpen, got.Status)
	require.Equal(t, 1, ex.calls)
	require.Equal(t, 5, got.PRNumber, "the opened PR number must persist on the Failure for later health-check rule evaluation")
}

func TestDispatch_BlockTransitionsToFailedWithoutExecutor(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	f := seedFailure(t, st, types.FailureAnalyzed)
	require.NoError(t, st.UpsertAnalysis(ctx, types.Analysis{FailureID: "f1", ErrorType: types.ErrorTypeDevOps, RiskScore: 10}))

	gate := &fakeGate{decision: types.SafetyDecision{Verdict: types.VerdictBlock}}
	ex := &fakeExecutor{}
	mclock := clock.NewManual(time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC))
	o := orchestrator.New(st, &fakeClassifier{}, gate, &fakeCircuit{}, &recordingPatterns{}, ex, &fakeApprovals{}, &fakeHealthChecks{}, &recordingNotifier{}, mclock, 4)

	require.NoError(t, o.Dispatch(ctx, f))

	got, err := st.GetFailure(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, types.FailureFailed, got.Status)
	require.Equal(t, 0, ex.calls)
}

func TestDispatch_RequireApprovalRemediatesThenRequestsApprovalInOrder(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	f := seedFailure(t, st, types.FailureAnalyzed)
	require.NoError(t, st.UpsertAnalysis(ctx, types.Analysis{FailureID: "f1", RiskScore: 9}))

	gate := &fakeGate{decision: types.SafetyDecision{Verdict: types.VerdictRequireApproval}}
	ex := &fakeExecutor{report: executor.Report{PR: vcs.PR{Number: 11}}}
	approvals := &fakeApprovals{}
	mclock := clock.NewManual(time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC))
	o := orchestrator.New(st, &fakeClassifier{}, gate, &fakeCircuit{}, &recordingPatterns{}, ex, approvals, &fakeHealthChecks{}, &recordingNotifier{}, mclock, 4)

	require.NoError(t, o.Dispatch(ctx, f))

	require.Equal(t, 1, ex.calls)
	require.Equal(t, []string{"f1"}, approvals.requested)
	got, err := st.GetFailure(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, types.FailurePROpen, got.Status)
}

func TestResolveApprovals_ApprovedRecordsPatternAndTransitionsToRemediated(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	f := seedFailure(t, st, types.FailurePROpen)
	require.NoError(t, st.UpsertAnalysis(ctx, types.Analysis{FailureID: "f1", Category: "flaky_test", ProposedFix: "retry", FilesToModify: []string{"a.go"}}))
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	resolved := now
	req := types.ApprovalRequest{RequestID: "req1", FailureID: "f1", Status: types.ApprovalApproved, ResolvedBy: "alice", ResolvedAt: &resolved}
	require.NoError(t, st.InsertApprovalRequest(ctx, types.ApprovalRequest{RequestID: "req1", FailureID: "f1", Status: types.ApprovalPending}))

	circuit := &fakeCircuit{}
	patterns := &recordingPatterns{}
	approvals := &fakeApprovals{poll: req}
	mclock := clock.NewManual(now)
	o := orchestrator.New(st, &fakeClassifier{}, &fakeGate{}, circuit, patterns, &fakeExecutor{}, approvals, &fakeHealthChecks{}, &recordingNotifier{}, mclock, 4)

	require.NoError(t, o.ResolveApprovals(ctx))

	got, err := st.GetFailure(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, types.FailureRemediated, got.Status)
	require.Len(t, patterns.stored, 1)
	require.True(t, patterns.stored[0].FixSuccessful)
	require.Equal(t, "flaky_test", patterns.stored[0].Category)
	require.Len(t, circuit.successes, 1)
}

func TestResolveApprovals_RejectedRecordsFailureAndAlerts(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedFailure(t, st, types.FailurePROpen)
	require.NoError(t, st.UpsertAnalysis(ctx, types.Analysis{FailureID: "f1"}))
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	req := types.ApprovalRequest{RequestID: "req1", FailureID: "f1", Status: types.ApprovalRejected, ResolvedAt: &now}
	require.NoError(t, st.InsertApprovalRequest(ctx, types.ApprovalRequest{RequestID: "req1", FailureID: "f1", Status: types.ApprovalPending}))

	circuit := &fakeCircuit{}
	n := &recordingNotifier{}
	approvals := &fakeApprovals{poll: req}
	mclock := clock.NewManual(now)
	o := orchestrator.New(st, &fakeClassifier{}, &fakeGate{}, circuit, &recordingPatterns{}, &fakeExecutor{}, approvals, &fakeHealthChecks{}, n, mclock, 4)

	require.NoError(t, o.ResolveApprovals(ctx))

	got, err := st.GetFailure(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, types.FailureFailed, got.Status)
	require.Len(t, circuit.failures, 1)
	require.Contains(t, n.sent, notifier.KindCritical)
}

func TestResolveApprovals_SkipsAlreadyTerminalFailure(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	seedFailure(t, st, types.FailureRolledBack)
	now := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	req := types.ApprovalRequest{RequestID: "req1", FailureID: "f1", Status: types.ApprovalApproved, ResolvedAt: &now}
	require.NoError(t, st.InsertApprovalRequest(ctx, types.ApprovalRequest{RequestID: "req1", FailureID: "f1", Status: types.ApprovalPending}))

	circuit := &fakeCircuit{}
	approvals := &fakeApprovals{poll: req}
	mclock := clock.NewManual(now)
	o := orchestrator.New(st, &fakeClassifier{}, &fakeGate{}, circuit, &recordingPatterns{}, &fakeExecutor{}, approvals, &fakeHealthChecks{}, &recordingNotifier{}, mclock, 4)

	require.NoError(t, o.ResolveApprovals(ctx))

	got, err := st.GetFailure(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, types.FailureRolledBack, got.Status, "a racing health check already resolved this failure")
	require.Empty(t, circuit.successes)
}

func TestRunHealthChecks_PassingCheckRecordsPatternAndRemediates(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	f := seedFailure(t, st, types.FailurePROpen)
	require.NoError(t, st.UpsertAnalysis(ctx, types.Analysis{FailureID: "f1", Category: "flaky_test"}))

	passed := true
	hc := types.HealthCheck{CheckID: "c1", RemediationID: "f1", SnapshotID: "s1", Passed: &passed}
	healthChecks := &fakeHealthChecks{due: []types.HealthCheck{{CheckID: "c1", RemediationID: "f1", SnapshotID: "s1"}}, evaluate: hc}
	circuit := &fakeCircuit{}
	patterns := &recordingPatterns{}
	mclock := clock.NewManual(time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC))
	o := orchestrator.New(st, &fakeClassifier{}, &fakeGate{}, circuit, patterns, &fakeExecutor{}, &fakeApprovals{}, healthChecks, &recordingNotifier{}, mclock, 4)

	snapLookup := func(ctx context.Context, id string) (types.Snapshot, error) { return types.Snapshot{SnapshotID: id}, nil }
	inputBuilder := func(h types.HealthCheck) snapshot.RuleInput { return snapshot.RuleInput{Repository: "x/y"} }

	require.NoError(t, o.RunHealthChecks(ctx, snapLookup, inputBuilder))

	got, err := st.GetFailure(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, types.FailureRemediated, got.Status)
	require.Len(t, patterns.stored, 1)
	require.Len(t, circuit.successes, 1)
}

func TestRunHealthChecks_FailingCheckRollsBack(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	f := seedFailure(t, st, types.FailurePROpen)
	require.NoError(t, st.UpsertAnalysis(ctx, types.Analysis{FailureID: "f1"}))

	failed := false
	hc := types.HealthCheck{CheckID: "c1", RemediationID: "f1", SnapshotID: "s1", Passed: &failed, TriggeredRollback: true}
	healthChecks := &fakeHealthChecks{due: []types.HealthCheck{{CheckID: "c1", RemediationID: "f1", SnapshotID: "s1"}}, evaluate: hc}
	circuit := &fakeCircuit{}
	mclock := clock.NewManual(time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC))
	o := orchestrator.New(st, &fakeClassifier{}, &fakeGate{}, circuit, &recordingPatterns{}, &fakeExecutor{}, &fakeApprovals{}, healthChecks, &recordingNotifier{}, mclock, 4)

	snapLookup := func(ctx context.Context, id string) (types.Snapshot, error) { return types.Snapshot{SnapshotID: id}, nil }
	inputBuilder := func(h types.HealthCheck) snapshot.RuleInput { return snapshot.RuleInput{Repository: "x/y"} }

	require.NoError(t, o.RunHealthChecks(ctx, snapLookup, inputBuilder))

	got, err := st.GetFailure(ctx, "f1")
	require.NoError(t, err)
	require.Equal(t, types.FailureRolledBack, got.Status)
	require.Len(t, circuit.failures, 1)
}

func TestExpireSnapshots_DelegatesToSnapshotManager(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	mclock := clock.NewManual(time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC))
	o := orchestrator.New(st, &fakeClassifier{}, &fakeGate{}, &fakeCircuit{}, &recordingPatterns{}, &fakeExecutor{}, &fakeApprovals{}, &fakeHealthChecks{}, &recordingNotifier{}, mclock, 4)

	mgr := snapshot.New(st, nil, mclock, 7*24*time.Hour)
	n, err := o.ExpireSnapshots(ctx, mgr)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestTransition_IncrementsRemediationOpenedMetricOnPROpen(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	f := seedFailure(t, st, types.FailureAnalyzed)
	require.NoError(t, st.UpsertAnalysis(ctx, types.Analysis{FailureID: "f1", RiskScore: 1}))

	gate := &fakeGate{decision: types.SafetyDecision{Verdict: types.VerdictAutoApply}}
	ex := &fakeExecutor{report: executor.Report{PR: vcs.PR{Number: 9}}}
	collectors := metrics.New()
	reg := prometheus.NewRegistry()
	require.NoError(t, collectors.Register(reg))
	mclock := clock.NewManual(time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC))
	o := orchestrator.New(st, &fakeClassifier{}, gate, &fakeCircuit{}, &recordingPatterns{}, ex, &fakeApprovals{}, &fakeHealthChecks{}, &recordingNotifier{}, mclock, 4).WithMetrics(collectors)

	require.NoError(t, o.Dispatch(ctx, f))

	require.Equal(t, float64(1), testutil.ToFloat64(collectors.RemediationsOpened.WithLabelValues("x/y")))
}

func TestRefreshGauges_SumsPatternCountsAcrossRepositoriesAndOpenCircuits(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	require.NoError(t, st.InsertPattern(ctx, types.Pattern{PatternID: "p1", Repository: "x/y", Embedding: []float32{0.1}}))
	require.NoError(t, st.InsertPattern(ctx, types.Pattern{PatternID: "p2", Repository: "a/b", Embedding: []float32{0.1}}))
	require.NoError(t, st.UpsertCircuitState(ctx, types.CircuitState{Signature: "sig1", State: types.CircuitOpen}))

	collectors := metrics.New()
	reg := prometheus.NewRegistry()
	require.NoError(t, collectors.Register(reg))
	mclock := clock.NewManual(time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC))
	o := orchestrator.New(st, &fakeClassifier{}, &fakeGate{}, &fakeCircuit{}, &recordingPatterns{}, &fakeExecutor{}, &fakeApprovals{}, &fakeHealthChecks{}, &recordingNotifier{}, mclock, 4).WithMetrics(collectors)

	require.NoError(t, o.RefreshGauges(ctx, []string{"x/y", "a/b"}))

	require.Equal(t, float64(2), testutil.ToFloat64(collectors.Patterns))
	require.Equal(t, float64(1), testutil.ToFloat64(collectors.CircuitsOpen))
}

func TestWeeklyHealthReport_SummarizesTrailingWeekPerRepository(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	now := time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC)
	mclock := clock.NewManual(now)

	require.NoError(t, st.UpsertFailure(ctx, types.Failure{
		FailureID: "f1", Repository: "x/y", Branch: "main", FailureReason: "go test failed",
		Status: types.FailureRemediated, DetectedAt: now.Add(-2 * 24 * time.Hour),
	}))
	require.NoError(t, st.UpsertAnalysis(ctx, types.Analysis{FailureID: "f1", Category: "flaky_test"}))
	require.NoError(t, st.UpsertFailure(ctx, types.Failure{
		FailureID: "f2", Repository: "x/y", Branch: "main", FailureReason: "lint failed",
		Status: types.FailureFailed, DetectedAt: now.Add(-3 * 24 * time.Hour),
	}))
	require.NoError(t, st.UpsertAnalysis(ctx, types.Analysis{FailureID: "f2", Category: "lint"}))
	require.NoError(t, st.UpsertFailure(ctx, types.Failure{
		FailureID: "old", Repository: "x/y", Branch: "main", FailureReason: "stale",
		Status: types.FailureRemediated, DetectedAt: now.Add(-30 * 24 * time.Hour),
	}))
	require.NoError(t, st.UpsertCircuitState(ctx, types.CircuitState{
		Signature: circuitbreaker.Signature("x/y", "main", "go test failed"), State: types.CircuitOpen,
	}))

	n := &recordingNotifier{}
	o := orchestrator.New(st, &fakeClassifier{}, &fakeGate{}, &fakeCircuit{}, &recordingPatterns{}, &fakeExecutor{}, &fakeApprovals{}, &fakeHealthChecks{}, n, mclock, 4)

	require.NoError(t, o.WeeklyHealthReport(ctx, []string{"x/y"}))
	require.Equal(t, []notifier.Kind{notifier.KindWeeklyReport}, n.sent)
}
