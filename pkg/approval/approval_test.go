package approval_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ci-remediator/ci-remediator/internal/clock"
	"github.com/ci-remediator/ci-remediator/pkg/approval"
	"github.com/ci-remediator/ci-remediator/pkg/notifier"
	"github.com/ci-remediator/ci-remediator/pkg/store/memory"
	"github.com/ci-remediator/ci-remediator/pkg/types"
	"github.com/ci-remediator/ci-remediator/pkg/vcs"
)

func TestSelectReviewers_ScalesWithRiskScore(t *testing.T) {
	senior := []string{"alice", "bob"}
	any := []string{"carol", "dave"}

	require.Equal(t, []string{"alice", "bob"}, approval.SelectReviewers(9, senior, any))
	require.Equal(t, []string{"alice"}, approval.SelectReviewers(6, senior, any))
	require.Equal(t, []string{"carol"}, approval.SelectReviewers(3, senior, any))
}

type fakeVcs struct {
	deploymentStatus vcs.DeploymentStatus
	comments         []string
}

func (f *fakeVcs) ListFailedRuns(ctx context.Context, repo string, since int64) ([]vcs.WorkflowRun, error) {
	return nil, nil
}
func (f *fakeVcs) GetRunLogs(ctx context.Context, repo string, runID int64) (string, error) {
	return "", nil
}
func (f *fakeVcs) GetFileAtRef(ctx context.Context, repo, ref, path string) (vcs.File, error) {
	return vcs.File{}, nil
}
func (f *fakeVcs) CreateBranch(ctx context.Context, repo, branchName, fromSHA string) error { return nil }
func (f *fakeVcs) PutFile(ctx context.Context, repo, branch, path string, content []byte, sha, msg string) error {
	return nil
}
func (f *fakeVcs) DeleteFile(ctx context.Context, repo, branch, path, sha, msg string) error {
	return nil
}
func (f *fakeVcs) OpenPR(ctx context.Context, repo string, req vcs.PRRequest) (vcs.PR, error) {
	return vcs.PR{}, nil
}
func (f *fakeVcs) CommentOnPR(ctx context.Context, repo string, prNumber int, body string) error {
	f.comments = append(f.comments, body)
	return nil
}
func (f *fakeVcs) CreateDeployment(ctx context.Context, repo, ref, environment string) (int64, error) {
	return 42, nil
}
func (f *fakeVcs) GetDeploymentStatus(ctx context.Context, repo string, deploymentID int64) (vcs.DeploymentStatus, error) {
	return f.deploymentStatus, nil
}

type fakeReviewers struct{}

func (fakeReviewers) SeniorReviewersFor(repo string) []string { return []string{"alice", "bob"} }
func (fakeReviewers) AnyReviewersFor(repo string) []string    { return []string{"carol"} }

type capturingNotifier struct{ sent []notifier.Kind }

func (c *capturingNotifier) Send(ctx context.Context, channel string, kind notifier.Kind, payload notifier.Payload) error {
	c.sent = append(c.sent, kind)
	return nil
}

func TestRequestApproval_CreatesDeploymentAndComment(t *testing.T) {
	ctx := context.Background()
	fv := &fakeVcs{}
	st := memory.New()
	n := &capturingNotifier{}
	mclock := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mgr := approval.New(fv, st, n, fakeReviewers{}, mclock, 24*time.Hour, false)

	f := types.Failure{FailureID: "f1", Repository: "x/y", Branch: "main", Status: types.FailureGated}
	a := types.Analysis{FailureID: "f1", RiskScore: 9, Reasoning: "touches prod config"}
	decision := types.SafetyDecision{Verdict: types.VerdictRequireApproval, Outcomes: []types.GateOutcome{
		{Gate: "risk_threshold", Passed: false, Reason: "risk_score 9 >= threshold 5"},
	}}

	req, err := mgr.RequestApproval(ctx, f, a, decision, 7)
	require.NoError(t, err)
	require.Equal(t, types.ApprovalPending, req.Status)
	require.Equal(t, []string{"alice", "bob"}, req.RequiredReviewers)
	require.Len(t, fv.comments, 1)
	require.Contains(t, fv.comments[0], "risk_score=9")
	require.Contains(t, n.sent, notifier.KindApprovalRequest)
}

func TestPollOne_ApprovedDeploymentResolvesApprovalRequest(t *testing.T) {
	ctx := context.Background()
	fv := &fakeVcs{deploymentStatus: vcs.DeploymentApproved}
	st := memory.New()
	n := &capturingNotifier{}
	mclock := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mgr := approval.New(fv, st, n, fakeReviewers{}, mclock, 24*time.Hour, false)

	f := types.Failure{FailureID: "f1", Repository: "x/y", Branch: "main", Status: types.FailureGated}
	a := types.Analysis{FailureID: "f1", RiskScore: 9}
	req, err := mgr.RequestApproval(ctx, f, a, types.SafetyDecision{}, 7)
	require.NoError(t, err)

	resolved, err := mgr.PollOne(ctx, req)
	require.NoError(t, err)
	require.Equal(t, types.ApprovalApproved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
}

func TestRequestApproval_DryRunInterceptsDeploymentCommentAndNotify(t *testing.T) {
	ctx := context.Background()
	fv := &fakeVcs{}
	st := memory.New()
	n := &capturingNotifier{}
	mclock := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mgr := approval.New(fv, st, n, fakeReviewers{}, mclock, 24*time.Hour, true)

	f := types.Failure{FailureID: "f1", Repository: "x/y", Branch: "main", Status: types.FailureGated}
	a := types.Analysis{FailureID: "f1", RiskScore: 9, Reasoning: "touches prod config"}
	decision := types.SafetyDecision{Verdict: types.VerdictRequireApproval}

	req, err := mgr.RequestApproval(ctx, f, a, decision, 7)
	require.NoError(t, err)
	require.Equal(t, types.ApprovalPending, req.Status)
	require.Empty(t, fv.comments, "dry-run must not post a real PR comment")
	require.Empty(t, n.sent, "dry-run must not send a real notification")

	resolved, err := mgr.PollOne(ctx, req)
	require.NoError(t, err)
	require.Equal(t, types.ApprovalPending, resolved.Status, "a simulated deployment never resolves by itself")
}

func TestPollOne_ExpiredRequestResolvesWithoutPollingDeployment(t *testing.T) {
	ctx := context.Background()
	fv := &fakeVcs{deploymentStatus: vcs.DeploymentPending}
	st := memory.New()
	n := &capturingNotifier{}
	mclock := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	mgr := approval.New(fv, st, n, fakeReviewers{}, mclock, time.Hour, false)

	f := types.Failure{FailureID: "f1", Repository: "x/y", Branch: "main", Status: types.FailureGated}
	a := types.Analysis{FailureID: "f1", RiskScore: 3}
	req, err := mgr.RequestApproval(ctx, f, a, types.SafetyDecision{}, 7)
	require.NoError(t, err)

	mclock.Advance(2 * time.Hour)
	resolved, err := mgr.PollOne(ctx, req)
	require.NoError(t, err)
	require.Equal(t, types.ApprovalExpired, resolved.Status)
}
