// Package vcs defines the VcsClient substrate interface of §6: workflow
// runs, file CRUD, PR creation, and environments/deployments.
package vcs

import "context"

// RunStatus filters workflow runs by status.
type RunStatus string

const (
	RunStatusFailed    RunStatus = "failure"
	RunStatusCompleted RunStatus = "completed"
)

// WorkflowRun is one listed run.
type WorkflowRun struct {
	RunID        int64
	WorkflowName string
	Branch       string
	CommitHash   string
	Status       string
	Conclusion   string
}

// File is a read-at-ref result.
type File struct {
	Path    string
	Content []byte
	SHA     string
}

// PRRequest describes a pull request to open.
type PRRequest struct {
	Title string
	Body  string
	Base  string
	Head  string
}

// PR is a created or fetched pull request.
type PR struct {
	Number int
	URL    string
	Base   string
	Head   string
	State  string
}

// DeploymentStatus is the state of a deployment created against a
// review-gated environment (used by ApprovalManager).
type DeploymentStatus string

const (
	DeploymentPending  DeploymentStatus = "pending"
	DeploymentApproved DeploymentStatus = "approved"
	DeploymentRejected DeploymentStatus = "rejected"
)

// VcsClient is the substrate source-control dependency. Every method
// respects ctx's deadline; no default per-call deadline is applied, so a
// call is bounded only by the deadline the caller sets on ctx.
type VcsClient interface {
	ListFailedRuns(ctx context.Context, repo string, since int64) ([]WorkflowRun, error)
	GetRunLogs(ctx context.Context, repo string, runID int64) (string, error)

	GetFileAtRef(ctx context.Context, repo, ref, path string) (File, error)
	CreateBranch(ctx context.Context, repo, branchName, fromSHA string) error
	PutFile(ctx context.Context, repo, branch, path string, content []byte, sha, commitMessage string) error
	DeleteFile(ctx context.Context, repo, branch, path, sha, commitMessage string) error

	OpenPR(ctx context.Context, repo string, req PRRequest) (PR, error)
	CommentOnPR(ctx context.Context, repo string, prNumber int, body string) error

	CreateDeployment(ctx context.Context, repo, ref, environment string) (int64, error)
	GetDeploymentStatus(ctx context.Context, repo string, deploymentID int64) (DeploymentStatus, error)
}
