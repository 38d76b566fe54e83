// Package github adapts go-github to the VcsClient interface.
package github

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/go-github/v68/github"

	domainerrors "github.com/ci-remediator/ci-remediator/internal/errors"
	"github.com/ci-remediator/ci-remediator/pkg/vcs"
)

// Client adapts *github.Client to VcsClient.
type Client struct {
	gh *github.Client
}

func New(token string) *Client {
	return &Client{gh: github.NewClient(nil).WithAuthToken(token)}
}

var _ vcs.VcsClient = (*Client)(nil)

func ownerRepo(repo string) (string, string) {
	for i := len(repo) - 1; i >= 0; i-- {
		if repo[i] == '/' {
			return repo[:i], repo[i+1:]
		}
	}
	return "", repo
}

func (c *Client) ListFailedRuns(ctx context.Context, repo string, since int64) ([]vcs.WorkflowRun, error) {
	owner, name := ownerRepo(repo)
	runs, resp, err := c.gh.Actions.ListRepositoryWorkflowRuns(ctx, owner, name, &github.ListWorkflowRunsOptions{
		Status: "failure",
		ListOptions: github.ListOptions{PerPage: 50},
	})
	if err != nil {
		return nil, classifyError(resp, err)
	}

	var out []vcs.WorkflowRun
	for _, r := range runs.WorkflowRuns {
		if r.GetCreatedAt().UnixMilli() <= since {
			continue
		}
		out = append(out, vcs.WorkflowRun{
			RunID:        r.GetID(),
			WorkflowName: r.GetName(),
			Branch:       r.GetHeadBranch(),
			CommitHash:   r.GetHeadSHA(),
			Status:       r.GetStatus(),
			Conclusion:   r.GetConclusion(),
		})
	}
	return out, nil
}

func (c *Client) GetRunLogs(ctx context.Context, repo string, runID int64) (string, error) {
	owner, name := ownerRepo(repo)
	url, resp, err := c.gh.Actions.GetWorkflowRunLogs(ctx, owner, name, runID, 3)
	if err != nil {
		// A 410 Gone for an expired log archive is tolerated, not an error,
		// per §6 ("fetch run logs (with 410 Gone tolerated for expired)").
		if resp != nil && resp.StatusCode == http.StatusGone {
			return "", nil
		}
		return "", classifyError(resp, err)
	}
	return url.String(), nil
}

func (c *Client) GetFileAtRef(ctx context.Context, repo, ref, path string) (vcs.File, error) {
	owner, name := ownerRepo(repo)
	content, _, resp, err := c.gh.Repositories.GetContents(ctx, owner, name, path, &github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return vcs.File{}, classifyError(resp, err)
	}
	decoded, err := content.GetContent()
	if err != nil {
		return vcs.File{}, domainerrors.New(domainerrors.CategoryMalformed, "parse_malformed", "decoding file content", err)
	}
	return vcs.File{Path: path, Content: []byte(decoded), SHA: content.GetSHA()}, nil
}

func (c *Client) CreateBranch(ctx context.Context, repo, branchName, fromSHA string) error {
	owner, name := ownerRepo(repo)
	ref := &github.Reference{
		Ref:    github.Ptr("refs/heads/" + branchName),
		Object: &github.GitObject{SHA: github.Ptr(fromSHA)},
	}
	_, resp, err := c.gh.Git.CreateRef(ctx, owner, name, ref)
	if err != nil {
		return classifyError(resp, err)
	}
	return nil
}

func (c *Client) PutFile(ctx context.Context, repo, branch, path string, content []byte, sha, commitMessage string) error {
	owner, name := ownerRepo(repo)
	opts := &github.RepositoryContentFileOptions{
		Message: github.Ptr(commitMessage),
		Content: content,
		Branch:  github.Ptr(branch),
	}
	if sha != "" {
		opts.SHA = github.Ptr(sha)
	}
	_, resp, err := c.gh.Repositories.UpdateFile(ctx, owner, name, path, opts)
	if err != nil {
		return classifyError(resp, err)
	}
	return nil
}

func (c *Client) DeleteFile(ctx context.Context, repo, branch, path, sha, commitMessage string) error {
	owner, name := ownerRepo(repo)
	opts := &github.RepositoryContentFileOptions{
		Message: github.Ptr(commitMessage),
		SHA:     github.Ptr(sha),
		Branch:  github.Ptr(branch),
	}
	_, resp, err := c.gh.Repositories.DeleteFile(ctx, owner, name, path, opts)
	if err != nil {
		return classifyError(resp, err)
	}
	return nil
}

func (c *Client) OpenPR(ctx context.Context, repo string, req vcs.PRRequest) (vcs.PR, error) {
	owner, name := ownerRepo(repo)
	pr, resp, err := c.gh.PullRequests.Create(ctx, owner, name, &github.NewPullRequest{
		Title: github.Ptr(req.Title),
		Body:  github.Ptr(req.Body),
		Base:  github.Ptr(req.Base),
		Head:  github.Ptr(req.Head),
	})
	if err != nil {
		return vcs.PR{}, classifyError(resp, err)
	}
	return vcs.PR{Number: pr.GetNumber(), URL: pr.GetHTMLURL(), Base: pr.GetBase().GetRef(), Head: pr.GetHead().GetRef(), State: pr.GetState()}, nil
}

func (c *Client) CommentOnPR(ctx context.Context, repo string, prNumber int, body string) error {
	owner, name := ownerRepo(repo)
	_, resp, err := c.gh.Issues.CreateComment(ctx, owner, name, prNumber, &github.IssueComment{Body: github.Ptr(body)})
	if err != nil {
		return classifyError(resp, err)
	}
	return nil
}

func (c *Client) CreateDeployment(ctx context.Context, repo, ref, environment string) (int64, error) {
	owner, name := ownerRepo(repo)
	dep, resp, err := c.gh.Repositories.CreateDeployment(ctx, owner, name, &github.DeploymentRequest{
		Ref:         github.Ptr(ref),
		Environment: github.Ptr(environment),
		AutoMerge:   github.Ptr(false),
	})
	if err != nil {
		return 0, classifyError(resp, err)
	}
	return dep.GetID(), nil
}

func (c *Client) GetDeploymentStatus(ctx context.Context, repo string, deploymentID int64) (vcs.DeploymentStatus, error) {
	owner, name := ownerRepo(repo)
	statuses, resp, err := c.gh.Repositories.ListDeploymentStatuses(ctx, owner, name, deploymentID, nil)
	if err != nil {
		return "", classifyError(resp, err)
	}
	if len(statuses) == 0 {
		return vcs.DeploymentPending, nil
	}
	switch statuses[0].GetState() {
	case "success":
		return vcs.DeploymentApproved, nil
	case "failure", "error", "inactive":
		return vcs.DeploymentRejected, nil
	default:
		return vcs.DeploymentPending, nil
	}
}

func classifyError(resp *github.Response, err error) error {
	if resp == nil {
		return domainerrors.New(domainerrors.CategoryTransient, "upstream_timeout", "github request failed", err)
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusForbidden:
		var rateErr *github.RateLimitError
		if errors.As(err, &rateErr) {
			return domainerrors.New(domainerrors.CategoryTransient, "rate_limited", "github rate limit", err)
		}
		return domainerrors.New(domainerrors.CategoryAuth, "upstream_rejected", "github forbidden", err)
	case http.StatusUnauthorized:
		return domainerrors.New(domainerrors.CategoryAuth, "upstream_rejected", "github auth failure", err)
	case http.StatusGatewayTimeout:
		return domainerrors.New(domainerrors.CategoryTransient, "upstream_timeout", "github gateway timeout", err)
	default:
		if resp.StatusCode >= 500 {
			return domainerrors.New(domainerrors.CategoryTransient, "upstream_timeout", "github server error", err)
		}
	}
	return domainerrors.New(domainerrors.CategoryMalformed, "parse_malformed", "github call failed", err)
}
