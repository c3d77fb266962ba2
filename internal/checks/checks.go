// Package checks writes the platform-owned review status (a GitHub check
// run) for each workflow run and reconciles PR state after a publish. It is
// the only package that talks to the GitHub REST API.
package checks

import (
	"context"
	"fmt"
	"time"

	github_ratelimit "github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"
	"golang.org/x/oauth2"
)

// ApplyActionID is the requested-action identifier carried on the "Apply
// commit" button. The webhook layer routes it back to the orchestrator.
const ApplyActionID = "apply_fix"

// Output is the human-visible portion of a status update.
type Output struct {
	Title   string
	Summary string
	Text    string
}

// PullInfo is the subset of PR state the workflow needs, re-fetched from the
// platform rather than cached from triggering events.
type PullInfo struct {
	Number   int
	HeadRef  string
	BaseRef  string
	HeadSHA  string
	CloneURL string
	Merged   bool
}

// Reporter writes check runs for one configured check name.
type Reporter struct {
	client    *gh.Client
	checkName string
}

// NewReporter creates a Reporter using a rate-limit-aware GitHub client.
func NewReporter(token, checkName string) *Reporter {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	authed := oauth2.NewClient(context.Background(), ts)
	client := gh.NewClient(github_ratelimit.NewClient(authed.Transport))
	return &Reporter{client: client, checkName: checkName}
}

// Create opens a new check run in_progress for a head commit and returns its
// ID. externalID is the correlation identifier read back on approval.
func (r *Reporter) Create(ctx context.Context, owner, repo, headSHA, externalID string, out Output) (int64, error) {
	created, _, err := r.client.Checks.CreateCheckRun(ctx, owner, repo, gh.CreateCheckRunOptions{
		Name:       r.checkName,
		HeadSHA:    headSHA,
		Status:     gh.Ptr("in_progress"),
		StartedAt:  &gh.Timestamp{Time: time.Now().UTC()},
		ExternalID: gh.Ptr(externalID),
		Output: &gh.CheckRunOutput{
			Title:   gh.Ptr(out.Title),
			Summary: gh.Ptr(out.Summary),
			Text:    gh.Ptr(out.Text),
		},
	})
	if err != nil {
		return 0, fmt.Errorf("creating check run: %w", err)
	}
	return created.GetID(), nil
}

// Reopen flips an existing check run back to in_progress for a re-run.
func (r *Reporter) Reopen(ctx context.Context, owner, repo string, checkRunID int64, externalID string, out Output) error {
	_, _, err := r.client.Checks.UpdateCheckRun(ctx, owner, repo, checkRunID, gh.UpdateCheckRunOptions{
		Name:       r.checkName,
		Status:     gh.Ptr("in_progress"),
		ExternalID: gh.Ptr(externalID),
		Output: &gh.CheckRunOutput{
			Title:   gh.Ptr(out.Title),
			Summary: gh.Ptr(out.Summary),
			Text:    gh.Ptr(out.Text),
		},
	})
	if err != nil {
		return fmt.Errorf("reopening check run: %w", err)
	}
	return nil
}

// Complete finishes a check run with a conclusion. A non-empty detailsURL
// becomes the review link; withApplyAction attaches the "Apply commit"
// control.
func (r *Reporter) Complete(ctx context.Context, owner, repo string, checkRunID int64, conclusion string, out Output, detailsURL string, withApplyAction bool) error {
	opts := gh.UpdateCheckRunOptions{
		Name:        r.checkName,
		Status:      gh.Ptr("completed"),
		Conclusion:  gh.Ptr(conclusion),
		CompletedAt: &gh.Timestamp{Time: time.Now().UTC()},
		Output: &gh.CheckRunOutput{
			Title:   gh.Ptr(out.Title),
			Summary: gh.Ptr(out.Summary),
			Text:    gh.Ptr(out.Text),
		},
	}
	if detailsURL != "" {
		opts.DetailsURL = gh.Ptr(detailsURL)
	}
	if withApplyAction {
		opts.Actions = []*gh.CheckRunAction{
			{
				Label:       "Apply commit",
				Description: "Fast-forward the base branch to the resolved commit",
				Identifier:  ApplyActionID,
			},
		}
	}

	_, _, err := r.client.Checks.UpdateCheckRun(ctx, owner, repo, checkRunID, opts)
	if err != nil {
		return fmt.Errorf("completing check run: %w", err)
	}
	return nil
}

// GetPull re-fetches the current state of a pull request.
func (r *Reporter) GetPull(ctx context.Context, owner, repo string, number int) (*PullInfo, error) {
	pr, _, err := r.client.PullRequests.Get(ctx, owner, repo, number)
	if err != nil {
		return nil, fmt.Errorf("getting PR %s/%s#%d: %w", owner, repo, number, err)
	}
	return &PullInfo{
		Number:   pr.GetNumber(),
		HeadRef:  pr.GetHead().GetRef(),
		BaseRef:  pr.GetBase().GetRef(),
		HeadSHA:  pr.GetHead().GetSHA(),
		CloneURL: pr.GetBase().GetRepo().GetCloneURL(),
		Merged:   pr.GetMerged(),
	}, nil
}

// IsMerged asks the platform whether it recognizes the PR as merged.
func (r *Reporter) IsMerged(ctx context.Context, owner, repo string, number int) (bool, error) {
	merged, _, err := r.client.PullRequests.IsMerged(ctx, owner, repo, number)
	if err != nil {
		return false, fmt.Errorf("checking merged state: %w", err)
	}
	return merged, nil
}

// ClosePR explicitly closes a pull request. Used as a fallback when the base
// branch already contains the resolved commit but the platform has not
// marked the PR merged.
func (r *Reporter) ClosePR(ctx context.Context, owner, repo string, number int) error {
	_, _, err := r.client.PullRequests.Edit(ctx, owner, repo, number, &gh.PullRequest{
		State: gh.Ptr("closed"),
	})
	if err != nil {
		return fmt.Errorf("closing PR: %w", err)
	}
	return nil
}
