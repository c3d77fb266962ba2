// Package orchestrator maps repository lifecycle events onto the resolution
// and publish engines and writes each outcome back to the platform's review
// status. Event handlers acknowledge quickly; the merge work itself runs in a
// tracked background task that always writes a terminal status.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/Tomas025/merge-helper/internal/checks"
	"github.com/Tomas025/merge-helper/internal/journal"
	"github.com/Tomas025/merge-helper/internal/publish"
	"github.com/Tomas025/merge-helper/internal/resolve"
	"github.com/Tomas025/merge-helper/internal/workspace"
)

// StatusReporter writes review statuses. Implemented by checks.Reporter.
type StatusReporter interface {
	Create(ctx context.Context, owner, repo, headSHA, externalID string, out checks.Output) (int64, error)
	Reopen(ctx context.Context, owner, repo string, checkRunID int64, externalID string, out checks.Output) error
	Complete(ctx context.Context, owner, repo string, checkRunID int64, conclusion string, out checks.Output, detailsURL string, withApplyAction bool) error
}

// PullService reads and reconciles PR state. Implemented by checks.Reporter.
type PullService interface {
	GetPull(ctx context.Context, owner, repo string, number int) (*checks.PullInfo, error)
	IsMerged(ctx context.Context, owner, repo string, number int) (bool, error)
	ClosePR(ctx context.Context, owner, repo string, number int) error
}

// Resolver runs one merge resolution attempt.
type Resolver interface {
	Resolve(ctx context.Context, req resolve.Request) (*resolve.Result, error)
}

// Publisher applies a recorded resolution to the base branch.
type Publisher interface {
	Publish(ctx context.Context, req publish.Request) (*publish.Result, error)
}

// RunJournal records run lifecycles. Implemented by journal.Journal.
type RunJournal interface {
	Start(ctx context.Context, run journal.Run) error
	Finish(ctx context.Context, runID, conclusion, detail, artifactKey string) error
}

// CredentialSource supplies the short-lived credential used for remote git
// operations. Token issuance itself is an external concern.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a CredentialSource backed by a configured token.
type StaticToken string

// Token returns the configured token.
func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", fmt.Errorf("no GitHub token configured")
	}
	return string(s), nil
}

// PREvent describes a pull request being opened, reopened, or synchronized.
type PREvent struct {
	Owner    string
	Repo     string
	PRNumber int
	HeadRef  string
	BaseRef  string
	HeadSHA  string
	CloneURL string
}

// RerunEvent describes a manual re-run request on an existing check run.
type RerunEvent struct {
	CheckRunID int64
	Owner      string
	Repo       string
	PRNumber   int
}

// ApplyEvent describes the approval control being invoked on a check run.
type ApplyEvent struct {
	CheckRunID int64
	Owner      string
	Repo       string
	ExternalID string
	CloneURL   string
}

// Orchestrator wires events to engines and statuses.
type Orchestrator struct {
	status      StatusReporter
	pulls       PullService
	resolver    Resolver
	publisher   Publisher
	runs        RunJournal
	credentials CredentialSource
	baseURL     string

	wg sync.WaitGroup
}

// New creates an Orchestrator. baseURL is the public prefix for diff links.
func New(status StatusReporter, pulls PullService, resolver Resolver, publisher Publisher, runs RunJournal, credentials CredentialSource, baseURL string) *Orchestrator {
	return &Orchestrator{
		status:      status,
		pulls:       pulls,
		resolver:    resolver,
		publisher:   publisher,
		runs:        runs,
		credentials: credentials,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
	}
}

// Wait blocks until all in-flight background tasks have finished. Called
// during shutdown so terminal statuses still get written.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// HandlePullRequest reacts to opened/reopened/synchronized events: it opens
// an in-progress status and hands the merge attempt to a background task.
func (o *Orchestrator) HandlePullRequest(ctx context.Context, ev PREvent) error {
	token, err := o.credentials.Token(ctx)
	if err != nil {
		return err
	}

	id := workspace.Identity{Owner: ev.Owner, Repo: ev.Repo, PRNumber: ev.PRNumber, HeadSHA: ev.HeadSHA}
	checkRunID, err := o.status.Create(ctx, ev.Owner, ev.Repo, ev.HeadSHA, id.ExternalID(), checks.Output{
		Title:   "Attempting structural merge",
		Summary: "The bot will try to resolve conflicts and publish a diff for review.",
		Text:    "The diff link will appear here when ready.",
	})
	if err != nil {
		return err
	}

	req := resolve.Request{
		Identity: id,
		HeadRef:  ev.HeadRef,
		BaseRef:  ev.BaseRef,
		CloneURL: ev.CloneURL,
		Token:    token,
	}
	o.spawnResolution(ctx, checkRunID, "pr_event", req)
	return nil
}

// HandleRerun reacts to a manual re-run: it re-fetches the PR's current
// head/base rather than trusting the triggering event, reopens the status,
// and repeats the asynchronous flow.
func (o *Orchestrator) HandleRerun(ctx context.Context, ev RerunEvent) error {
	token, err := o.credentials.Token(ctx)
	if err != nil {
		return err
	}

	pr, err := o.pulls.GetPull(ctx, ev.Owner, ev.Repo, ev.PRNumber)
	if err != nil {
		return err
	}

	id := workspace.Identity{Owner: ev.Owner, Repo: ev.Repo, PRNumber: pr.Number, HeadSHA: pr.HeadSHA}
	if err := o.status.Reopen(ctx, ev.Owner, ev.Repo, ev.CheckRunID, id.ExternalID(), checks.Output{
		Title:   "Re-running structural merge",
		Summary: "Recomputing the resolved diff for this PR.",
		Text:    "The diff link will be updated when ready.",
	}); err != nil {
		return err
	}

	req := resolve.Request{
		Identity: id,
		HeadRef:  pr.HeadRef,
		BaseRef:  pr.BaseRef,
		CloneURL: pr.CloneURL,
		Token:    token,
	}
	o.spawnResolution(ctx, ev.CheckRunID, "rerun", req)
	return nil
}

// spawnResolution journals the run and executes it in a background task
// detached from the inbound request's cancellation.
func (o *Orchestrator) spawnResolution(ctx context.Context, checkRunID int64, trigger string, req resolve.Request) {
	runID := uuid.NewString()
	if err := o.runs.Start(ctx, journal.Run{
		ID:       runID,
		Owner:    req.Identity.Owner,
		Repo:     req.Identity.Repo,
		PRNumber: req.Identity.PRNumber,
		HeadSHA:  req.Identity.HeadSHA,
		Trigger:  trigger,
	}); err != nil {
		slog.Warn("journal start failed", "run", runID, "error", err)
	}

	bg := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runResolution(bg, checkRunID, runID, req)
	}()
}

func (o *Orchestrator) runResolution(ctx context.Context, checkRunID int64, runID string, req resolve.Request) {
	owner, repo := req.Identity.Owner, req.Identity.Repo

	result, err := o.resolver.Resolve(ctx, req)
	if err != nil {
		o.completeRun(ctx, owner, repo, checkRunID, runID, journal.ConclusionFailure, checks.Output{
			Title:   "Merge attempt failed",
			Summary: "The merge attempt hit an infrastructure error.",
			Text:    err.Error(),
		}, "", false, err.Error(), "")
		return
	}

	if result.Outcome == resolve.OutcomeNoFix {
		o.completeRun(ctx, owner, repo, checkRunID, runID, journal.ConclusionFailure, checks.Output{
			Title:   "Could not resolve conflicts automatically",
			Summary: firstNonEmpty(result.Reason, "Conflicts were not resolved automatically"),
		}, "", false, result.Reason, "")
		return
	}

	detailsURL := o.baseURL + "/diff/" + url.PathEscape(result.DiffKey)
	o.completeRun(ctx, owner, repo, checkRunID, runID, journal.ConclusionNeutral, checks.Output{
		Title:   "Resolved diff ready for review",
		Summary: "Review the diff and use the button to apply the resolved commit to the base branch.",
		Text:    "The commit will be created by the bot when the button is clicked.",
	}, detailsURL, true, "diff ready", result.DiffKey)
}

// HandleApply reacts to the approval control: it identifies the PR from the
// status's correlation identifier, re-resolves current head/base, publishes,
// and reconciles platform-visible PR state.
func (o *Orchestrator) HandleApply(ctx context.Context, ev ApplyEvent) error {
	prNumber, _, err := ParseExternalID(ev.ExternalID)
	if err != nil {
		return err
	}

	token, err := o.credentials.Token(ctx)
	if err != nil {
		return err
	}

	pr, err := o.pulls.GetPull(ctx, ev.Owner, ev.Repo, prNumber)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	if err := o.runs.Start(ctx, journal.Run{
		ID:       runID,
		Owner:    ev.Owner,
		Repo:     ev.Repo,
		PRNumber: prNumber,
		HeadSHA:  pr.HeadSHA,
		Trigger:  "apply",
	}); err != nil {
		slog.Warn("journal start failed", "run", runID, "error", err)
	}

	cloneURL := firstNonEmpty(ev.CloneURL, pr.CloneURL)
	result, err := o.publisher.Publish(ctx, publish.Request{
		Identity: workspace.Identity{Owner: ev.Owner, Repo: ev.Repo, PRNumber: prNumber, HeadSHA: pr.HeadSHA},
		HeadRef:  pr.HeadRef,
		BaseRef:  pr.BaseRef,
		CloneURL: cloneURL,
		Token:    token,
	})
	if err != nil {
		o.completeRun(ctx, ev.Owner, ev.Repo, ev.CheckRunID, runID, journal.ConclusionFailure, checks.Output{
			Title:   "Failed to apply commit",
			Summary: "The publish attempt hit an infrastructure error.",
			Text:    err.Error(),
		}, "", false, err.Error(), "")
		return err
	}

	if result.Applied {
		o.reconcileMerged(ctx, ev.Owner, ev.Repo, prNumber)
		o.completeRun(ctx, ev.Owner, ev.Repo, ev.CheckRunID, runID, journal.ConclusionSuccess, checks.Output{
			Title:   "Commit applied",
			Summary: result.Message,
		}, "", false, result.Message, "")
		return nil
	}

	o.completeRun(ctx, ev.Owner, ev.Repo, ev.CheckRunID, runID, journal.ConclusionFailure, checks.Output{
		Title:   "Failed to apply commit",
		Summary: result.Message,
		Text:    result.Detail,
	}, "", false, result.Message, "")
	return nil
}

// reconcileMerged checks whether the platform recognized the publish as a
// merge and closes the PR explicitly when it did not. The base branch has
// already advanced; this only fixes platform-visible state, so failures are
// logged and swallowed.
func (o *Orchestrator) reconcileMerged(ctx context.Context, owner, repo string, prNumber int) {
	merged, err := o.pulls.IsMerged(ctx, owner, repo, prNumber)
	if err != nil {
		slog.Warn("merged-state check failed", "pr", prNumber, "error", err)
		return
	}
	if merged {
		return
	}
	if err := o.pulls.ClosePR(ctx, owner, repo, prNumber); err != nil {
		slog.Warn("fallback PR close failed", "pr", prNumber, "error", err)
	}
}

// completeRun writes the terminal check-run status and the journal row.
func (o *Orchestrator) completeRun(ctx context.Context, owner, repo string, checkRunID int64, runID, conclusion string, out checks.Output, detailsURL string, withApply bool, detail, artifactKey string) {
	if err := o.status.Complete(ctx, owner, repo, checkRunID, conclusion, out, detailsURL, withApply); err != nil {
		slog.Error("status update failed", "checkRun", checkRunID, "error", err)
	}
	if err := o.runs.Finish(ctx, runID, conclusion, detail, artifactKey); err != nil {
		slog.Warn("journal finish failed", "run", runID, "error", err)
	}
}

// ParseExternalID splits the "<prNumber>:<sha7>" correlation identifier.
func ParseExternalID(externalID string) (prNumber int, sha7 string, err error) {
	parts := strings.SplitN(externalID, ":", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("malformed external id %q", externalID)
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, "", fmt.Errorf("malformed external id %q: %w", externalID, err)
	}
	return n, parts[1], nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
