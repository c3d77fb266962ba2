// Package publish applies a previously resolved commit to the base branch.
// The only network-mutating action is the final push; everything before it is
// read-only against the remote, and the branch only ever moves by strict
// fast-forward.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Tomas025/merge-helper/internal/diffstore"
	"github.com/Tomas025/merge-helper/internal/gitcmd"
	"github.com/Tomas025/merge-helper/internal/reposync"
	"github.com/Tomas025/merge-helper/internal/workspace"
)

// Status classifies a publish attempt.
type Status string

const (
	// StatusApplied means the base branch was fast-forwarded and pushed, and
	// the workspace and artifact were cleaned up.
	StatusApplied Status = "applied"
	// StatusWorkspaceMissing means no resolution is recorded for the
	// identity; the caller must re-run resolution.
	StatusWorkspaceMissing Status = "workspace-missing"
	// StatusHeadChanged means the PR head moved since resolution; the
	// recorded commit is stale and must not be applied.
	StatusHeadChanged Status = "head-changed"
	// StatusBaseDiverged means the base branch gained history the resolved
	// commit does not descend from (or the push was rejected). The workspace
	// and artifact are kept so a re-run can reuse them.
	StatusBaseDiverged Status = "base-diverged"
)

// Request carries everything one publish attempt needs. Identity.HeadSHA is
// the PR's current head commit as reported by the platform, not the one
// recorded at resolution time.
type Request struct {
	Identity workspace.Identity
	HeadRef  string
	BaseRef  string
	CloneURL string
	Token    string
}

// Result is the outcome of a publish attempt. Detail carries the underlying
// git diagnostic for base-diverged failures.
type Result struct {
	Status  Status
	Applied bool
	Message string
	Detail  string
}

// GitRunner is the subset of the git layer the engine needs.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// Engine is the publish engine.
type Engine struct {
	git        GitRunner
	syncer     *reposync.Syncer
	workspaces *workspace.Manager
	artifacts  *diffstore.Store
}

// NewEngine creates an Engine.
func NewEngine(git GitRunner, syncer *reposync.Syncer, workspaces *workspace.Manager, artifacts *diffstore.Store) *Engine {
	return &Engine{git: git, syncer: syncer, workspaces: workspaces, artifacts: artifacts}
}

// Publish validates the stored resolution against the caller-supplied current
// head, then fast-forwards the base branch to the resolved commit and pushes.
// Runs under the identity's advisory lock.
func (e *Engine) Publish(ctx context.Context, req Request) (*Result, error) {
	var result *Result
	err := e.workspaces.WithLock(ctx, req.Identity, func() error {
		var err error
		result, err = e.publishLocked(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) publishLocked(ctx context.Context, req Request) (*Result, error) {
	id := req.Identity
	src := e.workspaces.SrcDir(id)

	meta, err := e.workspaces.ReadMetadata(id)
	if errors.Is(err, workspace.ErrMetadataMissing) {
		return &Result{
			Status:  StatusWorkspaceMissing,
			Message: "No resolution recorded for this PR; re-run the merge attempt",
		}, nil
	}
	if err != nil {
		return nil, err
	}

	// The recorded resolution is only valid for the head it was computed
	// against. Prefix containment mirrors the short hash used in the
	// workspace path.
	if !strings.HasPrefix(req.Identity.HeadSHA, shortSHA(meta.HeadSHA)) {
		return &Result{
			Status:  StatusHeadChanged,
			Message: "PR head has changed since resolution; re-run the merge attempt to generate a new diff",
		}, nil
	}

	if err := e.syncer.EnsureClone(ctx, id, req.CloneURL, req.Token); err != nil {
		return nil, err
	}
	if err := e.syncer.Fetch(ctx, id); err != nil {
		return nil, err
	}
	if _, err := e.git.Run(ctx, src, "checkout", req.BaseRef); err != nil {
		return nil, fmt.Errorf("checking out base %s: %w", req.BaseRef, err)
	}

	// --ff-only is the safety property: the base ref advances only when the
	// resolved commit descends from its current tip. No merge commit, never
	// a forced update.
	if _, err := e.git.Run(ctx, src, "merge", "--ff-only", meta.ResolvedCommit); err != nil {
		return e.diverged(id, err), nil
	}
	if _, err := e.git.Run(ctx, src, "push", "origin", req.BaseRef); err != nil {
		return e.diverged(id, err), nil
	}

	e.workspaces.Remove(id)
	e.artifacts.Delete(diffstore.Key(meta.Owner, meta.Repo, meta.PRNumber, meta.HeadSHA))

	slog.Info("published resolved commit", "identity", id.String(), "commit", meta.ResolvedCommit, "base", req.BaseRef)
	return &Result{
		Status:  StatusApplied,
		Applied: true,
		Message: fmt.Sprintf("Resolved commit applied to %s", req.BaseRef),
	}, nil
}

// diverged builds the base-diverged result. The workspace and artifact stay
// in place so a re-run can reuse them.
func (e *Engine) diverged(id workspace.Identity, err error) *Result {
	detail := gitcmd.Diagnostic(err)
	slog.Info("publish rejected", "identity", id.String(), "detail", detail)
	return &Result{
		Status:  StatusBaseDiverged,
		Message: "Base branch has changed; re-run the merge attempt to recompute the resolution",
		Detail:  detail,
	}
}

func shortSHA(sha string) string {
	if len(sha) < 7 {
		return sha
	}
	return sha[:7]
}
