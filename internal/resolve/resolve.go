// Package resolve drives the external conflict-resolution tool through git's
// merge-driver mechanism: clean workspace, clone, driver registration, base
// checkout, attempted merge, commit, diff rendering, and metadata persistence.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Tomas025/merge-helper/internal/diffstore"
	"github.com/Tomas025/merge-helper/internal/gitcmd"
	"github.com/Tomas025/merge-helper/internal/reposync"
	"github.com/Tomas025/merge-helper/internal/workspace"
)

// CommitMessage is the fixed, recognizable message stamped on every commit
// created by the resolution engine.
const CommitMessage = "Merge Helper: conflicts resolved automatically"

// Outcome classifies a resolution attempt.
type Outcome string

const (
	// OutcomeOK means the merge succeeded (the driver resolved any conflicts)
	// and a reviewable diff artifact exists.
	OutcomeOK Outcome = "ok"
	// OutcomeNoFix means the driver could not resolve the conflicts. The
	// in-progress merge was aborted and the workspace left clean.
	OutcomeNoFix Outcome = "no-fix"
)

// Driver describes the external resolver wired in as a git merge driver.
// Command is a git merge-driver template: %A (ours), %O (base), %B (theirs),
// with the result written back over %A.
type Driver struct {
	Name        string
	Description string
	Pattern     string
	Command     string
}

// Request carries everything one resolution attempt needs.
type Request struct {
	Identity workspace.Identity
	HeadRef  string
	BaseRef  string
	CloneURL string
	Token    string
}

// Result is the outcome of a resolution attempt. Reason is the tool
// diagnostic for no-fix outcomes; DiffKey and ResolvedCommit are set on ok.
type Result struct {
	Outcome        Outcome
	Reason         string
	DiffKey        string
	ResolvedCommit string
}

// GitRunner is the subset of the git layer the engine needs.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
	TryRun(ctx context.Context, dir string, args ...string)
}

// Engine is the merge resolution engine.
type Engine struct {
	git        GitRunner
	syncer     *reposync.Syncer
	workspaces *workspace.Manager
	artifacts  *diffstore.Store
	driver     Driver
}

// NewEngine creates an Engine.
func NewEngine(git GitRunner, syncer *reposync.Syncer, workspaces *workspace.Manager, artifacts *diffstore.Store, driver Driver) *Engine {
	return &Engine{
		git:        git,
		syncer:     syncer,
		workspaces: workspaces,
		artifacts:  artifacts,
		driver:     driver,
	}
}

// Resolve runs one resolution attempt under the identity's advisory lock.
// Infrastructure failures (clone, fetch, commit) come back as errors; an
// unresolvable merge is a normal OutcomeNoFix result.
func (e *Engine) Resolve(ctx context.Context, req Request) (*Result, error) {
	var result *Result
	err := e.workspaces.WithLock(ctx, req.Identity, func() error {
		var err error
		result, err = e.resolveLocked(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) resolveLocked(ctx context.Context, req Request) (*Result, error) {
	id := req.Identity
	src := e.workspaces.SrcDir(id)

	slog.Info("starting resolution", "identity", id.String(), "base", req.BaseRef, "head", req.HeadRef)

	if err := e.syncer.FreshClone(ctx, id, req.CloneURL, req.Token); err != nil {
		return nil, err
	}
	if err := e.registerDriver(ctx, src); err != nil {
		return nil, err
	}
	if err := e.syncer.Fetch(ctx, id); err != nil {
		return nil, err
	}

	if _, err := e.git.Run(ctx, src, "checkout", req.BaseRef); err != nil {
		return nil, fmt.Errorf("checking out base %s: %w", req.BaseRef, err)
	}
	if _, err := e.git.Run(ctx, src, "checkout", "-B", id.Branch(e.driver.Name)); err != nil {
		return nil, fmt.Errorf("creating integration branch: %w", err)
	}

	// The merge driver's exit status is the sole per-file success signal;
	// any non-zero driver invocation surfaces here as a failed merge.
	if _, err := e.git.Run(ctx, src, "merge", "--no-ff", "--no-commit", "origin/"+req.HeadRef); err != nil {
		e.git.TryRun(ctx, src, "merge", "--abort")
		reason := gitcmd.Diagnostic(err)
		slog.Info("resolution failed", "identity", id.String(), "reason", reason)
		return &Result{Outcome: OutcomeNoFix, Reason: reason}, nil
	}

	if _, err := e.git.Run(ctx, src, "add", "-A"); err != nil {
		return nil, fmt.Errorf("staging resolved files: %w", err)
	}
	if _, err := e.git.Run(ctx, src, "commit", "-m", CommitMessage); err != nil {
		return nil, fmt.Errorf("committing resolution: %w", err)
	}

	resolved, err := e.git.Run(ctx, src, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("reading resolved commit: %w", err)
	}

	patch, err := e.git.Run(ctx, src, "diff", "origin/"+req.BaseRef+"...")
	if err != nil {
		return nil, fmt.Errorf("computing diff: %w", err)
	}

	key, err := e.artifacts.Save(id.Owner, id.Repo, id.PRNumber, id.HeadSHA, patch)
	if err != nil {
		return nil, err
	}

	meta := workspace.Metadata{
		Owner:          id.Owner,
		Repo:           id.Repo,
		PRNumber:       id.PRNumber,
		HeadRef:        req.HeadRef,
		BaseRef:        req.BaseRef,
		HeadSHA:        id.HeadSHA,
		ResolvedCommit: resolved,
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.workspaces.WriteMetadata(id, meta); err != nil {
		return nil, err
	}

	slog.Info("resolution succeeded", "identity", id.String(), "commit", resolved, "key", key)
	return &Result{Outcome: OutcomeOK, DiffKey: key, ResolvedCommit: resolved}, nil
}

// registerDriver configures the merge driver and binds it to its file
// pattern via .git/info/attributes. Re-registration is idempotent: the
// attributes line is only appended when absent.
func (e *Engine) registerDriver(ctx context.Context, src string) error {
	if _, err := e.git.Run(ctx, src, "config", "merge."+e.driver.Name+".name", e.driver.Description); err != nil {
		return fmt.Errorf("configuring merge driver name: %w", err)
	}
	if _, err := e.git.Run(ctx, src, "config", "merge."+e.driver.Name+".driver", e.driver.Command); err != nil {
		return fmt.Errorf("configuring merge driver command: %w", err)
	}

	attrsPath := filepath.Join(src, ".git", "info", "attributes")
	line := e.driver.Pattern + " merge=" + e.driver.Name

	if err := os.MkdirAll(filepath.Dir(attrsPath), 0755); err != nil {
		return fmt.Errorf("creating attributes directory: %w", err)
	}
	existing, err := os.ReadFile(attrsPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading attributes: %w", err)
	}
	if strings.Contains(string(existing), line) {
		return nil
	}

	f, err := os.OpenFile(attrsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening attributes: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString("\n" + line + "\n"); err != nil {
		return fmt.Errorf("writing attributes: %w", err)
	}
	return nil
}
