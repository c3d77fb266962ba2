// Package reposync produces and refreshes workspace clones using short-lived
// injected credentials. The credential is embedded into the remote URL for
// the duration of the operation and is never written to metadata or logs.
package reposync

import (
	"context"
	"fmt"

	"github.com/Tomas025/merge-helper/internal/gitcmd"
	"github.com/Tomas025/merge-helper/internal/workspace"
)

// GitRunner is the subset of the git layer the syncer needs.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// Syncer clones and refreshes workspace repositories and stamps the bot
// committer identity onto each clone.
type Syncer struct {
	git        GitRunner
	workspaces *workspace.Manager
	botName    string
	botEmail   string
}

// NewSyncer creates a Syncer.
func NewSyncer(git GitRunner, workspaces *workspace.Manager, botName, botEmail string) *Syncer {
	return &Syncer{git: git, workspaces: workspaces, botName: botName, botEmail: botEmail}
}

// FreshClone wipes the workspace source directory and clones the remote into
// it. Tags are skipped: the engines only ever need branch refs.
func (s *Syncer) FreshClone(ctx context.Context, id workspace.Identity, cloneURL, token string) error {
	src := s.workspaces.SrcDir(id)
	if err := s.workspaces.EnsureEmpty(src); err != nil {
		return err
	}

	remote := gitcmd.AuthedURL(cloneURL, token)
	if _, err := s.git.Run(ctx, "", "clone", "--no-tags", remote, src); err != nil {
		return fmt.Errorf("cloning %s: %w", id.String(), err)
	}
	return s.configureIdentity(ctx, src)
}

// EnsureClone makes the workspace usable for remote operations. An existing
// clone gets its remote URL refreshed with the current credential; a missing
// or wiped workspace gets a fresh clone.
func (s *Syncer) EnsureClone(ctx context.Context, id workspace.Identity, cloneURL, token string) error {
	if !s.workspaces.HasClone(id) {
		return s.FreshClone(ctx, id, cloneURL, token)
	}

	src := s.workspaces.SrcDir(id)
	remote := gitcmd.AuthedURL(cloneURL, token)
	if _, err := s.git.Run(ctx, src, "remote", "set-url", "origin", remote); err != nil {
		return fmt.Errorf("refreshing remote for %s: %w", id.String(), err)
	}
	return nil
}

// Fetch synchronizes all remote refs and prunes stale ones.
func (s *Syncer) Fetch(ctx context.Context, id workspace.Identity) error {
	src := s.workspaces.SrcDir(id)
	if _, err := s.git.Run(ctx, src, "fetch", "--all", "--prune"); err != nil {
		return fmt.Errorf("fetching %s: %w", id.String(), err)
	}
	return nil
}

// configureIdentity sets the fixed bot identity for commits created locally.
func (s *Syncer) configureIdentity(ctx context.Context, src string) error {
	if _, err := s.git.Run(ctx, src, "config", "user.name", s.botName); err != nil {
		return fmt.Errorf("configuring user.name: %w", err)
	}
	if _, err := s.git.Run(ctx, src, "config", "user.email", s.botEmail); err != nil {
		return fmt.Errorf("configuring user.email: %w", err)
	}
	return nil
}
