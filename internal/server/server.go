// Package server assembles the running service: the HTTP surface, the merge
// engines, the run journal, and the daemon lifecycle around them.
package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/Tomas025/merge-helper/internal/checks"
	"github.com/Tomas025/merge-helper/internal/config"
	"github.com/Tomas025/merge-helper/internal/diffstore"
	"github.com/Tomas025/merge-helper/internal/gitcmd"
	"github.com/Tomas025/merge-helper/internal/journal"
	"github.com/Tomas025/merge-helper/internal/orchestrator"
	"github.com/Tomas025/merge-helper/internal/publish"
	"github.com/Tomas025/merge-helper/internal/reposync"
	"github.com/Tomas025/merge-helper/internal/resolve"
	"github.com/Tomas025/merge-helper/internal/webhook"
	"github.com/Tomas025/merge-helper/internal/workspace"
)

// watchdogInterval is how often the journal is swept for stuck runs.
const watchdogInterval = time.Minute

// RunServer wires the service together and serves until ctx is cancelled.
func RunServer(ctx context.Context, port int, cfg *config.Config) error {
	j, err := journal.Open(cfg.Journal.Path)
	if err != nil {
		return err
	}
	defer j.Close()

	stuckTTL := cfg.Journal.ParseStuckTTL()

	// Close out runs orphaned by a previous process before accepting work.
	if n, err := j.MarkStale(ctx, stuckTTL); err != nil {
		slog.Warn("startup journal sweep failed", "error", err)
	} else if n > 0 {
		slog.Info("marked stale runs from previous process", "count", n)
	}

	go j.Watchdog(ctx, watchdogInterval, stuckTTL, func(count int64) {
		slog.Warn("marked stale runs", "count", count)
	})

	git := gitcmd.NewRunner(cfg.Git.ParseTimeout())
	workspaces := workspace.NewManager(cfg.Workspace.Root)
	artifacts := diffstore.NewStore(cfg.Artifacts.Root)
	syncer := reposync.NewSyncer(git, workspaces, cfg.Git.BotName, cfg.Git.BotEmail)

	reporter := checks.NewReporter(cfg.GitHub.Token, cfg.GitHub.CheckName)
	resolver := resolve.NewEngine(git, syncer, workspaces, artifacts, resolve.Driver{
		Name:        cfg.Resolver.DriverName,
		Description: cfg.Resolver.Description,
		Pattern:     cfg.Resolver.Pattern,
		Command:     cfg.Resolver.Command,
	})
	publisher := publish.NewEngine(git, syncer, workspaces, artifacts)

	orc := orchestrator.New(reporter, reporter, resolver, publisher, j,
		orchestrator.StaticToken(cfg.GitHub.Token), cfg.Server.BaseURL)

	srv := webhook.New(orc, artifacts, cfg.GitHub.WebhookSecret, cfg.GitHub.CheckName, slog.Default())

	serveErr := srv.Start(ctx, port)

	// Let in-flight merge attempts write their terminal statuses.
	orc.Wait()

	return serveErr
}
