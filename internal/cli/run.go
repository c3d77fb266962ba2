package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Tomas025/merge-helper/internal/checks"
	"github.com/Tomas025/merge-helper/internal/config"
	"github.com/Tomas025/merge-helper/internal/diffstore"
	"github.com/Tomas025/merge-helper/internal/gitcmd"
	"github.com/Tomas025/merge-helper/internal/publish"
	"github.com/Tomas025/merge-helper/internal/reposync"
	"github.com/Tomas025/merge-helper/internal/resolve"
	"github.com/Tomas025/merge-helper/internal/workspace"
)

func init() {
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(publishCmd)
}

// buildEngines wires the merge engines the same way the daemon does, for
// one-shot runs against a PR without going through webhooks.
func buildEngines(cfg *config.Config) (*resolve.Engine, *publish.Engine, *diffstore.Store) {
	git := gitcmd.NewRunner(cfg.Git.ParseTimeout())
	workspaces := workspace.NewManager(cfg.Workspace.Root)
	artifacts := diffstore.NewStore(cfg.Artifacts.Root)
	syncer := reposync.NewSyncer(git, workspaces, cfg.Git.BotName, cfg.Git.BotEmail)

	resolver := resolve.NewEngine(git, syncer, workspaces, artifacts, resolve.Driver{
		Name:        cfg.Resolver.DriverName,
		Description: cfg.Resolver.Description,
		Pattern:     cfg.Resolver.Pattern,
		Command:     cfg.Resolver.Command,
	})
	publisher := publish.NewEngine(git, syncer, workspaces, artifacts)
	return resolver, publisher, artifacts
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <owner> <repo> <pr-number>",
	Short: "Run one merge resolution attempt for a PR",
	Long: `Fetch the PR's current head and base, attempt a structural merge in a
local workspace, and store the resolved diff. No check run is created; the
result is printed to stdout.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, repo := args[0], args[1]
		prNumber, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid PR number %q", args[2])
		}

		cfg := appConfig
		reporter := checks.NewReporter(cfg.GitHub.Token, cfg.GitHub.CheckName)
		pr, err := reporter.GetPull(cmd.Context(), owner, repo, prNumber)
		if err != nil {
			return err
		}

		resolver, _, _ := buildEngines(cfg)
		result, err := resolver.Resolve(cmd.Context(), resolve.Request{
			Identity: workspace.Identity{Owner: owner, Repo: repo, PRNumber: prNumber, HeadSHA: pr.HeadSHA},
			HeadRef:  pr.HeadRef,
			BaseRef:  pr.BaseRef,
			CloneURL: pr.CloneURL,
			Token:    cfg.GitHub.Token,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		switch result.Outcome {
		case resolve.OutcomeOK:
			fmt.Fprintf(out, "resolved %s/%s#%d at %s\n", owner, repo, prNumber, pr.HeadSHA)
			fmt.Fprintf(out, "resolved commit: %s\n", result.ResolvedCommit)
			fmt.Fprintf(out, "diff: %s/diff/%s\n", cfg.Server.BaseURL, result.DiffKey)
		case resolve.OutcomeNoFix:
			fmt.Fprintf(out, "could not resolve %s/%s#%d: %s\n", owner, repo, prNumber, result.Reason)
		}
		return nil
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish <owner> <repo> <pr-number>",
	Short: "Fast-forward the base branch to a previously resolved commit",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, repo := args[0], args[1]
		prNumber, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid PR number %q", args[2])
		}

		cfg := appConfig
		reporter := checks.NewReporter(cfg.GitHub.Token, cfg.GitHub.CheckName)
		pr, err := reporter.GetPull(cmd.Context(), owner, repo, prNumber)
		if err != nil {
			return err
		}

		_, publisher, _ := buildEngines(cfg)
		result, err := publisher.Publish(cmd.Context(), publish.Request{
			Identity: workspace.Identity{Owner: owner, Repo: repo, PRNumber: prNumber, HeadSHA: pr.HeadSHA},
			HeadRef:  pr.HeadRef,
			BaseRef:  pr.BaseRef,
			CloneURL: pr.CloneURL,
			Token:    cfg.GitHub.Token,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if result.Applied {
			fmt.Fprintf(out, "applied: %s\n", result.Message)
			return nil
		}
		fmt.Fprintf(out, "not applied: %s\n", result.Message)
		if result.Detail != "" {
			fmt.Fprintln(out, result.Detail)
		}
		return nil
	},
}
