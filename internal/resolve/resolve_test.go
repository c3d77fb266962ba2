package resolve

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tomas025/merge-helper/internal/diffstore"
	"github.com/Tomas025/merge-helper/internal/gitcmd"
	"github.com/Tomas025/merge-helper/internal/reposync"
	"github.com/Tomas025/merge-helper/internal/workspace"
)

const resolvedSHA = "fedcba9876543210fedcba9876543210fedcba98"

const testPatch = `diff --git a/src/Main.java b/src/Main.java
--- a/src/Main.java
+++ b/src/Main.java
@@ -1 +1 @@
-int x = 1;
+int x = 2;
`

// scriptedGit replays canned outputs keyed by the first argument (the git
// subcommand) and records every invocation.
type scriptedGit struct {
	calls    []string
	tryCalls []string
	outputs  map[string]string
	failures map[string]error
}

func newScriptedGit() *scriptedGit {
	return &scriptedGit{
		outputs: map[string]string{
			"rev-parse": resolvedSHA,
			"diff":      testPatch,
		},
		failures: map[string]error{},
	}
}

func (g *scriptedGit) Run(_ context.Context, _ string, args ...string) (string, error) {
	g.calls = append(g.calls, strings.Join(args, " "))
	if err, ok := g.failures[args[0]]; ok {
		return "", err
	}
	return g.outputs[args[0]], nil
}

func (g *scriptedGit) TryRun(_ context.Context, _ string, args ...string) {
	g.tryCalls = append(g.tryCalls, strings.Join(args, " "))
}

type fixture struct {
	engine    *Engine
	git       *scriptedGit
	ws        *workspace.Manager
	artifacts *diffstore.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	git := newScriptedGit()
	ws := workspace.NewManager(t.TempDir())
	artifacts := diffstore.NewStore(t.TempDir())
	syncer := reposync.NewSyncer(git, ws, "Merge-Helper", "bot@example.com")
	driver := Driver{
		Name:        "s3m",
		Description: "semi_structured_3_way_merge_tool_for_java",
		Pattern:     "*.java",
		Command:     `java -jar "s3m.jar" %A %O %B -o %A -g`,
	}
	return &fixture{
		engine:    NewEngine(git, syncer, ws, artifacts, driver),
		git:       git,
		ws:        ws,
		artifacts: artifacts,
	}
}

func testRequest() Request {
	return Request{
		Identity: workspace.Identity{Owner: "acme", Repo: "widgets", PRNumber: 42, HeadSHA: "abcdef1234567890"},
		HeadRef:  "feature/x",
		BaseRef:  "main",
		CloneURL: "https://github.com/acme/widgets.git",
		Token:    "tok",
	}
}

func TestResolveSuccess(t *testing.T) {
	f := newFixture(t)
	req := testRequest()

	res, err := f.engine.Resolve(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, OutcomeOK, res.Outcome)
	assert.Equal(t, resolvedSHA, res.ResolvedCommit)
	assert.Equal(t, "acme_widgets_42-abcdef1234567890", res.DiffKey)

	// Artifact is retrievable under the returned key.
	html, err := f.artifacts.Load(res.DiffKey)
	require.NoError(t, err)
	assert.Contains(t, html, "src/Main.java")

	// Metadata records the resolved commit.
	meta, err := f.ws.ReadMetadata(req.Identity)
	require.NoError(t, err)
	assert.Equal(t, resolvedSHA, meta.ResolvedCommit)
	assert.Equal(t, "main", meta.BaseRef)
	assert.Equal(t, "feature/x", meta.HeadRef)
	assert.Equal(t, req.Identity.HeadSHA, meta.HeadSHA)
}

func TestResolveCommandSequence(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Resolve(context.Background(), testRequest())
	require.NoError(t, err)

	joined := strings.Join(f.git.calls, "\n")
	ordered := []string{
		"clone --no-tags",
		"config user.name Merge-Helper",
		"config user.email bot@example.com",
		"config merge.s3m.name semi_structured_3_way_merge_tool_for_java",
		`config merge.s3m.driver java -jar "s3m.jar" %A %O %B -o %A -g`,
		"fetch --all --prune",
		"checkout main",
		"checkout -B merge-helper/s3m/42-abcdef1",
		"merge --no-ff --no-commit origin/feature/x",
		"add -A",
		"commit -m " + CommitMessage,
		"rev-parse HEAD",
		"diff origin/main...",
	}
	last := -1
	for _, want := range ordered {
		idx := strings.Index(joined, want)
		require.GreaterOrEqual(t, idx, 0, "missing command %q", want)
		assert.Greater(t, idx, last, "command %q out of order", want)
		last = idx
	}
}

func TestResolveConflictYieldsNoFix(t *testing.T) {
	f := newFixture(t)
	f.git.failures["merge"] = &gitcmd.Error{
		Args:   []string{"merge"},
		Stderr: "CONFLICT (content): Merge conflict in src/Main.java",
	}

	res, err := f.engine.Resolve(context.Background(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoFix, res.Outcome)
	assert.Contains(t, res.Reason, "CONFLICT (content)")
	assert.Empty(t, res.DiffKey)

	// The in-progress merge is aborted best-effort.
	assert.Contains(t, f.git.tryCalls, "merge --abort")

	// No artifact and no metadata for a failed attempt.
	_, err = f.artifacts.Load(diffstore.Key("acme", "widgets", 42, "abcdef1234567890"))
	assert.ErrorIs(t, err, diffstore.ErrNotFound)
	_, err = f.ws.ReadMetadata(testRequest().Identity)
	assert.ErrorIs(t, err, workspace.ErrMetadataMissing)
}

func TestResolveCloneFailureIsError(t *testing.T) {
	f := newFixture(t)
	f.git.failures["clone"] = fmt.Errorf("fatal: could not read from remote")

	_, err := f.engine.Resolve(context.Background(), testRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not read from remote")
}

func TestResolveCommitFailureIsError(t *testing.T) {
	f := newFixture(t)
	f.git.failures["commit"] = fmt.Errorf("nothing to commit")

	_, err := f.engine.Resolve(context.Background(), testRequest())
	require.Error(t, err)
}

func TestRegisterDriverIdempotent(t *testing.T) {
	f := newFixture(t)
	src := f.ws.SrcDir(testRequest().Identity)
	require.NoError(t, os.MkdirAll(filepath.Join(src, ".git", "info"), 0755))

	require.NoError(t, f.engine.registerDriver(context.Background(), src))
	require.NoError(t, f.engine.registerDriver(context.Background(), src))

	data, err := os.ReadFile(filepath.Join(src, ".git", "info", "attributes"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "*.java merge=s3m"))
}
