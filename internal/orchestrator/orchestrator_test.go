package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tomas025/merge-helper/internal/checks"
	"github.com/Tomas025/merge-helper/internal/journal"
	"github.com/Tomas025/merge-helper/internal/publish"
	"github.com/Tomas025/merge-helper/internal/resolve"
)

type completion struct {
	checkRunID int64
	conclusion string
	out        checks.Output
	detailsURL string
	withApply  bool
}

type fakeStatus struct {
	mu          sync.Mutex
	created     []string // externalID per Create
	reopened    []int64
	completions []completion
}

func (f *fakeStatus) Create(_ context.Context, _, _, _ string, externalID string, _ checks.Output) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, externalID)
	return 77, nil
}

func (f *fakeStatus) Reopen(_ context.Context, _, _ string, checkRunID int64, _ string, _ checks.Output) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reopened = append(f.reopened, checkRunID)
	return nil
}

func (f *fakeStatus) Complete(_ context.Context, _, _ string, checkRunID int64, conclusion string, out checks.Output, detailsURL string, withApply bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completions = append(f.completions, completion{checkRunID, conclusion, out, detailsURL, withApply})
	return nil
}

func (f *fakeStatus) lastCompletion(t *testing.T) completion {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.completions)
	return f.completions[len(f.completions)-1]
}

type fakePulls struct {
	pull   *checks.PullInfo
	merged bool
	closed []int
}

func (f *fakePulls) GetPull(_ context.Context, _, _ string, _ int) (*checks.PullInfo, error) {
	if f.pull == nil {
		return nil, fmt.Errorf("no such PR")
	}
	return f.pull, nil
}

func (f *fakePulls) IsMerged(_ context.Context, _, _ string, _ int) (bool, error) {
	return f.merged, nil
}

func (f *fakePulls) ClosePR(_ context.Context, _, _ string, number int) error {
	f.closed = append(f.closed, number)
	return nil
}

type fakeResolver struct {
	mu     sync.Mutex
	reqs   []resolve.Request
	result *resolve.Result
	err    error
}

func (f *fakeResolver) Resolve(_ context.Context, req resolve.Request) (*resolve.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.result, f.err
}

type fakePublisher struct {
	reqs   []publish.Request
	result *publish.Result
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, req publish.Request) (*publish.Result, error) {
	f.reqs = append(f.reqs, req)
	return f.result, f.err
}

type fakeJournal struct {
	mu       sync.Mutex
	started  []journal.Run
	finished []string // "<conclusion>"
}

func (f *fakeJournal) Start(_ context.Context, run journal.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, run)
	return nil
}

func (f *fakeJournal) Finish(_ context.Context, _, conclusion, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, conclusion)
	return nil
}

type fixture struct {
	orc       *Orchestrator
	status    *fakeStatus
	pulls     *fakePulls
	resolver  *fakeResolver
	publisher *fakePublisher
	journal   *fakeJournal
}

func newFixture() *fixture {
	f := &fixture{
		status:    &fakeStatus{},
		pulls:     &fakePulls{},
		resolver:  &fakeResolver{result: &resolve.Result{Outcome: resolve.OutcomeOK, DiffKey: "acme_widgets_42-abc", ResolvedCommit: "deadbeef"}},
		publisher: &fakePublisher{result: &publish.Result{Status: publish.StatusApplied, Applied: true, Message: "Resolved commit applied to main"}},
		journal:   &fakeJournal{},
	}
	f.orc = New(f.status, f.pulls, f.resolver, f.publisher, f.journal, StaticToken("tok"), "http://localhost:3000/")
	return f
}

func prEvent() PREvent {
	return PREvent{
		Owner:    "acme",
		Repo:     "widgets",
		PRNumber: 42,
		HeadRef:  "feature/x",
		BaseRef:  "main",
		HeadSHA:  "abcdef1234567890",
		CloneURL: "https://github.com/acme/widgets.git",
	}
}

func TestHandlePullRequestSuccess(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.orc.HandlePullRequest(context.Background(), prEvent()))
	f.orc.Wait()

	require.Len(t, f.status.created, 1)
	assert.Equal(t, "42:abcdef1", f.status.created[0])

	require.Len(t, f.resolver.reqs, 1)
	req := f.resolver.reqs[0]
	assert.Equal(t, "tok", req.Token)
	assert.Equal(t, "main", req.BaseRef)
	assert.Equal(t, "feature/x", req.HeadRef)

	c := f.status.lastCompletion(t)
	assert.Equal(t, int64(77), c.checkRunID)
	assert.Equal(t, journal.ConclusionNeutral, c.conclusion)
	assert.True(t, c.withApply)
	assert.Equal(t, "http://localhost:3000/diff/acme_widgets_42-abc", c.detailsURL)

	assert.Equal(t, []string{journal.ConclusionNeutral}, f.journal.finished)
	require.Len(t, f.journal.started, 1)
	assert.Equal(t, "pr_event", f.journal.started[0].Trigger)
}

func TestHandlePullRequestNoFix(t *testing.T) {
	f := newFixture()
	f.resolver.result = &resolve.Result{Outcome: resolve.OutcomeNoFix, Reason: "CONFLICT in Main.java"}

	require.NoError(t, f.orc.HandlePullRequest(context.Background(), prEvent()))
	f.orc.Wait()

	c := f.status.lastCompletion(t)
	assert.Equal(t, journal.ConclusionFailure, c.conclusion)
	assert.False(t, c.withApply)
	assert.Empty(t, c.detailsURL)
	assert.Contains(t, c.out.Summary, "CONFLICT in Main.java")
}

func TestHandlePullRequestResolverError(t *testing.T) {
	f := newFixture()
	f.resolver.result = nil
	f.resolver.err = fmt.Errorf("cloning acme/widgets#42@abcdef1: network down")

	require.NoError(t, f.orc.HandlePullRequest(context.Background(), prEvent()))
	f.orc.Wait()

	c := f.status.lastCompletion(t)
	assert.Equal(t, journal.ConclusionFailure, c.conclusion)
	assert.Contains(t, c.out.Text, "network down")
}

func TestHandlePullRequestNoToken(t *testing.T) {
	f := newFixture()
	f.orc = New(f.status, f.pulls, f.resolver, f.publisher, f.journal, StaticToken(""), "http://localhost:3000")

	err := f.orc.HandlePullRequest(context.Background(), prEvent())
	require.Error(t, err)
	assert.Empty(t, f.status.created)
}

func TestHandleRerunUsesCurrentRefs(t *testing.T) {
	f := newFixture()
	// The platform now reports a newer head than whatever triggered the rerun.
	f.pulls.pull = &checks.PullInfo{
		Number:   42,
		HeadRef:  "feature/x",
		BaseRef:  "develop",
		HeadSHA:  "9999999ffffffff",
		CloneURL: "https://github.com/acme/widgets.git",
	}

	require.NoError(t, f.orc.HandleRerun(context.Background(), RerunEvent{
		CheckRunID: 123, Owner: "acme", Repo: "widgets", PRNumber: 42,
	}))
	f.orc.Wait()

	assert.Equal(t, []int64{123}, f.status.reopened)

	require.Len(t, f.resolver.reqs, 1)
	req := f.resolver.reqs[0]
	assert.Equal(t, "9999999ffffffff", req.Identity.HeadSHA)
	assert.Equal(t, "develop", req.BaseRef)

	c := f.status.lastCompletion(t)
	assert.Equal(t, int64(123), c.checkRunID)
}

func TestHandleApplySuccessClosesUnmergedPR(t *testing.T) {
	f := newFixture()
	f.pulls.pull = &checks.PullInfo{
		Number:   42,
		HeadRef:  "feature/x",
		BaseRef:  "main",
		HeadSHA:  "abcdef1234567890",
		CloneURL: "https://github.com/acme/widgets.git",
	}
	f.pulls.merged = false

	err := f.orc.HandleApply(context.Background(), ApplyEvent{
		CheckRunID: 88, Owner: "acme", Repo: "widgets", ExternalID: "42:abcdef1",
	})
	require.NoError(t, err)

	require.Len(t, f.publisher.reqs, 1)
	assert.Equal(t, "abcdef1234567890", f.publisher.reqs[0].Identity.HeadSHA)

	// Platform did not notice the merge, so the PR is closed explicitly.
	assert.Equal(t, []int{42}, f.pulls.closed)

	c := f.status.lastCompletion(t)
	assert.Equal(t, journal.ConclusionSuccess, c.conclusion)
	assert.Equal(t, int64(88), c.checkRunID)
}

func TestHandleApplyMergedPRNotClosed(t *testing.T) {
	f := newFixture()
	f.pulls.pull = &checks.PullInfo{Number: 42, HeadRef: "feature/x", BaseRef: "main", HeadSHA: "abcdef1234567890"}
	f.pulls.merged = true

	require.NoError(t, f.orc.HandleApply(context.Background(), ApplyEvent{
		CheckRunID: 88, Owner: "acme", Repo: "widgets", ExternalID: "42:abcdef1",
	}))

	assert.Empty(t, f.pulls.closed)
}

func TestHandleApplyRejected(t *testing.T) {
	f := newFixture()
	f.pulls.pull = &checks.PullInfo{Number: 42, HeadRef: "feature/x", BaseRef: "main", HeadSHA: "abcdef1234567890"}
	f.publisher.result = &publish.Result{
		Status:  publish.StatusBaseDiverged,
		Message: "Base branch has changed; re-run the merge attempt to recompute the resolution",
		Detail:  "fatal: Not possible to fast-forward",
	}

	require.NoError(t, f.orc.HandleApply(context.Background(), ApplyEvent{
		CheckRunID: 88, Owner: "acme", Repo: "widgets", ExternalID: "42:abcdef1",
	}))

	c := f.status.lastCompletion(t)
	assert.Equal(t, journal.ConclusionFailure, c.conclusion)
	assert.Contains(t, c.out.Text, "fast-forward")
	assert.Empty(t, f.pulls.closed)
}

func TestHandleApplyMalformedExternalID(t *testing.T) {
	f := newFixture()

	err := f.orc.HandleApply(context.Background(), ApplyEvent{ExternalID: "garbage"})
	require.Error(t, err)
	assert.Empty(t, f.publisher.reqs)
}

func TestParseExternalID(t *testing.T) {
	n, sha, err := ParseExternalID("42:abcdef1")
	require.NoError(t, err)
	assert.Equal(t, 42, n)
	assert.Equal(t, "abcdef1", sha)

	_, _, err = ParseExternalID("nope")
	assert.Error(t, err)

	_, _, err = ParseExternalID("x:abcdef1")
	assert.Error(t, err)
}
