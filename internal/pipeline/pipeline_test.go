package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HAAIL-Universe/forgeguard/internal/config"
	"github.com/HAAIL-Universe/forgeguard/internal/gitops"
	"github.com/HAAIL-Universe/forgeguard/internal/migration"
	"github.com/HAAIL-Universe/forgeguard/internal/provider"
)

// fakePlanner returns canned directives keyed by task ID.
type fakePlanner struct {
	mu         sync.Mutex
	directives map[string]*migration.Directive
	errs       map[string]error
	calls      int
}

func (f *fakePlanner) Plan(_ context.Context, req provider.PlanRequest) (*migration.Directive, migration.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	usage := migration.Usage{InputTokens: 10, OutputTokens: 5}
	if err := f.errs[req.Task.ID]; err != nil {
		return nil, usage, err
	}
	d, ok := f.directives[req.Task.ID]
	if !ok {
		return nil, usage, fmt.Errorf("no directive for task %s", req.Task.ID)
	}
	return d, usage, nil
}

// fakeBuilder returns canned build results keyed by file.
type fakeBuilder struct {
	mu      sync.Mutex
	results map[string]*migration.BuildResult
	errs    map[string]error
	calls   []string
}

func (f *fakeBuilder) Build(_ context.Context, req provider.BuildRequest) (*migration.BuildResult, migration.Usage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.File.File)
	usage := migration.Usage{InputTokens: 20, OutputTokens: 15}
	if err := f.errs[req.File.File]; err != nil {
		return nil, usage, err
	}
	br, ok := f.results[req.File.File]
	if !ok {
		return &migration.BuildResult{}, usage, nil
	}
	return br, usage, nil
}

// fakeGit records applied change sets without touching a repository.
type fakeGit struct {
	mu      sync.Mutex
	applied [][]migration.Change
	pushed  bool
}

func (f *fakeGit) ApplyAndPush(_ context.Context, changes []migration.Change, _ gitops.Validator, _ string, _ int, _ string) gitops.ApplyResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, changes)
	files := make([]string, 0, len(changes))
	for _, c := range changes {
		files = append(files, c.File)
	}
	return gitops.ApplyResult{Applied: files, CommitSHA: "deadbeef", Pushed: f.pushed}
}

func (f *fakeGit) appliedFiles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, set := range f.applied {
		for _, c := range set {
			out = append(out, c.File)
		}
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Pipeline.RemediationIdlePolls = 2
	cfg.Pipeline.RemediationPollInterval = config.Duration(time.Millisecond)
	return cfg
}

func newTestPipeline(t *testing.T, cfg *config.Config, planner provider.Planner, builder provider.Builder, git GitApplier) *Pipeline {
	t.Helper()
	p, err := New(cfg, planner, builder, newTestEngine(t), git, nil, provider.RepoContext{}, nil)
	require.NoError(t, err)
	return p
}

func directiveFor(files ...string) *migration.Directive {
	d := &migration.Directive{Mode: "execute"}
	for _, f := range files {
		d.Files = append(d.Files, migration.FileDirective{
			File: f, Action: "modify", TargetState: "migrated",
		})
	}
	return d
}

func TestExecuteAppliesPassingDropsRejected(t *testing.T) {
	planner := &fakePlanner{directives: map[string]*migration.Directive{
		"t1": directiveFor("a.py"),
	}}
	// The build for a.py also emits an out-of-scope change to b.py.
	builder := &fakeBuilder{results: map[string]*migration.BuildResult{
		"a.py": {Changes: []migration.Change{
			{File: "a.py", Action: "modify", After: "x = 1\n"},
			{File: "b.py", Action: "modify", After: "y = 2\n"},
		}},
	}}
	git := &fakeGit{pushed: true}

	p := newTestPipeline(t, testConfig(), planner, builder, git)
	run := newTestRun(migration.Task{ID: "t1"})
	require.NoError(t, run.Transition(StatusReady))

	require.NoError(t, p.Execute(context.Background(), run))
	assert.Equal(t, StatusCompleted, run.Status())

	results := run.Results()
	require.Len(t, results, 1)
	assert.Equal(t, migration.TaskProposed, results[0].Status)
	assert.Equal(t, 1, results[0].ChangesCount)
	assert.Equal(t, []string{"a.py"}, results[0].AppliedFiles)
	assert.Equal(t, "deadbeef", results[0].CommitSHA)

	// Only the in-scope change reached git.
	assert.Equal(t, []string{"a.py"}, git.appliedFiles())

	// Both audits are on record, with the rejection preserved.
	records := run.AuditLog.Snapshot()
	require.Len(t, records, 2)

	// Token usage flowed from both roles.
	snap := run.Tokens.Snapshot()
	assert.Positive(t, snap.PlannerInput)
	assert.Positive(t, snap.BuilderInput)
}

func TestExecuteRecordsSkipWhenPlanningFails(t *testing.T) {
	planner := &fakePlanner{
		directives: map[string]*migration.Directive{"t2": directiveFor("ok.py")},
		errs:       map[string]error{"t1": fmt.Errorf("model overloaded")},
	}
	builder := &fakeBuilder{results: map[string]*migration.BuildResult{
		"ok.py": {Changes: []migration.Change{{File: "ok.py", Action: "modify", After: "z = 3\n"}}},
	}}
	git := &fakeGit{pushed: true}

	p := newTestPipeline(t, testConfig(), planner, builder, git)
	run := newTestRun(migration.Task{ID: "t1"}, migration.Task{ID: "t2"})
	require.NoError(t, run.Transition(StatusReady))
	require.NoError(t, p.Execute(context.Background(), run))

	results := run.Results()
	require.Len(t, results, 2)
	assert.Equal(t, migration.TaskSkipped, results[0].Status)
	assert.Equal(t, migration.TaskProposed, results[1].Status)

	// Planner usage is counted even for the failed call.
	assert.Positive(t, run.Tokens.Snapshot().PlannerInput)
}

func TestExecuteInlineRetryRepairsFailure(t *testing.T) {
	planner := &fakePlanner{directives: map[string]*migration.Directive{
		"t1": directiveFor("app.py"),
	}}
	builder := &fakeBuilder{results: map[string]*migration.BuildResult{
		"app.py": {Changes: []migration.Change{
			{File: "app.py", Action: "modify", After: "from os import *\n"},
		}},
	}}
	git := &fakeGit{pushed: true}

	p := newTestPipeline(t, testConfig(), planner, builder, git)

	// The first build serves the wildcard import; the inline retry gets
	// a clean version.
	firstServed := false
	p.builder = &switchingBuilder{
		inner: builder,
		after: &migration.BuildResult{Changes: []migration.Change{
			{File: "app.py", Action: "modify", After: "import os\n"},
		}},
		served: &firstServed,
	}

	run := newTestRun(migration.Task{ID: "t1"})
	require.NoError(t, run.Transition(StatusReady))
	require.NoError(t, p.Execute(context.Background(), run))

	results := run.Results()
	require.Len(t, results, 1)
	assert.Equal(t, migration.TaskProposed, results[0].Status)
	assert.Equal(t, []string{"app.py"}, results[0].AppliedFiles)
	applied := git.appliedFiles()
	require.Len(t, applied, 1)
}

// switchingBuilder serves the inner builder once, then a fixed result.
type switchingBuilder struct {
	mu     sync.Mutex
	inner  provider.Builder
	after  *migration.BuildResult
	served *bool
}

func (s *switchingBuilder) Build(ctx context.Context, req provider.BuildRequest) (*migration.BuildResult, migration.Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !*s.served {
		*s.served = true
		return s.inner.Build(ctx, req)
	}
	return s.after, migration.Usage{InputTokens: 5, OutputTokens: 5}, nil
}

func TestRetryReRunsOnlySkippedTasks(t *testing.T) {
	planner := &fakePlanner{
		directives: map[string]*migration.Directive{"good": directiveFor("g.py")},
		errs:       map[string]error{"bad": fmt.Errorf("overloaded")},
	}
	builder := &fakeBuilder{results: map[string]*migration.BuildResult{
		"g.py": {Changes: []migration.Change{{File: "g.py", Action: "modify", After: "a = 1\n"}}},
		"b.py": {Changes: []migration.Change{{File: "b.py", Action: "modify", After: "b = 1\n"}}},
	}}
	git := &fakeGit{pushed: true}

	p := newTestPipeline(t, testConfig(), planner, builder, git)
	run := newTestRun(migration.Task{ID: "good"}, migration.Task{ID: "bad"})
	require.NoError(t, run.Transition(StatusReady))
	require.NoError(t, p.Execute(context.Background(), run))
	assert.Equal(t, StatusCompleted, run.Status())
	require.Len(t, run.SkippedTasks(), 1)

	// The failure clears; retry replaces the skip in place.
	planner.mu.Lock()
	delete(planner.errs, "bad")
	planner.directives["bad"] = directiveFor("b.py")
	planner.mu.Unlock()

	require.NoError(t, p.Retry(context.Background(), run))
	assert.Equal(t, StatusCompleted, run.Status())

	results := run.Results()
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, migration.TaskProposed, res.Status, res.TaskID)
	}
	assert.Empty(t, run.SkippedTasks())

	// The retried task keeps its position in the original list even
	// though the retry only iterated the skipped subset.
	for _, res := range results {
		if res.TaskID == "bad" {
			assert.Equal(t, 1, res.Index)
		}
	}
}

// A pause that lands as the last unit of work drains leaves both roles
// exited with the run still paused; the run must complete, not error on
// an invalid transition.
func TestFinalizeCompletesPausedRunAtDrain(t *testing.T) {
	p := newTestPipeline(t, testConfig(), &fakePlanner{}, &fakeBuilder{}, &fakeGit{})
	run := newTestRun(migration.Task{ID: "t1"})
	require.NoError(t, run.Transition(StatusReady))
	require.NoError(t, run.Transition(StatusRunning))
	require.NoError(t, run.Pause())

	final := p.finalize(context.Background(), run)
	assert.Equal(t, StatusCompleted, final)
	assert.Equal(t, StatusCompleted, run.Status())
	assert.Empty(t, run.LastError())
}

func TestRetryRequiresTerminalRun(t *testing.T) {
	p := newTestPipeline(t, testConfig(), &fakePlanner{}, &fakeBuilder{}, &fakeGit{})
	run := newTestRun(migration.Task{ID: "t1"})
	require.NoError(t, run.Transition(StatusReady))
	require.NoError(t, run.Transition(StatusRunning))

	assert.Error(t, p.Retry(context.Background(), run))
}

func TestExecuteStashesUnpushedWork(t *testing.T) {
	planner := &fakePlanner{directives: map[string]*migration.Directive{
		"t1": directiveFor("a.py"),
	}}
	builder := &fakeBuilder{results: map[string]*migration.BuildResult{
		"a.py": {Changes: []migration.Change{{File: "a.py", Action: "modify", After: "x = 1\n"}}},
	}}
	git := &fakeGit{pushed: false} // commit lands, push does not

	p := newTestPipeline(t, testConfig(), planner, builder, git)
	run := newTestRun(migration.Task{ID: "t1"})
	require.NoError(t, run.Transition(StatusReady))
	require.NoError(t, p.Execute(context.Background(), run))

	assert.True(t, run.HasUnpushed())
}
