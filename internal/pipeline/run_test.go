package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HAAIL-Universe/forgeguard/internal/migration"
)

func newTestRun(tasks ...migration.Task) *Run {
	return NewRun("/tmp/work", "forge/migration", "main", tasks)
}

func TestRunStateMachineHappyPath(t *testing.T) {
	run := newTestRun()
	assert.Equal(t, StatusPreparing, run.Status())

	require.NoError(t, run.Transition(StatusReady))
	require.NoError(t, run.Transition(StatusRunning))
	require.NoError(t, run.Pause())
	require.NoError(t, run.Resume())
	require.NoError(t, run.RequestStop())
	assert.Equal(t, StatusStopping, run.Status())
	require.NoError(t, run.Transition(StatusStopped))
}

func TestRunInvalidTransitions(t *testing.T) {
	run := newTestRun()

	// Cannot pause before running.
	assert.Error(t, run.Pause())

	require.NoError(t, run.Transition(StatusReady))
	require.NoError(t, run.Transition(StatusRunning))
	require.NoError(t, run.Pause())

	// A second pause is rejected; so is a skip straight to stopped.
	assert.Error(t, run.Pause())
	assert.Error(t, run.Transition(StatusStopped))
}

func TestRunStopUnblocksPausedGate(t *testing.T) {
	run := newTestRun()
	require.NoError(t, run.Transition(StatusReady))
	require.NoError(t, run.Transition(StatusRunning))
	require.NoError(t, run.Pause())

	released := make(chan struct{})
	go func() {
		_ = run.gate.Wait(context.Background(), run.Stopping())
		close(released)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, run.RequestStop())

	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("stop did not unblock the paused waiter")
	}
}

func TestRunSetResultReplacesByTaskID(t *testing.T) {
	run := newTestRun(migration.Task{ID: "t1"}, migration.Task{ID: "t2"})

	run.SetResult(migration.TaskResult{TaskID: "t1", Status: migration.TaskSkipped})
	run.SetResult(migration.TaskResult{TaskID: "t2", Status: migration.TaskProposed, ChangesCount: 2})
	require.Len(t, run.Results(), 2)

	// A retry result overwrites the earlier skip in place.
	run.SetResult(migration.TaskResult{TaskID: "t1", Status: migration.TaskProposed, ChangesCount: 1})
	results := run.Results()
	require.Len(t, results, 2)
	assert.Equal(t, "t1", results[0].TaskID)
	assert.Equal(t, migration.TaskProposed, results[0].Status)

	completed, total := run.Progress()
	assert.Equal(t, 2, completed)
	assert.Equal(t, 2, total)
	assert.Empty(t, run.SkippedTasks())
}

func TestRunSkippedTasksKeepsOriginalOrder(t *testing.T) {
	run := newTestRun(
		migration.Task{ID: "a"},
		migration.Task{ID: "b"},
		migration.Task{ID: "c"},
	)
	run.SetResult(migration.TaskResult{TaskID: "c", Status: migration.TaskSkipped})
	run.SetResult(migration.TaskResult{TaskID: "a", Status: migration.TaskSkipped})
	run.SetResult(migration.TaskResult{TaskID: "b", Status: migration.TaskProposed})

	skipped := run.SkippedTasks()
	require.Len(t, skipped, 2)
	assert.Equal(t, "a", skipped[0].ID)
	assert.Equal(t, "c", skipped[1].ID)
}

func TestRunLogBufferCap(t *testing.T) {
	run := newTestRun()
	for i := 0; i < 600; i++ {
		run.AppendLog("line")
	}
	assert.Len(t, run.LogLines(), 500)
	run.ClearLog()
	assert.Empty(t, run.LogLines())
}

func TestRunUnpushedStash(t *testing.T) {
	run := newTestRun()
	assert.False(t, run.HasUnpushed())

	run.StashUnpushed([]migration.Change{{File: "a.py"}})
	run.StashUnpushed([]migration.Change{{File: "b.py"}})
	assert.True(t, run.HasUnpushed())

	taken := run.TakeUnpushed()
	assert.Len(t, taken, 2)
	assert.False(t, run.HasUnpushed())
}

func TestRegistrySweepReapsAfterGrace(t *testing.T) {
	reg := NewRegistry(time.Minute, nil)
	run := newTestRun()
	require.NoError(t, run.Transition(StatusReady))
	require.NoError(t, run.Transition(StatusRunning))
	require.NoError(t, run.Transition(StatusCompleted))
	reg.Add(run)

	now := time.Now()
	assert.Zero(t, reg.Sweep(now)) // arms the expiry
	assert.Zero(t, reg.Sweep(now.Add(30*time.Second)))
	assert.Equal(t, 1, reg.Sweep(now.Add(2*time.Minute)))
	_, ok := reg.Get(run.ID)
	assert.False(t, ok)
}

func TestRegistrySweepExtendsOnceForUnpushed(t *testing.T) {
	reg := NewRegistry(time.Minute, nil)
	run := newTestRun()
	require.NoError(t, run.Transition(StatusReady))
	require.NoError(t, run.Transition(StatusRunning))
	require.NoError(t, run.Transition(StatusCompleted))
	run.StashUnpushed([]migration.Change{{File: "a.py"}})
	reg.Add(run)

	now := time.Now()
	reg.Sweep(now)
	// First expiry extends instead of reaping.
	assert.Zero(t, reg.Sweep(now.Add(2*time.Minute)))
	_, ok := reg.Get(run.ID)
	assert.True(t, ok)
	// Second expiry reaps even with unpushed work.
	assert.Equal(t, 1, reg.Sweep(now.Add(4*time.Minute)))
}

func TestRegistrySweepSkipsActiveRuns(t *testing.T) {
	reg := NewRegistry(time.Millisecond, nil)
	run := newTestRun()
	require.NoError(t, run.Transition(StatusReady))
	require.NoError(t, run.Transition(StatusRunning))
	reg.Add(run)

	assert.Zero(t, reg.Sweep(time.Now().Add(time.Hour)))
	_, ok := reg.Get(run.ID)
	assert.True(t, ok)
}

func TestGatePauseResumeIdempotent(t *testing.T) {
	g := NewGate()
	assert.False(t, g.Paused())

	g.Pause()
	g.Pause()
	assert.True(t, g.Paused())

	g.Resume()
	g.Resume()
	assert.False(t, g.Paused())
	assert.NoError(t, g.Wait(context.Background(), nil))
}
