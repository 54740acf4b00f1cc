package fixloop

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HAAIL-Universe/forgeguard/internal/audit"
	"github.com/HAAIL-Universe/forgeguard/internal/config"
	"github.com/HAAIL-Universe/forgeguard/internal/gitops"
	"github.com/HAAIL-Universe/forgeguard/internal/migration"
	"github.com/HAAIL-Universe/forgeguard/internal/provider"
)

// mockDiagnoser records every request it serves.
type mockDiagnoser struct {
	mu       sync.Mutex
	requests []provider.DiagnoseRequest
	err      error
}

func (m *mockDiagnoser) Diagnose(_ context.Context, req provider.DiagnoseRequest) (*migration.FixPlan, migration.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	usage := migration.Usage{InputTokens: 50, OutputTokens: 20}
	if m.err != nil {
		return nil, usage, m.err
	}
	return &migration.FixPlan{
		Diagnosis: "assertion drift in user fixture",
		Files: []migration.FileDirective{
			{File: "tests/test_user.py", Action: "modify", Intent: "update expected value"},
		},
	}, usage, nil
}

type mockFixBuilder struct{}

func (mockFixBuilder) Build(_ context.Context, req provider.BuildRequest) (*migration.BuildResult, migration.Usage, error) {
	return &migration.BuildResult{Changes: []migration.Change{
		{File: req.File.File, Action: "modify", After: "assert value == 2\n"},
	}}, migration.Usage{InputTokens: 30, OutputTokens: 25}, nil
}

// mockRunner fails until the configured pass attempt.
type mockRunner struct {
	mu      sync.Mutex
	calls   int
	passOn  int
	failOut string
}

func (m *mockRunner) Run(context.Context, string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.passOn > 0 && m.calls >= m.passOn {
		return true, "4 passed in 0.10s"
	}
	return false, m.failOut
}

type mockApplier struct {
	mu      sync.Mutex
	applied [][]migration.Change
}

func (m *mockApplier) ApplyChanges(changes []migration.Change, _ gitops.Validator) ([]string, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, changes)
	files := make([]string, 0, len(changes))
	for _, c := range changes {
		files = append(files, c.File)
	}
	return files, nil
}

type nopValidator struct{}

func (nopValidator) ValidateFile(string, string) []audit.Finding { return nil }

func newTestLoop(t *testing.T, d *mockDiagnoser, r *mockRunner, a *mockApplier, cfg config.FixLoopConfig) *Loop {
	t.Helper()
	loop, err := New(d, mockFixBuilder{}, r, a, nopValidator{}, cfg, nil)
	require.NoError(t, err)
	return loop
}

func TestLoopPassesOnFirstAttempt(t *testing.T) {
	d := &mockDiagnoser{}
	r := &mockRunner{passOn: 1, failOut: pytestAssertOutput}
	a := &mockApplier{}
	loop := newTestLoop(t, d, r, a, config.FixLoopConfig{Tier1Attempts: 3, Tier2Attempts: 2})

	passed, out := loop.Run(context.Background(), "/tmp/repo", pytestAssertOutput)
	assert.True(t, passed)
	assert.Contains(t, out, "passed")
	assert.Len(t, d.requests, 1)
	assert.False(t, d.requests[0].ExtendedReasoning)
	assert.Len(t, a.applied, 1)
}

func TestLoopEscalatesToTierTwo(t *testing.T) {
	d := &mockDiagnoser{}
	r := &mockRunner{passOn: 0, failOut: pytestAssertOutput} // never passes
	a := &mockApplier{}
	loop := newTestLoop(t, d, r, a, config.FixLoopConfig{Tier1Attempts: 3, Tier2Attempts: 2})

	var usageCalls int
	loop.OnUsage = func(migration.Usage) { usageCalls++ }

	passed, _ := loop.Run(context.Background(), "/tmp/repo", pytestAssertOutput)
	assert.False(t, passed)
	require.Len(t, d.requests, 5) // 3 quick + 2 escalated

	// With tier 1 capped at 3, the 4th attempt must already be tier 2:
	// extended reasoning on and the full history attached.
	for i, req := range d.requests {
		if i < 3 {
			assert.False(t, req.ExtendedReasoning, "attempt %d", i+1)
			assert.Empty(t, req.History, "attempt %d", i+1)
		} else {
			assert.True(t, req.ExtendedReasoning, "attempt %d", i+1)
			assert.Len(t, req.History, i, "attempt %d", i+1)
		}
	}
	assert.Positive(t, usageCalls)
}

func TestLoopPassesMidTierTwo(t *testing.T) {
	d := &mockDiagnoser{}
	r := &mockRunner{passOn: 4, failOut: pytestAssertOutput}
	a := &mockApplier{}
	loop := newTestLoop(t, d, r, a, config.FixLoopConfig{Tier1Attempts: 3, Tier2Attempts: 2})

	passed, _ := loop.Run(context.Background(), "/tmp/repo", pytestAssertOutput)
	assert.True(t, passed)
	assert.Len(t, d.requests, 4)
	assert.True(t, d.requests[3].ExtendedReasoning)
}

func TestLoopDiagnosisErrorStillConsumesBudget(t *testing.T) {
	d := &mockDiagnoser{err: fmt.Errorf("model overloaded")}
	r := &mockRunner{failOut: pytestAssertOutput}
	a := &mockApplier{}
	loop := newTestLoop(t, d, r, a, config.FixLoopConfig{Tier1Attempts: 2, Tier2Attempts: 1})

	passed, out := loop.Run(context.Background(), "/tmp/repo", pytestAssertOutput)
	assert.False(t, passed)
	assert.Equal(t, pytestAssertOutput, out)
	assert.Len(t, d.requests, 3)
	// No fixes were built, so nothing was applied or retested.
	assert.Empty(t, a.applied)
	assert.Zero(t, r.calls)
}

func TestLoopZeroBudgetsReturnImmediately(t *testing.T) {
	d := &mockDiagnoser{}
	r := &mockRunner{failOut: pytestAssertOutput}
	loop := newTestLoop(t, d, r, &mockApplier{}, config.FixLoopConfig{})

	passed, out := loop.Run(context.Background(), "/tmp/repo", pytestAssertOutput)
	assert.False(t, passed)
	assert.Equal(t, pytestAssertOutput, out)
	assert.Empty(t, d.requests)
}
