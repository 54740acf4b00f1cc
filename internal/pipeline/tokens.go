package pipeline

import (
	"sync/atomic"

	"github.com/HAAIL-Universe/forgeguard/internal/migration"
)

// Role names which pipeline actor consumed tokens.
type Role string

const (
	RolePlanner Role = "planner"
	RoleBuilder Role = "builder"

	// RoleNarrator is the catch-all bucket: usage from auxiliary calls
	// (summaries, diagnosis outside a build) and from any role the
	// accumulator does not recognize lands here, so no tokens are
	// silently lost. No pipeline stage reports as narrator directly.
	RoleNarrator Role = "narrator"
)

// TokenAccumulator keeps lock-free per-role input/output token totals
// for the lifetime of a run. Usage is recorded even when the call that
// produced it failed.
type TokenAccumulator struct {
	plannerIn   atomic.Int64
	plannerOut  atomic.Int64
	builderIn   atomic.Int64
	builderOut  atomic.Int64
	narratorIn  atomic.Int64
	narratorOut atomic.Int64
}

// Add records usage under the given role. Unknown roles are counted as
// narrator so nothing is silently lost.
func (t *TokenAccumulator) Add(role Role, u migration.Usage) {
	switch role {
	case RolePlanner:
		t.plannerIn.Add(int64(u.InputTokens))
		t.plannerOut.Add(int64(u.OutputTokens))
	case RoleBuilder:
		t.builderIn.Add(int64(u.InputTokens))
		t.builderOut.Add(int64(u.OutputTokens))
	default:
		t.narratorIn.Add(int64(u.InputTokens))
		t.narratorOut.Add(int64(u.OutputTokens))
	}
}

// Total returns the grand total across all roles and directions.
func (t *TokenAccumulator) Total() int64 {
	return t.plannerIn.Load() + t.plannerOut.Load() +
		t.builderIn.Load() + t.builderOut.Load() +
		t.narratorIn.Load() + t.narratorOut.Load()
}

// TokenSnapshot is a point-in-time copy of the accumulator.
type TokenSnapshot struct {
	PlannerInput   int64 `json:"planner_input"`
	PlannerOutput  int64 `json:"planner_output"`
	BuilderInput   int64 `json:"builder_input"`
	BuilderOutput  int64 `json:"builder_output"`
	NarratorInput  int64 `json:"narrator_input"`
	NarratorOutput int64 `json:"narrator_output"`
	Total          int64 `json:"total"`
}

// Snapshot copies the current totals.
func (t *TokenAccumulator) Snapshot() TokenSnapshot {
	s := TokenSnapshot{
		PlannerInput:   t.plannerIn.Load(),
		PlannerOutput:  t.plannerOut.Load(),
		BuilderInput:   t.builderIn.Load(),
		BuilderOutput:  t.builderOut.Load(),
		NarratorInput:  t.narratorIn.Load(),
		NarratorOutput: t.narratorOut.Load(),
	}
	s.Total = s.PlannerInput + s.PlannerOutput + s.BuilderInput +
		s.BuilderOutput + s.NarratorInput + s.NarratorOutput
	return s
}
