package provider

import (
	"context"

	"github.com/HAAIL-Universe/forgeguard/internal/audit"
	"github.com/HAAIL-Universe/forgeguard/internal/migration"
)

// RepoContext describes the repository being migrated. Assembled once
// per run and passed to every planning call.
type RepoContext struct {
	// Metadata is free-form repository description (name, stack
	// profile, detected external-service dependencies).
	Metadata string

	// FileListing is the working-tree listing.
	FileListing []string
}

// RemediationContext carries the audit failure a fix directive must
// repair.
type RemediationContext struct {
	File     string
	Findings []audit.Finding
	Change   migration.Change
}

// PlanRequest asks the planner for a directive.
type PlanRequest struct {
	Task migration.Task
	Repo RepoContext

	// Remediation, when non-nil, switches the planner into remediation
	// mode: produce a narrow fix directive for one failed file.
	Remediation *RemediationContext
}

// BuildRequest asks the builder for changes to a single file.
type BuildRequest struct {
	Task      migration.Task
	Directive migration.Directive

	// File is the single file directive being built.
	File migration.FileDirective

	// Siblings are already-completed changes from the same task, so
	// later files can reference earlier ones.
	Siblings []migration.Change

	// Credential selects the builder credential (0 primary, 1 second)
	// for paired builds.
	Credential int
}

// DiagnoseRequest asks for a fix plan for a failing test run.
type DiagnoseRequest struct {
	TestOutput string
	Failures   string

	// History holds prior attempts and their exact resulting output.
	// Tier 2 includes it and asks why earlier attempts failed.
	History []Attempt

	// ExtendedReasoning requests a larger reasoning budget (Tier 2).
	ExtendedReasoning bool
}

// Attempt is one prior auto-fix attempt and its result.
type Attempt struct {
	Diagnosis string
	Files     []string
	Output    string
}

// Planner produces directives. A nil directive with a non-nil error
// means planning failed; usage is still reported.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (*migration.Directive, migration.Usage, error)
}

// Builder produces per-file changes.
type Builder interface {
	Build(ctx context.Context, req BuildRequest) (*migration.BuildResult, migration.Usage, error)
}

// Diagnoser produces fix plans for failing test runs.
type Diagnoser interface {
	Diagnose(ctx context.Context, req DiagnoseRequest) (*migration.FixPlan, migration.Usage, error)
}
