package migration

import "time"

// Task is one human-readable migration recommendation. Immutable input.
type Task struct {
	ID        string   `json:"id"`
	FromState string   `json:"from_state"`
	ToState   string   `json:"to_state"`
	Category  string   `json:"category"`
	Rationale string   `json:"rationale"`
	Steps     []string `json:"steps"`
	Effort    string   `json:"effort"`
	Risk      string   `json:"risk"`
}

// Scope bounds what a directive may touch.
type Scope struct {
	AllowedFiles      []string `json:"allowed_files"`
	ForbiddenPatterns []string `json:"forbidden_patterns"`
}

// FileDirective is the director's instruction for a single file.
type FileDirective struct {
	File               string   `json:"file"`
	Action             string   `json:"action"` // create, modify, delete
	Intent             string   `json:"intent"`
	CurrentState       string   `json:"current_state,omitempty"`
	TargetState        string   `json:"target_state"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	StopIf             string   `json:"stop_if,omitempty"`
	DependsOn          []string `json:"depends_on,omitempty"`
	Considerations     []string `json:"considerations,omitempty"`
}

// Directive is the director's structured, scoped plan for one task.
// Produced once per task (or once per retry), owned by the pipeline run.
type Directive struct {
	Mode                 string          `json:"mode"`
	NonGoals             []string        `json:"non_goals,omitempty"`
	Scope                Scope           `json:"scope"`
	PreRead              []string        `json:"pre_read,omitempty"`
	Files                []FileDirective `json:"files"`
	StopConditions       []string        `json:"stop_conditions,omitempty"`
	Risks                []string        `json:"risks,omitempty"`
	VerificationStrategy string          `json:"verification_strategy,omitempty"`
	Notes                string          `json:"notes,omitempty"`
	Analysis             string          `json:"analysis,omitempty"`
}

// FileList returns the files the directive plans to touch, in order.
func (d *Directive) FileList() []string {
	files := make([]string, 0, len(d.Files))
	for _, f := range d.Files {
		files = append(files, f.File)
	}
	return files
}

// Change is one file-level edit proposed by the builder.
// Never mutated after creation.
type Change struct {
	File        string   `json:"file"`
	Action      string   `json:"action"` // create, modify, delete
	Description string   `json:"description,omitempty"`
	Before      string   `json:"before,omitempty"`
	After       string   `json:"after"`
	Objections  []string `json:"objections,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

// BuildResult is the builder's output for one file directive.
type BuildResult struct {
	Changes []Change `json:"changes"`
	Notes   string   `json:"notes,omitempty"`
}

// FixPlan is the diagnoser's output for a failing test run: which files
// to touch and how, shaped like a narrow directive.
type FixPlan struct {
	Diagnosis string          `json:"diagnosis"`
	Files     []FileDirective `json:"files"`
}

// TaskResultStatus is the terminal status of one task within a run.
type TaskResultStatus string

const (
	TaskProposed TaskResultStatus = "proposed"
	TaskSkipped  TaskResultStatus = "skipped"
)

// TaskResult records the outcome of one task. Skipped results carry
// enough data (TaskID, Index) to be retried later.
type TaskResult struct {
	TaskID       string           `json:"task_id"`
	Index        int              `json:"index"`
	Status       TaskResultStatus `json:"status"`
	ChangesCount int              `json:"changes_count"`
	AppliedFiles []string         `json:"applied_files,omitempty"`
	CommitSHA    string           `json:"commit_sha,omitempty"`
	Error        string           `json:"error,omitempty"`
	Duration     time.Duration    `json:"duration"`
}

// Usage reports token consumption for one provider call. Reported even
// on partial failure.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Add returns the element-wise sum of two usages.
func (u Usage) Add(other Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + other.InputTokens,
		OutputTokens: u.OutputTokens + other.OutputTokens,
	}
}
