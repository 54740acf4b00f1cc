package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/HAAIL-Universe/forgeguard/internal/audit"
	"github.com/HAAIL-Universe/forgeguard/internal/migration"
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// validTransitions is the run state machine. Every status may
// additionally transition to error.
var validTransitions = map[Status][]Status{
	StatusPreparing: {StatusReady},
	StatusReady:     {StatusRunning, StatusStopping},
	StatusRunning:   {StatusPaused, StatusStopping, StatusCompleted},
	StatusPaused:    {StatusRunning, StatusStopping},
	StatusStopping:  {StatusStopped},
	StatusStopped:   {StatusRunning},
	StatusCompleted: {StatusRunning},
	StatusError:     {StatusRunning},
}

// terminal reports whether a status admits retry.
func terminal(s Status) bool {
	return s == StatusStopped || s == StatusCompleted || s == StatusError
}

// Run is all mutable state for one pipeline execution: status, task
// results, the audit trail, token totals, and the pause/stop controls.
// Safe for concurrent use by the director, builder, and control plane.
type Run struct {
	ID            string
	WorkDir       string
	WorkingBranch string
	TargetBranch  string

	Tokens   *TokenAccumulator
	AuditLog *audit.Log

	mu        sync.Mutex
	status    Status
	tasks     []migration.Task
	results   []migration.TaskResult
	completed int
	lastError string
	logLines  []string

	// unpushed stashes change sets whose commit succeeded but whose
	// push did not, so a later push command can recover them.
	unpushed []migration.Change

	// inflight tracks tasks the builder is actively working on, so the
	// director's remediation poll leaves their failures to the inline
	// retry.
	inflight map[string]struct{}

	gate     *Gate
	stopCh   chan struct{}
	stopOnce sync.Once

	// expiry is when an idle terminal run may be reaped. Runs holding
	// unpushed work get their grace period extended exactly once.
	expiry        time.Time
	graceExtended bool
}

// NewRun creates a run in the preparing state.
func NewRun(workDir, workingBranch, targetBranch string, tasks []migration.Task) *Run {
	return &Run{
		ID:            uuid.NewString(),
		WorkDir:       workDir,
		WorkingBranch: workingBranch,
		TargetBranch:  targetBranch,
		Tokens:        &TokenAccumulator{},
		AuditLog:      audit.NewLog(),
		status:        StatusPreparing,
		tasks:         tasks,
		inflight:      make(map[string]struct{}),
		gate:          NewGate(),
		stopCh:        make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Transition moves the run to a new status, enforcing the state
// machine. Transition to error is always allowed.
func (r *Run) Transition(to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(to)
}

func (r *Run) transitionLocked(to Status) error {
	if to == StatusError {
		r.status = StatusError
		return nil
	}
	for _, allowed := range validTransitions[r.status] {
		if allowed == to {
			r.status = to
			return nil
		}
	}
	return fmt.Errorf("pipeline: invalid transition %s -> %s", r.status, to)
}

// Pause closes the gate. Only a running run can pause.
func (r *Run) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionLocked(StatusPaused); err != nil {
		return err
	}
	r.gate.Pause()
	return nil
}

// Resume reopens the gate. Only a paused run can resume.
func (r *Run) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionLocked(StatusRunning); err != nil {
		return err
	}
	r.gate.Resume()
	return nil
}

// RequestStop flips the cooperative stop flag. It also reopens the
// gate so a paused run does not stay blocked forever.
func (r *Run) RequestStop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.transitionLocked(StatusStopping); err != nil {
		return err
	}
	r.gate.Resume()
	r.stopOnce.Do(func() { close(r.stopCh) })
	return nil
}

// Stopping exposes the stop flag as a channel; closed once stop is
// requested.
func (r *Run) Stopping() <-chan struct{} { return r.stopCh }

// stopped is a non-blocking stop check for task/file boundaries.
func (r *Run) stopRequested() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

// resetForRetry rearms stop and pause so a terminal run can execute
// again. Caller must already hold a terminal status.
func (r *Run) resetForRetry() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopCh = make(chan struct{})
	r.stopOnce = sync.Once{}
	r.gate = NewGate()
	r.lastError = ""
}

// beginTask marks a task as actively building.
func (r *Run) beginTask(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inflight[taskID] = struct{}{}
}

// endTask clears the in-flight mark.
func (r *Run) endTask(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, taskID)
}

// InflightTasks returns a copy of the in-flight task ID set.
func (r *Run) InflightTasks() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]struct{}, len(r.inflight))
	for id := range r.inflight {
		out[id] = struct{}{}
	}
	return out
}

// Tasks returns the run's task list.
func (r *Run) Tasks() []migration.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]migration.Task, len(r.tasks))
	copy(out, r.tasks)
	return out
}

// SetResult records a task outcome. A result for an already-recorded
// task ID replaces the earlier one in place, so retries overwrite
// rather than append.
func (r *Run) SetResult(res migration.TaskResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.results {
		if existing.TaskID == res.TaskID {
			r.results[i] = res
			r.recountLocked()
			return
		}
	}
	r.results = append(r.results, res)
	r.recountLocked()
}

func (r *Run) recountLocked() {
	n := 0
	for _, res := range r.results {
		if res.Status == migration.TaskProposed {
			n++
		}
	}
	r.completed = n
}

// Results returns a copy of all task results.
func (r *Run) Results() []migration.TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]migration.TaskResult, len(r.results))
	copy(out, r.results)
	return out
}

// SkippedTasks returns the tasks whose latest result is skipped, in
// original order. This is the retry set.
func (r *Run) SkippedTasks() []migration.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	skipped := make(map[string]bool)
	for _, res := range r.results {
		if res.Status == migration.TaskSkipped {
			skipped[res.TaskID] = true
		}
	}
	var out []migration.Task
	for _, task := range r.tasks {
		if skipped[task.ID] {
			out = append(out, task)
		}
	}
	return out
}

// SetError records a failure message and moves the run to error.
func (r *Run) SetError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastError = msg
	r.status = StatusError
}

// LastError returns the recorded failure message, if any.
func (r *Run) LastError() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastError
}

// AppendLog adds a line to the run's in-memory log buffer, capped to
// the most recent 500 lines.
func (r *Run) AppendLog(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logLines = append(r.logLines, line)
	if len(r.logLines) > 500 {
		r.logLines = r.logLines[len(r.logLines)-500:]
	}
}

// LogLines returns a copy of the buffered log lines.
func (r *Run) LogLines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.logLines))
	copy(out, r.logLines)
	return out
}

// ClearLog empties the log buffer.
func (r *Run) ClearLog() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logLines = nil
}

// StashUnpushed remembers changes whose push failed so a later push
// command can recover them.
func (r *Run) StashUnpushed(changes []migration.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unpushed = append(r.unpushed, changes...)
}

// TakeUnpushed returns and clears the stash.
func (r *Run) TakeUnpushed() []migration.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.unpushed
	r.unpushed = nil
	return out
}

// HasUnpushed reports whether unpushed work remains.
func (r *Run) HasUnpushed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unpushed) > 0
}

// Progress returns (completed, total) task counts.
func (r *Run) Progress() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed, len(r.tasks)
}

// StatusReport is the snapshot served by the status command and HTTP
// endpoint.
type StatusReport struct {
	RunID         string        `json:"run_id"`
	Status        Status        `json:"status"`
	Completed     int           `json:"completed"`
	Total         int           `json:"total"`
	WorkingBranch string        `json:"working_branch"`
	Tokens        TokenSnapshot `json:"tokens"`
	AuditRecords  int           `json:"audit_records"`
	Unpushed      bool          `json:"unpushed"`
	LastError     string        `json:"last_error,omitempty"`
}

// Report builds a status snapshot.
func (r *Run) Report() StatusReport {
	r.mu.Lock()
	status := r.status
	completed := r.completed
	total := len(r.tasks)
	unpushed := len(r.unpushed) > 0
	lastErr := r.lastError
	branch := r.WorkingBranch
	r.mu.Unlock()
	return StatusReport{
		RunID:         r.ID,
		Status:        status,
		Completed:     completed,
		Total:         total,
		WorkingBranch: branch,
		Tokens:        r.Tokens.Snapshot(),
		AuditRecords:  r.AuditLog.Len(),
		Unpushed:      unpushed,
		LastError:     lastErr,
	}
}

// Registry tracks live runs by ID and reaps idle terminal runs after a
// grace period.
type Registry struct {
	mu     sync.Mutex
	runs   map[string]*Run
	grace  time.Duration
	logger *zap.Logger
}

// NewRegistry creates a registry with the given idle grace period.
func NewRegistry(grace time.Duration, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if grace <= 0 {
		grace = 30 * time.Minute
	}
	return &Registry{
		runs:   make(map[string]*Run),
		grace:  grace,
		logger: logger,
	}
}

// Add registers a run.
func (g *Registry) Add(run *Run) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runs[run.ID] = run
}

// Get looks up a run by ID.
func (g *Registry) Get(id string) (*Run, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	run, ok := g.runs[id]
	return run, ok
}

// List returns all registered runs.
func (g *Registry) List() []*Run {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Run, 0, len(g.runs))
	for _, run := range g.runs {
		out = append(out, run)
	}
	return out
}

// Remove deregisters a run.
func (g *Registry) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.runs, id)
}

// Sweep reaps terminal runs whose grace period has elapsed. A run
// still holding unpushed commits gets one extension before it is
// reaped, so a push command has a window to recover the work.
func (g *Registry) Sweep(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	reaped := 0
	for id, run := range g.runs {
		if !terminal(run.Status()) {
			run.mu.Lock()
			run.expiry = time.Time{}
			run.mu.Unlock()
			continue
		}
		run.mu.Lock()
		if run.expiry.IsZero() {
			run.expiry = now.Add(g.grace)
			run.mu.Unlock()
			continue
		}
		if now.Before(run.expiry) {
			run.mu.Unlock()
			continue
		}
		if len(run.unpushed) > 0 && !run.graceExtended {
			run.graceExtended = true
			run.expiry = now.Add(g.grace)
			run.mu.Unlock()
			g.logger.Warn("run holds unpushed work, extending grace period",
				zap.String("run_id", id))
			continue
		}
		run.mu.Unlock()
		delete(g.runs, id)
		reaped++
		g.logger.Info("reaped idle run", zap.String("run_id", id))
	}
	return reaped
}

// Janitor sweeps at the given interval until ctx is done.
func (g *Registry) Janitor(done <-chan struct{}, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			g.Sweep(now)
		}
	}
}
