package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/HAAIL-Universe/forgeguard/internal/audit"
	"github.com/HAAIL-Universe/forgeguard/internal/config"
	"github.com/HAAIL-Universe/forgeguard/internal/events"
	"github.com/HAAIL-Universe/forgeguard/internal/gitops"
	"github.com/HAAIL-Universe/forgeguard/internal/migration"
	"github.com/HAAIL-Universe/forgeguard/internal/provider"
)

// GitApplier is the slice of gitops.Repo the builder needs. Narrowed
// for tests.
type GitApplier interface {
	ApplyAndPush(ctx context.Context, changes []migration.Change, validator gitops.Validator, taskID string, taskIndex int, workingBranch string) gitops.ApplyResult
}

// Pipeline executes migration runs. One Pipeline serves many runs; all
// per-run state lives on the Run.
type Pipeline struct {
	cfg     *config.Config
	planner provider.Planner
	builder provider.Builder
	engine  *audit.Engine
	git     GitApplier
	emitter events.Emitter
	repoCtx provider.RepoContext
	logger  *zap.Logger

	tracer         trace.Tracer
	tasksCounter   metric.Int64Counter
	changesCounter metric.Int64Counter
	verdictCounter metric.Int64Counter
}

// New creates a pipeline.
func New(cfg *config.Config, planner provider.Planner, builder provider.Builder, engine *audit.Engine, git GitApplier, emitter events.Emitter, repoCtx provider.RepoContext, logger *zap.Logger) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if planner == nil || builder == nil {
		return nil, fmt.Errorf("planner and builder are required")
	}
	if engine == nil {
		return nil, fmt.Errorf("audit engine is required")
	}
	if git == nil {
		return nil, fmt.Errorf("git applier is required")
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	meter := otel.Meter("forgeguard.pipeline")
	tasksCounter, err := meter.Int64Counter("forgeguard.pipeline.tasks",
		metric.WithDescription("Tasks processed, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create tasks counter: %w", err)
	}
	changesCounter, err := meter.Int64Counter("forgeguard.pipeline.changes_applied",
		metric.WithDescription("File changes applied to the working tree"))
	if err != nil {
		return nil, fmt.Errorf("failed to create changes counter: %w", err)
	}
	verdictCounter, err := meter.Int64Counter("forgeguard.pipeline.audit_verdicts",
		metric.WithDescription("Audit verdicts, by kind"))
	if err != nil {
		return nil, fmt.Errorf("failed to create verdict counter: %w", err)
	}

	return &Pipeline{
		cfg:            cfg,
		planner:        planner,
		builder:        builder,
		engine:         engine,
		git:            git,
		emitter:        emitter,
		repoCtx:        repoCtx,
		logger:         logger,
		tracer:         otel.Tracer("forgeguard.pipeline"),
		tasksCounter:   tasksCounter,
		changesCounter: changesCounter,
		verdictCounter: verdictCounter,
	}, nil
}

// execState is the per-execution plumbing shared by director and
// builder.
type execState struct {
	planPool     *PlanPool
	remPool      *RemediationPool
	directorDone chan struct{}
}

// Execute runs the director and builder to completion over the run's
// full task list. Blocks until both roles exit; the run ends in
// completed, stopped, or error.
func (p *Pipeline) Execute(ctx context.Context, run *Run) error {
	return p.execute(ctx, run, run.Tasks())
}

// Retry re-executes only the tasks whose latest result is skipped.
// Valid from a terminal status; results are replaced in place.
func (p *Pipeline) Retry(ctx context.Context, run *Run) error {
	if !terminal(run.Status()) {
		return fmt.Errorf("pipeline: retry requires a finished run, status is %s", run.Status())
	}
	tasks := run.SkippedTasks()
	if len(tasks) == 0 {
		return fmt.Errorf("pipeline: nothing to retry")
	}
	run.resetForRetry()
	return p.execute(ctx, run, tasks)
}

func (p *Pipeline) execute(ctx context.Context, run *Run, tasks []migration.Task) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.execute",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.Int("run.tasks", len(tasks)),
		))
	defer span.End()

	if err := run.Transition(StatusRunning); err != nil {
		return err
	}
	p.emit(run, "run.started", run.Report())

	st := &execState{
		planPool:     NewPlanPool(p.cfg.Pipeline.PlanPoolSize),
		remPool:      NewRemediationPool(),
		directorDone: make(chan struct{}),
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.runDirector(ctx, run, st, tasks)
	}()
	go func() {
		defer wg.Done()
		p.runBuilder(ctx, run, st)
	}()
	wg.Wait()

	final := p.finalize(ctx, run)

	report := run.Report()
	p.emit(run, "run.finished", report)
	p.logger.Info("run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(final)),
		zap.Int("completed", report.Completed),
		zap.Int("total", report.Total),
		zap.Int64("tokens", report.Tokens.Total),
	)
	if final == StatusError {
		return fmt.Errorf("pipeline: run %s failed: %s", run.ID, run.LastError())
	}
	return nil
}

// finalize settles the run's terminal status after both roles exit.
func (p *Pipeline) finalize(ctx context.Context, run *Run) Status {
	switch {
	case ctx.Err() != nil:
		run.SetError(ctx.Err().Error())
		return StatusError
	case run.Status() == StatusStopping:
		if err := run.Transition(StatusStopped); err != nil {
			run.SetError(err.Error())
			return StatusError
		}
		return StatusStopped
	case run.Status() == StatusError:
		return StatusError
	default:
		// A pause can land just as the last unit of work drains; with
		// both roles exited there is nothing left to hold, so the run
		// completes.
		if run.Status() == StatusPaused {
			_ = run.Resume()
		}
		if err := run.Transition(StatusCompleted); err != nil {
			run.SetError(err.Error())
			return StatusError
		}
		return StatusCompleted
	}
}

// emit publishes an event and mirrors it into the run log buffer.
func (p *Pipeline) emit(run *Run, eventType string, payload any) {
	p.emitter.Emit(eventType, payload)
	run.AppendLog(eventType)
}

func (p *Pipeline) countTask(ctx context.Context, status migration.TaskResultStatus) {
	p.tasksCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(status))))
}

func (p *Pipeline) countVerdict(ctx context.Context, v audit.Verdict) {
	p.verdictCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("verdict", string(v))))
}

var _ GitApplier = (*gitops.Repo)(nil)
