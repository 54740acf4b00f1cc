package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/HAAIL-Universe/forgeguard/internal/migration"
	"github.com/HAAIL-Universe/forgeguard/internal/provider"
)

// runDirector plans every task into the plan pool, pushes the sentinel,
// then enters remediation mode: polling the audit log for unconsumed
// failures and turning each into a remediation item. Remediation mode
// ends after a fixed number of consecutive empty polls, after which the
// remediation pool is closed and directorDone signals the builder.
func (p *Pipeline) runDirector(ctx context.Context, run *Run, st *execState, tasks []migration.Task) {
	defer close(st.directorDone)
	defer st.remPool.Close()

	log := p.logger.With(zap.String("run_id", run.ID), zap.String("role", "director"))

	// On retry the task slice is the skipped subset; indices still
	// refer to positions in the run's original task list.
	indexOf := make(map[string]int, len(run.Tasks()))
	for i, task := range run.Tasks() {
		indexOf[task.ID] = i
	}

	for i, task := range tasks {
		index := i
		if orig, ok := indexOf[task.ID]; ok {
			index = orig
		}
		if run.stopRequested() || ctx.Err() != nil {
			log.Info("stop requested, ending planning early", zap.Int("task_index", index))
			break
		}
		if err := run.gate.Wait(ctx, run.Stopping()); err != nil {
			break
		}
		if run.stopRequested() {
			break
		}

		directive, usage, err := p.planner.Plan(ctx, provider.PlanRequest{
			Task: task,
			Repo: p.repoCtx,
		})
		run.Tokens.Add(RolePlanner, usage)
		if err != nil {
			// A failed plan still flows through the pool so the builder
			// records the skip in task order.
			log.Warn("planning failed",
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
			directive = nil
		}

		item := &PlanItem{Index: index, Task: task, Directive: directive, Usage: usage}
		if err := st.planPool.Push(ctx, run.Stopping(), item); err != nil {
			return
		}
		p.emit(run, "task.planned", map[string]any{
			"run_id":  run.ID,
			"task_id": task.ID,
			"index":   index,
			"failed":  directive == nil,
		})
	}

	if err := st.planPool.PushSentinel(ctx, run.Stopping()); err != nil {
		return
	}
	log.Info("planning complete, entering remediation mode")

	p.remediationMode(ctx, run, st, log)
}

// remediationMode drains the audit log into the remediation pool until
// the log stays quiet for the configured number of polls.
func (p *Pipeline) remediationMode(ctx context.Context, run *Run, st *execState, log *zap.Logger) {
	interval := p.cfg.Pipeline.RemediationPollInterval.Duration()
	if interval <= 0 {
		interval = 2 * time.Second
	}
	idleLimit := p.cfg.Pipeline.RemediationIdlePolls

	idle := 0
	for idle < idleLimit {
		if run.stopRequested() || ctx.Err() != nil {
			return
		}
		if err := run.gate.Wait(ctx, run.Stopping()); err != nil {
			return
		}

		rec := run.AuditLog.NextUnconsumedExcluding(run.InflightTasks())
		if rec == nil {
			idle++
			select {
			case <-time.After(interval):
			case <-run.Stopping():
				return
			case <-ctx.Done():
				return
			}
			continue
		}
		idle = 0

		item := &RemediationItem{
			File:      rec.File,
			TaskID:    rec.TaskID,
			TaskIndex: rec.TaskIndex,
			Findings:  rec.Findings,
			Change:    rec.Change,
			Priority:  remediationPriority(rec.Findings),
		}

		// Deterministic repair first; a provider call only when the
		// finding has no mechanical fix.
		if fixed, ok := mechanicalFix(p.engine, rec); ok {
			item.FixedChange = fixed
			log.Info("mechanical fix prepared",
				zap.String("file", rec.File),
				zap.String("task_id", rec.TaskID),
			)
		} else {
			directive, usage, err := p.planner.Plan(ctx, provider.PlanRequest{
				Task: migration.Task{ID: rec.TaskID},
				Repo: p.repoCtx,
				Remediation: &provider.RemediationContext{
					File:     rec.File,
					Findings: rec.Findings,
					Change:   rec.Change,
				},
			})
			run.Tokens.Add(RolePlanner, usage)
			if err != nil {
				log.Warn("remediation planning failed, dropping record",
					zap.String("file", rec.File),
					zap.Error(err),
				)
				continue
			}
			item.Directive = directive
		}

		st.remPool.Push(item)
		p.emit(run, "remediation.queued", map[string]any{
			"run_id":   run.ID,
			"file":     rec.File,
			"task_id":  rec.TaskID,
			"priority": item.Priority,
		})
	}
	log.Info("remediation mode idle, director exiting")
}
