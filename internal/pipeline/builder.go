package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HAAIL-Universe/forgeguard/internal/audit"
	"github.com/HAAIL-Universe/forgeguard/internal/migration"
	"github.com/HAAIL-Universe/forgeguard/internal/provider"
)

// runBuilder consumes plan items until the sentinel, building each task
// file by file. Between tasks it services any ready remediation items;
// after the sentinel it waits for the director to finish and drains
// what remains.
func (p *Pipeline) runBuilder(ctx context.Context, run *Run, st *execState) {
	log := p.logger.With(zap.String("run_id", run.ID), zap.String("role", "builder"))

	for {
		if run.stopRequested() || ctx.Err() != nil {
			return
		}
		if err := run.gate.Wait(ctx, run.Stopping()); err != nil {
			return
		}
		if run.stopRequested() {
			return
		}

		item, err := st.planPool.Pull(ctx, run.Stopping())
		if err != nil {
			return
		}
		if item == nil {
			// Sentinel: planning is over. Wait out the director's
			// remediation mode, then drain whatever it queued.
			select {
			case <-st.directorDone:
			case <-run.Stopping():
				return
			case <-ctx.Done():
				return
			}
			p.drainRemediation(ctx, run, st, log)
			return
		}

		p.buildTask(ctx, run, item, log)
		p.drainRemediation(ctx, run, st, log)
	}
}

// buildTask turns one directive into audited, applied changes and
// records the task result.
func (p *Pipeline) buildTask(ctx context.Context, run *Run, item *PlanItem, log *zap.Logger) {
	start := time.Now()
	task := item.Task
	run.beginTask(task.ID)
	defer run.endTask(task.ID)

	if item.Directive == nil {
		p.recordSkip(ctx, run, item, "planning failed", start)
		return
	}
	if len(item.Directive.Files) == 0 {
		p.recordSkip(ctx, run, item, "directive has no file directives", start)
		return
	}

	plannedFiles := item.Directive.FileList()
	results := p.buildFiles(ctx, run, item, log)

	// Audit strictly in original file order regardless of how the
	// builds were scheduled.
	var passed []migration.Change
	buildFailures := 0
	for _, br := range results {
		if br.err != nil {
			buildFailures++
			log.Warn("file build failed",
				zap.String("task_id", task.ID),
				zap.String("file", br.file),
				zap.Error(br.err),
			)
			continue
		}
		for _, change := range br.changes {
			verdict, findings := p.engine.Audit(change, plannedFiles)
			p.countVerdict(ctx, verdict)
			rec := &audit.Record{
				File:      change.File,
				Action:    change.Action,
				Verdict:   verdict,
				Findings:  findings,
				TaskID:    task.ID,
				TaskIndex: item.Index,
				Change:    change,
			}
			run.AuditLog.Append(rec)
			p.emit(run, "change.audited", map[string]any{
				"run_id":  run.ID,
				"task_id": task.ID,
				"file":    change.File,
				"verdict": verdict,
			})
			switch verdict {
			case audit.VerdictPass:
				passed = append(passed, change)
			case audit.VerdictReject:
				log.Warn("change rejected, out of declared scope",
					zap.String("task_id", task.ID),
					zap.String("file", change.File),
				)
			default:
				log.Warn("change failed audit",
					zap.String("task_id", task.ID),
					zap.String("file", change.File),
					zap.Int("findings", len(findings)),
				)
			}
		}
	}

	if p.cfg.Pipeline.InlineRetry {
		passed = append(passed, p.inlineRetry(ctx, run, item, log)...)
	}

	if len(passed) == 0 {
		reason := "no changes survived audit"
		if buildFailures == len(results) {
			reason = "all file builds failed"
		}
		p.recordSkip(ctx, run, item, reason, start)
		return
	}

	res := p.git.ApplyAndPush(ctx, passed, p.engine, task.ID, item.Index, run.WorkingBranch)
	p.changesCounter.Add(ctx, int64(len(res.Applied)))
	if res.CommitSHA != "" && !res.Pushed && p.cfg.Git.PushEnabled {
		run.StashUnpushed(passed)
	}

	result := migration.TaskResult{
		TaskID:       task.ID,
		Index:        item.Index,
		Status:       migration.TaskProposed,
		ChangesCount: len(res.Applied),
		AppliedFiles: res.Applied,
		CommitSHA:    res.CommitSHA,
		Duration:     time.Since(start),
	}
	if len(res.Applied) == 0 {
		result.Status = migration.TaskSkipped
		result.Error = "all applied files rolled back"
	}
	run.SetResult(result)
	p.countTask(ctx, result.Status)
	p.emit(run, "task.finished", result)
	log.Info("task finished",
		zap.String("task_id", task.ID),
		zap.String("status", string(result.Status)),
		zap.Int("changes", result.ChangesCount),
		zap.String("commit", res.CommitSHA),
	)
}

// fileResult keeps a built file's changes in its original slot.
type fileResult struct {
	file    string
	changes []migration.Change
	err     error
}

// buildFiles runs the per-file builds, in parallel pairs when a second
// credential is configured, sequentially otherwise. Sibling context for
// a file is every change completed before its pair started.
func (p *Pipeline) buildFiles(ctx context.Context, run *Run, item *PlanItem, log *zap.Logger) []fileResult {
	files := item.Directive.Files
	results := make([]fileResult, len(files))
	paired := p.cfg.Provider.SecondAPIKey.IsSet()

	var siblings []migration.Change
	step := 1
	if paired {
		step = 2
	}

	for i := 0; i < len(files); i += step {
		if run.stopRequested() || ctx.Err() != nil {
			for j := i; j < len(files); j++ {
				results[j] = fileResult{file: files[j].File, err: fmt.Errorf("stopped before build")}
			}
			break
		}
		if err := run.gate.Wait(ctx, run.Stopping()); err != nil {
			break
		}

		end := i + step
		if end > len(files) {
			end = len(files)
		}

		g, gctx := errgroup.WithContext(ctx)
		for slot := i; slot < end; slot++ {
			slot := slot
			credential := slot - i
			g.Go(func() error {
				br, usage, err := p.builder.Build(gctx, provider.BuildRequest{
					Task:       item.Task,
					Directive:  *item.Directive,
					File:       files[slot],
					Siblings:   siblings,
					Credential: credential,
				})
				run.Tokens.Add(RoleBuilder, usage)
				if err != nil {
					results[slot] = fileResult{file: files[slot].File, err: err}
					return nil
				}
				results[slot] = fileResult{file: files[slot].File, changes: br.Changes}
				return nil
			})
		}
		_ = g.Wait()

		// Merge the pair's output into sibling context in file order.
		for slot := i; slot < end; slot++ {
			siblings = append(siblings, results[slot].changes...)
		}
	}
	return results
}

// inlineRetry makes one fix-and-retest pass over this task's unconsumed
// audit failures. Repaired changes are consumed from the log so the
// director's remediation mode does not see them again.
func (p *Pipeline) inlineRetry(ctx context.Context, run *Run, item *PlanItem, log *zap.Logger) []migration.Change {
	failures := run.AuditLog.UnconsumedFailuresForTask(item.Task.ID)
	if len(failures) == 0 {
		return nil
	}

	var repaired []migration.Change
	for _, rec := range failures {
		if run.stopRequested() || ctx.Err() != nil {
			break
		}

		fd := migration.FileDirective{
			File:        rec.File,
			Action:      rec.Action,
			Intent:      fmt.Sprintf("repair audit findings: %s", summarizeFindings(rec.Findings)),
			TargetState: "the file with all audit findings resolved",
		}
		br, usage, err := p.builder.Build(ctx, provider.BuildRequest{
			Task:      item.Task,
			Directive: *item.Directive,
			File:      fd,
			Siblings:  []migration.Change{rec.Change},
		})
		run.Tokens.Add(RoleBuilder, usage)
		if err != nil {
			log.Warn("inline retry build failed",
				zap.String("file", rec.File), zap.Error(err))
			continue
		}

		for _, change := range br.Changes {
			if change.File != rec.File {
				continue // retry may only touch the failing file
			}
			verdict, _ := p.engine.Audit(change, nil)
			p.countVerdict(ctx, verdict)
			if verdict == audit.VerdictPass {
				repaired = append(repaired, change)
				run.AuditLog.Consume(rec)
				p.emit(run, "change.repaired_inline", map[string]any{
					"run_id": run.ID,
					"file":   change.File,
				})
			}
		}
	}
	return repaired
}

// drainRemediation services every remediation item that is ready right
// now, without blocking for more.
func (p *Pipeline) drainRemediation(ctx context.Context, run *Run, st *execState, log *zap.Logger) {
	for {
		if run.stopRequested() || ctx.Err() != nil {
			return
		}
		item, ok := st.remPool.TryPop()
		if !ok {
			return
		}
		p.serviceRemediation(ctx, run, item, log)
	}
}

// serviceRemediation applies one fix: either the prebuilt mechanical
// change or a fresh build from the fix directive. The repaired change
// is re-audited without a scope list and committed on its own.
func (p *Pipeline) serviceRemediation(ctx context.Context, run *Run, item *RemediationItem, log *zap.Logger) {
	change := item.FixedChange
	if change == nil {
		if item.Directive == nil || len(item.Directive.Files) == 0 {
			log.Warn("remediation item has no fix directive, dropping",
				zap.String("file", item.File))
			return
		}
		br, usage, err := p.builder.Build(ctx, provider.BuildRequest{
			Task:      migration.Task{ID: item.TaskID},
			Directive: *item.Directive,
			File:      item.Directive.Files[0],
			Siblings:  []migration.Change{item.Change},
		})
		run.Tokens.Add(RoleBuilder, usage)
		if err != nil {
			log.Warn("remediation build failed",
				zap.String("file", item.File), zap.Error(err))
			return
		}
		for i := range br.Changes {
			if br.Changes[i].File == item.File {
				change = &br.Changes[i]
				break
			}
		}
		if change == nil {
			log.Warn("remediation build produced no change for the failing file",
				zap.String("file", item.File))
			return
		}
	}

	verdict, findings := p.engine.Audit(*change, nil)
	p.countVerdict(ctx, verdict)

	// The re-audit is recorded but pre-consumed: a fix that fails again
	// is dropped rather than ping-ponged back through remediation.
	rec := &audit.Record{
		File:      change.File,
		Action:    change.Action,
		Verdict:   verdict,
		Findings:  findings,
		TaskID:    item.TaskID,
		TaskIndex: item.TaskIndex,
		Change:    *change,
	}
	run.AuditLog.Append(rec)
	run.AuditLog.Consume(rec)

	if verdict != audit.VerdictPass {
		log.Warn("remediated change failed re-audit, dropping",
			zap.String("file", change.File),
			zap.String("verdict", string(verdict)),
		)
		return
	}

	res := p.git.ApplyAndPush(ctx, []migration.Change{*change}, p.engine, item.TaskID, item.TaskIndex, run.WorkingBranch)
	p.changesCounter.Add(ctx, int64(len(res.Applied)))
	if res.CommitSHA != "" && !res.Pushed && p.cfg.Git.PushEnabled {
		run.StashUnpushed([]migration.Change{*change})
	}
	p.emit(run, "remediation.applied", map[string]any{
		"run_id": run.ID,
		"file":   change.File,
		"commit": res.CommitSHA,
	})
	log.Info("remediation applied",
		zap.String("file", change.File),
		zap.String("commit", res.CommitSHA),
	)
}

func (p *Pipeline) recordSkip(ctx context.Context, run *Run, item *PlanItem, reason string, start time.Time) {
	result := migration.TaskResult{
		TaskID:   item.Task.ID,
		Index:    item.Index,
		Status:   migration.TaskSkipped,
		Error:    reason,
		Duration: time.Since(start),
	}
	run.SetResult(result)
	p.countTask(ctx, migration.TaskSkipped)
	p.emit(run, "task.skipped", result)
	p.logger.Warn("task skipped",
		zap.String("run_id", run.ID),
		zap.String("task_id", item.Task.ID),
		zap.String("reason", reason),
	)
}

func summarizeFindings(findings []audit.Finding) string {
	if len(findings) == 0 {
		return "unspecified"
	}
	out := string(findings[0].Kind)
	for _, f := range findings[1:] {
		out += ", " + string(f.Kind)
	}
	return out
}
