package gitops

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/HAAIL-Universe/forgeguard/internal/audit"
	"github.com/HAAIL-Universe/forgeguard/internal/migration"
)

// Validator re-checks written files. Satisfied by *audit.Engine.
type Validator interface {
	ValidateFile(path, content string) []audit.Finding
}

// ApplyResult reports what ApplyAndPush did with a task's changes.
type ApplyResult struct {
	// Applied lists the files that survived write-time validation.
	Applied []string

	// RolledBack lists the files reverted after a failed validation.
	RolledBack []string

	// CommitSHA is the incremental commit, empty when nothing applied
	// or the commit failed.
	CommitSHA string

	// Pushed reports whether the working branch reached the remote.
	// A false value with a non-empty CommitSHA means the push failed
	// and the changes await a later explicit push.
	Pushed bool
}

// ApplyAndPush writes a task's surviving changes to the working tree,
// re-validates each written file, rolls back individual failures, and
// commits and pushes whatever remains. One bad file never aborts the
// task; a failed commit or push is logged and non-fatal.
func (r *Repo) ApplyAndPush(ctx context.Context, changes []migration.Change, validator Validator, taskID string, taskIndex int, workingBranch string) ApplyResult {
	applied, rolledBack := r.ApplyChanges(changes, validator)
	result := ApplyResult{Applied: applied, RolledBack: rolledBack}

	if len(result.Applied) == 0 {
		return result
	}

	if err := r.AddAll(); err != nil {
		r.logger.Error("failed to stage task changes",
			zap.String("task_id", taskID), zap.Error(err))
		return result
	}

	message := fmt.Sprintf("migrate: task %d (%s)\n\nApplied %d file(s).", taskIndex+1, taskID, len(result.Applied))
	sha, err := r.Commit(message)
	if err != nil {
		r.logger.Error("failed to commit task changes",
			zap.String("task_id", taskID), zap.Error(err))
		return result
	}
	result.CommitSHA = sha

	if sha == "" || !r.cfg.PushEnabled {
		return result
	}

	if err := r.Push(ctx, workingBranch); err != nil {
		r.logger.Warn("push failed, changes preserved for explicit push",
			zap.String("task_id", taskID),
			zap.String("branch", workingBranch),
			zap.Error(err),
		)
		return result
	}
	result.Pushed = true
	return result
}

// ApplyChanges writes changes to the working tree without committing.
// Each written file is re-validated and rolled back individually on
// failure. The auto-fix loop uses this between test runs.
func (r *Repo) ApplyChanges(changes []migration.Change, validator Validator) (applied, rolledBack []string) {
	for _, change := range changes {
		ok, err := r.applyOne(change, validator)
		if err != nil {
			r.logger.Warn("rolled back file after validation failure",
				zap.String("file", change.File),
				zap.Error(err),
			)
			rolledBack = append(rolledBack, change.File)
			continue
		}
		if ok {
			applied = append(applied, change.File)
		}
	}
	return applied, rolledBack
}

// applyOne writes a single change and validates the result. Returns
// (false, nil) for no-ops and (false, err) after a rollback.
func (r *Repo) applyOne(change migration.Change, validator Validator) (bool, error) {
	abs := filepath.Join(r.path, filepath.FromSlash(change.File))

	if change.Action == "delete" {
		if err := os.Remove(abs); err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, fmt.Errorf("failed to delete %s: %w", change.File, err)
		}
		return true, nil
	}

	prior, priorErr := os.ReadFile(abs)
	existed := priorErr == nil

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return false, fmt.Errorf("failed to create directory for %s: %w", change.File, err)
	}
	if err := os.WriteFile(abs, []byte(change.After), 0o644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", change.File, err)
	}

	// Re-validate the written file; roll back this one file on failure.
	written, err := os.ReadFile(abs)
	if err != nil {
		written = []byte(change.After)
	}
	if findings := validator.ValidateFile(change.File, string(written)); len(findings) > 0 {
		if existed {
			if werr := os.WriteFile(abs, prior, 0o644); werr != nil {
				return false, fmt.Errorf("validation failed and rollback failed for %s: %v", change.File, werr)
			}
		} else {
			_ = os.Remove(abs)
		}
		return false, fmt.Errorf("validation failed for %s: %s", change.File, findings[0].Message)
	}

	return true, nil
}
