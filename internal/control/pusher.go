package control

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/HAAIL-Universe/forgeguard/internal/config"
	"github.com/HAAIL-Universe/forgeguard/internal/fixloop"
	"github.com/HAAIL-Universe/forgeguard/internal/gitops"
	"github.com/HAAIL-Universe/forgeguard/internal/pipeline"
	"github.com/HAAIL-Universe/forgeguard/internal/testrun"
)

// GitPusher is the concrete Pusher: test suite plus auto-fix loop,
// then squash, push, and optionally a pull request.
type GitPusher struct {
	repo      *gitops.Repo
	runner    testrun.Runner
	loop      *fixloop.Loop
	cfg       config.GitConfig
	remoteURL string
	logger    *zap.Logger
}

// NewGitPusher creates the pusher. remoteURL is only needed for the
// pull-request step and may be empty.
func NewGitPusher(repo *gitops.Repo, runner testrun.Runner, loop *fixloop.Loop, cfg config.GitConfig, remoteURL string, logger *zap.Logger) (*GitPusher, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("test runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GitPusher{
		repo:      repo,
		runner:    runner,
		loop:      loop,
		cfg:       cfg,
		remoteURL: remoteURL,
		logger:    logger,
	}, nil
}

// RunTests runs the suite once and hands failures to the auto-fix
// loop. Fix commits land on the working branch before the final push.
func (g *GitPusher) RunTests(ctx context.Context, run *pipeline.Run) (bool, string) {
	passed, output := g.runner.Run(ctx, run.WorkDir)
	if passed || g.loop == nil {
		return passed, output
	}

	run.AppendLog("test suite failing, starting auto-fix loop")
	passed, output = g.loop.Run(ctx, run.WorkDir, output)
	if passed {
		// Fixes are sitting in the working tree; commit them so the
		// squash sees them.
		if err := g.repo.AddAll(); err == nil {
			if sha, err := g.repo.Commit("migrate: auto-fix failing tests"); err == nil && sha != "" {
				run.AppendLog("auto-fix commit " + sha[:8])
			}
		}
	}
	return passed, output
}

// FinalPush recovers any stashed unpushed work, pushes the working
// branch, squashes it onto the target, pushes the target, and opens a
// pull request when a token is configured.
func (g *GitPusher) FinalPush(ctx context.Context, run *pipeline.Run) (string, error) {
	if stash := run.TakeUnpushed(); len(stash) > 0 {
		// The commits already exist locally; the branch push below
		// carries them. The stash is only cleared once we get here.
		g.logger.Info("recovering unpushed changes",
			zap.String("run_id", run.ID), zap.Int("changes", len(stash)))
	}

	if g.cfg.PushEnabled {
		if err := g.repo.Push(ctx, run.WorkingBranch); err != nil {
			return "", fmt.Errorf("failed to push working branch: %w", err)
		}
	}

	completed, total := run.Progress()
	message := fmt.Sprintf("migrate: apply %d of %d migration tasks\n\nSquashed from %s.", completed, total, run.WorkingBranch)
	sha, err := g.repo.SquashInto(run.WorkingBranch, run.TargetBranch, message)
	if err != nil {
		return "", fmt.Errorf("failed to squash onto %s: %w", run.TargetBranch, err)
	}

	if !g.cfg.PushEnabled {
		return fmt.Sprintf("squashed onto %s as %s (push disabled)", run.TargetBranch, sha[:8]), nil
	}
	if err := g.repo.Push(ctx, run.TargetBranch); err != nil {
		return "", fmt.Errorf("failed to push %s: %w", run.TargetBranch, err)
	}

	result := fmt.Sprintf("squashed onto %s as %s and pushed", run.TargetBranch, sha[:8])
	if g.cfg.GithubToken.IsSet() && g.remoteURL != "" {
		url, err := gitops.OpenPullRequest(ctx, g.cfg.GithubToken.Value(), g.remoteURL,
			run.WorkingBranch, run.TargetBranch,
			fmt.Sprintf("Migration run %s", run.ID[:8]),
			fmt.Sprintf("Automated migration: %d of %d tasks applied.", completed, total))
		if err != nil {
			g.logger.Warn("failed to open pull request", zap.Error(err))
		} else {
			result += ", pull request: " + url
		}
	}
	return result, nil
}

var _ Pusher = (*GitPusher)(nil)
