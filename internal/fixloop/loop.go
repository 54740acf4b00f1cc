package fixloop

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/HAAIL-Universe/forgeguard/internal/config"
	"github.com/HAAIL-Universe/forgeguard/internal/gitops"
	"github.com/HAAIL-Universe/forgeguard/internal/migration"
	"github.com/HAAIL-Universe/forgeguard/internal/provider"
	"github.com/HAAIL-Universe/forgeguard/internal/testrun"
)

// Applier writes fix changes to the working tree with per-file
// rollback. Satisfied by *gitops.Repo.
type Applier interface {
	ApplyChanges(changes []migration.Change, validator gitops.Validator) (applied, rolledBack []string)
}

// Loop is the tiered diagnose-fix-retest escalation.
type Loop struct {
	diagnoser provider.Diagnoser
	builder   provider.Builder
	runner    testrun.Runner
	applier   Applier
	validator gitops.Validator
	cfg       config.FixLoopConfig
	logger    *zap.Logger

	// OnUsage, when set, receives token usage from every provider call.
	OnUsage func(migration.Usage)
}

// New creates a fix loop.
func New(diagnoser provider.Diagnoser, builder provider.Builder, runner testrun.Runner, applier Applier, validator gitops.Validator, cfg config.FixLoopConfig, logger *zap.Logger) (*Loop, error) {
	if diagnoser == nil || builder == nil {
		return nil, fmt.Errorf("diagnoser and builder are required")
	}
	if runner == nil {
		return nil, fmt.Errorf("test runner is required")
	}
	if applier == nil || validator == nil {
		return nil, fmt.Errorf("applier and validator are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		diagnoser: diagnoser,
		builder:   builder,
		runner:    runner,
		applier:   applier,
		validator: validator,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Run escalates through both tiers until the suite passes or the
// budgets are spent. Returns whether the suite passes and the final
// test output.
func (l *Loop) Run(ctx context.Context, workingDir, initialOutput string) (bool, string) {
	output := initialOutput
	var history []provider.Attempt

	for _, tier := range []struct {
		n        int
		budget   int
		extended bool
	}{
		{1, l.cfg.Tier1Attempts, false},
		{2, l.cfg.Tier2Attempts, true},
	} {
		for attempt := 1; attempt <= tier.budget; attempt++ {
			if ctx.Err() != nil {
				return false, output
			}
			passed, out, att := l.attempt(ctx, workingDir, output, history, tier.extended)
			if att != nil {
				history = append(history, *att)
			}
			if out != "" {
				output = out
			}
			if passed {
				l.logger.Info("test suite fixed",
					zap.Int("tier", tier.n),
					zap.Int("attempt", attempt),
				)
				return true, output
			}
			l.logger.Info("fix attempt did not clear the suite",
				zap.Int("tier", tier.n),
				zap.Int("attempt", attempt),
			)
		}
	}
	return false, output
}

// attempt makes one diagnose-fix-retest pass. The returned attempt is
// nil when diagnosis itself failed.
func (l *Loop) attempt(ctx context.Context, workingDir, output string, history []provider.Attempt, extended bool) (bool, string, *provider.Attempt) {
	failures := ParseFailures(output)

	req := provider.DiagnoseRequest{
		TestOutput:        output,
		Failures:          FormatFailures(failures),
		ExtendedReasoning: extended,
	}
	if extended {
		req.History = history
	}

	plan, usage, err := l.diagnoser.Diagnose(ctx, req)
	l.addUsage(usage)
	if err != nil {
		l.logger.Warn("diagnosis failed", zap.Error(err))
		return false, "", nil
	}

	var changes []migration.Change
	var files []string
	for _, fd := range plan.Files {
		br, usage, err := l.builder.Build(ctx, provider.BuildRequest{
			Directive: migration.Directive{Mode: "fix", Files: plan.Files},
			File:      fd,
		})
		l.addUsage(usage)
		if err != nil {
			l.logger.Warn("fix build failed",
				zap.String("file", fd.File), zap.Error(err))
			continue
		}
		for _, change := range br.Changes {
			if change.File != fd.File {
				continue // a fix may only touch its planned file
			}
			changes = append(changes, change)
			files = append(files, change.File)
		}
	}

	if len(changes) > 0 {
		applied, rolledBack := l.applier.ApplyChanges(changes, l.validator)
		if len(rolledBack) > 0 {
			l.logger.Warn("fix files rolled back after validation",
				zap.Strings("files", rolledBack))
		}
		l.logger.Debug("fix changes applied", zap.Strings("files", applied))
	}

	passed, out := l.runner.Run(ctx, workingDir)
	return passed, out, &provider.Attempt{
		Diagnosis: plan.Diagnosis,
		Files:     files,
		Output:    out,
	}
}

func (l *Loop) addUsage(u migration.Usage) {
	if l.OnUsage != nil {
		l.OnUsage(u)
	}
}
