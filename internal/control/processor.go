// Package control is the run control plane: a line-oriented command
// processor shared by the console REPL and the HTTP API. Commands
// mutate run state through the pipeline's guarded transitions; the
// push flow walks a two-question prompt (test first? push anyway?)
// that only accepts y/n while pending.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/HAAIL-Universe/forgeguard/internal/pipeline"
)

// Reply is the processor's answer to one command line.
type Reply struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// StartFunc executes a ready run to completion.
type StartFunc func(ctx context.Context, run *pipeline.Run) error

// RetryFunc re-executes a finished run's skipped tasks.
type RetryFunc func(ctx context.Context, run *pipeline.Run) error

// Pusher performs the final-push flow pieces.
type Pusher interface {
	// RunTests runs the suite (with the auto-fix loop on failure) and
	// reports the final outcome.
	RunTests(ctx context.Context, run *pipeline.Run) (passed bool, output string)

	// FinalPush squashes the working branch onto the target and pushes.
	// The returned message is surfaced to the operator.
	FinalPush(ctx context.Context, run *pipeline.Run) (string, error)
}

// promptStage is where a run's push conversation stands.
type promptStage int

const (
	promptNone      promptStage = iota
	promptAskTests              // "run the test suite first? [y/n]"
	promptAskForce              // "tests still failing, push anyway? [y/n]"
	promptWorking               // tests or push in progress
)

// Processor dispatches command lines against registered runs.
type Processor struct {
	registry *pipeline.Registry
	start    StartFunc
	retry    RetryFunc
	pusher   Pusher
	logger   *zap.Logger

	mu      sync.Mutex
	prompts map[string]promptStage
}

// NewProcessor creates a command processor.
func NewProcessor(registry *pipeline.Registry, start StartFunc, retry RetryFunc, pusher Pusher, logger *zap.Logger) (*Processor, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if start == nil || retry == nil {
		return nil, fmt.Errorf("start and retry functions are required")
	}
	if pusher == nil {
		return nil, fmt.Errorf("pusher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		registry: registry,
		start:    start,
		retry:    retry,
		pusher:   pusher,
		logger:   logger,
		prompts:  make(map[string]promptStage),
	}, nil
}

// Handle processes one command line for the given run. Command words
// are case-insensitive; while a prompt is pending only y or n is
// accepted.
func (p *Processor) Handle(ctx context.Context, runID, line string) Reply {
	run, ok := p.registry.Get(runID)
	if !ok {
		return Reply{Message: fmt.Sprintf("unknown run %q", runID)}
	}

	cmd := strings.ToLower(strings.TrimSpace(line))
	if cmd == "" {
		return Reply{Message: "empty command; try help"}
	}

	if stage := p.stage(runID); stage != promptNone {
		return p.handlePrompt(ctx, run, stage, cmd)
	}

	switch cmd {
	case "start":
		return p.handleStart(ctx, run)
	case "pause":
		if err := run.Pause(); err != nil {
			return Reply{Message: err.Error()}
		}
		return Reply{OK: true, Message: "paused; both roles hold at the next boundary"}
	case "resume":
		if err := run.Resume(); err != nil {
			return Reply{Message: err.Error()}
		}
		return Reply{OK: true, Message: "resumed"}
	case "stop":
		if err := run.RequestStop(); err != nil {
			return Reply{Message: err.Error()}
		}
		return Reply{OK: true, Message: "stopping; in-flight work finishes first"}
	case "retry":
		return p.handleRetry(ctx, run)
	case "push":
		return p.handlePush(run)
	case "status":
		return p.handleStatus(run)
	case "help":
		return Reply{OK: true, Message: helpText}
	case "clear":
		run.ClearLog()
		return Reply{OK: true, Message: "log cleared"}
	case "y", "n":
		return Reply{Message: "no question is pending"}
	default:
		return Reply{Message: fmt.Sprintf("unknown command %q; try help", cmd)}
	}
}

const helpText = `commands:
  start   begin executing a prepared run
  pause   hold both roles at the next task/file boundary
  resume  release a paused run
  stop    finish in-flight work, then stop
  retry   re-run the skipped tasks of a finished run
  push    squash the working branch and push (asks about tests first)
  status  show run progress and token totals
  clear   clear the run log buffer
  help    this text`

func (p *Processor) handleStart(ctx context.Context, run *pipeline.Run) Reply {
	if run.Status() != pipeline.StatusReady {
		return Reply{Message: fmt.Sprintf("run is %s, start requires ready", run.Status())}
	}
	// The run outlives the command that started it. HTTP request
	// contexts are cancelled the moment the handler returns, so the
	// launched work gets a detached one.
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := p.start(ctx, run); err != nil {
			p.logger.Error("run failed",
				zap.String("run_id", run.ID), zap.Error(err))
		}
	}()
	return Reply{OK: true, Message: "run started"}
}

func (p *Processor) handleRetry(ctx context.Context, run *pipeline.Run) Reply {
	switch run.Status() {
	case pipeline.StatusCompleted, pipeline.StatusStopped, pipeline.StatusError:
	default:
		return Reply{Message: fmt.Sprintf("run is %s, retry requires a finished run", run.Status())}
	}
	if len(run.SkippedTasks()) == 0 {
		return Reply{Message: "nothing to retry, no skipped tasks"}
	}
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := p.retry(ctx, run); err != nil {
			p.logger.Error("retry failed",
				zap.String("run_id", run.ID), zap.Error(err))
		}
	}()
	return Reply{OK: true, Message: fmt.Sprintf("retrying %d skipped task(s)", len(run.SkippedTasks()))}
}

func (p *Processor) handlePush(run *pipeline.Run) Reply {
	switch run.Status() {
	case pipeline.StatusCompleted, pipeline.StatusStopped, pipeline.StatusError:
	default:
		return Reply{Message: fmt.Sprintf("run is %s, push requires a finished run", run.Status())}
	}
	p.setStage(run.ID, promptAskTests)
	return Reply{OK: true, Message: "run the test suite before pushing? [y/n]"}
}

func (p *Processor) handleStatus(run *pipeline.Run) Reply {
	data, err := json.MarshalIndent(run.Report(), "", "  ")
	if err != nil {
		return Reply{Message: err.Error()}
	}
	return Reply{OK: true, Message: string(data)}
}

// handlePrompt services the pending y/n question.
func (p *Processor) handlePrompt(ctx context.Context, run *pipeline.Run, stage promptStage, cmd string) Reply {
	if stage == promptWorking {
		return Reply{Message: "push in progress; check status"}
	}
	if cmd != "y" && cmd != "n" {
		return Reply{Message: "a question is pending, answer y or n"}
	}

	// Test runs and pushes keep going after the answering command's
	// request has been replied to.
	ctx = context.WithoutCancel(ctx)

	switch stage {
	case promptAskTests:
		if cmd == "n" {
			p.setStage(run.ID, promptWorking)
			go p.finishPush(ctx, run)
			return Reply{OK: true, Message: "skipping tests, pushing"}
		}
		p.setStage(run.ID, promptWorking)
		go p.testThenPush(ctx, run)
		return Reply{OK: true, Message: "running test suite, auto-fix on failure"}

	case promptAskForce:
		if cmd == "n" {
			p.setStage(run.ID, promptNone)
			return Reply{OK: true, Message: "push cancelled, working branch left intact"}
		}
		p.setStage(run.ID, promptWorking)
		go p.finishPush(ctx, run)
		return Reply{OK: true, Message: "pushing despite failing tests"}
	}
	return Reply{Message: "no question is pending"}
}

// testThenPush runs the suite (with auto-fix) and either pushes or
// parks the run on the force-push question.
func (p *Processor) testThenPush(ctx context.Context, run *pipeline.Run) {
	passed, output := p.pusher.RunTests(ctx, run)
	if passed {
		run.AppendLog("tests passed")
		p.finishPush(ctx, run)
		return
	}
	run.AppendLog("tests still failing after auto-fix: " + tail(output, 400))
	p.setStage(run.ID, promptAskForce)
	run.AppendLog("tests still failing, push anyway? [y/n]")
}

func (p *Processor) finishPush(ctx context.Context, run *pipeline.Run) {
	defer p.setStage(run.ID, promptNone)
	msg, err := p.pusher.FinalPush(ctx, run)
	if err != nil {
		p.logger.Error("final push failed",
			zap.String("run_id", run.ID), zap.Error(err))
		run.AppendLog("push failed: " + err.Error())
		return
	}
	run.AppendLog(msg)
}

func (p *Processor) stage(runID string) promptStage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompts[runID]
}

func (p *Processor) setStage(runID string, stage promptStage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if stage == promptNone {
		delete(p.prompts, runID)
		return
	}
	p.prompts[runID] = stage
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
