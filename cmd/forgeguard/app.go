package main

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/HAAIL-Universe/forgeguard/internal/audit"
	"github.com/HAAIL-Universe/forgeguard/internal/config"
	"github.com/HAAIL-Universe/forgeguard/internal/control"
	"github.com/HAAIL-Universe/forgeguard/internal/events"
	"github.com/HAAIL-Universe/forgeguard/internal/fixloop"
	"github.com/HAAIL-Universe/forgeguard/internal/gitops"
	"github.com/HAAIL-Universe/forgeguard/internal/logging"
	"github.com/HAAIL-Universe/forgeguard/internal/migration"
	"github.com/HAAIL-Universe/forgeguard/internal/pipeline"
	"github.com/HAAIL-Universe/forgeguard/internal/provider"
	"github.com/HAAIL-Universe/forgeguard/internal/testrun"
)

// app wires the full service graph once per process.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	repo      *gitops.Repo
	emitter   events.Emitter
	registry  *pipeline.Registry
	pipeline  *pipeline.Pipeline
	processor *control.Processor
}

// newApp loads configuration and builds every component.
func newApp(configPath, repoPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	engine, err := audit.NewEngine(logger.Named("audit"))
	if err != nil {
		return nil, err
	}

	var gitOpts []gitops.Option
	if cfg.Git.GithubToken.IsSet() {
		gitOpts = append(gitOpts, gitops.WithTokenAuth(cfg.Git.GithubToken.Value()))
	}
	repo, err := gitops.Open(repoPath, cfg.Git, logger.Named("gitops"), gitOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", repoPath, err)
	}

	client, err := provider.NewAnthropicClient(cfg.Provider, logger.Named("provider"))
	if err != nil {
		return nil, err
	}

	var emitter events.Emitter = events.Nop{}
	if cfg.Events.NATSURL != "" {
		natsEmitter, err := events.NewNATSEmitter(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger.Named("events"))
		if err != nil {
			// Events are best-effort; a missing broker never blocks a run.
			logger.Warn("failed to connect event sink, continuing without", zap.Error(err))
		} else {
			emitter = events.NewAsync(natsEmitter, cfg.Events.Buffer, logger.Named("events"))
		}
	}

	repoCtx, err := buildRepoContext(repoPath)
	if err != nil {
		return nil, err
	}

	pl, err := pipeline.New(cfg, client, client, engine, repo, emitter, repoCtx, logger.Named("pipeline"))
	if err != nil {
		return nil, err
	}

	registry := pipeline.NewRegistry(cfg.Pipeline.GracePeriod.Duration(), logger.Named("registry"))

	runner := testrun.NewCommandRunner(logger.Named("testrun"))
	loop, err := fixloop.New(client, client, runner, repo, engine, cfg.FixLoop, logger.Named("fixloop"))
	if err != nil {
		return nil, err
	}

	remoteURL := "" // PR creation is skipped when the remote is unknown
	if url, err := repo.RemoteURL(); err == nil {
		remoteURL = url
	}
	pusher, err := control.NewGitPusher(repo, runner, loop, cfg.Git, remoteURL, logger.Named("pusher"))
	if err != nil {
		return nil, err
	}

	processor, err := control.NewProcessor(registry, pl.Execute, pl.Retry, pusher, logger.Named("control"))
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		repo:      repo,
		emitter:   emitter,
		registry:  registry,
		pipeline:  pl,
		processor: processor,
	}, nil
}

// close flushes the logger and the event sink.
func (a *app) close() {
	a.emitter.Close()
	_ = a.logger.Sync()
}

// prepareRun loads the task list, creates the working branch, and
// registers a ready run.
func (a *app) prepareRun(tasksPath, repoPath string) (*pipeline.Run, error) {
	tasks, err := loadTasks(tasksPath)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("task file %s contains no tasks", tasksPath)
	}

	run := pipeline.NewRun(repoPath, "", a.cfg.Git.TargetBranch, tasks)
	run.WorkingBranch = fmt.Sprintf("forge/migration-%s", run.ID[:8])

	if err := a.repo.CreateBranch(run.WorkingBranch); err != nil {
		return nil, fmt.Errorf("failed to create working branch: %w", err)
	}
	if err := run.Transition(pipeline.StatusReady); err != nil {
		return nil, err
	}
	a.registry.Add(run)
	a.logger.Info("run prepared",
		zap.String("run_id", run.ID),
		zap.String("branch", run.WorkingBranch),
		zap.Int("tasks", len(tasks)),
	)
	return run, nil
}

// taskFile accepts either a bare task array or a wrapper object.
type taskFile struct {
	Recommendations []migration.Task `json:"recommendations"`
	Tasks           []migration.Task `json:"tasks"`
}

func loadTasks(path string) ([]migration.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var bare []migration.Task
	if err := json.Unmarshal(data, &bare); err == nil {
		return bare, nil
	}
	var wrapped taskFile
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("task file %s is not valid JSON: %w", path, err)
	}
	if len(wrapped.Recommendations) > 0 {
		return wrapped.Recommendations, nil
	}
	return wrapped.Tasks, nil
}

// buildRepoContext assembles the repository description every planning
// call receives: a file listing plus detected stack markers.
func buildRepoContext(repoPath string) (provider.RepoContext, error) {
	var listing []string
	err := filepath.WalkDir(repoPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if name == ".git" || name == "node_modules" || name == "__pycache__" || name == ".venv" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(repoPath, path)
		if err != nil {
			return err
		}
		listing = append(listing, filepath.ToSlash(rel))
		if len(listing) >= 2000 {
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return provider.RepoContext{}, fmt.Errorf("failed to walk repository: %w", err)
	}

	var markers []string
	for _, m := range []string{"go.mod", "package.json", "pyproject.toml", "requirements.txt", "Cargo.toml", "pom.xml"} {
		for _, f := range listing {
			if f == m {
				markers = append(markers, m)
				break
			}
		}
	}
	metadata := fmt.Sprintf("repository %s, %d files", filepath.Base(repoPath), len(listing))
	if len(markers) > 0 {
		metadata += ", stack markers: " + strings.Join(markers, ", ")
	}

	return provider.RepoContext{Metadata: metadata, FileListing: listing}, nil
}
