package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/HAAIL-Universe/forgeguard/internal/httpapi"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline as an HTTP-controlled daemon",
	Long: `Serve prepares a run from the task list and exposes the control plane
over HTTP: command dispatch, status, logs, health, and metrics.

Examples:
  forgeguard serve --repo ../legacy-app --tasks plan.json
  curl -XPOST localhost:8337/api/runs/<id>/commands -d '{"command":"start"}'`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&tasksPath, "tasks", "", "path to the migration task list (JSON)")
	_ = serveCmd.MarkFlagRequired("tasks")
}

func runServe(cmd *cobra.Command, _ []string) error {
	a, err := newApp(configPath, repoPath)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	run, err := a.prepareRun(tasksPath, repoPath)
	if err != nil {
		return err
	}
	fmt.Printf("run %s prepared; POST start to /api/runs/%s/commands\n", run.ID, run.ID)

	srv, err := httpapi.New(a.cfg.Server, a.processor, a.registry, nil, a.logger.Named("http"))
	if err != nil {
		return err
	}

	go a.registry.Janitor(ctx.Done(), time.Minute)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown failed", zap.Error(err))
	}
	return nil
}
