package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/HAAIL-Universe/forgeguard/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a migration run with an interactive console",
	Long: `Run loads a migration task list, prepares a working branch, starts
the pipeline, and reads control commands from stdin.

Examples:
  # Run the tasks in tasks.json against the current directory
  forgeguard run --tasks tasks.json

  # Against another repository, with a config file
  forgeguard run --repo ../legacy-app --tasks plan.json --config forgeguard.yaml`,
	RunE: runConsole,
}

func init() {
	runCmd.Flags().StringVar(&tasksPath, "tasks", "", "path to the migration task list (JSON)")
	_ = runCmd.MarkFlagRequired("tasks")
}

func runConsole(cmd *cobra.Command, _ []string) error {
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

	fmt.Printf("run %s on branch %s, %d task(s)\n", run.ID, run.WorkingBranch, len(run.Tasks()))
	fmt.Println("type help for commands")

	reply := a.processor.Handle(ctx, run.ID, "start")
	fmt.Println(reply.Message)

	go watchRun(ctx, run)

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := scanner.Text()
		if line == "exit" || line == "quit" {
			break
		}
		reply := a.processor.Handle(ctx, run.ID, line)
		fmt.Println(reply.Message)
		fmt.Print("> ")
	}

	// A still-active run stops cooperatively before we leave.
	switch run.Status() {
	case pipeline.StatusRunning, pipeline.StatusPaused:
		fmt.Println("stopping run before exit")
		_ = run.RequestStop()
	}
	return nil
}

// watchRun mirrors run completion to the console.
func watchRun(ctx context.Context, run *pipeline.Run) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	last := run.Status()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		status := run.Status()
		if status == last {
			continue
		}
		last = status
		switch status {
		case pipeline.StatusCompleted, pipeline.StatusStopped, pipeline.StatusError:
			completed, total := run.Progress()
			fmt.Printf("\nrun %s: %d/%d tasks, %d tokens\n> ",
				status, completed, total, run.Tokens.Total())
		}
	}
}
