// Package testrun detects and invokes a repository's test command.
// A failing suite is a result, not an error.
package testrun

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Runner executes a repository's test suite.
type Runner interface {
	// Run invokes the detected test command in workingDir. The output
	// is the combined stdout/stderr; failures return cause text, not
	// errors.
	Run(ctx context.Context, workingDir string) (passed bool, output string)
}

// CommandRunner detects the test command from repository markers and
// shells out to it.
type CommandRunner struct {
	logger *zap.Logger
}

// NewCommandRunner creates a runner.
func NewCommandRunner(logger *zap.Logger) *CommandRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandRunner{logger: logger}
}

// Run implements Runner.
func (r *CommandRunner) Run(ctx context.Context, workingDir string) (bool, string) {
	name, args := DetectCommand(workingDir)
	if name == "" {
		return true, "no test command detected, skipping"
	}

	r.logger.Info("running test suite",
		zap.String("dir", workingDir),
		zap.String("command", name+" "+strings.Join(args, " ")),
	)

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = workingDir
	out, err := cmd.CombinedOutput()
	output := string(out)
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			// The command could not even start.
			output = output + "\n" + err.Error()
		}
		return false, output
	}
	return true, output
}

// DetectCommand picks a test command from repository markers, most
// specific first. Returns ("", nil) when nothing is recognized.
func DetectCommand(dir string) (string, []string) {
	exists := func(names ...string) bool {
		for _, n := range names {
			if _, err := os.Stat(filepath.Join(dir, n)); err == nil {
				return true
			}
		}
		return false
	}

	switch {
	case exists("go.mod"):
		return "go", []string{"test", "./..."}
	case exists("pytest.ini", "setup.cfg", "pyproject.toml", "conftest.py"):
		return "pytest", []string{"-x", "-q"}
	case exists("package.json"):
		return "npm", []string{"test", "--silent"}
	case exists("Makefile"):
		if content, err := os.ReadFile(filepath.Join(dir, "Makefile")); err == nil &&
			strings.Contains(string(content), "\ntest:") {
			return "make", []string{"test"}
		}
	}
	return "", nil
}

var _ Runner = (*CommandRunner)(nil)
