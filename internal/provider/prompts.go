package provider

import (
	"fmt"
	"strings"
)

const (
	planSystem = "You are the director of a code migration pipeline. " +
		"Respond with a single JSON directive object and nothing else."

	buildSystem = "You are the builder of a code migration pipeline. " +
		"Respond with a single JSON object containing a changes array and nothing else."

	diagnoseSystem = "You diagnose failing test runs and propose minimal fixes. " +
		"Respond with a single JSON fix plan object and nothing else."
)

func buildPlanPrompt(req PlanRequest) string {
	var sb strings.Builder

	if req.Remediation != nil {
		rem := req.Remediation
		sb.WriteString("A previously proposed change failed audit and must be repaired.\n\n")
		fmt.Fprintf(&sb, "File: %s\n", rem.File)
		sb.WriteString("Findings:\n")
		for _, f := range rem.Findings {
			fmt.Fprintf(&sb, "- [%s] %s\n", f.Kind, f.Message)
		}
		fmt.Fprintf(&sb, "\nOriginal proposed content:\n%s\n", rem.Change.After)
		sb.WriteString("\nProduce a directive that fixes only this file.\n")
		return sb.String()
	}

	fmt.Fprintf(&sb, "Migration task %s: %s -> %s\n", req.Task.ID, req.Task.FromState, req.Task.ToState)
	fmt.Fprintf(&sb, "Category: %s\nRationale: %s\n", req.Task.Category, req.Task.Rationale)
	if len(req.Task.Steps) > 0 {
		sb.WriteString("Recommended steps:\n")
		for i, step := range req.Task.Steps {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, step)
		}
	}
	if req.Repo.Metadata != "" {
		fmt.Fprintf(&sb, "\nRepository:\n%s\n", req.Repo.Metadata)
	}
	if len(req.Repo.FileListing) > 0 {
		sb.WriteString("\nWorking tree:\n")
		for _, f := range req.Repo.FileListing {
			sb.WriteString(f)
			sb.WriteByte('\n')
		}
	}
	sb.WriteString("\nProduce a scoped directive for this task.\n")
	return sb.String()
}

func buildBuildPrompt(req BuildRequest) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Task: %s -> %s\n", req.Task.FromState, req.Task.ToState)
	fmt.Fprintf(&sb, "File: %s\nAction: %s\nIntent: %s\n", req.File.File, req.File.Action, req.File.Intent)
	if req.File.TargetState != "" {
		fmt.Fprintf(&sb, "Target state: %s\n", req.File.TargetState)
	}
	if len(req.File.AcceptanceCriteria) > 0 {
		sb.WriteString("Acceptance criteria:\n")
		for _, c := range req.File.AcceptanceCriteria {
			fmt.Fprintf(&sb, "- %s\n", c)
		}
	}
	if req.File.StopIf != "" {
		fmt.Fprintf(&sb, "Stop if: %s\n", req.File.StopIf)
	}
	if len(req.Directive.NonGoals) > 0 {
		sb.WriteString("Non-goals:\n")
		for _, ng := range req.Directive.NonGoals {
			fmt.Fprintf(&sb, "- %s\n", ng)
		}
	}
	if len(req.Siblings) > 0 {
		sb.WriteString("\nAlready completed in this task:\n")
		for _, sibling := range req.Siblings {
			fmt.Fprintf(&sb, "--- %s (%s)\n%s\n", sibling.File, sibling.Action, sibling.After)
		}
	}
	fmt.Fprintf(&sb, "\nProduce changes for %s only.\n", req.File.File)
	return sb.String()
}

func buildDiagnosePrompt(req DiagnoseRequest) string {
	var sb strings.Builder

	sb.WriteString("The test suite failed after applying migration changes.\n\n")
	if req.Failures != "" {
		fmt.Fprintf(&sb, "Parsed failures (blocking errors first):\n%s\n\n", req.Failures)
	}
	fmt.Fprintf(&sb, "Test output:\n%s\n", req.TestOutput)

	if len(req.History) > 0 {
		sb.WriteString("\nPrior fix attempts and their exact resulting output:\n")
		for i, attempt := range req.History {
			fmt.Fprintf(&sb, "\nAttempt %d\nDiagnosis: %s\nFiles: %s\nResult:\n%s\n",
				i+1, attempt.Diagnosis, strings.Join(attempt.Files, ", "), attempt.Output)
		}
		sb.WriteString("\nExplain why the earlier attempts failed, then produce a fix plan that avoids their mistakes.\n")
	} else {
		sb.WriteString("\nProduce a minimal fix plan.\n")
	}
	return sb.String()
}
