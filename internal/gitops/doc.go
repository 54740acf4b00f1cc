// Package gitops wraps go-git for the pipeline's incremental commit and
// push flow: a per-run working branch accumulates one commit per task,
// and a final explicit push squashes it into the target branch.
//
// Git failures are data to the pipeline, not fatal errors: a failed
// commit or push leaves the changes in run state for a later retry.
package gitops
