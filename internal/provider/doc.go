// Package provider defines the code-generation collaborator contracts
// the pipeline consumes (plan, build, diagnose) and an Anthropic-backed
// implementation. Calls return typed results parsed at the boundary and
// report token usage even on partial failure.
package provider
