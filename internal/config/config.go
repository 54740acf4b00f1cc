// Package config provides configuration loading for forgeguard.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for the forgeguard daemon and CLI.
type Config struct {
	Provider ProviderConfig `koanf:"provider"`
	Pipeline PipelineConfig `koanf:"pipeline"`
	Git      GitConfig      `koanf:"git"`
	FixLoop  FixLoopConfig  `koanf:"fixloop"`
	Server   ServerConfig   `koanf:"server"`
	Logging  LoggingConfig  `koanf:"logging"`
	Events   EventsConfig   `koanf:"events"`
}

// ProviderConfig configures the code-generation provider.
type ProviderConfig struct {
	// APIKey authenticates the primary credential.
	APIKey Secret `koanf:"api_key"`

	// SecondAPIKey, when set, enables paired per-file builds.
	SecondAPIKey Secret `koanf:"second_api_key"`

	// BaseURL overrides the API endpoint (for proxies and tests).
	BaseURL string `koanf:"base_url"`

	// PlannerModel is used for directive planning and diagnosis.
	PlannerModel string `koanf:"planner_model"`

	// BuilderModel is used for per-file code generation.
	BuilderModel string `koanf:"builder_model"`

	// MaxTokens caps completion length per call.
	MaxTokens int `koanf:"max_tokens"`

	// Timeout bounds a single API call.
	Timeout Duration `koanf:"timeout"`

	// RateLimit is requests per second across all call sites.
	RateLimit float64 `koanf:"rate_limit"`
}

// PipelineConfig tunes the director/builder pipeline.
type PipelineConfig struct {
	// PlanPoolSize bounds the planner hand-off queue.
	PlanPoolSize int `koanf:"plan_pool_size"`

	// RemediationIdlePolls is how many consecutive empty polls end
	// the director's remediation mode.
	RemediationIdlePolls int `koanf:"remediation_idle_polls"`

	// RemediationPollInterval is the delay between remediation polls.
	RemediationPollInterval Duration `koanf:"remediation_poll_interval"`

	// InlineRetry enables the one-shot fix-and-retest pass for
	// same-task audit failures.
	InlineRetry bool `koanf:"inline_retry"`

	// GracePeriod is how long a finished run's state and working
	// directory are retained for a late push or retry.
	GracePeriod Duration `koanf:"grace_period"`
}

// GitConfig configures the incremental git integration.
type GitConfig struct {
	AuthorName  string `koanf:"author_name"`
	AuthorEmail string `koanf:"author_email"`
	Remote      string `koanf:"remote"`

	// TargetBranch is where the working branch is squashed on final push.
	TargetBranch string `koanf:"target_branch"`

	// PushEnabled disables remote pushes when false (local-only runs).
	PushEnabled bool `koanf:"push_enabled"`

	// GithubToken, when set, lets the final push open a pull request.
	GithubToken Secret `koanf:"github_token"`
}

// FixLoopConfig bounds the tiered auto-fix escalation.
type FixLoopConfig struct {
	// Tier1Attempts is the budget for quick diagnose-fix-retest passes.
	Tier1Attempts int `koanf:"tier1_attempts"`

	// Tier2Attempts is the budget for escalated passes with extended
	// reasoning and full attempt history.
	Tier2Attempts int `koanf:"tier2_attempts"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Addr string `koanf:"addr"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
}

// EventsConfig configures the progress event sink.
type EventsConfig struct {
	// NATSURL enables the NATS publisher when non-empty.
	NATSURL string `koanf:"nats_url"`

	// SubjectPrefix namespaces published subjects.
	SubjectPrefix string `koanf:"subject_prefix"`

	// Buffer is the async emitter queue depth; events beyond it are dropped.
	Buffer int `koanf:"buffer"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Provider: ProviderConfig{
			BaseURL:      "https://api.anthropic.com",
			PlannerModel: "claude-sonnet-4-5-20250929",
			BuilderModel: "claude-sonnet-4-5-20250929",
			MaxTokens:    8192,
			Timeout:      Duration(120 * time.Second),
			RateLimit:    2,
		},
		Pipeline: PipelineConfig{
			PlanPoolSize:            8,
			RemediationIdlePolls:    5,
			RemediationPollInterval: Duration(2 * time.Second),
			InlineRetry:             true,
			GracePeriod:             Duration(30 * time.Minute),
		},
		Git: GitConfig{
			AuthorName:   "forgeguard",
			AuthorEmail:  "forgeguard@localhost",
			Remote:       "origin",
			TargetBranch: "main",
			PushEnabled:  true,
		},
		FixLoop: FixLoopConfig{
			Tier1Attempts: 3,
			Tier2Attempts: 2,
		},
		Server: ServerConfig{
			Addr: ":8337",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Events: EventsConfig{
			SubjectPrefix: "forgeguard",
			Buffer:        256,
		},
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Pipeline.PlanPoolSize <= 0 {
		return fmt.Errorf("pipeline.plan_pool_size must be positive, got %d", c.Pipeline.PlanPoolSize)
	}
	if c.Pipeline.RemediationIdlePolls <= 0 {
		return fmt.Errorf("pipeline.remediation_idle_polls must be positive, got %d", c.Pipeline.RemediationIdlePolls)
	}
	if c.FixLoop.Tier1Attempts < 0 || c.FixLoop.Tier2Attempts < 0 {
		return fmt.Errorf("fixloop attempt budgets cannot be negative")
	}
	if c.Git.Remote == "" {
		return fmt.Errorf("git.remote is required")
	}
	if c.Git.TargetBranch == "" {
		return fmt.Errorf("git.target_branch is required")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}
