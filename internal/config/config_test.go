package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero plan pool", func(c *Config) { c.Pipeline.PlanPoolSize = 0 }},
		{"zero idle polls", func(c *Config) { c.Pipeline.RemediationIdlePolls = 0 }},
		{"negative tier budget", func(c *Config) { c.FixLoop.Tier1Attempts = -1 }},
		{"empty remote", func(c *Config) { c.Git.Remote = "" }},
		{"empty target branch", func(c *Config) { c.Git.TargetBranch = "" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
git:
  target_branch: develop
pipeline:
  plan_pool_size: 3
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	t.Setenv("FORGEGUARD_GIT_AUTHOR_NAME", "envbot")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "develop", cfg.Git.TargetBranch)
	assert.Equal(t, 3, cfg.Pipeline.PlanPoolSize)
	assert.Equal(t, "envbot", cfg.Git.AuthorName)
	// Untouched fields keep defaults.
	assert.Equal(t, "origin", cfg.Git.Remote)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Addr, cfg.Server.Addr)
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("sk-ant-very-secret")
	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "sk-ant-very-secret", s.Value())
	assert.True(t, s.IsSet())

	out, err := json.Marshal(struct {
		Key Secret `json:"key"`
	}{Key: s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "very-secret")
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")))
	assert.Error(t, d.UnmarshalText([]byte("bogus")))
}
