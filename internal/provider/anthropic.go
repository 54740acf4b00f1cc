package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/HAAIL-Universe/forgeguard/internal/config"
	"github.com/HAAIL-Universe/forgeguard/internal/migration"
)

const (
	anthropicVersion = "2023-06-01"

	defaultMaxRetries = 3
	defaultBurst      = 1

	// thinkingBudget is the extended reasoning budget used by Tier 2
	// diagnosis calls.
	thinkingBudget = 16384
)

// AnthropicClient implements Planner, Builder, and Diagnoser against the
// Anthropic messages API.
type AnthropicClient struct {
	cfg        config.ProviderConfig
	keys       []string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	logger     *zap.Logger
}

// NewAnthropicClient creates a provider client from config. The second
// credential, when configured, is used for paired builds.
func NewAnthropicClient(cfg config.ProviderConfig, logger *zap.Logger) (*AnthropicClient, error) {
	if !cfg.APIKey.IsSet() {
		return nil, fmt.Errorf("provider API key required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	keys := []string{cfg.APIKey.Value()}
	if cfg.SecondAPIKey.IsSet() {
		keys = append(keys, cfg.SecondAPIKey.Value())
	}

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 2
	}

	return &AnthropicClient{
		cfg:  cfg,
		keys: keys,
		httpClient: &http.Client{
			Timeout: cfg.Timeout.Duration(),
		},
		limiter:    rate.NewLimiter(rate.Limit(limit), defaultBurst),
		maxRetries: defaultMaxRetries,
		logger:     logger,
	}, nil
}

// HasSecondCredential reports whether paired builds are possible.
func (c *AnthropicClient) HasSecondCredential() bool {
	return len(c.keys) > 1
}

// Plan asks the planner model for a directive.
func (c *AnthropicClient) Plan(ctx context.Context, req PlanRequest) (*migration.Directive, migration.Usage, error) {
	prompt := buildPlanPrompt(req)
	text, usage, err := c.complete(ctx, c.cfg.PlannerModel, 0, planSystem, prompt, false)
	if err != nil {
		return nil, usage, err
	}
	directive, err := migration.ParseDirective(text)
	if err != nil {
		return nil, usage, fmt.Errorf("unparseable directive: %w", err)
	}
	return directive, usage, nil
}

// Build asks the builder model for changes to one file.
func (c *AnthropicClient) Build(ctx context.Context, req BuildRequest) (*migration.BuildResult, migration.Usage, error) {
	prompt := buildBuildPrompt(req)
	text, usage, err := c.complete(ctx, c.cfg.BuilderModel, req.Credential, buildSystem, prompt, false)
	if err != nil {
		return nil, usage, err
	}
	result, err := migration.ParseBuildResult(text)
	if err != nil {
		return nil, usage, fmt.Errorf("unparseable build result: %w", err)
	}
	return result, usage, nil
}

// Diagnose asks the planner model for a fix plan. Extended reasoning is
// requested for Tier 2 calls.
func (c *AnthropicClient) Diagnose(ctx context.Context, req DiagnoseRequest) (*migration.FixPlan, migration.Usage, error) {
	prompt := buildDiagnosePrompt(req)
	text, usage, err := c.complete(ctx, c.cfg.PlannerModel, 0, diagnoseSystem, prompt, req.ExtendedReasoning)
	if err != nil {
		return nil, usage, err
	}
	plan, err := migration.ParseFixPlan(text)
	if err != nil {
		return nil, usage, fmt.Errorf("unparseable fix plan: %w", err)
	}
	return plan, usage, nil
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Thinking  *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	StopReason string `json:"stop_reason"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// complete performs one messages call with rate limiting and retries.
// Usage is accumulated and returned even when the call ultimately fails.
func (c *AnthropicClient) complete(ctx context.Context, model string, credential int, system, prompt string, extendedReasoning bool) (string, migration.Usage, error) {
	var usage migration.Usage

	if err := c.limiter.Wait(ctx); err != nil {
		return "", usage, fmt.Errorf("rate limiter: %w", err)
	}

	apiKey := c.keys[0]
	if credential > 0 && credential < len(c.keys) {
		apiKey = c.keys[credential]
	}

	reqBody := anthropicRequest{
		Model:     model,
		MaxTokens: c.cfg.MaxTokens,
		System:    system,
		Messages:  []anthropicMessage{{Role: "user", Content: prompt}},
	}
	if extendedReasoning {
		reqBody.Thinking = &anthropicThinking{Type: "enabled", BudgetTokens: thinkingBudget}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", usage, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-ctx.Done():
				return "", usage, ctx.Err()
			case <-time.After(backoff):
			}
		}

		text, callUsage, retryable, err := c.doCall(ctx, apiKey, payload)
		usage = usage.Add(callUsage)
		if err == nil {
			return text, usage, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		c.logger.Warn("provider call failed, retrying",
			zap.Int("attempt", attempt+1), zap.Error(err))
	}

	return "", usage, lastErr
}

func (c *AnthropicClient) doCall(ctx context.Context, apiKey string, payload []byte) (string, migration.Usage, bool, error) {
	var usage migration.Usage

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimSuffix(c.cfg.BaseURL, "/")+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return "", usage, false, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", apiKey)
	httpReq.Header.Set("Anthropic-Version", anthropicVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", usage, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", usage, true, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr anthropicError
		msg := string(body)
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return "", usage, retryable, fmt.Errorf("API error %d: %s", resp.StatusCode, msg)
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", usage, false, fmt.Errorf("failed to decode response: %w", err)
	}
	usage.InputTokens = parsed.Usage.InputTokens
	usage.OutputTokens = parsed.Usage.OutputTokens

	var sb strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", usage, false, fmt.Errorf("empty completion")
	}
	return sb.String(), usage, false, nil
}

// Compile-time interface checks.
var (
	_ Planner   = (*AnthropicClient)(nil)
	_ Builder   = (*AnthropicClient)(nil)
	_ Diagnoser = (*AnthropicClient)(nil)
)
