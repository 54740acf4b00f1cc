package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HAAIL-Universe/forgeguard/internal/config"
	"github.com/HAAIL-Universe/forgeguard/internal/migration"
)

func testProviderConfig(baseURL string) config.ProviderConfig {
	return config.ProviderConfig{
		APIKey:       "test-key",
		BaseURL:      baseURL,
		PlannerModel: "planner-model",
		BuilderModel: "builder-model",
		MaxTokens:    1024,
		Timeout:      config.Duration(5 * time.Second),
		RateLimit:    100,
	}
}

func anthropicTextResponse(text string, in, out int64) string {
	resp := map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
		"usage":   map[string]any{"input_tokens": in, "output_tokens": out},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestPlanParsesDirectiveAndUsage(t *testing.T) {
	directive := `{"mode": "migrate", "files": [{"file": "a.py", "action": "modify", "intent": "x"}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "planner-model", req.Model)
		assert.Nil(t, req.Thinking)

		w.Write([]byte(anthropicTextResponse("```json\n"+directive+"\n```", 120, 45)))
	}))
	defer srv.Close()

	client, err := NewAnthropicClient(testProviderConfig(srv.URL), nil)
	require.NoError(t, err)

	d, usage, err := client.Plan(context.Background(), PlanRequest{
		Task: migration.Task{ID: "t1", FromState: "flask 1", ToState: "flask 2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "migrate", d.Mode)
	assert.Equal(t, migration.Usage{InputTokens: 120, OutputTokens: 45}, usage)
}

func TestPlanReportsUsageOnUnparseableOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(anthropicTextResponse("I cannot plan this.", 80, 12)))
	}))
	defer srv.Close()

	client, err := NewAnthropicClient(testProviderConfig(srv.URL), nil)
	require.NoError(t, err)

	d, usage, err := client.Plan(context.Background(), PlanRequest{})
	assert.Error(t, err)
	assert.Nil(t, d)
	// Usage must be reported even on failure.
	assert.Equal(t, migration.Usage{InputTokens: 80, OutputTokens: 12}, usage)
}

func TestCompleteRetriesOn429(t *testing.T) {
	var calls atomic.Int32
	result := `{"changes": [{"file": "a.py", "action": "modify", "after": "x = 1\n"}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error": {"type": "rate_limit_error", "message": "slow down"}}`))
			return
		}
		w.Write([]byte(anthropicTextResponse(result, 10, 10)))
	}))
	defer srv.Close()

	client, err := NewAnthropicClient(testProviderConfig(srv.URL), nil)
	require.NoError(t, err)

	r, _, err := client.Build(context.Background(), BuildRequest{
		File: migration.FileDirective{File: "a.py", Action: "modify"},
	})
	require.NoError(t, err)
	require.Len(t, r.Changes, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": {"type": "invalid_request_error", "message": "bad model"}}`))
	}))
	defer srv.Close()

	client, err := NewAnthropicClient(testProviderConfig(srv.URL), nil)
	require.NoError(t, err)

	_, _, err = client.Plan(context.Background(), PlanRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad model")
	assert.Equal(t, int32(1), calls.Load())
}

func TestDiagnoseExtendedReasoningSetsThinking(t *testing.T) {
	plan := `{"diagnosis": "bad import", "files": [{"file": "a.py", "action": "modify", "intent": "fix import"}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.Thinking)
		assert.Equal(t, "enabled", req.Thinking.Type)
		w.Write([]byte(anthropicTextResponse(plan, 5, 5)))
	}))
	defer srv.Close()

	client, err := NewAnthropicClient(testProviderConfig(srv.URL), nil)
	require.NoError(t, err)

	p, _, err := client.Diagnose(context.Background(), DiagnoseRequest{
		TestOutput:        "boom",
		ExtendedReasoning: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "bad import", p.Diagnosis)
}

func TestNewAnthropicClientRequiresKey(t *testing.T) {
	_, err := NewAnthropicClient(config.ProviderConfig{}, nil)
	assert.Error(t, err)
}

func TestHasSecondCredential(t *testing.T) {
	cfg := testProviderConfig("http://localhost")
	client, err := NewAnthropicClient(cfg, nil)
	require.NoError(t, err)
	assert.False(t, client.HasSecondCredential())

	cfg.SecondAPIKey = "other"
	client, err = NewAnthropicClient(cfg, nil)
	require.NoError(t, err)
	assert.True(t, client.HasSecondCredential())
}
