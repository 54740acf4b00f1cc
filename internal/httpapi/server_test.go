package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HAAIL-Universe/forgeguard/internal/config"
	"github.com/HAAIL-Universe/forgeguard/internal/control"
	"github.com/HAAIL-Universe/forgeguard/internal/migration"
	"github.com/HAAIL-Universe/forgeguard/internal/pipeline"
)

type stubPusher struct{}

func (stubPusher) RunTests(context.Context, *pipeline.Run) (bool, string) { return true, "" }
func (stubPusher) FinalPush(context.Context, *pipeline.Run) (string, error) {
	return "pushed", nil
}

func newTestServer(t *testing.T) (*Server, *pipeline.Registry) {
	t.Helper()
	reg := pipeline.NewRegistry(time.Minute, nil)
	start := func(context.Context, *pipeline.Run) error { return nil }
	retry := func(context.Context, *pipeline.Run) error { return nil }
	processor, err := control.NewProcessor(reg, start, retry, stubPusher{}, nil)
	require.NoError(t, err)

	srv, err := New(config.ServerConfig{Addr: ":0"}, processor, reg, prometheus.NewRegistry(), nil)
	require.NoError(t, err)
	return srv, reg
}

func addRun(t *testing.T, reg *pipeline.Registry, tasks ...migration.Task) *pipeline.Run {
	t.Helper()
	run := pipeline.NewRun(t.TempDir(), "forge/migration", "main", tasks)
	require.NoError(t, run.Transition(pipeline.StatusReady))
	reg.Add(run)
	return run
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestStatusEndpoint(t *testing.T) {
	srv, reg := newTestServer(t)
	run := addRun(t, reg, migration.Task{ID: "t1"})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/"+run.ID+"/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), run.ID)
	assert.Contains(t, rec.Body.String(), `"total":1`)
}

func TestStatusUnknownRun(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/missing/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRuns(t *testing.T) {
	srv, reg := newTestServer(t)
	addRun(t, reg)
	addRun(t, reg)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, strings.Count(rec.Body.String(), `"run_id"`))
}

func TestCommandDispatch(t *testing.T) {
	srv, reg := newTestServer(t)
	run := addRun(t, reg)
	require.NoError(t, run.Transition(pipeline.StatusRunning))

	req := httptest.NewRequest(http.MethodPost, "/api/runs/"+run.ID+"/commands",
		strings.NewReader(`{"command": "pause"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pipeline.StatusPaused, run.Status())
}

func TestCommandRejectedReturns422(t *testing.T) {
	srv, reg := newTestServer(t)
	run := addRun(t, reg) // ready, pause is invalid

	req := httptest.NewRequest(http.MethodPost, "/api/runs/"+run.ID+"/commands",
		strings.NewReader(`{"command": "pause"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestCommandRequiresBody(t *testing.T) {
	srv, reg := newTestServer(t)
	run := addRun(t, reg)

	req := httptest.NewRequest(http.MethodPost, "/api/runs/"+run.ID+"/commands",
		strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogEndpoint(t *testing.T) {
	srv, reg := newTestServer(t)
	run := addRun(t, reg)
	run.AppendLog("task.planned")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/"+run.ID+"/log", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "task.planned")
}

// A start dispatched over a real connection must hand the pipeline a
// context that survives the request; net/http cancels the request
// context as soon as the handler returns.
func TestStartCommandOutlivesRequest(t *testing.T) {
	reg := pipeline.NewRegistry(time.Minute, nil)
	started := make(chan context.Context, 1)
	start := func(ctx context.Context, _ *pipeline.Run) error {
		started <- ctx
		return nil
	}
	retry := func(context.Context, *pipeline.Run) error { return nil }
	processor, err := control.NewProcessor(reg, start, retry, stubPusher{}, nil)
	require.NoError(t, err)
	srv, err := New(config.ServerConfig{Addr: ":0"}, processor, reg, prometheus.NewRegistry(), nil)
	require.NoError(t, err)

	run := addRun(t, reg, migration.Task{ID: "t1"})

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/runs/"+run.ID+"/commands", "application/json",
		strings.NewReader(`{"command": "start"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	var runCtx context.Context
	select {
	case runCtx = <-started:
	case <-time.After(time.Second):
		t.Fatal("start was never invoked")
	}

	// The response is fully read and closed; give net/http time to
	// cancel the request context, then check the run's is still alive.
	time.Sleep(100 * time.Millisecond)
	assert.NoError(t, runCtx.Err())
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

