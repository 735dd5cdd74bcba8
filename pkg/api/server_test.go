package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadpilot/loadpilot/pkg/bus"
	"github.com/loadpilot/loadpilot/pkg/config"
	"github.com/loadpilot/loadpilot/pkg/models"
	"github.com/loadpilot/loadpilot/pkg/orchestrator"
	"github.com/loadpilot/loadpilot/pkg/specs"
	"github.com/loadpilot/loadpilot/pkg/store"
	"github.com/loadpilot/loadpilot/pkg/worker"
)

// TestHelperProcess is re-executed as the worker child process.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		t.Skip("helper process only")
	}

	enc := worker.NewEncoder(os.Stdout)
	switch os.Getenv("HELPER_PROCESS_MODE") {
	case "complete":
		if _, err := worker.ReadStart(os.Stdin); err != nil {
			os.Exit(1)
		}
		_ = enc.EncodeProgress(models.ProgressMetrics{TotalRequests: 5, ElapsedTime: 1})
		_ = enc.EncodeComplete(worker.Complete{
			TotalRequests: 5, SuccessfulRequests: 5, AverageRPS: 5.25,
			P50Latency: 10.125, P95Latency: 50.5, P99Latency: 99.875,
			ErrorRate: 0, Duration: 1.5,
		})
		os.Exit(0)
	case "hang":
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(2)
}

type testEnv struct {
	router *gin.Engine
	store  *store.MemoryStore
	orch   *orchestrator.Orchestrator
}

func newTestEnv(t *testing.T, mode string, maxWorkers int) *testEnv {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Setenv("HELPER_PROCESS_MODE", mode)
	gin.SetMode(gin.TestMode)

	mem := store.NewMemoryStore()
	require.NoError(t, mem.PutSpec(context.Background(), &models.Spec{
		ID:   "spec-1",
		Name: "checkout flow",
		Request: models.RequestConfig{
			Method: "GET",
			URL:    "https://example.com",
		},
		LoadProfile: models.LoadProfile{Users: 1, Steady: 1},
	}))

	events := bus.New(64, 30*time.Second)
	t.Cleanup(events.Close)

	cfg := config.OrchestratorConfig{
		MaxWorkers:    maxWorkers,
		WorkerTimeout: 30 * time.Second,
		KillGrace:     time.Second,
		WorkerCommand: []string{os.Args[0], "-test.run=TestHelperProcess"},
	}
	orch := orchestrator.New(cfg, mem, specs.NewResolver(mem, nil), events)

	return &testEnv{
		router: NewServer(orch, mem, events).Router(),
		store:  mem,
		orch:   orch,
	}
}

func (e *testEnv) do(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func (e *testEnv) startRun(t *testing.T) string {
	t.Helper()
	rec := e.do(http.MethodPost, "/api/v1/runs/spec-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	runID, _ := decodeJSON(t, rec)["runId"].(string)
	require.NotEmpty(t, runID)
	return runID
}

func (e *testEnv) waitForStatus(t *testing.T, runID string, want models.RunStatus) *models.RunRecord {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := e.store.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if rec.Status == want {
			return rec
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %s never reached status %s", runID, want)
	return nil
}

func TestStartRunEndpoint(t *testing.T) {
	e := newTestEnv(t, "complete", 2)

	runID := e.startRun(t)
	e.waitForStatus(t, runID, models.StatusCompleted)

	rec := e.do(http.MethodGet, "/api/v1/runs/"+runID)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "checkout flow", body["specName"])
	assert.NotNil(t, body["summary"])
}

func TestStartRunUnknownSpec(t *testing.T) {
	e := newTestEnv(t, "complete", 1)
	rec := e.do(http.MethodPost, "/api/v1/runs/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "spec_not_found", decodeJSON(t, rec)["error"])
}

func TestStartRunInvalidSpec(t *testing.T) {
	e := newTestEnv(t, "complete", 1)
	require.NoError(t, e.store.PutSpec(context.Background(), &models.Spec{
		ID:          "spec-bad",
		Request:     models.RequestConfig{Method: "GET", URL: "ftp://example.com"},
		LoadProfile: models.LoadProfile{Users: 1, Steady: 1},
	}))

	rec := e.do(http.MethodPost, "/api/v1/runs/spec-bad")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "spec_invalid", decodeJSON(t, rec)["error"])
}

func TestStartRunCapacityExhausted(t *testing.T) {
	e := newTestEnv(t, "hang", 1)

	runID := e.startRun(t)
	rec := e.do(http.MethodPost, "/api/v1/runs/spec-1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "capacity_exhausted", decodeJSON(t, rec)["error"])

	rec = e.do(http.MethodDelete, "/api/v1/runs/"+runID)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStopRunEndpoint(t *testing.T) {
	e := newTestEnv(t, "hang", 1)
	runID := e.startRun(t)

	rec := e.do(http.MethodDelete, "/api/v1/runs/"+runID)
	require.Equal(t, http.StatusOK, rec.Code)

	run, err := e.store.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, run.Status)

	// Idempotent.
	rec = e.do(http.MethodDelete, "/api/v1/runs/"+runID)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(http.MethodDelete, "/api/v1/runs/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "run_not_found", decodeJSON(t, rec)["error"])
}

func TestDeleteRunEndpoint(t *testing.T) {
	e := newTestEnv(t, "hang", 1)
	runID := e.startRun(t)

	rec := e.do(http.MethodDelete, "/api/v1/runs/"+runID+"/delete")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "still_running", decodeJSON(t, rec)["error"])

	require.Equal(t, http.StatusOK, e.do(http.MethodDelete, "/api/v1/runs/"+runID).Code)

	rec = e.do(http.MethodDelete, "/api/v1/runs/"+runID+"/delete")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(http.MethodGet, "/api/v1/runs/"+runID)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRunsEndpoint(t *testing.T) {
	e := newTestEnv(t, "complete", 2)
	runID := e.startRun(t)
	e.waitForStatus(t, runID, models.StatusCompleted)

	rec := e.do(http.MethodGet, "/api/v1/runs")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Runs []models.RunRecord `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, runID, body.Runs[0].ID)
}

func TestListActiveRunsEndpoint(t *testing.T) {
	e := newTestEnv(t, "hang", 2)
	runID := e.startRun(t)

	rec := e.do(http.MethodGet, "/api/v1/runs/active")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		ActiveRuns []models.ActiveRun `json:"activeRuns"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.ActiveRuns, 1)
	assert.Equal(t, runID, body.ActiveRuns[0].RunID)

	require.Equal(t, http.StatusOK, e.do(http.MethodDelete, "/api/v1/runs/"+runID).Code)
}

func TestCSVExportRoundTrip(t *testing.T) {
	e := newTestEnv(t, "complete", 1)
	runID := e.startRun(t)
	run := e.waitForStatus(t, runID, models.StatusCompleted)

	rec := e.do(http.MethodGet, "/api/v1/runs/"+runID+"/csv")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")

	rows, err := csv.NewReader(strings.NewReader(rec.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, csvHeader, rows[0])
	require.Len(t, rows[1], len(csvHeader))

	row := rows[1]
	assert.Equal(t, runID, row[0])
	assert.Equal(t, "checkout flow", row[1])
	assert.Equal(t, "completed", row[2])

	// Numeric cells parse back to the stored summary exactly.
	total, err := strconv.ParseInt(row[5], 10, 64)
	require.NoError(t, err)
	assert.Equal(t, run.Summary.TotalRequests, total)

	for i, want := range map[int]float64{
		8:  run.Summary.AverageRPS,
		9:  run.Summary.P50Latency,
		10: run.Summary.P95Latency,
		11: run.Summary.P99Latency,
		12: run.Summary.ErrorRate,
		13: run.Summary.Duration,
	} {
		got, err := strconv.ParseFloat(row[i], 64)
		require.NoError(t, err, "column %d", i)
		assert.InDelta(t, want, got, 1e-6, "column %d", i)
	}
}

func TestCSVExportWithoutSummary(t *testing.T) {
	e := newTestEnv(t, "hang", 1)
	runID := e.startRun(t)
	defer e.do(http.MethodDelete, "/api/v1/runs/"+runID)

	rec := e.do(http.MethodGet, "/api/v1/runs/"+runID+"/csv")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no_summary", decodeJSON(t, rec)["error"])

	rec = e.do(http.MethodGet, "/api/v1/runs/missing/csv")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t, "complete", 1)
	rec := e.do(http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeJSON(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(0), body["active_runs"])
}

func TestFormatFloatRoundTrips(t *testing.T) {
	for _, v := range []float64{0, 1, 5.25, 99.875, 1234.5678901, 0.000001} {
		got, err := strconv.ParseFloat(formatFloat(v), 64)
		require.NoError(t, err, fmt.Sprintf("value %v", v))
		assert.Equal(t, v, got)
	}
}
