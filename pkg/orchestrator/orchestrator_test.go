package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadpilot/loadpilot/pkg/bus"
	"github.com/loadpilot/loadpilot/pkg/config"
	"github.com/loadpilot/loadpilot/pkg/models"
	"github.com/loadpilot/loadpilot/pkg/specs"
	"github.com/loadpilot/loadpilot/pkg/store"
	"github.com/loadpilot/loadpilot/pkg/worker"
)

// TestHelperProcess is re-executed as the worker child process by the tests
// below; HELPER_PROCESS_MODE selects its behavior.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		t.Skip("helper process only")
	}

	enc := worker.NewEncoder(os.Stdout)
	switch os.Getenv("HELPER_PROCESS_MODE") {
	case "complete":
		if _, err := worker.ReadStart(os.Stdin); err != nil {
			fmt.Fprintln(os.Stderr, "read start:", err)
			os.Exit(1)
		}
		_ = enc.EncodeProgress(models.ProgressMetrics{TotalRequests: 5, ElapsedTime: 1})
		_ = enc.EncodeComplete(worker.Complete{
			TotalRequests: 5, SuccessfulRequests: 5, AverageRPS: 5, Duration: 1,
		})
		os.Exit(0)

	case "complete_slow":
		if _, err := worker.ReadStart(os.Stdin); err != nil {
			fmt.Fprintln(os.Stderr, "read start:", err)
			os.Exit(1)
		}
		time.Sleep(30 * time.Millisecond)
		_ = enc.EncodeComplete(worker.Complete{
			TotalRequests: 5, SuccessfulRequests: 5, AverageRPS: 5, Duration: 1,
		})
		os.Exit(0)

	case "fail":
		_ = enc.EncodeError(worker.Error{Message: "target unreachable"})
		os.Exit(1)

	case "hang":
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(2)
}

type fixture struct {
	orch   *Orchestrator
	store  *store.MemoryStore
	events *bus.Bus
}

func newFixture(t *testing.T, mode string, maxWorkers int) *fixture {
	t.Setenv("GO_WANT_HELPER_PROCESS", "1")
	t.Setenv("HELPER_PROCESS_MODE", mode)

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
	resolver := specs.NewResolver(mem, nil)
	return &fixture{
		orch:   New(cfg, mem, resolver, events),
		store:  mem,
		events: events,
	}
}

// waitForStatus polls the store until the run reaches the wanted status.
func waitForStatus(t *testing.T, st store.RunStore, runID string, want models.RunStatus) *models.RunRecord {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := st.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if rec.Status == want {
			return rec
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("run %s never reached status %s", runID, want)
	return nil
}

func waitForTerminalEvent(t *testing.T, events *bus.Bus, runID string) bus.Event {
	t.Helper()
	sub, err := events.Subscribe(runID)
	require.NoError(t, err)
	defer events.Unsubscribe(sub)

	timeout := time.After(15 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "subscription closed without terminal event")
			if ev.Terminal() {
				return ev
			}
		case <-timeout:
			t.Fatal("no terminal event")
		}
	}
}

func TestStartRunToCompletion(t *testing.T) {
	f := newFixture(t, "complete", 2)
	ctx := context.Background()

	runID, err := f.orch.StartRun(ctx, "spec-1")
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	rec, err := f.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, rec.Status)
	assert.Equal(t, "checkout flow", rec.SpecName)

	ev := waitForTerminalEvent(t, f.events, runID)
	assert.Equal(t, bus.EventTypeCompleted, ev.Type)
	require.NotNil(t, ev.Summary)
	assert.Equal(t, int64(5), ev.Summary.TotalRequests)

	rec = waitForStatus(t, f.store, runID, models.StatusCompleted)
	require.NotNil(t, rec.Summary)
	assert.Equal(t, int64(5), rec.Summary.TotalRequests)
	require.NotNil(t, rec.CompletedAt)
	assert.Nil(t, rec.Error)

	// Registry drains once the run is terminal.
	deadline := time.Now().Add(5 * time.Second)
	for f.orch.ActiveCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0, f.orch.ActiveCount())
}

func TestStartRunUnknownSpec(t *testing.T) {
	f := newFixture(t, "complete", 2)
	_, err := f.orch.StartRun(context.Background(), "missing")
	assert.ErrorIs(t, err, specs.ErrSpecNotFound)
}

func TestStartRunInvalidSpec(t *testing.T) {
	f := newFixture(t, "complete", 2)
	require.NoError(t, f.store.PutSpec(context.Background(), &models.Spec{
		ID:          "spec-bad",
		Request:     models.RequestConfig{Method: "GET", URL: "ftp://example.com"},
		LoadProfile: models.LoadProfile{Users: 1, Steady: 1},
	}))

	_, err := f.orch.StartRun(context.Background(), "spec-bad")
	var invalid *specs.InvalidSpecError
	assert.ErrorAs(t, err, &invalid)
	assert.Equal(t, 0, f.orch.ActiveCount())
}

func TestCapacityCapEnforced(t *testing.T) {
	f := newFixture(t, "hang", 1)
	ctx := context.Background()

	runID, err := f.orch.StartRun(ctx, "spec-1")
	require.NoError(t, err)

	_, err = f.orch.StartRun(ctx, "spec-1")
	assert.ErrorIs(t, err, ErrCapacityExhausted)

	// A finished run frees its slot.
	require.NoError(t, f.orch.StopRun(ctx, runID))
	waitForStatus(t, f.store, runID, models.StatusStopped)

	runID2, err := f.orch.StartRun(ctx, "spec-1")
	require.NoError(t, err)
	require.NoError(t, f.orch.StopRun(ctx, runID2))
}

func TestStopRun(t *testing.T) {
	f := newFixture(t, "hang", 2)
	ctx := context.Background()

	runID, err := f.orch.StartRun(ctx, "spec-1")
	require.NoError(t, err)

	require.NoError(t, f.orch.StopRun(ctx, runID))

	// StopRun returns only after the terminal transition is committed.
	rec, err := f.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, rec.Status)
	require.NotNil(t, rec.CompletedAt)
	assert.Nil(t, rec.Summary)
	assert.Nil(t, rec.Error)

	ev := waitForTerminalEvent(t, f.events, runID)
	assert.Equal(t, bus.EventTypeStopped, ev.Type)

	// Stopping a terminal run is a no-op.
	require.NoError(t, f.orch.StopRun(ctx, runID))
}

// TestStopCompleteRaceSingleTerminal races StopRun against the worker's own
// completion. Whichever cause wins, exactly one terminal event reaches the
// bus and the stored record matches it; the loser is discarded by the status
// compare-and-swap.
func TestStopCompleteRaceSingleTerminal(t *testing.T) {
	f := newFixture(t, "complete_slow", 2)
	ctx := context.Background()

	// Sweep the stop across the worker's completion window so both
	// orderings get exercised.
	for _, delay := range []time.Duration{
		0, 10 * time.Millisecond, 25 * time.Millisecond,
		40 * time.Millisecond, 60 * time.Millisecond,
	} {
		runID, err := f.orch.StartRun(ctx, "spec-1")
		require.NoError(t, err)

		sub, err := f.events.Subscribe(runID)
		require.NoError(t, err)

		time.Sleep(delay)
		require.NoError(t, f.orch.StopRun(ctx, runID))

		var terminals []bus.Event
		timeout := time.After(15 * time.Second)
	drain:
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					break drain
				}
				if ev.Terminal() {
					terminals = append(terminals, ev)
				}
			case <-timeout:
				t.Fatalf("delay %v: subscription never closed", delay)
			}
		}
		require.Len(t, terminals, 1, "delay %v: exactly one terminal event", delay)

		rec, err := f.store.GetRun(ctx, runID)
		require.NoError(t, err)
		switch terminals[0].Type {
		case bus.EventTypeCompleted:
			assert.Equal(t, models.StatusCompleted, rec.Status, "delay %v", delay)
			assert.NotNil(t, rec.Summary, "delay %v", delay)
		case bus.EventTypeStopped:
			assert.Equal(t, models.StatusStopped, rec.Status, "delay %v", delay)
			assert.Nil(t, rec.Summary, "delay %v", delay)
		default:
			t.Fatalf("delay %v: unexpected terminal event %s", delay, terminals[0].Type)
		}
		f.events.Unsubscribe(sub)
	}
}

func TestStopUnknownRun(t *testing.T) {
	f := newFixture(t, "hang", 1)
	err := f.orch.StopRun(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestStopRepairsOrphanedRecord(t *testing.T) {
	f := newFixture(t, "hang", 1)
	ctx := context.Background()

	// A running record without a live supervisor (crash artifact).
	require.NoError(t, f.store.CreateRun(ctx, &models.RunRecord{
		ID:        "orphan-1",
		SpecID:    "spec-1",
		Status:    models.StatusRunning,
		StartedAt: time.Now(),
	}))

	require.NoError(t, f.orch.StopRun(ctx, "orphan-1"))
	rec, err := f.store.GetRun(ctx, "orphan-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, rec.Status)
}

func TestWorkerFailureFailsRun(t *testing.T) {
	f := newFixture(t, "fail", 1)
	ctx := context.Background()

	runID, err := f.orch.StartRun(ctx, "spec-1")
	require.NoError(t, err)

	ev := waitForTerminalEvent(t, f.events, runID)
	assert.Equal(t, bus.EventTypeFailed, ev.Type)
	require.NotNil(t, ev.Error)
	assert.Equal(t, "target unreachable", ev.Error.Message)

	rec := waitForStatus(t, f.store, runID, models.StatusFailed)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "target unreachable", rec.Error.Message)
	assert.Nil(t, rec.Summary)
}

// flakyRunStore fails the first few terminal status writes to exercise the
// retry path.
type flakyRunStore struct {
	store.RunStore
	mu    sync.Mutex
	fails int
}

func (s *flakyRunStore) UpdateIfStatus(ctx context.Context, runID string, expected models.RunStatus, upd store.TerminalUpdate) (bool, error) {
	s.mu.Lock()
	if s.fails > 0 {
		s.fails--
		s.mu.Unlock()
		return false, fmt.Errorf("update run status: connection reset")
	}
	s.mu.Unlock()
	return s.RunStore.UpdateIfStatus(ctx, runID, expected, upd)
}

func TestTerminalWriteRetriesOnStoreError(t *testing.T) {
	f := newFixture(t, "complete", 1)
	flaky := &flakyRunStore{RunStore: f.store, fails: terminalWriteAttempts - 1}
	f.orch.runs = flaky
	ctx := context.Background()

	runID, err := f.orch.StartRun(ctx, "spec-1")
	require.NoError(t, err)

	ev := waitForTerminalEvent(t, f.events, runID)
	assert.Equal(t, bus.EventTypeCompleted, ev.Type)

	// The retried CAS landed: the record is terminal, not stuck running.
	rec := waitForStatus(t, f.store, runID, models.StatusCompleted)
	require.NotNil(t, rec.Summary)
	require.NotNil(t, rec.CompletedAt)
}

func TestSpawnFailureFailsRun(t *testing.T) {
	f := newFixture(t, "complete", 1)
	f.orch.cfg.WorkerCommand = []string{"/nonexistent/loadpilot-worker"}
	ctx := context.Background()

	runID, err := f.orch.StartRun(ctx, "spec-1")
	require.NoError(t, err)

	rec := waitForStatus(t, f.store, runID, models.StatusFailed)
	require.NotNil(t, rec.Error)
	assert.Contains(t, rec.Error.Message, "could not be started")
}

func TestDeleteRunGuard(t *testing.T) {
	f := newFixture(t, "hang", 1)
	ctx := context.Background()

	runID, err := f.orch.StartRun(ctx, "spec-1")
	require.NoError(t, err)

	assert.ErrorIs(t, f.orch.DeleteRun(ctx, runID), ErrRunStillRunning)

	require.NoError(t, f.orch.StopRun(ctx, runID))
	require.NoError(t, f.orch.DeleteRun(ctx, runID))
	assert.ErrorIs(t, f.orch.DeleteRun(ctx, runID), ErrRunNotFound)
}

func TestListActive(t *testing.T) {
	f := newFixture(t, "hang", 2)
	ctx := context.Background()

	runID1, err := f.orch.StartRun(ctx, "spec-1")
	require.NoError(t, err)
	runID2, err := f.orch.StartRun(ctx, "spec-1")
	require.NoError(t, err)

	active := f.orch.ListActive()
	require.Len(t, active, 2)
	assert.Equal(t, runID1, active[0].RunID)
	assert.Equal(t, runID2, active[1].RunID)
	assert.Equal(t, "spec-1", active[0].SpecID)
	assert.GreaterOrEqual(t, active[0].ElapsedSeconds, 0.0)

	require.NoError(t, f.orch.StopRun(ctx, runID1))
	require.NoError(t, f.orch.StopRun(ctx, runID2))
	assert.Empty(t, f.orch.ListActive())
}

func TestSweepOrphans(t *testing.T) {
	f := newFixture(t, "hang", 1)
	ctx := context.Background()

	require.NoError(t, f.store.CreateRun(ctx, &models.RunRecord{
		ID:        "stale-1",
		SpecID:    "spec-1",
		Status:    models.StatusRunning,
		StartedAt: time.Now().Add(-time.Hour),
	}))

	n, err := f.orch.SweepOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := f.store.GetRun(ctx, "stale-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, rec.Status)
}

func TestShutdownStopsActiveRuns(t *testing.T) {
	f := newFixture(t, "hang", 2)
	ctx := context.Background()

	runID, err := f.orch.StartRun(ctx, "spec-1")
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, f.orch.Shutdown(shutdownCtx))

	rec, err := f.store.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, rec.Status)

	_, err = f.orch.StartRun(ctx, "spec-1")
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestClampProgressMonotone(t *testing.T) {
	prev := models.ProgressMetrics{
		TotalRequests: 100, SuccessfulRequests: 90, FailedRequests: 10, ElapsedTime: 5,
	}
	next := models.ProgressMetrics{
		CurrentRPS: 7.5, TotalRequests: 80, SuccessfulRequests: 95, FailedRequests: 4, ElapsedTime: 6,
	}

	got := clampProgress(prev, next)
	assert.Equal(t, int64(100), got.TotalRequests)
	assert.Equal(t, int64(95), got.SuccessfulRequests)
	assert.Equal(t, int64(10), got.FailedRequests)
	assert.InDelta(t, 6.0, got.ElapsedTime, 1e-9)
	assert.InDelta(t, 7.5, got.CurrentRPS, 1e-9)
}
