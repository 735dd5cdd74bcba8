// Package orchestrator admits, tracks and finishes runs. It owns the
// supervisor registry, enforces the concurrency cap, and is the single
// writer of run records: every worker outcome is funneled through the run
// store's status compare-and-swap before the terminal event reaches the bus.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loadpilot/loadpilot/pkg/bus"
	"github.com/loadpilot/loadpilot/pkg/config"
	"github.com/loadpilot/loadpilot/pkg/models"
	"github.com/loadpilot/loadpilot/pkg/specs"
	"github.com/loadpilot/loadpilot/pkg/store"
	"github.com/loadpilot/loadpilot/pkg/supervisor"
)

var (
	// ErrCapacityExhausted is returned by StartRun when the cap of
	// concurrently live runs is reached.
	ErrCapacityExhausted = errors.New("run capacity exhausted")

	// ErrRunNotFound is returned for operations on unknown run ids.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunStillRunning guards record deletion: only terminal runs can be
	// deleted.
	ErrRunStillRunning = errors.New("run is still running")

	// ErrShuttingDown is returned by StartRun during shutdown.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// activeRun is one registry entry: a live supervisor plus the bookkeeping
// the translation loop needs.
type activeRun struct {
	runID     string
	specID    string
	startedAt time.Time
	sup       *supervisor.Supervisor

	// done closes once the run's terminal transition is committed and
	// published. StopRun waits on it.
	done chan struct{}
}

// Orchestrator coordinates run admission, supervision and termination.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	runs     store.RunStore
	resolver *specs.Resolver
	events   *bus.Bus

	mu     sync.Mutex
	active map[string]*activeRun
	closed bool

	wg sync.WaitGroup
}

// New creates an Orchestrator. Call SweepOrphans once before serving.
func New(cfg config.OrchestratorConfig, runs store.RunStore, resolver *specs.Resolver, events *bus.Bus) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		runs:     runs,
		resolver: resolver,
		events:   events,
		active:   make(map[string]*activeRun),
	}
}

// SweepOrphans marks any record left in running state by a previous process
// as failed. Runs do not survive a restart; their workers are gone.
func (o *Orchestrator) SweepOrphans(ctx context.Context) (int, error) {
	n, err := o.runs.SweepRunning(ctx, "orchestrator restarted while the run was in flight")
	if err != nil {
		return 0, fmt.Errorf("sweep orphaned runs: %w", err)
	}
	if n > 0 {
		slog.Warn("Swept orphaned runs from previous process", "count", n)
	}
	return n, nil
}

// StartRun admits a new run for the given spec: resolves and validates the
// spec, reserves a capacity slot, persists the running record and spawns a
// supervised worker. Returns the new run id.
func (o *Orchestrator) StartRun(ctx context.Context, specID string) (string, error) {
	resolved, err := o.resolver.Resolve(ctx, specID)
	if err != nil {
		return "", err
	}

	runID := uuid.New().String()
	ar := &activeRun{
		runID:     runID,
		specID:    specID,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}

	// Admission check and registry insert under one lock so concurrent
	// starts cannot both squeeze into the last slot.
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrShuttingDown
	}
	if len(o.active) >= o.cfg.MaxWorkers {
		o.mu.Unlock()
		return "", ErrCapacityExhausted
	}
	o.active[runID] = ar
	o.mu.Unlock()

	rec := &models.RunRecord{
		ID:        runID,
		SpecID:    specID,
		SpecName:  resolved.Name,
		Status:    models.StatusRunning,
		StartedAt: ar.startedAt,
	}
	if err := o.runs.CreateRun(ctx, rec); err != nil {
		o.deregister(runID)
		return "", fmt.Errorf("create run record: %w", err)
	}

	ar.sup = supervisor.New(runID, *resolved, supervisor.Config{
		Command:   o.cfg.WorkerCommand,
		Timeout:   o.cfg.WorkerTimeout,
		KillGrace: o.cfg.KillGrace,
	})
	ar.sup.Start(context.Background())

	o.wg.Add(1)
	go o.translate(ar)

	slog.Info("Run started", "run_id", runID, "spec_id", specID, "spec_name", resolved.Name)
	return runID, nil
}

// StopRun requests termination of a run. Stopping a terminal run is a
// no-op. Returns only once the run's terminal transition is committed, so a
// subsequent GetRun observes a terminal record.
func (o *Orchestrator) StopRun(ctx context.Context, runID string) error {
	o.mu.Lock()
	ar := o.active[runID]
	o.mu.Unlock()

	if ar != nil {
		ar.sup.Stop()
		select {
		case <-ar.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Not in the registry: either the run is already terminal, unknown, or
	// a record was left running without a supervisor. Repair the latter.
	rec, err := o.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrRunNotFound
		}
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if rec.Status.Terminal() {
		return nil
	}

	slog.Warn("Stopping run with no live supervisor, repairing record", "run_id", runID)
	applied, err := o.runs.UpdateIfStatus(ctx, runID, models.StatusRunning, store.TerminalUpdate{
		Status:      models.StatusStopped,
		CompletedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("stop run %s: %w", runID, err)
	}
	if applied {
		o.events.Publish(runID, bus.NewStoppedEvent(runID))
	}
	return nil
}

// DeleteRun removes a terminal run's record. Running runs must be stopped
// first.
func (o *Orchestrator) DeleteRun(ctx context.Context, runID string) error {
	rec, err := o.runs.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrRunNotFound
		}
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if !rec.Status.Terminal() {
		return ErrRunStillRunning
	}
	if err := o.runs.DeleteRun(ctx, runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrRunNotFound
		}
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	return nil
}

// ListActive snapshots the live runs from the supervisor registry, oldest
// first.
func (o *Orchestrator) ListActive() []models.ActiveRun {
	o.mu.Lock()
	defer o.mu.Unlock()

	now := time.Now()
	out := make([]models.ActiveRun, 0, len(o.active))
	for _, ar := range o.active {
		out = append(out, models.ActiveRun{
			RunID:          ar.runID,
			SpecID:         ar.specID,
			StartedAt:      ar.startedAt,
			ElapsedSeconds: now.Sub(ar.startedAt).Seconds(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// ActiveCount returns the number of live runs.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Shutdown stops every live run and waits for terminal transitions to
// commit, bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	sups := make([]*supervisor.Supervisor, 0, len(o.active))
	for _, ar := range o.active {
		sups = append(sups, ar.sup)
	}
	o.mu.Unlock()

	slog.Info("Orchestrator shutting down", "active_runs", len(sups))
	for _, sup := range sups {
		sup.Stop()
	}

	finished := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown wait: %w", ctx.Err())
	}
}

// translate is the per-run loop turning supervisor events into store writes
// and bus events. It is the only writer for its run.
func (o *Orchestrator) translate(ar *activeRun) {
	defer o.wg.Done()
	defer close(ar.done)
	defer o.deregister(ar.runID)

	ctx := context.Background()
	var last models.ProgressMetrics

	for ev := range ar.sup.Events() {
		switch ev.Type {
		case supervisor.EventProgress:
			p := clampProgress(last, *ev.Progress)
			last = p
			if err := o.runs.UpdateProgress(ctx, ar.runID, p); err != nil {
				slog.Warn("Progress persist failed", "run_id", ar.runID, "error", err)
			}
			o.events.Publish(ar.runID, bus.NewProgressEvent(ar.runID, p))

		case supervisor.EventLog:
			o.events.Publish(ar.runID, bus.NewLogEvent(ar.runID, ev.Log.Message))

		case supervisor.EventDead:
			o.finish(ctx, ar, ev.Dead)
		}
	}
}

// terminalWriteAttempts bounds retries of the terminal status CAS so a
// transient store error does not leave the record stuck in running.
const (
	terminalWriteAttempts = 3
	terminalWriteBackoff  = 200 * time.Millisecond
)

// finish commits the run's terminal transition through the store CAS and,
// if this caller won the transition, publishes the terminal event.
func (o *Orchestrator) finish(ctx context.Context, ar *activeRun, dead *supervisor.Dead) {
	upd, event := terminalFor(ar.runID, dead)

	applied, err := o.runs.UpdateIfStatus(ctx, ar.runID, models.StatusRunning, upd)
	for attempt := 1; err != nil && attempt < terminalWriteAttempts; attempt++ {
		slog.Warn("Terminal transition failed, retrying", "run_id", ar.runID,
			"reason", dead.Reason, "attempt", attempt, "error", err)
		time.Sleep(terminalWriteBackoff)
		applied, err = o.runs.UpdateIfStatus(ctx, ar.runID, models.StatusRunning, upd)
	}
	if err != nil {
		slog.Error("Terminal transition failed, record stays running until the next sweep",
			"run_id", ar.runID, "reason", dead.Reason, "error", err)
		// The bus subscribers still need closure even after exhausting the
		// retries; fall through and publish.
		applied = true
	}
	if !applied {
		slog.Warn("Terminal transition lost the status race, not publishing",
			"run_id", ar.runID, "reason", dead.Reason)
		return
	}

	slog.Info("Run finished", "run_id", ar.runID, "status", upd.Status, "reason", dead.Reason)
	o.events.Publish(ar.runID, event)
}

// terminalFor maps a supervisor death onto the stored transition and the
// terminal bus event.
func terminalFor(runID string, dead *supervisor.Dead) (store.TerminalUpdate, bus.Event) {
	now := time.Now()

	fail := func(message, details string) (store.TerminalUpdate, bus.Event) {
		runErr := models.RunError{Message: message, Details: details, Timestamp: now}
		return store.TerminalUpdate{
			Status:      models.StatusFailed,
			CompletedAt: now,
			Error:       &runErr,
		}, bus.NewFailedEvent(runID, runErr)
	}

	switch dead.Reason {
	case supervisor.ReasonWorkerTerminal:
		if dead.Complete != nil {
			summary := dead.Complete.Summary()
			return store.TerminalUpdate{
				Status:      models.StatusCompleted,
				CompletedAt: now,
				Summary:     &summary,
			}, bus.NewCompletedEvent(runID, summary)
		}
		msg, details := "load generation failed", ""
		if dead.WorkerError != nil {
			msg = dead.WorkerError.Message
			details = dead.WorkerError.Details
		}
		return fail(msg, details)

	case supervisor.ReasonStopRequested:
		return store.TerminalUpdate{
			Status:      models.StatusStopped,
			CompletedAt: now,
		}, bus.NewStoppedEvent(runID)

	case supervisor.ReasonTimeout:
		return fail("run exceeded the worker timeout", "")

	case supervisor.ReasonSpawnFailed:
		return fail("worker process could not be started", errDetails(dead.Err))

	case supervisor.ReasonExitNonzero:
		return fail("worker process exited unexpectedly", errDetails(dead.Err))

	case supervisor.ReasonExitZeroWithoutTerminal:
		return fail("worker process exited without reporting a result", "")

	default:
		return fail(fmt.Sprintf("worker died: %s", dead.Reason), errDetails(dead.Err))
	}
}

func errDetails(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// clampProgress keeps the cumulative counters monotone across snapshots.
// Rate and latency fields are taken as reported.
func clampProgress(prev, next models.ProgressMetrics) models.ProgressMetrics {
	if next.TotalRequests < prev.TotalRequests {
		next.TotalRequests = prev.TotalRequests
	}
	if next.SuccessfulRequests < prev.SuccessfulRequests {
		next.SuccessfulRequests = prev.SuccessfulRequests
	}
	if next.FailedRequests < prev.FailedRequests {
		next.FailedRequests = prev.FailedRequests
	}
	if next.ElapsedTime < prev.ElapsedTime {
		next.ElapsedTime = prev.ElapsedTime
	}
	return next
}

// deregister removes a run from the registry.
func (o *Orchestrator) deregister(runID string) {
	o.mu.Lock()
	delete(o.active, runID)
	o.mu.Unlock()
}
