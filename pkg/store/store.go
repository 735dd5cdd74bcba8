// Package store persists run records and test specs.
//
// Terminal run transitions go through UpdateIfStatus, a compare-and-swap on
// the status column. That CAS is the only guard against double-termination
// (worker completion racing a stop, a timeout or an exit), so every caller
// that wants to finish a run must use it and honor the applied result.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/loadpilot/loadpilot/pkg/models"
)

var (
	// ErrNotFound is returned when a run or spec does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateID is returned by CreateRun when the id already exists.
	ErrDuplicateID = errors.New("duplicate id")
)

// TerminalUpdate describes a running → terminal transition. Status must be
// terminal; Summary is set only with StatusCompleted and Error only with
// StatusFailed.
type TerminalUpdate struct {
	Status      models.RunStatus
	CompletedAt time.Time
	Summary     *models.RunSummary
	Error       *models.RunError
}

// RunStore is the persistent mapping runID → RunRecord.
type RunStore interface {
	// CreateRun inserts a new record. Fails with ErrDuplicateID if the id
	// exists.
	CreateRun(ctx context.Context, rec *models.RunRecord) error

	// GetRun returns the record for a run, or ErrNotFound.
	GetRun(ctx context.Context, runID string) (*models.RunRecord, error)

	// ListRuns returns up to limit records, newest first.
	ListRuns(ctx context.Context, limit int) ([]*models.RunRecord, error)

	// UpdateProgress stores the latest progress snapshot while the run is
	// still running. Best-effort: a snapshot that races a terminal
	// transition is silently skipped.
	UpdateProgress(ctx context.Context, runID string, p models.ProgressMetrics) error

	// UpdateIfStatus applies upd only when the current status equals
	// expected. Returns whether the mutation was applied.
	UpdateIfStatus(ctx context.Context, runID string, expected models.RunStatus, upd TerminalUpdate) (bool, error)

	// DeleteRun removes a record. The caller is responsible for the
	// terminal-only guard.
	DeleteRun(ctx context.Context, runID string) error

	// SweepRunning marks every record still in running state as failed
	// with the given error message. Called once at startup: in-flight runs
	// do not survive an orchestrator restart.
	SweepRunning(ctx context.Context, message string) (int, error)
}

// SpecStore is the read surface the core needs for test specs. Put exists
// for seeding and tests; the spec CRUD surface proper lives elsewhere.
type SpecStore interface {
	GetSpec(ctx context.Context, specID string) (*models.Spec, error)
	PutSpec(ctx context.Context, spec *models.Spec) error
}
