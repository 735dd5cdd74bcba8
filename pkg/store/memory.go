package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loadpilot/loadpilot/pkg/models"
)

// MemoryStore is an in-memory RunStore and SpecStore. Used by tests and by
// dev mode (DB_DISABLED); nothing survives a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	runs  map[string]*models.RunRecord
	specs map[string]*models.Spec
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]*models.RunRecord),
		specs: make(map[string]*models.Spec),
	}
}

// CreateRun inserts a new record.
func (m *MemoryStore) CreateRun(_ context.Context, rec *models.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[rec.ID]; exists {
		return ErrDuplicateID
	}
	m.runs[rec.ID] = cloneRun(rec)
	return nil
}

// GetRun returns a copy of the record.
func (m *MemoryStore) GetRun(_ context.Context, runID string) (*models.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRun(rec), nil
}

// ListRuns returns up to limit records, newest first.
func (m *MemoryStore) ListRuns(_ context.Context, limit int) ([]*models.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	recs := make([]*models.RunRecord, 0, len(m.runs))
	for _, rec := range m.runs {
		recs = append(recs, cloneRun(rec))
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].StartedAt.After(recs[j].StartedAt)
	})
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

// UpdateProgress stores the snapshot if the run is still running.
func (m *MemoryStore) UpdateProgress(_ context.Context, runID string, p models.ProgressMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != models.StatusRunning {
		return nil
	}
	progress := p
	rec.Progress = &progress
	return nil
}

// UpdateIfStatus applies upd when the current status equals expected.
func (m *MemoryStore) UpdateIfStatus(_ context.Context, runID string, expected models.RunStatus, upd TerminalUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.runs[runID]
	if !ok {
		return false, ErrNotFound
	}
	if rec.Status != expected {
		return false, nil
	}
	rec.Status = upd.Status
	completedAt := upd.CompletedAt
	rec.CompletedAt = &completedAt
	if upd.Summary != nil {
		summary := *upd.Summary
		rec.Summary = &summary
	}
	if upd.Error != nil {
		runErr := *upd.Error
		rec.Error = &runErr
	}
	return true, nil
}

// DeleteRun removes a record.
func (m *MemoryStore) DeleteRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[runID]; !ok {
		return ErrNotFound
	}
	delete(m.runs, runID)
	return nil
}

// SweepRunning marks all running records as failed.
func (m *MemoryStore) SweepRunning(_ context.Context, message string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	swept := 0
	for _, rec := range m.runs {
		if rec.Status != models.StatusRunning {
			continue
		}
		now := time.Now()
		rec.Status = models.StatusFailed
		rec.CompletedAt = &now
		rec.Error = &models.RunError{Message: message, Timestamp: now}
		swept++
	}
	return swept, nil
}

// GetSpec returns a copy of the spec.
func (m *MemoryStore) GetSpec(_ context.Context, specID string) (*models.Spec, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	spec, ok := m.specs[specID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *spec
	return &copied, nil
}

// PutSpec inserts or replaces a spec.
func (m *MemoryStore) PutSpec(_ context.Context, spec *models.Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *spec
	m.specs[spec.ID] = &copied
	return nil
}

// cloneRun deep-copies a record so callers never share pointers with the
// store's internal state.
func cloneRun(rec *models.RunRecord) *models.RunRecord {
	copied := *rec
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		copied.CompletedAt = &t
	}
	if rec.Progress != nil {
		p := *rec.Progress
		copied.Progress = &p
	}
	if rec.Summary != nil {
		s := *rec.Summary
		copied.Summary = &s
	}
	if rec.Error != nil {
		e := *rec.Error
		copied.Error = &e
	}
	return &copied
}
