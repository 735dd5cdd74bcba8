// Package models defines the domain types shared across the control plane:
// test specs, run records, progress metrics, and run summaries.
package models

import "time"

// RunStatus is the lifecycle state of a run.
// The only legal transitions are running → completed | stopped | failed.
type RunStatus string

// Run status constants.
const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusStopped   RunStatus = "stopped"
	StatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case StatusRunning, StatusCompleted, StatusStopped, StatusFailed:
		return true
	}
	return false
}

// ProgressMetrics is the latest progress snapshot reported by a worker.
// TotalRequests, SuccessfulRequests, FailedRequests and ElapsedTime are
// monotone: the orchestrator never persists a decrease.
type ProgressMetrics struct {
	CurrentRPS         float64 `json:"currentRps"`
	TotalRequests      int64   `json:"totalRequests"`
	SuccessfulRequests int64   `json:"successfulRequests"`
	FailedRequests     int64   `json:"failedRequests"`
	AverageLatency     float64 `json:"averageLatency"`
	ElapsedTime        float64 `json:"elapsedTime"`
}

// RunSummary is the final result of a completed run.
// Present iff the run status is completed.
type RunSummary struct {
	TotalRequests      int64   `json:"totalRequests"`
	SuccessfulRequests int64   `json:"successfulRequests"`
	FailedRequests     int64   `json:"failedRequests"`
	AverageRPS         float64 `json:"averageRps"`
	P50Latency         float64 `json:"p50Latency"`
	P95Latency         float64 `json:"p95Latency"`
	P99Latency         float64 `json:"p99Latency"`
	ErrorRate          float64 `json:"errorRate"`
	Duration           float64 `json:"duration"`
}

// RunError describes why a run failed. Present iff the run status is failed.
type RunError struct {
	Message   string    `json:"message"`
	Details   string    `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RunRecord is the durable state of a single run.
// Mutated only by the orchestrator; terminal transitions go through the
// store's compare-and-swap on status.
type RunRecord struct {
	ID          string           `json:"id"`
	SpecID      string           `json:"specId"`
	SpecName    string           `json:"specName,omitempty"`
	Status      RunStatus        `json:"status"`
	StartedAt   time.Time        `json:"startedAt"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
	Progress    *ProgressMetrics `json:"progress,omitempty"`
	Summary     *RunSummary      `json:"summary,omitempty"`
	Error       *RunError        `json:"error,omitempty"`
}

// ActiveRun is a live-run listing entry derived from the supervisor
// registry, not the store.
type ActiveRun struct {
	RunID          string    `json:"runId"`
	SpecID         string    `json:"specId"`
	StartedAt      time.Time `json:"startedAt"`
	ElapsedSeconds float64   `json:"elapsedSeconds"`
}
