package bus

import (
	"time"

	"github.com/loadpilot/loadpilot/pkg/models"
)

// Event type constants. Exactly one terminal event (completed, failed or
// stopped) is published per run, and it is always the last event.
const (
	EventTypeProgress  = "progress"
	EventTypeLog       = "log"
	EventTypeCompleted = "completed"
	EventTypeFailed    = "failed"
	EventTypeStopped   = "stopped"
)

// LogPayload is the payload of a log event.
type LogPayload struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// Event is a single run event delivered to subscribers. The Type field
// discriminates which payload pointer is set.
type Event struct {
	Type      string                  `json:"type"`
	RunID     string                  `json:"runId"`
	Timestamp string                  `json:"timestamp"` // RFC3339Nano
	Progress  *models.ProgressMetrics `json:"progress,omitempty"`
	Log       *LogPayload             `json:"log,omitempty"`
	Summary   *models.RunSummary      `json:"summary,omitempty"`
	Error     *models.RunError        `json:"error,omitempty"`
}

// Terminal reports whether the event ends its run's stream.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventTypeCompleted, EventTypeFailed, EventTypeStopped:
		return true
	}
	return false
}

// NewProgressEvent builds a progress event for a run.
func NewProgressEvent(runID string, p models.ProgressMetrics) Event {
	return Event{
		Type:      EventTypeProgress,
		RunID:     runID,
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Progress:  &p,
	}
}

// NewLogEvent builds a log event for a run.
func NewLogEvent(runID, message string) Event {
	now := time.Now().Format(time.RFC3339Nano)
	return Event{
		Type:      EventTypeLog,
		RunID:     runID,
		Timestamp: now,
		Log:       &LogPayload{Message: message, Timestamp: now},
	}
}

// NewCompletedEvent builds the terminal event for a successful run.
func NewCompletedEvent(runID string, s models.RunSummary) Event {
	return Event{
		Type:      EventTypeCompleted,
		RunID:     runID,
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Summary:   &s,
	}
}

// NewFailedEvent builds the terminal event for a failed run.
func NewFailedEvent(runID string, e models.RunError) Event {
	return Event{
		Type:      EventTypeFailed,
		RunID:     runID,
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Error:     &e,
	}
}

// NewStoppedEvent builds the terminal event for an operator-stopped run.
func NewStoppedEvent(runID string) Event {
	return Event{
		Type:      EventTypeStopped,
		RunID:     runID,
		Timestamp: time.Now().Format(time.RFC3339Nano),
	}
}
