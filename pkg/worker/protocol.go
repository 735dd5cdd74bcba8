// Package worker implements the parent↔worker message protocol and the
// reference load generator.
//
// Frames are newline-delimited JSON over the child's stdio. The parent
// writes exactly one start frame; the child answers with zero or more
// progress and log frames followed by exactly one terminal frame (complete
// or error), then exits. Unknown frame types are rejected.
package worker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/loadpilot/loadpilot/pkg/models"
)

// Frame type discriminators.
const (
	TypeStart    = "start"
	TypeProgress = "progress"
	TypeLog      = "log"
	TypeComplete = "complete"
	TypeError    = "error"
)

// maxFrameSize bounds a single frame line. Start frames carry inline
// attachment bytes, so the limit is generous.
const maxFrameSize = 16 << 20

// Start is the single parent → child message.
type Start struct {
	Spec models.ResolvedSpec `json:"spec"`
}

// Log is a worker log line.
type Log struct {
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"` // RFC3339Nano
}

// Complete is the worker's successful terminal payload.
type Complete struct {
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

// Summary converts the payload into the run summary stored on completion.
func (c Complete) Summary() models.RunSummary {
	return models.RunSummary{
		TotalRequests:      c.TotalRequests,
		SuccessfulRequests: c.SuccessfulRequests,
		FailedRequests:     c.FailedRequests,
		AverageRPS:         c.AverageRPS,
		P50Latency:         c.P50Latency,
		P95Latency:         c.P95Latency,
		P99Latency:         c.P99Latency,
		ErrorRate:          c.ErrorRate,
		Duration:           c.Duration,
	}
}

// Error is the worker's failure terminal payload.
type Error struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// Message is one child → parent frame: a discriminated union over Type.
// Exactly one payload pointer is set.
type Message struct {
	Type     string
	Progress *models.ProgressMetrics
	Log      *Log
	Complete *Complete
	Error    *Error
}

// Terminal reports whether the message ends the worker's output.
func (m Message) Terminal() bool {
	return m.Type == TypeComplete || m.Type == TypeError
}

// Decoder reads frames from a child's stdout.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a Decoder over r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &Decoder{scanner: scanner}
}

// Decode reads the next message. Returns io.EOF when the stream ends, or an
// error for malformed or unknown frames.
func (d *Decoder) Decode() (Message, error) {
	for d.scanner.Scan() {
		line := d.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		return decodeLine(line)
	}
	if err := d.scanner.Err(); err != nil {
		return Message{}, fmt.Errorf("read frame: %w", err)
	}
	return Message{}, io.EOF
}

// decodeLine parses one NDJSON line into a typed message.
func decodeLine(line []byte) (Message, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		return Message{}, fmt.Errorf("malformed frame: %w", err)
	}

	switch envelope.Type {
	case TypeProgress:
		var p models.ProgressMetrics
		if err := json.Unmarshal(line, &p); err != nil {
			return Message{}, fmt.Errorf("malformed progress frame: %w", err)
		}
		return Message{Type: TypeProgress, Progress: &p}, nil
	case TypeLog:
		var l Log
		if err := json.Unmarshal(line, &l); err != nil {
			return Message{}, fmt.Errorf("malformed log frame: %w", err)
		}
		return Message{Type: TypeLog, Log: &l}, nil
	case TypeComplete:
		var c Complete
		if err := json.Unmarshal(line, &c); err != nil {
			return Message{}, fmt.Errorf("malformed complete frame: %w", err)
		}
		return Message{Type: TypeComplete, Complete: &c}, nil
	case TypeError:
		var e Error
		if err := json.Unmarshal(line, &e); err != nil {
			return Message{}, fmt.Errorf("malformed error frame: %w", err)
		}
		return Message{Type: TypeError, Error: &e}, nil
	case "":
		return Message{}, fmt.Errorf("frame missing type")
	default:
		return Message{}, fmt.Errorf("unknown frame type %q", envelope.Type)
	}
}

// ReadStart reads the single start frame a child expects on stdin.
func ReadStart(r io.Reader) (*Start, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read start frame: %w", err)
		}
		return nil, io.EOF
	}

	var f struct {
		Type string               `json:"type"`
		Spec *models.ResolvedSpec `json:"spec"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &f); err != nil {
		return nil, fmt.Errorf("malformed start frame: %w", err)
	}
	if f.Type != TypeStart {
		return nil, fmt.Errorf("expected start frame, got %q", f.Type)
	}
	if f.Spec == nil {
		return nil, fmt.Errorf("start frame missing spec")
	}
	return &Start{Spec: *f.Spec}, nil
}

// Encoder writes frames, one JSON object per line. Safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewEncoder creates an Encoder over w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// EncodeStart writes the parent's start frame.
func (e *Encoder) EncodeStart(spec models.ResolvedSpec) error {
	return e.write(map[string]any{"type": TypeStart, "spec": spec})
}

// EncodeProgress writes a progress frame.
func (e *Encoder) EncodeProgress(p models.ProgressMetrics) error {
	return e.write(struct {
		Type string `json:"type"`
		models.ProgressMetrics
	}{TypeProgress, p})
}

// EncodeLog writes a log frame.
func (e *Encoder) EncodeLog(l Log) error {
	return e.write(struct {
		Type string `json:"type"`
		Log
	}{TypeLog, l})
}

// EncodeComplete writes the successful terminal frame.
func (e *Encoder) EncodeComplete(c Complete) error {
	return e.write(struct {
		Type string `json:"type"`
		Complete
	}{TypeComplete, c})
}

// EncodeError writes the failure terminal frame.
func (e *Encoder) EncodeError(errMsg Error) error {
	return e.write(struct {
		Type string `json:"type"`
		Error
	}{TypeError, errMsg})
}

func (e *Encoder) write(v any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(v); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
