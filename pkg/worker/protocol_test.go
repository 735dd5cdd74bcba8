package worker

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loadpilot/loadpilot/pkg/models"
)

func TestDecodeFrameSequence(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"progress","currentRps":10.5,"totalRequests":42,"successfulRequests":40,"failedRequests":2,"averageLatency":12.3,"elapsedTime":4.0}`,
		``, // blank lines are skipped
		`{"type":"log","message":"ramping up","timestamp":"2026-08-24T10:00:00.000Z"}`,
		`{"type":"complete","totalRequests":100,"successfulRequests":98,"failedRequests":2,"averageRps":25.0,"p50Latency":10,"p95Latency":50,"p99Latency":90,"errorRate":2.0,"duration":4.0}`,
	}, "\n")

	dec := NewDecoder(strings.NewReader(input))

	msg, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, TypeProgress, msg.Type)
	assert.False(t, msg.Terminal())
	require.NotNil(t, msg.Progress)
	assert.Equal(t, int64(42), msg.Progress.TotalRequests)
	assert.InDelta(t, 10.5, msg.Progress.CurrentRPS, 1e-9)

	msg, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, TypeLog, msg.Type)
	assert.Equal(t, "ramping up", msg.Log.Message)

	msg, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, TypeComplete, msg.Type)
	assert.True(t, msg.Terminal())
	require.NotNil(t, msg.Complete)
	assert.Equal(t, int64(100), msg.Complete.TotalRequests)

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"type":"telemetry"}`))
	_, err := dec.Decode()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown frame type")
}

func TestDecodeRejectsMissingType(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"message":"no type"}`))
	_, err := dec.Decode()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing type")
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"type":"progress",`))
	_, err := dec.Decode()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "malformed frame")
}

func TestDecodeToleratesUnknownFields(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"type":"progress","totalRequests":5,"futureField":true}`))
	msg, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, int64(5), msg.Progress.TotalRequests)
}

func TestStartFrameRoundTrip(t *testing.T) {
	spec := models.ResolvedSpec{
		Spec: models.Spec{
			ID:   "spec-1",
			Name: "checkout flow",
			Request: models.RequestConfig{
				Method: "POST",
				URL:    "https://example.com/checkout",
				Body:   `{"cart":"abc"}`,
			},
			LoadProfile: models.LoadProfile{RampUp: 5, Users: 10, Steady: 30, RampDown: 5},
		},
		Attachment: []byte("payload-bytes"),
	}

	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).EncodeStart(spec))

	start, err := ReadStart(&buf)
	require.NoError(t, err)
	assert.Equal(t, "spec-1", start.Spec.ID)
	assert.Equal(t, 10, start.Spec.LoadProfile.Users)
	assert.Equal(t, []byte("payload-bytes"), start.Spec.Attachment)
}

func TestReadStartRejectsWrongType(t *testing.T) {
	_, err := ReadStart(strings.NewReader(`{"type":"progress"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected start frame")
}

func TestReadStartRejectsMissingSpec(t *testing.T) {
	_, err := ReadStart(strings.NewReader(`{"type":"start"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing spec")
}

func TestEncoderFramesAreDecodable(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	require.NoError(t, enc.EncodeProgress(models.ProgressMetrics{TotalRequests: 1}))
	require.NoError(t, enc.EncodeLog(Log{Message: "hello", Timestamp: "2026-08-24T10:00:00Z"}))
	require.NoError(t, enc.EncodeError(Error{Message: "target unreachable", Details: "connection refused"}))

	dec := NewDecoder(&buf)

	msg, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, TypeProgress, msg.Type)

	msg, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, TypeLog, msg.Type)
	assert.Equal(t, "hello", msg.Log.Message)

	msg, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, TypeError, msg.Type)
	assert.True(t, msg.Terminal())
	assert.Equal(t, "target unreachable", msg.Error.Message)
	assert.Equal(t, "connection refused", msg.Error.Details)
}

func TestCompleteSummaryConversion(t *testing.T) {
	c := Complete{
		TotalRequests:      100,
		SuccessfulRequests: 95,
		FailedRequests:     5,
		AverageRPS:         20.0,
		P50Latency:         11.0,
		P95Latency:         80.0,
		P99Latency:         140.0,
		ErrorRate:          5.0,
		Duration:           5.0,
	}
	s := c.Summary()
	assert.Equal(t, int64(100), s.TotalRequests)
	assert.Equal(t, int64(95), s.SuccessfulRequests)
	assert.InDelta(t, 80.0, s.P95Latency, 1e-9)
	assert.InDelta(t, 5.0, s.ErrorRate, 1e-9)
}
