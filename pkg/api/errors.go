package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/loadpilot/loadpilot/pkg/orchestrator"
	"github.com/loadpilot/loadpilot/pkg/specs"
)

// errorBody is the uniform error response shape.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Stable error codes carried in the "error" field.
const (
	codeSpecNotFound      = "spec_not_found"
	codeSpecInvalid       = "spec_invalid"
	codeCapacityExhausted = "capacity_exhausted"
	codeRunNotFound       = "run_not_found"
	codeStillRunning      = "still_running"
	codeNoSummary         = "no_summary"
	codeStoreError        = "store_error"
)

// respondError maps a service-layer error onto an HTTP status and stable
// error code.
func respondError(c *gin.Context, err error) {
	var invalid *specs.InvalidSpecError
	switch {
	case errors.Is(err, specs.ErrSpecNotFound):
		c.JSON(http.StatusNotFound, errorBody{codeSpecNotFound, err.Error()})
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, errorBody{codeSpecInvalid, invalid.Error()})
	case errors.Is(err, orchestrator.ErrCapacityExhausted):
		c.JSON(http.StatusTooManyRequests, errorBody{codeCapacityExhausted, "too many concurrent runs, retry later"})
	case errors.Is(err, orchestrator.ErrRunNotFound):
		c.JSON(http.StatusNotFound, errorBody{codeRunNotFound, err.Error()})
	case errors.Is(err, orchestrator.ErrRunStillRunning):
		c.JSON(http.StatusBadRequest, errorBody{codeStillRunning, "stop the run before deleting its record"})
	case errors.Is(err, orchestrator.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, errorBody{codeStoreError, err.Error()})
	default:
		slog.Error("Unexpected service error", "error", err)
		c.JSON(http.StatusInternalServerError, errorBody{codeStoreError, "internal server error"})
	}
}
