package api

import (
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loadpilot/loadpilot/pkg/models"
	"github.com/loadpilot/loadpilot/pkg/orchestrator"
	"github.com/loadpilot/loadpilot/pkg/store"
	"github.com/loadpilot/loadpilot/pkg/version"
)

// listRunsLimit caps the run history listing.
const listRunsLimit = 100

// startRun handles POST /api/v1/runs/:specId.
func (s *Server) startRun(c *gin.Context) {
	runID, err := s.orch.StartRun(c.Request.Context(), c.Param("specId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"runId": runID})
}

// stopRun handles DELETE /api/v1/runs/:id. Stopping an already-terminal run
// succeeds as a no-op.
func (s *Server) stopRun(c *gin.Context) {
	if err := s.orch.StopRun(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// deleteRun handles DELETE /api/v1/runs/:id/delete. Only terminal runs can
// be deleted.
func (s *Server) deleteRun(c *gin.Context) {
	if err := s.orch.DeleteRun(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// listRuns handles GET /api/v1/runs: run history, newest first.
func (s *Server) listRuns(c *gin.Context) {
	runs, err := s.runs.ListRuns(c.Request.Context(), listRunsLimit)
	if err != nil {
		respondError(c, fmt.Errorf("list runs: %w", err))
		return
	}
	if runs == nil {
		runs = []*models.RunRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// listActiveRuns handles GET /api/v1/runs/active: live runs from the
// supervisor registry.
func (s *Server) listActiveRuns(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"activeRuns": s.orch.ListActive()})
}

// getRun handles GET /api/v1/runs/:id.
func (s *Server) getRun(c *gin.Context) {
	rec, err := s.runs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, orchestrator.ErrRunNotFound)
			return
		}
		respondError(c, fmt.Errorf("get run: %w", err))
		return
	}
	c.JSON(http.StatusOK, rec)
}

// csvHeader is the fixed column set of the results export.
var csvHeader = []string{
	"Run ID",
	"Spec Name",
	"Status",
	"Started At",
	"Completed At",
	"Total Requests",
	"Successful Requests",
	"Failed Requests",
	"Average RPS",
	"P50 Latency (ms)",
	"P95 Latency (ms)",
	"P99 Latency (ms)",
	"Error Rate (%)",
	"Duration (s)",
}

// exportRunCSV handles GET /api/v1/runs/:id/csv. Only runs with a summary
// (completed runs) can be exported.
func (s *Server) exportRunCSV(c *gin.Context) {
	rec, err := s.runs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			respondError(c, orchestrator.ErrRunNotFound)
			return
		}
		respondError(c, fmt.Errorf("get run: %w", err))
		return
	}
	if rec.Summary == nil {
		c.JSON(http.StatusBadRequest, errorBody{codeNoSummary, "run has no summary to export"})
		return
	}

	completedAt := ""
	if rec.CompletedAt != nil {
		completedAt = rec.CompletedAt.UTC().Format("2006-01-02 15:04:05")
	}
	row := []string{
		rec.ID,
		rec.SpecName,
		string(rec.Status),
		rec.StartedAt.UTC().Format("2006-01-02 15:04:05"),
		completedAt,
		strconv.FormatInt(rec.Summary.TotalRequests, 10),
		strconv.FormatInt(rec.Summary.SuccessfulRequests, 10),
		strconv.FormatInt(rec.Summary.FailedRequests, 10),
		formatFloat(rec.Summary.AverageRPS),
		formatFloat(rec.Summary.P50Latency),
		formatFloat(rec.Summary.P95Latency),
		formatFloat(rec.Summary.P99Latency),
		formatFloat(rec.Summary.ErrorRate),
		formatFloat(rec.Summary.Duration),
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "run-"+rec.ID+".csv"))
	w := csv.NewWriter(c.Writer)
	_ = w.Write(csvHeader)
	_ = w.Write(row)
	w.Flush()
}

// formatFloat renders metric values without float noise; round-trips back
// to the same float64.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// health handles GET /healthz.
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "healthy",
		"version":     version.Full(),
		"active_runs": s.orch.ActiveCount(),
	})
}
