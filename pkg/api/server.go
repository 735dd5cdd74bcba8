// Package api exposes the control plane over HTTP and WebSocket.
package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/loadpilot/loadpilot/pkg/bus"
	"github.com/loadpilot/loadpilot/pkg/orchestrator"
	"github.com/loadpilot/loadpilot/pkg/store"
)

// Server wires the HTTP handlers to the orchestrator, run store and event
// bus.
type Server struct {
	orch        *orchestrator.Orchestrator
	runs        store.RunStore
	connManager *ConnectionManager
}

// NewServer creates an API server.
func NewServer(orch *orchestrator.Orchestrator, runs store.RunStore, events *bus.Bus) *Server {
	return &Server{
		orch:        orch,
		runs:        runs,
		connManager: NewConnectionManager(events),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.health)
	r.GET("/ws", s.handleWS)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/runs/:specId", s.startRun)
		v1.GET("/runs", s.listRuns)
		v1.GET("/runs/active", s.listActiveRuns)
		v1.GET("/runs/:id", s.getRun)
		v1.GET("/runs/:id/csv", s.exportRunCSV)
		v1.DELETE("/runs/:id", s.stopRun)
		v1.DELETE("/runs/:id/delete", s.deleteRun)
	}

	return r
}

// handleWS upgrades the connection and hands it to the ConnectionManager,
// blocking until the client disconnects.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// Single-operator tool: accept all origins.
		InsecureSkipVerify: true,
	})
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	s.connManager.HandleConnection(c.Request.Context(), conn)
}
