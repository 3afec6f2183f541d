package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/UBCore/internal/dispatcher"
	"github.com/gin-gonic/gin"
)

// Health is the result of GET /healthz.
type Health struct {
	Mode     string `json:"mode"`
	Uptime   string `json:"uptime"`
	Commands int    `json:"commands"`
	Tasks    int    `json:"tasks"`
}

func (s *Server) healthHandler(c *gin.Context) {
	writeOK(c, Health{
		Mode:     string(s.cfg.Mode()),
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Commands: s.d.Commands().Len(),
		Tasks:    len(s.d.Tasks().List()),
	})
}

func (s *Server) commandsHandler(c *gin.Context) {
	writeOK(c, s.d.Commands().List())
}

func (s *Server) tasksHandler(c *gin.Context) {
	writeOK(c, s.d.Tasks().List())
}

func (s *Server) cancelTaskHandler(c *gin.Context) {
	id := c.Param("id")
	n, err := s.d.Cancel(id)
	if errors.Is(err, dispatcher.ErrTaskNotFound) {
		writeError(c, http.StatusNotFound, "task not found: "+id)
		return
	}
	if err != nil {
		slog.Error("Server.cancelTaskHandler: cancel failed", "task_id", id, "error", err)
		writeError(c, http.StatusInternalServerError, "failed to cancel task")
		return
	}
	slog.Info("Server.cancelTaskHandler: task cancelled", "task_id", id, "count", n)
	writeOK(c, gin.H{"task_id": id, "cancelled": n})
}

func (s *Server) conversationsHandler(c *gin.Context) {
	writeOK(c, s.d.Conversations().Snapshot())
}
