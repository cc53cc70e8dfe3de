// Package api exposes a thin operator-facing admin surface over a running
// session: status, manual checkpoint triggering, and usage totals.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/agentrt/aca/pkg/persistence"
	"github.com/agentrt/aca/pkg/session"
)

// Server wraps a gin.Engine bound to one session.Manager.
type Server struct {
	engine *gin.Engine
	mgr    *session.Manager
}

// NewServer builds the admin API router. Every handler is wrapped with
// otelhttp instrumentation so request spans/metrics flow into whatever
// OpenTelemetry exporter the operator configures.
func NewServer(mgr *session.Manager) *Server {
	engine := gin.Default()
	s := &Server{engine: engine, mgr: mgr}

	engine.GET("/health", s.health)
	engine.GET("/status", s.status)
	engine.POST("/checkpoint", s.createCheckpoint)
	engine.GET("/usage", s.usage)

	return s
}

// Handler returns an http.Handler with OpenTelemetry instrumentation
// applied, suitable for http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.engine, "aca-admin-api")
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "session_id": s.mgr.ID()})
}

func (s *Server) status(c *gin.Context) {
	stats := s.mgr.Tasks().Tree().Stats()
	c.JSON(http.StatusOK, gin.H{
		"session_id": s.mgr.ID(),
		"tasks": gin.H{
			"total":       stats.Total,
			"pending":     stats.Pending,
			"in_progress": stats.InProgress,
			"blocked":     stats.Blocked,
			"completed":   stats.Completed,
			"failed":      stats.Failed,
			"skipped":     stats.Skipped,
		},
	})
}

func (s *Server) createCheckpoint(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "api.create_checkpoint")
	defer span.End()

	info, err := s.mgr.CreateCheckpoint("operator-triggered checkpoint",
		persistence.CheckpointTrigger{Kind: persistence.TriggerManual})
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if checkpointCounter != nil {
		checkpointCounter.Add(ctx, 1)
	}
	c.JSON(http.StatusCreated, gin.H{"checkpoint_id": info.ID, "task_count": info.TaskCount})
}

func (s *Server) usage(c *gin.Context) {
	total := s.mgr.Usage().Total()
	c.JSON(http.StatusOK, gin.H{
		"total_tokens":   total.TotalTokens,
		"total_requests": total.TotalRequests,
		"total_cost":     total.TotalCost,
	})
}
