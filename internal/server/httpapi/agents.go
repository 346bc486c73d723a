package httpapi

import (
	"github.com/gin-gonic/gin"

	"cortex/internal/agentview"
)

// handleAgents is the plain snapshot route, also serving as the
// polling fallback target when a client's SSE connection dies for
// good.
func (s *Server) handleAgents(c *gin.Context) {
	ctx := c.Request.Context()
	sessions, source := s.fetchView(ctx)
	summary := agentview.Summarize(sessions)

	ok(c, gin.H{
		"sessions":    sessions,
		"nodes":       agentview.MapSessionsToNodes(sessions),
		"summary":     summary,
		"activeCount": summary.Running,
		"source":      source,
		"gateway":     s.gw.CheckHealth(ctx),
	})
}
