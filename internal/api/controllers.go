package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// health reports "degraded" while any breaker is open or the overlay has
// stopped new entries; the status code stays 200 so probes only fail when the
// process is down.
func (s *Server) health(c *gin.Context) {
	ctx := c.Request.Context()
	status := "ok"
	var open []string
	for _, b := range s.d.Engine.Breakers(ctx) {
		if b.IsOpen {
			open = append(open, b.Name)
		}
	}
	overlay := s.d.Engine.Overlay(ctx)
	if len(open) > 0 || overlay.Mode.BlocksEntries() {
		status = "degraded"
	}

	body := gin.H{
		"status":        status,
		"open_breakers": open,
		"overlay_mode":  overlay.Mode,
	}
	if s.d.Health != nil {
		body["venue"] = s.d.Health.Snapshot()
	}
	if s.d.Tasks != nil {
		body["tasks"] = s.d.Tasks.Status()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.d.Engine.Status(c.Request.Context()))
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, s.d.Engine.Positions(c.Request.Context()))
}

func (s *Server) getInventory(c *gin.Context) {
	c.JSON(http.StatusOK, s.d.Engine.Inventory(c.Request.Context()))
}

func (s *Server) getReconciliation(c *gin.Context) {
	res := s.d.Engine.Reconciliation(c.Request.Context())
	if res == nil {
		respondError(c, http.StatusNotFound, "not_ready", "no reconciliation pass has completed yet")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, s.d.Engine.Breakers(c.Request.Context()))
}

func (s *Server) getOverlay(c *gin.Context) {
	c.JSON(http.StatusOK, s.d.Engine.Overlay(c.Request.Context()))
}

func (s *Server) getLastCycle(c *gin.Context) {
	rep := s.d.Engine.LastCycle(c.Request.Context())
	if rep == nil {
		respondError(c, http.StatusNotFound, "not_ready", "no cycle has run yet")
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (s *Server) getTasks(c *gin.Context) {
	if s.d.Tasks == nil {
		c.JSON(http.StatusOK, []any{})
		return
	}
	c.JSON(http.StatusOK, s.d.Tasks.Status())
}
