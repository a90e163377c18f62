package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

func (s *Server) statusAll(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"nodes": s.manager.StatusAll()})
}

func (s *Server) metricsSnapshot(c echo.Context) error {
	snap := s.registry.Snapshot(s.manager.QueueDepth(), s.probe.Sample())
	return c.JSON(http.StatusOK, snap)
}
