package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/huykuka/lidargraph/internal/config"
)

func (s *Server) exportConfig(c echo.Context) error {
	graph, err := config.Export(s.store)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, graph)
}

func (s *Server) importConfig(c echo.Context) error {
	var graph config.Graph
	if err := c.Bind(&graph); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	merge, _ := strconv.ParseBool(c.QueryParam("merge"))
	if err := config.Import(s.store, graph, merge); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.manager.Reload()
	return c.JSON(http.StatusOK, map[string]any{"imported": true, "merge": merge})
}

func (s *Server) validateConfig(c echo.Context) error {
	var graph config.Graph
	if err := c.Bind(&graph); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	issues := config.Validate(graph)
	return c.JSON(http.StatusOK, map[string]any{
		"valid":  len(issues) == 0,
		"issues": issues,
	})
}
