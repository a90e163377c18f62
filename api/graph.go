package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/huykuka/lidargraph/internal/config"
	"github.com/huykuka/lidargraph/internal/db"
)

func dbNotFound(err error) bool {
	return errors.Is(err, db.ErrNotFound)
}

func (s *Server) listNodes(c echo.Context) error {
	nodes, err := s.store.ListNodes()
	if err != nil {
		return httpError(err)
	}
	if nodes == nil {
		nodes = []db.Node{}
	}
	return c.JSON(http.StatusOK, nodes)
}

func (s *Server) getNode(c echo.Context) error {
	node, err := s.store.GetNode(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, node)
}

func (s *Server) upsertNode(c echo.Context) error {
	var node db.Node
	if err := c.Bind(&node); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	node.ID = c.Param("id")
	if node.Name == "" || node.Type == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "node name and type are required")
	}
	if node.Category == "" {
		node.Category = db.CategoryOperation
	}
	if node.Config == nil {
		node.Config = db.NodeConfig{}
	}
	if err := s.store.UpsertNode(node); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, node)
}

func (s *Server) deleteNode(c echo.Context) error {
	id := c.Param("id")
	// Remove the live instance first so in-flight payloads drop cleanly,
	// then purge the row and its incident edges.
	s.manager.RemoveNode(id)
	if err := s.store.DeleteNode(id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) toggleNode(c echo.Context) error {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.store.SetNodeEnabled(c.Param("id"), body.Enabled); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"id": c.Param("id"), "enabled": body.Enabled})
}

func (s *Server) listEdges(c echo.Context) error {
	edges, err := s.store.ListEdges()
	if err != nil {
		return httpError(err)
	}
	if edges == nil {
		edges = []db.Edge{}
	}
	return c.JSON(http.StatusOK, edges)
}

// replaceEdges swaps the edge set wholesale, rejecting saves that would
// dangle or introduce a cycle.
func (s *Server) replaceEdges(c echo.Context) error {
	var edges []db.Edge
	if err := c.Bind(&edges); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if issues := config.ValidateEdges(s.store, edges); len(issues) > 0 {
		return echo.NewHTTPError(http.StatusBadRequest, issues)
	}
	if err := s.store.ReplaceEdges(edges); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, edges)
}

func (s *Server) reloadGraph(c echo.Context) error {
	s.manager.Reload()
	return c.JSON(http.StatusOK, map[string]any{"reloaded": true})
}
