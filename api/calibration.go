package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/huykuka/lidargraph/internal/calibration"
)

// calibrationNode resolves a live calibration node instance by id.
func (s *Server) calibrationNode(nodeID string) (*calibration.Node, error) {
	instance, ok := s.manager.Node(nodeID)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, "calibration node not found: "+nodeID)
	}
	node, ok := instance.(*calibration.Node)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusBadRequest, nodeID+" is not a calibration node")
	}
	return node, nil
}

// anyCalibrationNode returns the first live calibration node, used by the
// sensor-keyed history and statistics endpoints.
func (s *Server) anyCalibrationNode() (*calibration.Node, error) {
	for _, instance := range s.manager.Instances() {
		if node, ok := instance.(*calibration.Node); ok {
			return node, nil
		}
	}
	return nil, echo.NewHTTPError(http.StatusNotFound, "no calibration node in the graph")
}

func (s *Server) triggerCalibration(c echo.Context) error {
	node, err := s.calibrationNode(c.Param("node"))
	if err != nil {
		return err
	}
	var params calibration.TriggerParams
	if err := c.Bind(&params); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	results, err := node.Trigger(params)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success": true,
		"results": results,
	})
}

func (s *Server) acceptCalibration(c echo.Context) error {
	node, err := s.calibrationNode(c.Param("node"))
	if err != nil {
		return err
	}
	var body struct {
		SensorIDs []string `json:"sensor_ids"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	accepted, err := node.Accept(body.SensorIDs)
	if err != nil {
		if errors.Is(err, calibration.ErrNoPending) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "accepted": accepted})
}

func (s *Server) rejectCalibration(c echo.Context) error {
	node, err := s.calibrationNode(c.Param("node"))
	if err != nil {
		return err
	}
	node.Reject()
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

func (s *Server) rollbackCalibration(c echo.Context) error {
	node, err := s.calibrationNode(c.Param("node"))
	if err != nil {
		return err
	}
	var body struct {
		SensorID  string `json:"sensor_id"`
		Timestamp string `json:"timestamp"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.SensorID == "" || body.Timestamp == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "sensor_id and timestamp are required")
	}
	if err := node.Rollback(body.SensorID, body.Timestamp); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true})
}

func (s *Server) calibrationHistory(c echo.Context) error {
	node, err := s.anyCalibrationNode()
	if err != nil {
		return err
	}
	limit := 10
	if raw := c.QueryParam("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			limit = v
		}
	}
	history, err := node.History(c.Param("sensor"), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"history": history})
}

func (s *Server) calibrationStatistics(c echo.Context) error {
	node, err := s.anyCalibrationNode()
	if err != nil {
		return err
	}
	stats, err := node.Statistics(c.Param("sensor"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, stats)
}
