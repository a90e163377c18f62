package api

import (
	"net/http"
	"os"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/huykuka/lidargraph/internal/pointcloud"
	"github.com/huykuka/lidargraph/internal/recording"
)

func (s *Server) startRecording(c echo.Context) error {
	var body struct {
		NodeID   string         `json:"node_id"`
		Name     string         `json:"name"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.NodeID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "node_id is required")
	}
	info, err := s.recorder.Start(body.NodeID, body.Name, body.Metadata)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, info)
}

// stopRecording flips the recording to stopping and returns immediately;
// finalize runs in the background and the row appears with status stopped.
func (s *Server) stopRecording(c echo.Context) error {
	info, err := s.recorder.Stop(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, info)
}

func (s *Server) listRecordings(c echo.Context) error {
	active := s.recorder.Active()
	stored, err := s.store.ListRecordings(c.QueryParam("node_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"active": active,
		"stored": stored,
	})
}

func (s *Server) getRecording(c echo.Context) error {
	id := c.Param("id")
	if info, ok := s.recorder.Get(id); ok {
		return c.JSON(http.StatusOK, info)
	}
	row, err := s.store.GetRecording(id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, row)
}

func (s *Server) deleteRecording(c echo.Context) error {
	row, err := s.store.GetRecording(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	if err := s.store.DeleteRecording(row.ID); err != nil {
		return httpError(err)
	}
	s.readers.Invalidate(row.FilePath)
	if err := os.Remove(row.FilePath); err != nil && !os.IsNotExist(err) {
		s.log.Warn().Err(err).Str("path", row.FilePath).Msg("could not remove recording file")
	}
	if row.ThumbnailPath != "" {
		os.Remove(row.ThumbnailPath)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) downloadRecording(c echo.Context) error {
	row, err := s.store.GetRecording(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.Attachment(row.FilePath, row.Name+".lidr")
}

// getRecordingFrame serves one frame of a stored archive as a LIDR binary
// blob, through the reader cache.
func (s *Server) getRecordingFrame(c echo.Context) error {
	row, err := s.store.GetRecording(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad frame index")
	}
	reader, err := s.readers.Get(row.FilePath)
	if err != nil {
		return httpError(err)
	}
	points, ts, err := reader.Frame(index)
	if err != nil {
		if recording.IsOutOfRange(err) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return httpError(err)
	}
	return c.Blob(http.StatusOK, "application/octet-stream", pointcloud.Pack(points, ts))
}
