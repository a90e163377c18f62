// Package api exposes the engine over REST and WebSocket: graph editing,
// streaming, recording, calibration, config transfer and status.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/ziflex/lecho/v2"

	"github.com/huykuka/lidargraph/internal/db"
	"github.com/huykuka/lidargraph/internal/engine"
	"github.com/huykuka/lidargraph/internal/metrics"
	"github.com/huykuka/lidargraph/internal/recording"
	"github.com/huykuka/lidargraph/internal/stream"
)

// Server is the HTTP surface over the engine.
type Server struct {
	echo      *echo.Echo
	store     *db.DB
	manager   *engine.Manager
	hub       *stream.Hub
	recorder  *recording.Service
	readers   *recording.ReaderCache
	collector metrics.Collector
	registry  *metrics.Registry
	probe     *metrics.SystemProbe
	log       zerolog.Logger
}

// NewServer wires the HTTP surface.
func NewServer(log zerolog.Logger, store *db.DB, manager *engine.Manager, hub *stream.Hub,
	recorder *recording.Service, readers *recording.ReaderCache,
	collector metrics.Collector, registry *metrics.Registry) *Server {

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	logger := lecho.From(log)
	e.Logger = logger
	e.Use(lecho.Middleware(lecho.Config{Logger: logger}))
	e.Use(middleware.Recover())

	s := &Server{
		echo:      e,
		store:     store,
		manager:   manager,
		hub:       hub,
		recorder:  recorder,
		readers:   readers,
		collector: collector,
		registry:  registry,
		probe:     metrics.NewSystemProbe(),
		log:       log.With().Str("component", "api").Logger(),
	}
	e.Use(s.metricsMiddleware)
	s.routes()
	return s
}

func (s *Server) routes() {
	v1 := s.echo.Group("/api/v1")

	// Graph.
	v1.GET("/nodes", s.listNodes)
	v1.GET("/nodes/:id", s.getNode)
	v1.PUT("/nodes/:id", s.upsertNode)
	v1.DELETE("/nodes/:id", s.deleteNode)
	v1.POST("/nodes/:id/enabled", s.toggleNode)
	v1.GET("/edges", s.listEdges)
	v1.PUT("/edges", s.replaceEdges)
	v1.POST("/graph/reload", s.reloadGraph)

	// Streaming.
	v1.GET("/topics", s.listTopics)
	v1.GET("/ws/:topic", s.subscribeTopic)
	v1.GET("/topics/:topic/capture", s.captureFrame)

	// Recording.
	v1.POST("/recordings", s.startRecording)
	v1.POST("/recordings/:id/stop", s.stopRecording)
	v1.GET("/recordings", s.listRecordings)
	v1.GET("/recordings/:id", s.getRecording)
	v1.DELETE("/recordings/:id", s.deleteRecording)
	v1.GET("/recordings/:id/download", s.downloadRecording)
	v1.GET("/recordings/:id/frame/:index", s.getRecordingFrame)

	// Calibration.
	v1.POST("/calibration/:node/trigger", s.triggerCalibration)
	v1.POST("/calibration/:node/accept", s.acceptCalibration)
	v1.POST("/calibration/:node/reject", s.rejectCalibration)
	v1.POST("/calibration/:node/rollback", s.rollbackCalibration)
	v1.GET("/calibration/history/:sensor", s.calibrationHistory)
	v1.GET("/calibration/statistics/:sensor", s.calibrationStatistics)

	// Config transfer.
	v1.GET("/config/export", s.exportConfig)
	v1.POST("/config/import", s.importConfig)
	v1.POST("/config/validate", s.validateConfig)

	// Status and metrics.
	v1.GET("/status/all", s.statusAll)
	v1.GET("/metrics", s.metricsSnapshot)
}

// metricsMiddleware feeds endpoint latency into the metrics collector.
func (s *Server) metricsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		latency := float64(time.Since(start)) / float64(time.Millisecond)
		status := c.Response().Status
		if err != nil {
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
		}
		s.collector.RecordEndpoint(c.Path(), c.Request().Method, latency, status)
		return err
	}
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Echo exposes the underlying router so main can mount the store's debug
// handler.
func (s *Server) Echo() *echo.Echo { return s.echo }

func httpError(err error) error {
	if err == nil {
		return nil
	}
	if dbNotFound(err) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
