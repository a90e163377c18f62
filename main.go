// Command lidargraph runs the point-cloud processing server: the DAG
// engine, the streaming hub, the recorder and the HTTP surface.
package main

import (
	"context"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/huykuka/lidargraph/api"
	"github.com/huykuka/lidargraph/internal/calibration"
	"github.com/huykuka/lidargraph/internal/db"
	"github.com/huykuka/lidargraph/internal/engine"
	"github.com/huykuka/lidargraph/internal/fusion"
	"github.com/huykuka/lidargraph/internal/metrics"
	"github.com/huykuka/lidargraph/internal/ops"
	"github.com/huykuka/lidargraph/internal/recording"
	"github.com/huykuka/lidargraph/internal/sensor"
	"github.com/huykuka/lidargraph/internal/stream"
)

const readerCacheSize = 8

func main() {
	var (
		flagListen        = pflag.String("listen", ":8080", "HTTP listen address")
		flagDB            = pflag.String("db", "lidargraph.db", "SQLite database path")
		flagDataDir       = pflag.String("data-dir", "data", "directory for recordings and thumbnails")
		flagWorkerBin     = pflag.String("worker-bin", "", "path to the lidar-worker binary (defaults to alongside this binary)")
		flagLogLevel      = pflag.String("log-level", "info", "log level (trace|debug|info|warn|error)")
		flagEnableMetrics = pflag.Bool("metrics", true, "enable metrics collection")
	)
	pflag.Parse()

	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	level, err := zerolog.ParseLevel(*flagLogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("level", *flagLogLevel).Msg("invalid log level")
	}
	log = log.Level(level)

	workerBin := *flagWorkerBin
	if workerBin == "" {
		self, err := os.Executable()
		if err == nil {
			workerBin = filepath.Join(filepath.Dir(self), "lidar-worker")
		}
	}
	if _, err := exec.LookPath(workerBin); err != nil {
		log.Warn().Str("path", workerBin).Msg("lidar-worker binary not found, sensor nodes will fail to start")
	}

	store, err := db.NewDB(*flagDB)
	if err != nil {
		log.Fatal().Err(err).Msg("could not open database")
	}
	defer store.Close()

	if err := os.MkdirAll(*flagDataDir, 0755); err != nil {
		log.Fatal().Err(err).Msg("could not create data directory")
	}

	// The four long-lived services: hub, engine, metrics, recorder.
	hub := stream.NewHub(log)

	registry := metrics.NewRegistry()
	var collector metrics.Collector
	if *flagEnableMetrics {
		collector = metrics.NewCollector(registry)
	} else {
		collector = metrics.NewNopCollector()
	}

	manager := engine.NewManager(log, store, hub, collector, engine.Options{
		WorkerBinary: workerBin,
		DataDir:      *flagDataDir,
	})

	recorder := recording.NewService(log, store, filepath.Join(*flagDataDir, "recordings"))
	manager.SetRecorder(recorder)

	// Node type registry.
	sensor.Register(manager)
	ops.Register(manager)
	fusion.Register(manager)
	calibration.Register(manager)

	if err := manager.LoadConfig(); err != nil {
		log.Fatal().Err(err).Msg("could not load graph")
	}
	manager.Start()
	defer manager.Stop()
	defer recorder.StopAll()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	aggregator := engine.NewStatusAggregator(log, manager, hub)
	go aggregator.Run(ctx)

	probe := metrics.NewSystemProbe()
	broadcaster := metrics.NewBroadcaster(log, registry, probe, hub, manager.QueueDepth)
	go broadcaster.Run(ctx)

	readers, err := recording.NewReaderCache(readerCacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("could not create reader cache")
	}
	defer readers.Close()

	server := api.NewServer(log, store, manager, hub, recorder, readers, collector, registry)

	// Store debug routes (live SQL, backup) under /debug/.
	debugMux := http.NewServeMux()
	store.AttachAdminRoutes(debugMux)
	server.Echo().Any("/debug/*", echo.WrapHandler(debugMux))

	go func() {
		if err := server.Start(*flagListen); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server stopped")
			stop()
		}
	}()
	log.Info().Str("listen", *flagListen).Msg("lidargraph server running")

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Echo().Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
}
