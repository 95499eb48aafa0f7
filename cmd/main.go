package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/swasth-ai/vitalscan/adapters"
	"github.com/swasth-ai/vitalscan/adapters/camera"
	"github.com/swasth-ai/vitalscan/adapters/camera/gstcam"
	"github.com/swasth-ai/vitalscan/adapters/microphone"
	"github.com/swasth-ai/vitalscan/adapters/mongo"
	"github.com/swasth-ai/vitalscan/config"
	"github.com/swasth-ai/vitalscan/domain/entities"
	"github.com/swasth-ai/vitalscan/domain/repositories"
	"github.com/swasth-ai/vitalscan/internal/api"
	"github.com/swasth-ai/vitalscan/internal/auth"
	"github.com/swasth-ai/vitalscan/internal/metrics"
	"github.com/swasth-ai/vitalscan/internal/retention"
	"github.com/swasth-ai/vitalscan/internal/scan"
	"github.com/swasth-ai/vitalscan/internal/websocket"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.NewLoader().
		WithConfigPath(os.Getenv("CONFIG_FILE")).
		WithEnvFiles(".env").
		Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		if errors.Is(err, scan.ErrAborted) {
			logger.Warn("Scan did not complete", zap.Error(err))
			os.Exit(2)
		}
		logger.Fatal("Scanner failed", zap.Error(err))
	}

	logger.Info("Scanner exited")
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}

	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zapCfg.Level = level
	}

	return zapCfg.Build()
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	collector := metrics.NewCollector("vitalscan", logger)
	signer := auth.NewSigner(cfg.Service.JWTSecret)
	if !signer.Enabled() {
		logger.Warn("JWT_SECRET not set, connecting without a bearer token")
	}

	// Result storage
	results, closeStore, err := newResultStore(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if cfg.Storage.Retention > 0 {
		cleanup := retention.NewCleanupService(results, cfg.Storage.Retention, cfg.Storage.RetentionInterval, logger)
		cleanup.Start()
		defer cleanup.Stop()
	}

	// Capture devices. The machine starts the camera and degrades to timer-driven
	// progress when it is unavailable.
	cam := newCamera(cfg.Camera, collector, logger)

	var audio repositories.AudioSource
	if cfg.Audio.Source == config.AudioPortAudio {
		audio = microphone.NewSource(microphone.Config{
			SampleRate:      cfg.Audio.SampleRate,
			FramesPerBuffer: cfg.Audio.FramesPerBuffer,
			InputChannels:   1,
		}, logger)
	} else {
		logger.Warn("Audio disabled, acoustic phase will report a clear baseline")
	}

	// Scan
	session := entities.NewScanSession()
	channel := websocket.NewChannel(websocket.Config{
		URL:       cfg.Service.VisionURL,
		ClientID:  cfg.Service.ClientID,
		SessionID: session.ID(),
		Signer:    signer,
		Metrics:   collector,
	}, logger)

	machine := scan.NewMachine(cfg.ScanConfig(), scan.Dependencies{
		Session: session,
		Channel: channel,
		Camera:  cam,
		Audio:   audio,
		Results: results,
		Metrics: collector,
	}, logger)

	logger.Info("Scanner starting",
		zap.String("sessionID", session.ID()),
		zap.String("visionURL", cfg.Service.VisionURL),
		zap.String("camera", cfg.Camera.Source),
		zap.String("audio", cfg.Audio.Source))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		result, err := machine.Run(gctx)
		if err != nil {
			return err
		}
		logger.Info("Scan result",
			zap.Int("respiratoryScore", result.RespiratoryScore),
			zap.Int("kinematicStability", result.KinematicStability),
			zap.String("acousticFinding", string(result.AcousticFinding)),
			zap.Int("scoreDelta", result.ScoreDelta))
		return nil
	})

	g.Go(func() error {
		logEvents(machine.Events(), logger)
		return nil
	})

	if cfg.Service.StatusAddr != "" {
		e := newStatusServer(api.Dependencies{
			Scan:    machine,
			Results: results,
			Metrics: collector,
			Signer:  signer,
		}, logger)

		g.Go(func() error {
			if err := e.Start(cfg.Service.StatusAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})

		// Serves the final state after the scan until the process is signalled.
		g.Go(func() error {
			<-gctx.Done()
			logger.Info("Status server is shutting down...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return e.Shutdown(shutdownCtx)
		})

		logger.Info("Status server started", zap.String("addr", cfg.Service.StatusAddr))
	}

	return g.Wait()
}

func newResultStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (repositories.ScanResultRepository, func(), error) {
	if cfg.MongoURI == "" {
		logger.Info("MONGODB_URI not set, keeping scan results in memory")
		return adapters.NewMemoryScanResultRepository(), func() {}, nil
	}

	client, err := mongo.NewClient(ctx, mongo.ClientConfig{
		URI:      cfg.MongoURI,
		Database: cfg.MongoDatabase,
	}, logger)
	if err != nil {
		return nil, nil, err
	}

	repo, err := mongo.NewScanResultRepository(ctx, client.Database, logger)
	if err != nil {
		client.Close(context.Background())
		return nil, nil, err
	}

	closeFn := func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		client.Close(closeCtx)
	}
	return repo, closeFn, nil
}

func newCamera(cfg config.CameraConfig, collector *metrics.Collector, logger *zap.Logger) repositories.CaptureDevice {
	if cfg.Source == config.CameraSynthetic {
		return camera.NewSyntheticSource(camera.SyntheticConfig{
			Width:   cfg.Width,
			Height:  cfg.Height,
			FPS:     float64(cfg.FPS),
			Quality: cfg.Quality,
		}, collector, logger)
	}

	return gstcam.NewCamera(gstcam.Config{
		Device:  cfg.Device,
		Width:   cfg.Width,
		Height:  cfg.Height,
		FPS:     cfg.FPS,
		Quality: cfg.Quality,
	}, collector, logger)
}

func newStatusServer(deps api.Dependencies, logger *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, deps, logger)
	return e
}

func logEvents(events <-chan scan.PhaseEvent, logger *zap.Logger) {
	for event := range events {
		logger.Debug("Scan event",
			zap.String("sessionID", event.SessionID),
			zap.String("type", string(event.Type)),
			zap.String("from", event.From.String()),
			zap.String("to", event.To.String()),
			zap.Time("at", event.Timestamp))
	}
}
