// Command mockvision runs a local stand-in for the vision service.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/swasth-ai/vitalscan/internal/auth"
	"github.com/swasth-ai/vitalscan/internal/visionsim"
)

func main() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file loaded", zap.Error(err))
	}

	step := 0.25
	if raw := os.Getenv("MOCK_PROGRESS_STEP"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			logger.Fatal("Invalid MOCK_PROGRESS_STEP", zap.Error(err))
		}
		step = v
	}

	delay := 30 * time.Millisecond
	if raw := os.Getenv("MOCK_PROCESS_DELAY"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			logger.Fatal("Invalid MOCK_PROCESS_DELAY", zap.Error(err))
		}
		delay = d
	}

	sim := visionsim.NewServer(visionsim.Config{
		ProgressStep: step,
		ProcessDelay: delay,
		Signer:       auth.NewSigner(os.Getenv("JWT_SECRET")),
	}, logger)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "mockvision",
		})
	})
	e.GET("/ws/vision-scan", echo.WrapHandler(sim))

	port := os.Getenv("PORT")
	if port == "" {
		port = "8000"
	}

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Mock vision service started",
		zap.String("port", port),
		zap.Float64("progressStep", step),
		zap.Duration("processDelay", delay))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...", zap.Uint64("framesProcessed", sim.Frames()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}
}
