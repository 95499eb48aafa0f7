// Package api serves the local status surface of a running scan.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/swasth-ai/vitalscan/domain/entities"
	"github.com/swasth-ai/vitalscan/domain/repositories"
	"github.com/swasth-ai/vitalscan/internal/auth"
	"github.com/swasth-ai/vitalscan/internal/metrics"
	"github.com/swasth-ai/vitalscan/internal/streaming"
	"github.com/swasth-ai/vitalscan/internal/websocket"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// ScanController is the part of the scan machine the API reads and controls
type ScanController interface {
	Session() *entities.ScanSession
	FrameStats() streaming.Stats
	Abort()
}

// Dependencies are the collaborators of the routes. Results, Metrics and Signer may be nil.
type Dependencies struct {
	Scan    ScanController
	Results repositories.ScanResultRepository
	Metrics *metrics.Collector
	Signer  *auth.Signer
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Dependencies, logger *zap.Logger) {
	logger = logger.With(zap.String("component", "api"))

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "vitalscan",
		})
	})

	if deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(deps.Metrics.Handler()))
	}

	// API v1 routes
	v1 := e.Group("/api/v1")

	v1.GET("/scan", func(c echo.Context) error {
		return scanStatus(c, deps.Scan)
	})
	v1.GET("/scan/frame", func(c echo.Context) error {
		return processedFrame(c, deps.Scan, logger)
	})
	v1.POST("/scan/abort", func(c echo.Context) error {
		return abortScan(c, deps.Scan, logger)
	}, requireToken(deps.Signer, logger))

	v1.GET("/scans", func(c echo.Context) error {
		return listScans(c, deps.Results, logger)
	})
	v1.GET("/scans/:id", func(c echo.Context) error {
		return getScan(c, deps.Results, logger)
	})
}

func scanStatus(c echo.Context, scan ScanController) error {
	stats := scan.FrameStats()

	var skipped map[string]uint64
	if len(stats.Skipped) > 0 {
		skipped = make(map[string]uint64, len(stats.Skipped))
		for reason, n := range stats.Skipped {
			skipped[string(reason)] = n
		}
	}

	return c.JSON(http.StatusOK, ScanStatusResponse{
		Session: scan.Session().Snapshot(),
		Frames: FrameStatsResponse{
			Sent:             stats.Sent,
			Acknowledged:     stats.Acknowledged,
			FailsafeReleases: stats.FailsafeReleases,
			Skipped:          skipped,
		},
	})
}

// processedFrame serves the latest annotated frame from the vision service as an image
func processedFrame(c echo.Context, scan ScanController, logger *zap.Logger) error {
	ref := scan.Session().LastProcessedFrame()
	if ref == "" {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "no_frame",
			Message: "No processed frame received yet",
		})
	}

	data, err := websocket.DecodeFrameRef(ref)
	if err != nil {
		logger.Warn("Stored processed frame is not a data URL", zap.Error(err))
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "invalid_frame",
			Message: "Processed frame could not be decoded",
		})
	}

	c.Response().Header().Set(echo.HeaderCacheControl, "no-store")
	return c.Blob(http.StatusOK, frameMediaType(ref), data)
}

// frameMediaType reads the media type from a data URL, defaulting to JPEG
func frameMediaType(ref string) string {
	header, _, _ := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	mediaType := strings.TrimSuffix(header, ";base64")
	if mediaType == "" {
		return "image/jpeg"
	}
	return mediaType
}

func abortScan(c echo.Context, scan ScanController, logger *zap.Logger) error {
	session := scan.Session()
	phase := session.Phase()

	if phase.IsTerminal() {
		return c.JSON(http.StatusConflict, ErrorResponse{
			Error:   "scan_finished",
			Message: "Scan already completed",
		})
	}

	scan.Abort()

	logger.Info("Scan abort requested",
		zap.String("sessionID", session.ID()),
		zap.String("phase", phase.String()))

	return c.JSON(http.StatusAccepted, AbortResponse{
		SessionID: session.ID(),
		Phase:     phase,
		Message:   "Abort requested",
	})
}

func listScans(c echo.Context, results repositories.ScanResultRepository, logger *zap.Logger) error {
	if results == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "storage_disabled",
			Message: "Result storage is not configured",
		})
	}

	limit := defaultListLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_limit",
				Message: "limit must be a positive integer",
			})
		}
		limit = min(n, maxListLimit)
	}

	records, err := results.ListRecent(c.Request().Context(), limit)
	if err != nil {
		logger.Error("Failed to list scan records", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "storage_error",
			Message: "Failed to list scan records",
		})
	}

	return c.JSON(http.StatusOK, ScanListResponse{
		Scans: records,
		Count: len(records),
	})
}

func getScan(c echo.Context, results repositories.ScanResultRepository, logger *zap.Logger) error {
	if results == nil {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "storage_disabled",
			Message: "Result storage is not configured",
		})
	}

	id := c.Param("id")
	record, err := results.GetBySessionID(c.Request().Context(), id)
	if errors.Is(err, repositories.ErrRecordNotFound) {
		return c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "No scan record for this session",
		})
	}
	if err != nil {
		logger.Error("Failed to load scan record", zap.String("sessionID", id), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "storage_error",
			Message: "Failed to load scan record",
		})
	}

	return c.JSON(http.StatusOK, record)
}

// requireToken checks the Authorization header when a signer is configured
func requireToken(signer *auth.Signer, logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !signer.Enabled() {
				return next(c)
			}

			var token string
			authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
			if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
				token = authHeader[7:]
			}

			if token == "" {
				logger.Warn("Request rejected: missing token", zap.String("path", c.Path()))
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "missing_token",
					Message: "JWT token is required in Authorization header",
				})
			}

			claims, err := signer.ValidateToken(token)
			if err != nil {
				logger.Warn("Request rejected: invalid token", zap.Error(err))
				return c.JSON(http.StatusUnauthorized, ErrorResponse{
					Error:   "invalid_token",
					Message: "Invalid or expired JWT token",
				})
			}

			if claims.Role != auth.RoleScanner {
				logger.Warn("Request rejected: invalid role", zap.String("role", claims.Role))
				return c.JSON(http.StatusForbidden, ErrorResponse{
					Error:   "invalid_role",
					Message: "Only scanner tokens may control the scan",
				})
			}

			return next(c)
		}
	}
}
