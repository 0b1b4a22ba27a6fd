// Package api wires together all HTTP routes for the usbgate server.
//
// Route grouping philosophy:
//   - Agent-facing routes (/api/devices/check, POST /api/requests, /ws) are
//     unauthenticated. Agents run before any user session exists and identify
//     themselves by payload username; the fail-secure posture lives on the
//     agent side, not in transport auth.
//   - Admin routes always require a valid admin session token.
package api

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/usbgate/usbgate/internal/api/admin"
	"github.com/usbgate/usbgate/internal/api/devices"
	"github.com/usbgate/usbgate/internal/api/requests"
	"github.com/usbgate/usbgate/internal/auth"
	"github.com/usbgate/usbgate/internal/broker"
	"github.com/usbgate/usbgate/internal/config"
	"github.com/usbgate/usbgate/internal/crypto"
	"github.com/usbgate/usbgate/internal/db/repositories"
	"github.com/usbgate/usbgate/internal/jobs"
	"github.com/usbgate/usbgate/internal/middleware"
	"github.com/usbgate/usbgate/internal/push"
	"github.com/usbgate/usbgate/internal/safego"
)

// BackgroundServices holds references to background goroutines that must be
// stopped during graceful shutdown. The caller (cmd/server) is responsible
// for calling Shutdown() when the process receives a termination signal.
type BackgroundServices struct {
	cleanupJob   *jobs.RequestCleanup
	rateLimiters []*middleware.RateLimiter
}

// Shutdown stops all background goroutines. It should be called after the
// HTTP server has been shut down so that in-flight requests drain first.
func (bg *BackgroundServices) Shutdown() {
	slog.Info("stopping background services")
	if bg.cleanupJob != nil {
		bg.cleanupJob.Stop()
	}
	for _, rl := range bg.rateLimiters {
		rl.Stop()
	}
	slog.Info("all background services stopped")
}

// NewRouter creates and configures the Gin router.
func NewRouter(cfg *config.Config, database *sql.DB) (*gin.Engine, *BackgroundServices, error) {
	router := gin.New()

	fieldCipher, err := crypto.NewFieldCipher(
		config.DecodeKey(cfg.Crypto.BlockKey),
		config.DecodeKey(cfg.Crypto.StreamKey),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing field cipher: %w", err)
	}

	userRepo := repositories.NewUserRepository(database, fieldCipher)
	deviceRepo := repositories.NewDeviceRepository(database, fieldCipher)
	permissionRepo := repositories.NewPermissionRepository(database, fieldCipher)
	requestRepo := repositories.NewRequestRepository(sqlx.NewDb(database, "sqlite"), fieldCipher)

	hub := push.NewHub(func(token string) bool {
		_, err := auth.ValidateAdminToken(token)
		return err == nil
	})

	brk := broker.New(userRepo, deviceRepo, permissionRepo, requestRepo, hub)

	cleanupJob := jobs.NewRequestCleanup(requestRepo, &cfg.Requests)
	safego.Go(func() { cleanupJob.Start(context.Background()) })

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.MetricsMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware(middleware.APISecurityHeadersConfig()))

	router.GET("/health", healthCheckHandler(database))
	router.GET("/version", versionHandler())

	// Push channel. Room membership is negotiated after the upgrade via
	// join_user / join_admin events; admin joins present a session token.
	router.GET("/ws", hub.HandleConnection)

	deviceHandler := devices.NewHandler(brk)
	requestHandler := requests.NewHandler(brk, requestRepo)
	authHandler := admin.NewAuthHandler(cfg)
	statsHandler := admin.NewStatsHandler(brk)
	usersHandler := admin.NewUsersHandler(userRepo, deviceRepo, permissionRepo)

	authRateLimiter := middleware.NewRateLimiter(middleware.AuthRateLimitConfig())
	generalRateLimiter := middleware.NewRateLimiter(generalRateLimitConfig(cfg))

	bg := &BackgroundServices{
		cleanupJob:   cleanupJob,
		rateLimiters: []*middleware.RateLimiter{authRateLimiter, generalRateLimiter},
	}

	api := router.Group("/api")
	if cfg.Security.RateLimiting.Enabled {
		api.Use(middleware.RateLimitMiddleware(generalRateLimiter))
	}
	{
		// Admin credential login gets its own, stricter bucket.
		login := api.Group("/auth")
		if cfg.Security.RateLimiting.Enabled {
			login.Use(middleware.RateLimitMiddleware(authRateLimiter))
		}
		login.POST("/login", authHandler.Login)

		// Agent-facing endpoints.
		api.POST("/devices/check", deviceHandler.Check)
		api.POST("/requests", requestHandler.Create)

		// Admin endpoints.
		adminGroup := api.Group("")
		adminGroup.Use(middleware.AdminAuthMiddleware())
		{
			adminGroup.GET("/auth/me", authHandler.Me)

			adminGroup.GET("/requests", requestHandler.List)
			adminGroup.GET("/requests/pending", requestHandler.ListPending)
			adminGroup.GET("/requests/export", requestHandler.Export)
			adminGroup.POST("/requests/:id/approve", requestHandler.Approve)
			adminGroup.POST("/requests/:id/deny", requestHandler.Deny)

			adminGroup.GET("/stats", statsHandler.Get)

			adminGroup.GET("/users", usersHandler.List)
			adminGroup.GET("/users/:username/devices", usersHandler.ListDevices)
			adminGroup.POST("/users/:username/devices", usersHandler.GrantDevice)
			adminGroup.DELETE("/users/:username/devices/:deviceID", usersHandler.RevokeDevice)
		}
	}

	return router, bg, nil
}

// generalRateLimitConfig maps the YAML rate limiting settings onto the
// limiter config, falling back to the package defaults for unset values.
func generalRateLimitConfig(cfg *config.Config) middleware.RateLimitConfig {
	limits := middleware.DefaultRateLimitConfig()
	if cfg.Security.RateLimiting.RequestsPerMinute > 0 {
		limits.RequestsPerMinute = cfg.Security.RateLimiting.RequestsPerMinute
	}
	if cfg.Security.RateLimiting.Burst > 0 {
		limits.BurstSize = cfg.Security.RateLimiting.Burst
	}
	return limits
}

// healthCheckHandler returns the health status of the service.
func healthCheckHandler(database *sql.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := database.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database connection failed",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// versionHandler returns the API version.
func versionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"version":     "0.1.0",
			"api_version": "v1",
		})
	}
}

// LoggerMiddleware logs each request as a structured slog record. The output
// format (JSON or text) follows the process-wide handler installed by
// telemetry.SetupLogger.
func LoggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		requestID, _ := c.Get(middleware.RequestIDKey)
		slog.LogAttrs(
			c.Request.Context(),
			slog.LevelInfo,
			"http request",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.String("query", query),
			slog.Int("status", c.Writer.Status()),
			slog.Int("size", c.Writer.Size()),
			slog.Duration("latency", time.Since(start)),
			slog.String("ip", c.ClientIP()),
			slog.String("request_id", fmt.Sprintf("%v", requestID)),
		)
	}
}
