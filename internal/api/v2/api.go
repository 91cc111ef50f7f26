// Package api exposes the search, training and inference services as a JSON
// API under /api/v2.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdnet-search/internal/buildinfo"
	"github.com/tphakala/birdnet-search/internal/conf"
	"github.com/tphakala/birdnet-search/internal/inference"
	"github.com/tphakala/birdnet-search/internal/logger"
	"github.com/tphakala/birdnet-search/internal/observability"
	"github.com/tphakala/birdnet-search/internal/search"
	"github.com/tphakala/birdnet-search/internal/training"
)

var log = logger.Global().Module("api")

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Controller manages the API routes and handlers
type Controller struct {
	Echo      *echo.Echo
	Group     *echo.Group
	Settings  *conf.Settings
	Search    *search.Service
	Trainer   *training.Trainer
	Inference *inference.Executor

	metrics   *observability.Metrics
	db        Pinger
	startTime time.Time
}

// Option is a functional option for configuring the Controller.
type Option func(*Controller)

// WithMetrics mounts the Prometheus exposition at /metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithDatabase makes /health report database reachability.
func WithDatabase(db Pinger) Option {
	return func(c *Controller) {
		c.db = db
	}
}

// New creates the API controller and registers its routes on e.
func New(e *echo.Echo, settings *conf.Settings, svc *search.Service, trainer *training.Trainer,
	exec *inference.Executor, opts ...Option) *Controller {
	c := &Controller{
		Echo:      e,
		Group:     e.Group("/api/v2"),
		Settings:  settings,
		Search:    svc,
		Trainer:   trainer,
		Inference: exec,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(c)
	}

	e.Validator = NewValidator()
	e.HTTPErrorHandler = c.HTTPErrorHandler
	c.initRoutes()
	return c
}

// initRoutes registers all API endpoints
func (c *Controller) initRoutes() {
	c.Echo.GET("/health", c.HealthCheck)
	c.Group.GET("/health", c.HealthCheck)
	if c.metrics != nil {
		c.Echo.GET("/metrics", echo.WrapHandler(c.metrics.Handler()))
	}

	c.initSessionRoutes()
	c.initReferenceRoutes()
	c.initClassifierRoutes()
	c.initInferenceRoutes()
}

// HealthCheck handles the health check endpoint
func (c *Controller) HealthCheck(ctx echo.Context) error {
	info := buildinfo.Current()
	uptime := time.Since(c.startTime)
	response := map[string]any{
		"status":         "healthy",
		"version":        info.Version,
		"build_date":     info.BuildDate,
		"uptime_seconds": uptime.Seconds(),
		"timestamp":      time.Now().Format(time.RFC3339),
	}
	if c.Settings != nil && c.Settings.Main.Name != "" {
		response["node"] = c.Settings.Main.Name
	}

	if c.db == nil {
		return ctx.JSON(http.StatusOK, response)
	}
	pingCtx, cancel := context.WithTimeout(ctx.Request().Context(), 2*time.Second)
	defer cancel()
	if err := c.db.Ping(pingCtx); err != nil {
		log.Warn("health check database ping failed", logger.Error(err))
		response["status"] = "degraded"
		response["database"] = "unreachable"
		return ctx.JSON(http.StatusServiceUnavailable, response)
	}
	response["database"] = "connected"
	return ctx.JSON(http.StatusOK, response)
}
