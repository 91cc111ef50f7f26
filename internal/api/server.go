package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	mw "github.com/tphakala/birdnet-search/internal/api/middleware"
	v2 "github.com/tphakala/birdnet-search/internal/api/v2"
	"github.com/tphakala/birdnet-search/internal/conf"
	"github.com/tphakala/birdnet-search/internal/inference"
	"github.com/tphakala/birdnet-search/internal/logger"
	"github.com/tphakala/birdnet-search/internal/observability"
	"github.com/tphakala/birdnet-search/internal/search"
	"github.com/tphakala/birdnet-search/internal/training"
)

// Services are the domain services the API exposes.
type Services struct {
	Search    *search.Service
	Training  *training.Trainer
	Inference *inference.Executor
}

// Server is the HTTP server of the search engine.
// It owns the Echo instance, its middleware and the v2 API controller.
type Server struct {
	echo     *echo.Echo
	config   *Config
	settings *conf.Settings
	log      logger.Logger

	services Services
	metrics  *observability.Metrics
	db       v2.Pinger

	apiController *v2.Controller
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

func WithDatabase(db v2.Pinger) ServerOption {
	return func(s *Server) {
		s.db = db
	}
}

// New creates the server and registers middleware and routes. It does not
// start listening.
func New(settings *conf.Settings, services Services, opts ...ServerOption) (*Server, error) {
	config := ConfigFromSettings(settings)
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	s := &Server{
		config:   config,
		settings: settings,
		log:      GetLogger(),
		services: services,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Server.ReadTimeout = config.ReadTimeout
	s.echo.Server.WriteTimeout = config.WriteTimeout
	s.echo.Server.IdleTimeout = config.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()

	s.log.Info("HTTP server initialized",
		logger.String("address", config.Address()),
		logger.String("body_limit", config.BodyLimit),
		logger.Float64("rate_limit", config.RateLimit),
		logger.Bool("debug", config.Debug))
	return s, nil
}

func (s *Server) setupMiddleware() {
	s.echo.Use(echomw.Recover())
	s.echo.Use(mw.NewRequestID())
	if s.metrics != nil {
		s.echo.Use(mw.NewHTTPMetrics(s.metrics.HTTP))
	}
	s.echo.Use(mw.NewRequestLoggerWithSkipper(s.log, func(c echo.Context) bool {
		return c.Path() == "/health" || c.Path() == "/metrics"
	}))
	s.echo.Use(mw.NewCORS(mw.SecurityConfig{AllowedOrigins: s.config.AllowedOrigins}))
	s.echo.Use(mw.NewSecureHeaders())
	s.echo.Use(mw.NewBodyLimit(s.config.BodyLimit))
	s.echo.Use(mw.NewRateLimiter(mw.RateLimitConfig{
		Rate:  s.config.RateLimit,
		Burst: s.config.RateBurst,
	}))
}

func (s *Server) setupRoutes() {
	var opts []v2.Option
	if s.metrics != nil {
		opts = append(opts, v2.WithMetrics(s.metrics))
	}
	if s.db != nil {
		opts = append(opts, v2.WithDatabase(s.db))
	}
	s.apiController = v2.New(s.echo, s.settings,
		s.services.Search, s.services.Training, s.services.Inference, opts...)
	s.log.Info("routes initialized", logger.Int("routes", len(s.echo.Routes())))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server starting", logger.String("address", s.config.Address()))
		if err := s.echo.Start(s.config.Address()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		s.log.Info("shutdown signal received, stopping HTTP server")
		return s.Shutdown()
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	start := time.Now()
	if err := s.echo.Shutdown(ctx); err != nil {
		s.log.Error("error during server shutdown", logger.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}
	s.log.Info("HTTP server shutdown complete", logger.Duration("elapsed", time.Since(start)))
	return nil
}

// Echo returns the underlying Echo instance.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// APIController returns the v2 API controller.
func (s *Server) APIController() *v2.Controller {
	return s.apiController
}
