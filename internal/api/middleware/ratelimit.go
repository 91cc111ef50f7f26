package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RateLimitConfig bounds request rates per client IP.
type RateLimitConfig struct {
	Rate      float64 // requests per second, 0 disables limiting
	Burst     int
	ExpiresIn time.Duration // idle visitors are forgotten after this long
}

// NewRateLimiter limits requests per client IP with a token bucket.
// Health and metrics probes are never limited.
func NewRateLimiter(config RateLimitConfig) echo.MiddlewareFunc {
	if config.Rate <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	burst := config.Burst
	if burst <= 0 {
		burst = max(1, int(config.Rate))
	}
	expires := config.ExpiresIn
	if expires <= 0 {
		expires = 3 * time.Minute
	}

	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(config.Rate),
		Burst:     burst,
		ExpiresIn: expires,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Skipper: func(c echo.Context) bool {
			switch c.Path() {
			case "/health", "/metrics":
				return true
			}
			return false
		},
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return echo.NewHTTPError(http.StatusForbidden, "unable to identify client")
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
		},
	})
}
