package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdnet-search/internal/observability/metrics"
)

// NewHTTPMetrics records request counts, latencies and in-flight requests.
// Requests are labeled by route template so ids do not explode cardinality.
func NewHTTPMetrics(m *metrics.HTTPMetrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if m == nil {
			return next
		}
		return func(c echo.Context) error {
			start := time.Now()
			m.RequestStarted()
			defer m.RequestFinished()

			err := next(c)
			status := c.Response().Status
			if err != nil {
				// the error handler has not run yet, so derive the status it will write
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if status < 400 {
					status = 500
				}
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			m.RecordRequest(c.Request().Method, path, strconv.Itoa(status), time.Since(start).Seconds())
			return err
		}
	}
}
