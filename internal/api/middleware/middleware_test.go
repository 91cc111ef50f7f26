package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/birdnet-search/internal/logger"
	"github.com/tphakala/birdnet-search/internal/observability/metrics"
)

func newEcho(mw ...echo.MiddlewareFunc) *echo.Echo {
	e := echo.New()
	e.Use(mw...)
	e.GET("/health", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/api/v2/sessions/:id", func(c echo.Context) error { return c.String(http.StatusOK, c.Param("id")) })
	e.POST("/echo", func(c echo.Context) error {
		var body map[string]any
		if err := c.Bind(&body); err != nil {
			return err
		}
		return c.JSON(http.StatusOK, body)
	})
	return e
}

func serve(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.RemoteAddr = "192.0.2.7:4000"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestRateLimiterDeniesBurstOverflow(t *testing.T) {
	e := newEcho(NewRateLimiter(RateLimitConfig{Rate: 0.001, Burst: 2}))

	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/api/v2/sessions/a", "").Code)
	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/api/v2/sessions/b", "").Code)
	assert.Equal(t, http.StatusTooManyRequests, serve(e, http.MethodGet, "/api/v2/sessions/c", "").Code)

	// probes are never limited
	assert.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/health", "").Code)
}

func TestRateLimiterDisabled(t *testing.T) {
	e := newEcho(NewRateLimiter(RateLimitConfig{}))
	for range 20 {
		require.Equal(t, http.StatusOK, serve(e, http.MethodGet, "/api/v2/sessions/a", "").Code)
	}
}

func TestBodyLimit(t *testing.T) {
	e := newEcho(NewBodyLimit("16B"))
	assert.Equal(t, http.StatusOK, serve(e, http.MethodPost, "/echo", `{"a":1}`).Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge, serve(e, http.MethodPost, "/echo", `{"a":"0123456789abcdef"}`).Code)
}

func TestHTTPMetricsUseRouteTemplate(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.NewHTTPMetrics(reg)
	require.NoError(t, err)
	e := newEcho(NewHTTPMetrics(m))

	serve(e, http.MethodGet, "/api/v2/sessions/a", "")
	serve(e, http.MethodGet, "/api/v2/sessions/b", "")

	assert.Equal(t, 1, testutil.CollectAndCount(m, "http_requests_in_flight"))
	assert.InDelta(t, 0, m.InFlight(), 0)
	expected := `
# HELP http_requests_total Total number of HTTP requests
# TYPE http_requests_total counter
http_requests_total{method="GET",path="/api/v2/sessions/:id",status_code="200"} 2
`
	require.NoError(t, testutil.CollectAndCompare(m, strings.NewReader(expected), "http_requests_total"))

	serve(e, http.MethodGet, "/missing", "")
	assert.Equal(t, 2, testutil.CollectAndCount(m, "http_requests_total"))
}

func TestRequestLoggerAndRequestID(t *testing.T) {
	buf := &bytes.Buffer{}
	log := logger.NewWriterLogger(buf, logger.LogLevelDebug).Module("server")
	e := newEcho(NewRequestID(), NewRequestLogger(log))

	rec := serve(e, http.MethodGet, "/api/v2/sessions/a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	id := rec.Header().Get(echo.HeaderXRequestID)
	require.NotEmpty(t, id)

	out := buf.String()
	assert.Contains(t, out, "uri=/api/v2/sessions/a")
	assert.Contains(t, out, "status=200")
	assert.Contains(t, out, "trace_id="+id)
}

func TestCORSPreflight(t *testing.T) {
	e := newEcho(NewCORS(SecurityConfig{AllowedOrigins: []string{"https://review.example.org"}}))
	req := httptest.NewRequest(http.MethodOptions, "/api/v2/sessions/a", http.NoBody)
	req.Header.Set(echo.HeaderOrigin, "https://review.example.org")
	req.Header.Set(echo.HeaderAccessControlRequestMethod, http.MethodPost)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://review.example.org", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
}
