package api

import (
	"crypto/rand"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/birdnet-search/internal/errors"
	"github.com/tphakala/birdnet-search/internal/logger"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	CorrelationID string `json:"correlation_id"` // unique identifier for tracking this error
}

// generateCorrelationID creates a random identifier for error tracking
func generateCorrelationID() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	const length = 8

	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "ERR-RAND"
	}
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return string(b)
}

// statusFor maps an error category to its HTTP status.
func statusFor(category errors.ErrorCategory) int {
	switch category {
	case errors.CategoryValidation:
		return http.StatusBadRequest
	case errors.CategoryNotFound:
		return http.StatusNotFound
	case errors.CategoryConflict, errors.CategoryCancellation:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// codeForStatus names echo's own errors (routing, body limit, rate limit).
func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return errors.CodeValidation
	case http.StatusNotFound:
		return errors.CodeNotFound
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusForbidden:
		return "forbidden"
	default:
		return errors.CodeInternal
	}
}

// HandleError writes err as an ErrorResponse with the status its category maps to.
func (c *Controller) HandleError(ctx echo.Context, err error) error {
	var enhanced *errors.EnhancedError
	var httpErr *echo.HTTPError
	if !errors.As(err, &enhanced) && errors.As(err, &httpErr) {
		msg, _ := httpErr.Message.(string)
		if msg == "" {
			msg = http.StatusText(httpErr.Code)
		}
		return ctx.JSON(httpErr.Code, &ErrorResponse{
			Error:         msg,
			Code:          codeForStatus(httpErr.Code),
			CorrelationID: generateCorrelationID(),
		})
	}

	category := errors.CategoryOf(err)
	status := statusFor(category)
	resp := &ErrorResponse{
		Error:         err.Error(),
		Code:          errors.CodeOf(err),
		CorrelationID: generateCorrelationID(),
	}

	req := ctx.Request()
	fields := []logger.Field{
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("code", resp.Code),
		logger.Int("status", status),
		logger.String("method", req.Method),
		logger.String("path", ctx.Path()),
		logger.Error(err),
	}
	l := log.WithContext(req.Context())
	if status >= http.StatusInternalServerError {
		if category == errors.CategoryGeneric || category == errors.CategoryDatabase {
			// store details stay in the log
			resp.Error = "internal error"
		}
		l.Error("request failed", fields...)
	} else {
		l.Debug("request rejected", fields...)
	}
	return ctx.JSON(status, resp)
}

// HTTPErrorHandler renders errors returned by handlers and middleware.
func (c *Controller) HTTPErrorHandler(err error, ctx echo.Context) {
	if ctx.Response().Committed {
		return
	}
	if werr := c.HandleError(ctx, err); werr != nil {
		log.Warn("failed to write error response", logger.Error(werr))
	}
}
