package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/alem-hub/care-hub/internal/application/command"
	"github.com/alem-hub/care-hub/internal/domain/escalation"
	"github.com/alem-hub/care-hub/internal/domain/shared"
	"github.com/alem-hub/care-hub/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE ENVELOPE
// ══════════════════════════════════════════════════════════════════════════════

// JSONResponse is the envelope of every JSON response.
type JSONResponse struct {
	Success   bool          `json:"success"`
	Data      interface{}   `json:"data,omitempty"`
	Error     *APIError     `json:"error,omitempty"`
	Meta      *ResponseMeta `json:"meta,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
}

// APIError describes a failed request.
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
}

// ResponseMeta contains response metadata.
type ResponseMeta struct {
	Timestamp  time.Time `json:"timestamp"`
	Version    string    `json:"version,omitempty"`
	TotalCount int       `json:"total_count,omitempty"`
}

func writeJSON(c echo.Context, status int, data interface{}) error {
	return c.JSON(status, JSONResponse{
		Success:   status >= 200 && status < 300,
		Data:      data,
		Meta:      &ResponseMeta{Timestamp: time.Now().UTC(), Version: "v1"},
		RequestID: requestID(c),
	})
}

func writeList(c echo.Context, data interface{}, total int) error {
	return c.JSON(http.StatusOK, JSONResponse{
		Success:   true,
		Data:      data,
		Meta:      &ResponseMeta{Timestamp: time.Now().UTC(), Version: "v1", TotalCount: total},
		RequestID: requestID(c),
	})
}

func writeError(c echo.Context, status int, code, message string, apiErr *APIError) error {
	if apiErr == nil {
		apiErr = &APIError{}
	}
	apiErr.Code = code
	apiErr.Message = message
	return c.JSON(status, JSONResponse{
		Success:   false,
		Error:     apiErr,
		Meta:      &ResponseMeta{Timestamp: time.Now().UTC()},
		RequestID: requestID(c),
	})
}

func requestID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR MAPPING
// ══════════════════════════════════════════════════════════════════════════════

// handleError is the echo error handler. Domain error kinds decide the
// status; the message of a DomainError is safe to show.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status, code, apiErr := classifyError(err)
	message := publicMessage(err, status)

	switch {
	case status == http.StatusServiceUnavailable:
		logger.FromContext(c.Request().Context()).Warn("request unavailable",
			zap.String("route", c.Path()),
			zap.Error(err),
		)
	case status >= http.StatusInternalServerError:
		logger.FromContext(c.Request().Context()).Error("request failed",
			zap.String("route", c.Path()),
			zap.Error(err),
		)
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	if werr := writeError(c, status, code, message, apiErr); werr != nil {
		s.logger.Warn("failed to write error response", zap.Error(werr))
	}
}

func classifyError(err error) (int, string, *APIError) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, http.StatusText(he.Code), nil
	}

	var ve *command.ValidationError
	if errors.As(err, &ve) {
		return http.StatusBadRequest, "validation_failed", &APIError{Fields: ve.Fields}
	}

	switch {
	case errors.Is(err, escalation.ErrPriorityDowngrade):
		return http.StatusConflict, "priority_downgrade", nil
	case shared.IsNotFound(err):
		return http.StatusNotFound, "not_found", nil
	case shared.IsValidation(err):
		return http.StatusBadRequest, "invalid_request", nil
	case errors.Is(err, shared.ErrForbidden):
		return http.StatusForbidden, "forbidden", nil
	case shared.IsConflict(err):
		return http.StatusConflict, "conflict", nil
	case errors.Is(err, shared.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited", &APIError{Retryable: true}
	case shared.IsRetryable(err):
		return http.StatusServiceUnavailable, "temporarily_unavailable", &APIError{Retryable: true}
	}
	return http.StatusInternalServerError, "internal_error", nil
}

func publicMessage(err error, status int) string {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if msg, ok := he.Message.(string); ok {
			return msg
		}
		return http.StatusText(he.Code)
	}
	if status == http.StatusInternalServerError {
		return "an unexpected error occurred"
	}
	var de *shared.DomainError
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}

func badRequest(message string) error {
	return echo.NewHTTPError(http.StatusBadRequest, message)
}
