package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/haatos/simple-dispatch/internal/service"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type ErrorResponse struct {
	Kind    service.ErrorKind `json:"kind"`
	Message string            `json:"message"`
}

// NewErrorHandler renders service errors and echo HTTP errors as ErrorResponse.
func NewErrorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status, body := errorResponse(err)
		fields := []zap.Field{
			zap.String("request_id", getRequestID(c)),
			zap.String("path", c.Request().URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		}
		if status >= http.StatusInternalServerError {
			logger.Error("handler error", fields...)
		} else {
			logger.Debug("handler error", fields...)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, body)
		}
		if err != nil {
			logger.Error("error writing error response", zap.Error(err))
		}
	}
}

func errorResponse(err error) (int, ErrorResponse) {
	var se *service.Error
	if errors.As(err, &se) {
		return statusForKind(se.Kind), ErrorResponse{Kind: se.Kind, Message: se.Message}
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code, ErrorResponse{Kind: kindForStatus(he.Code), Message: fmt.Sprint(he.Message)}
	}
	return http.StatusInternalServerError, ErrorResponse{
		Kind:    service.KindInternal,
		Message: "something went terribly wrong",
	}
}

func statusForKind(kind service.ErrorKind) int {
	switch kind {
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindConflict:
		return http.StatusConflict
	case service.KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func kindForStatus(status int) service.ErrorKind {
	switch {
	case status == http.StatusNotFound:
		return service.KindNotFound
	case status == http.StatusConflict:
		return service.KindConflict
	case status < http.StatusInternalServerError:
		return service.KindBadRequest
	default:
		return service.KindInternal
	}
}

func newBindError(err error, message string) error {
	return echo.NewHTTPError(http.StatusBadRequest, message).SetInternal(err)
}
