package handler

import (
	"time"

	"github.com/google/uuid"
	"github.com/haatos/simple-dispatch/internal"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// RequestLogger tags every request with an id, reusing X-Request-ID when the
// client sent one, and logs the outcome once the handler returns.
func RequestLogger(logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			id := req.Header.Get(echo.HeaderXRequestID)
			if id == "" {
				id = uuid.NewString()
			}
			c.Set(internal.RequestIDKey, id)
			c.Response().Header().Set(echo.HeaderXRequestID, id)

			if err := next(c); err != nil {
				c.Error(err)
			}

			res := c.Response()
			fields := []zap.Field{
				zap.String("request_id", id),
				zap.String("method", req.Method),
				zap.String("path", c.Path()),
				zap.String("uri", req.RequestURI),
				zap.Int("status", res.Status),
				zap.Duration("latency", time.Since(start)),
				zap.String("remote_ip", c.RealIP()),
			}
			if res.Status >= 500 {
				logger.Error("request", fields...)
			} else {
				logger.Info("request", fields...)
			}
			return nil
		}
	}
}

func getRequestID(c echo.Context) string {
	if id, ok := c.Get(internal.RequestIDKey).(string); ok {
		return id
	}
	return ""
}
