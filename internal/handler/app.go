package handler

import (
	"context"
	"net/http"

	"github.com/haatos/simple-dispatch/internal"
	"github.com/labstack/echo/v4"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

func SetupAppRoutes(g *echo.Group, config *internal.Configuration, db Pinger) {
	h := NewAppHandler(config, db)
	g.GET("/healthz", h.GetHealthz)
	g.GET("/config", h.GetConfig)
}

type AppHandler struct {
	config *internal.Configuration
	db     Pinger
}

func NewAppHandler(config *internal.Configuration, db Pinger) *AppHandler {
	return &AppHandler{config: config, db: db}
}

type HealthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

func (h *AppHandler) GetHealthz(c echo.Context) error {
	if err := h.db.PingContext(c.Request().Context()); err != nil {
		c.Logger().Errorf("database ping failed: %v", err)
		return c.JSON(
			http.StatusServiceUnavailable,
			HealthResponse{Status: "unavailable", Database: "unreachable"},
		)
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Database: "ok"})
}

func (h *AppHandler) GetConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, h.config)
}
