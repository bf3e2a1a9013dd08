package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/haatos/simple-dispatch/internal/store"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const maxDefinitionsSize = "1M"

func SetupDefinitionRoutes(g *echo.Group, definitionService DefinitionServicer) {
	h := NewDefinitionHandler(definitionService)
	g.GET("/pipelines", h.GetPipelines)
	g.GET("/releases", h.GetReleases)
	g.POST("/definitions", h.PostDefinitions, middleware.BodyLimit(maxDefinitionsSize))
}

type DefinitionServicer interface {
	ImportDefinitions(ctx context.Context, r io.Reader) (*store.ImportSummary, error)
	ListPipelines(ctx context.Context) ([]*store.Pipeline, error)
	ListReleases(ctx context.Context) ([]*store.Release, error)
}

type DefinitionHandler struct {
	definitionService DefinitionServicer
}

func NewDefinitionHandler(definitionService DefinitionServicer) *DefinitionHandler {
	return &DefinitionHandler{definitionService}
}

func (h *DefinitionHandler) GetPipelines(c echo.Context) error {
	pipelines, err := h.definitionService.ListPipelines(c.Request().Context())
	if err != nil {
		return err
	}
	if pipelines == nil {
		pipelines = []*store.Pipeline{}
	}
	return c.JSON(http.StatusOK, pipelines)
}

func (h *DefinitionHandler) GetReleases(c echo.Context) error {
	releases, err := h.definitionService.ListReleases(c.Request().Context())
	if err != nil {
		return err
	}
	if releases == nil {
		releases = []*store.Release{}
	}
	return c.JSON(http.StatusOK, releases)
}

// PostDefinitions imports the YAML document sent as the request body.
func (h *DefinitionHandler) PostDefinitions(c echo.Context) error {
	summary, err := h.definitionService.ImportDefinitions(
		c.Request().Context(), c.Request().Body,
	)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, summary)
}
