package handler

import (
	"context"
	"net/http"

	"github.com/haatos/simple-dispatch/internal/store"
	"github.com/labstack/echo/v4"
)

func SetupAgentRoutes(g *echo.Group, agentService AgentServicer) {
	h := NewAgentHandler(agentService)
	agentsGroup := g.Group("/agents")
	agentsGroup.POST("", h.PostAgent)
	agentsGroup.GET("", h.GetAgents)
	agentsGroup.GET("/:agent_uuid", h.GetAgent)
	agentsGroup.POST("/:agent_uuid/heartbeat", h.PostHeartbeat)
}

type AgentServicer interface {
	RegisterAgent(
		ctx context.Context,
		agentUUID, name, location, description string,
	) (*store.Agent, error)
	HeartbeatAgent(ctx context.Context, agentUUID string, metrics store.AgentMetrics) error
	GetAgentByUUID(ctx context.Context, agentUUID string) (*store.Agent, error)
	ListAgents(ctx context.Context) ([]*store.Agent, error)
}

type AgentHandler struct {
	agentService AgentServicer
}

func NewAgentHandler(agentService AgentServicer) *AgentHandler {
	return &AgentHandler{agentService}
}

func (h *AgentHandler) PostAgent(c echo.Context) error {
	ap := new(RegisterAgentParams)
	if err := c.Bind(ap); err != nil {
		return newBindError(err, "invalid agent data")
	}

	a, err := h.agentService.RegisterAgent(
		c.Request().Context(),
		ap.UUID,
		ap.Name,
		ap.Location,
		ap.Description,
	)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *AgentHandler) GetAgents(c echo.Context) error {
	agents, err := h.agentService.ListAgents(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, agents)
}

func (h *AgentHandler) GetAgent(c echo.Context) error {
	ap := new(AgentUUIDParams)
	if err := c.Bind(ap); err != nil {
		return newBindError(err, "invalid agent uuid")
	}

	a, err := h.agentService.GetAgentByUUID(c.Request().Context(), ap.AgentUUID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

func (h *AgentHandler) PostHeartbeat(c echo.Context) error {
	hp := new(HeartbeatParams)
	if err := c.Bind(hp); err != nil {
		return newBindError(err, "invalid heartbeat data")
	}

	if err := h.agentService.HeartbeatAgent(
		c.Request().Context(),
		hp.AgentUUID,
		store.AgentMetrics{
			Status: hp.Status,
			CPU:    hp.CPU,
			Memory: hp.Memory,
			Jobs:   hp.Jobs,
		},
	); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
