package handler

import (
	"context"
	"net/http"

	"github.com/haatos/simple-dispatch/internal/service"
	"github.com/haatos/simple-dispatch/internal/store"
	"github.com/labstack/echo/v4"
)

func SetupPipelineRoutes(
	g *echo.Group,
	pipelineService PipelineServicer,
	logService ExecutionLogReader,
) {
	h := NewPipelineHandler(pipelineService, logService)
	g.POST("/pipelines/:pipeline_id/run", h.PostPipelineRun)
	g.GET("/pipelines/:pipeline_id/executions", h.GetPipelineExecutions)

	pickupGroup := g.Group("/pipelines/pickup")
	pickupGroup.GET("/:agent_uuid", h.GetPipelinePickups)
	pickupGroup.POST("/:pickup_id/acknowledge", h.PostAcknowledgePickup)
	pickupGroup.POST("/:pickup_id/start", h.PostStartPickup)
	pickupGroup.POST("/:pickup_id/complete", h.PostCompletePickup)
	pickupGroup.POST("/:pickup_id/log", h.PostPickupLog)
	pickupGroup.POST("/:pickup_id/cancel", h.PostCancelPickup)

	executionsGroup := g.Group("/pipeline-executions")
	executionsGroup.GET("/:execution_id", h.GetPipelineExecution)
	executionsGroup.GET("/:execution_id/logs", h.GetPipelineExecutionLogs)
}

type PipelineTrigger interface {
	TriggerPipeline(
		ctx context.Context,
		req service.TriggerPipelineRequest,
	) (*store.PipelineExecution, *store.PipelinePickup, error)
}

type PipelinePickupQueue interface {
	PollPipelinePickups(ctx context.Context, agentUUID string) ([]*store.PipelinePickup, error)
	AcknowledgePipelinePickup(ctx context.Context, id int64) (*store.PipelinePickup, error)
	StartPipelinePickup(ctx context.Context, id int64) (*store.PipelinePickup, error)
	CompletePipelinePickup(
		ctx context.Context,
		id int64,
		success bool,
		errorMessage string,
	) (*store.PipelinePickup, error)
	CancelPipelinePickup(ctx context.Context, id int64, reason string) (*store.PipelinePickup, error)
}

type PickupLogger interface {
	AppendPickupLog(
		ctx context.Context,
		kind store.PickupKind,
		pickupID int64,
		level store.LogLevel,
		message string,
	) (*store.ExecutionLog, error)
}

type PipelineServicer interface {
	PipelineTrigger
	PipelinePickupQueue
	PickupLogger
	GetPipelineExecution(ctx context.Context, id int64) (*store.PipelineExecution, error)
	ListPipelineExecutions(
		ctx context.Context,
		pipelineID, limit int64,
	) ([]*store.PipelineExecution, error)
}

type ExecutionLogReader interface {
	ListPipelineExecutionLogs(ctx context.Context, id int64) ([]*store.ExecutionLog, error)
	ListStageExecutionLogs(ctx context.Context, id int64) ([]*store.ExecutionLog, error)
}

type PipelineHandler struct {
	pipelineService PipelineServicer
	logService      ExecutionLogReader
}

func NewPipelineHandler(
	pipelineService PipelineServicer,
	logService ExecutionLogReader,
) *PipelineHandler {
	return &PipelineHandler{
		pipelineService: pipelineService,
		logService:      logService,
	}
}

type PipelineRunResponse struct {
	Execution *store.PipelineExecution `json:"execution"`
	Pickup    *store.PipelinePickup    `json:"pickup"`
}

func (h *PipelineHandler) PostPipelineRun(c echo.Context) error {
	tp := new(TriggerPipelineParams)
	if err := c.Bind(tp); err != nil {
		return newBindError(err, "invalid pipeline run data")
	}

	pe, pickup, err := h.pipelineService.TriggerPipeline(
		c.Request().Context(),
		service.TriggerPipelineRequest{
			PipelineID:  tp.PipelineID,
			AgentID:     tp.AgentID,
			Parameters:  tp.Parameters,
			TriggeredBy: tp.TriggeredBy,
			Priority:    tp.Priority,
		},
	)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, PipelineRunResponse{Execution: pe, Pickup: pickup})
}

func (h *PipelineHandler) GetPipelinePickups(c echo.Context) error {
	ap := new(AgentUUIDParams)
	if err := c.Bind(ap); err != nil {
		return newBindError(err, "invalid agent uuid")
	}

	pickups, err := h.pipelineService.PollPipelinePickups(c.Request().Context(), ap.AgentUUID)
	if err != nil {
		return err
	}
	if pickups == nil {
		pickups = []*store.PipelinePickup{}
	}
	return c.JSON(http.StatusOK, pickups)
}

func (h *PipelineHandler) PostAcknowledgePickup(c echo.Context) error {
	pp := new(PickupParams)
	if err := c.Bind(pp); err != nil {
		return newBindError(err, "invalid pickup id")
	}

	pickup, err := h.pipelineService.AcknowledgePipelinePickup(c.Request().Context(), pp.PickupID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pickup)
}

func (h *PipelineHandler) PostStartPickup(c echo.Context) error {
	pp := new(PickupParams)
	if err := c.Bind(pp); err != nil {
		return newBindError(err, "invalid pickup id")
	}

	pickup, err := h.pipelineService.StartPipelinePickup(c.Request().Context(), pp.PickupID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pickup)
}

func (h *PipelineHandler) PostCompletePickup(c echo.Context) error {
	cp := new(CompletePickupParams)
	if err := c.Bind(cp); err != nil {
		return newBindError(err, "invalid completion data")
	}

	pickup, err := h.pipelineService.CompletePipelinePickup(
		c.Request().Context(), cp.PickupID, cp.Success, cp.ErrorMessage,
	)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pickup)
}

func (h *PipelineHandler) PostPickupLog(c echo.Context) error {
	lp := new(PickupLogParams)
	if err := c.Bind(lp); err != nil {
		return newBindError(err, "invalid log data")
	}

	l, err := h.pipelineService.AppendPickupLog(
		c.Request().Context(), store.PipelinePickupKind, lp.PickupID, lp.Level, lp.Message,
	)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, l)
}

func (h *PipelineHandler) PostCancelPickup(c echo.Context) error {
	cp := new(CancelPickupParams)
	if err := c.Bind(cp); err != nil {
		return newBindError(err, "invalid cancel data")
	}

	pickup, err := h.pipelineService.CancelPipelinePickup(
		c.Request().Context(), cp.PickupID, cp.Reason,
	)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pickup)
}

func (h *PipelineHandler) GetPipelineExecution(c echo.Context) error {
	ep := new(ExecutionParams)
	if err := c.Bind(ep); err != nil {
		return newBindError(err, "invalid execution id")
	}

	pe, err := h.pipelineService.GetPipelineExecution(c.Request().Context(), ep.ExecutionID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pe)
}

func (h *PipelineHandler) GetPipelineExecutions(c echo.Context) error {
	hp := new(PipelineHistoryParams)
	if err := c.Bind(hp); err != nil {
		return newBindError(err, "invalid pipeline id or limit")
	}

	executions, err := h.pipelineService.ListPipelineExecutions(
		c.Request().Context(), hp.PipelineID, hp.Limit,
	)
	if err != nil {
		return err
	}
	if executions == nil {
		executions = []*store.PipelineExecution{}
	}
	return c.JSON(http.StatusOK, executions)
}

func (h *PipelineHandler) GetPipelineExecutionLogs(c echo.Context) error {
	ep := new(ExecutionParams)
	if err := c.Bind(ep); err != nil {
		return newBindError(err, "invalid execution id")
	}

	ctx := c.Request().Context()
	if _, err := h.pipelineService.GetPipelineExecution(ctx, ep.ExecutionID); err != nil {
		return err
	}
	logs, err := h.logService.ListPipelineExecutionLogs(ctx, ep.ExecutionID)
	if err != nil {
		return err
	}
	if logs == nil {
		logs = []*store.ExecutionLog{}
	}
	return c.JSON(http.StatusOK, logs)
}
