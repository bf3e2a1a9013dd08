package handler

import (
	"context"
	"net/http"

	"github.com/haatos/simple-dispatch/internal/service"
	"github.com/haatos/simple-dispatch/internal/store"
	"github.com/labstack/echo/v4"
)

func SetupReleaseRoutes(
	g *echo.Group,
	releaseService ReleaseServicer,
	logService ExecutionLogReader,
) {
	h := NewReleaseHandler(releaseService, logService)
	g.POST("/releases/:release_id/deploy", h.PostReleaseDeploy)

	pickupGroup := g.Group("/releases/pickup")
	pickupGroup.GET("/:agent_uuid", h.GetReleasePickups)
	pickupGroup.POST("/:pickup_id/acknowledge", h.PostAcknowledgePickup)
	pickupGroup.POST("/:pickup_id/start", h.PostStartPickup)
	pickupGroup.POST("/:pickup_id/complete", h.PostCompletePickup)
	pickupGroup.POST("/:pickup_id/log", h.PostPickupLog)
	pickupGroup.POST("/:pickup_id/cancel", h.PostCancelPickup)

	g.GET("/release-executions/:execution_id", h.GetReleaseExecution)

	stagesGroup := g.Group("/stage-executions")
	stagesGroup.GET("/:stage_execution_id", h.GetStageExecution)
	stagesGroup.GET("/:stage_execution_id/logs", h.GetStageExecutionLogs)
	stagesGroup.POST("/:stage_execution_id/approve", h.PostApproveStage)
	stagesGroup.POST("/:stage_execution_id/reject", h.PostRejectStage)
}

type ReleaseTrigger interface {
	TriggerRelease(
		ctx context.Context,
		req service.TriggerReleaseRequest,
	) (*store.ReleaseExecution, []*store.ReleasePickup, error)
}

type ReleasePickupQueue interface {
	PollReleasePickups(ctx context.Context, agentUUID string) ([]*store.ReleasePickup, error)
	AcknowledgeReleasePickup(ctx context.Context, id int64) (*store.ReleasePickup, error)
	StartReleasePickup(ctx context.Context, id int64) (*store.ReleasePickup, error)
	CompleteReleasePickup(
		ctx context.Context,
		id int64,
		success bool,
		errorMessage string,
	) (*store.ReleasePickup, error)
	CancelReleasePickup(ctx context.Context, id int64, reason string) (*store.ReleasePickup, error)
}

type ApprovalGate interface {
	ApproveStage(
		ctx context.Context,
		stageExecutionID int64,
		approver, comments string,
	) (*store.StageExecution, *store.ReleasePickup, error)
	RejectStage(
		ctx context.Context,
		stageExecutionID int64,
		approver, comments string,
	) (*store.StageExecution, error)
}

type ReleaseServicer interface {
	ReleaseTrigger
	ReleasePickupQueue
	ApprovalGate
	PickupLogger
	GetReleaseExecution(ctx context.Context, id int64) (*store.ReleaseExecution, error)
	GetStageExecution(ctx context.Context, id int64) (*store.StageExecution, error)
}

type ReleaseHandler struct {
	releaseService ReleaseServicer
	logService     ExecutionLogReader
}

func NewReleaseHandler(
	releaseService ReleaseServicer,
	logService ExecutionLogReader,
) *ReleaseHandler {
	return &ReleaseHandler{
		releaseService: releaseService,
		logService:     logService,
	}
}

type ReleaseDeployResponse struct {
	Execution *store.ReleaseExecution `json:"execution"`
	Pickups   []*store.ReleasePickup  `json:"pickups"`
}

type ApprovalResponse struct {
	StageExecution *store.StageExecution `json:"stage_execution"`
	Pickup         *store.ReleasePickup  `json:"pickup,omitempty"`
}

func (h *ReleaseHandler) PostReleaseDeploy(c echo.Context) error {
	tp := new(TriggerReleaseParams)
	if err := c.Bind(tp); err != nil {
		return newBindError(err, "invalid release deploy data")
	}

	re, pickups, err := h.releaseService.TriggerRelease(
		c.Request().Context(),
		service.TriggerReleaseRequest{
			ReleaseID:   tp.ReleaseID,
			AgentID:     tp.AgentID,
			Parameters:  tp.Parameters,
			TriggeredBy: tp.TriggeredBy,
			Priority:    tp.Priority,
		},
	)
	if err != nil {
		return err
	}
	if pickups == nil {
		pickups = []*store.ReleasePickup{}
	}
	return c.JSON(http.StatusCreated, ReleaseDeployResponse{Execution: re, Pickups: pickups})
}

func (h *ReleaseHandler) GetReleasePickups(c echo.Context) error {
	ap := new(AgentUUIDParams)
	if err := c.Bind(ap); err != nil {
		return newBindError(err, "invalid agent uuid")
	}

	pickups, err := h.releaseService.PollReleasePickups(c.Request().Context(), ap.AgentUUID)
	if err != nil {
		return err
	}
	if pickups == nil {
		pickups = []*store.ReleasePickup{}
	}
	return c.JSON(http.StatusOK, pickups)
}

func (h *ReleaseHandler) PostAcknowledgePickup(c echo.Context) error {
	pp := new(PickupParams)
	if err := c.Bind(pp); err != nil {
		return newBindError(err, "invalid pickup id")
	}

	pickup, err := h.releaseService.AcknowledgeReleasePickup(c.Request().Context(), pp.PickupID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pickup)
}

func (h *ReleaseHandler) PostStartPickup(c echo.Context) error {
	pp := new(PickupParams)
	if err := c.Bind(pp); err != nil {
		return newBindError(err, "invalid pickup id")
	}

	pickup, err := h.releaseService.StartReleasePickup(c.Request().Context(), pp.PickupID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pickup)
}

func (h *ReleaseHandler) PostCompletePickup(c echo.Context) error {
	cp := new(CompletePickupParams)
	if err := c.Bind(cp); err != nil {
		return newBindError(err, "invalid completion data")
	}

	pickup, err := h.releaseService.CompleteReleasePickup(
		c.Request().Context(), cp.PickupID, cp.Success, cp.ErrorMessage,
	)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pickup)
}

func (h *ReleaseHandler) PostPickupLog(c echo.Context) error {
	lp := new(PickupLogParams)
	if err := c.Bind(lp); err != nil {
		return newBindError(err, "invalid log data")
	}

	l, err := h.releaseService.AppendPickupLog(
		c.Request().Context(), store.ReleasePickupKind, lp.PickupID, lp.Level, lp.Message,
	)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, l)
}

func (h *ReleaseHandler) PostCancelPickup(c echo.Context) error {
	cp := new(CancelPickupParams)
	if err := c.Bind(cp); err != nil {
		return newBindError(err, "invalid cancel data")
	}

	pickup, err := h.releaseService.CancelReleasePickup(
		c.Request().Context(), cp.PickupID, cp.Reason,
	)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pickup)
}

func (h *ReleaseHandler) GetReleaseExecution(c echo.Context) error {
	ep := new(ExecutionParams)
	if err := c.Bind(ep); err != nil {
		return newBindError(err, "invalid execution id")
	}

	re, err := h.releaseService.GetReleaseExecution(c.Request().Context(), ep.ExecutionID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, re)
}

func (h *ReleaseHandler) GetStageExecution(c echo.Context) error {
	sp := new(StageExecutionParams)
	if err := c.Bind(sp); err != nil {
		return newBindError(err, "invalid stage execution id")
	}

	se, err := h.releaseService.GetStageExecution(c.Request().Context(), sp.StageExecutionID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, se)
}

func (h *ReleaseHandler) GetStageExecutionLogs(c echo.Context) error {
	sp := new(StageExecutionParams)
	if err := c.Bind(sp); err != nil {
		return newBindError(err, "invalid stage execution id")
	}

	ctx := c.Request().Context()
	if _, err := h.releaseService.GetStageExecution(ctx, sp.StageExecutionID); err != nil {
		return err
	}
	logs, err := h.logService.ListStageExecutionLogs(ctx, sp.StageExecutionID)
	if err != nil {
		return err
	}
	if logs == nil {
		logs = []*store.ExecutionLog{}
	}
	return c.JSON(http.StatusOK, logs)
}

func (h *ReleaseHandler) PostApproveStage(c echo.Context) error {
	ap := new(ApprovalParams)
	if err := c.Bind(ap); err != nil {
		return newBindError(err, "invalid approval data")
	}

	se, pickup, err := h.releaseService.ApproveStage(
		c.Request().Context(), ap.StageExecutionID, ap.Approver, ap.Comments,
	)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ApprovalResponse{StageExecution: se, Pickup: pickup})
}

func (h *ReleaseHandler) PostRejectStage(c echo.Context) error {
	ap := new(ApprovalParams)
	if err := c.Bind(ap); err != nil {
		return newBindError(err, "invalid approval data")
	}

	se, err := h.releaseService.RejectStage(
		c.Request().Context(), ap.StageExecutionID, ap.Approver, ap.Comments,
	)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ApprovalResponse{StageExecution: se})
}
