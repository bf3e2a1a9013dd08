package handler

import "github.com/haatos/simple-dispatch/internal/store"

type RegisterAgentParams struct {
	UUID        string `json:"uuid"`
	Name        string `json:"name"`
	Location    string `json:"location"`
	Description string `json:"description"`
}

type HeartbeatParams struct {
	AgentUUID string            `param:"agent_uuid"`
	Status    store.AgentStatus `                   json:"status"`
	CPU       int64             `                   json:"cpu"`
	Memory    int64             `                   json:"memory"`
	Jobs      int64             `                   json:"jobs"`
}

type AgentUUIDParams struct {
	AgentUUID string `param:"agent_uuid"`
}

type TriggerPipelineParams struct {
	PipelineID  int64             `param:"pipeline_id"`
	AgentID     *int64            `                    json:"agent_id"`
	Parameters  map[string]string `                    json:"parameters"`
	TriggeredBy string            `                    json:"triggered_by"`
	Priority    *int64            `                    json:"priority"`
}

type PipelineHistoryParams struct {
	PipelineID int64 `param:"pipeline_id"`
	Limit      int64 `                    query:"limit"`
}

type TriggerReleaseParams struct {
	ReleaseID   int64             `param:"release_id"`
	AgentID     *int64            `                   json:"agent_id"`
	Parameters  map[string]string `                   json:"parameters"`
	TriggeredBy string            `                   json:"triggered_by"`
	Priority    *int64            `                   json:"priority"`
}

type PickupParams struct {
	PickupID int64 `param:"pickup_id"`
}

type CompletePickupParams struct {
	PickupID     int64  `param:"pickup_id"`
	Success      bool   `                  json:"success"`
	ErrorMessage string `                  json:"error_message"`
}

type CancelPickupParams struct {
	PickupID int64  `param:"pickup_id"`
	Reason   string `                  json:"reason"`
}

type PickupLogParams struct {
	PickupID int64          `param:"pickup_id"`
	Level    store.LogLevel `                  json:"level"`
	Message  string         `                  json:"message"`
}

type ExecutionParams struct {
	ExecutionID int64 `param:"execution_id"`
}

type StageExecutionParams struct {
	StageExecutionID int64 `param:"stage_execution_id"`
}

type ApprovalParams struct {
	StageExecutionID int64  `param:"stage_execution_id"`
	Approver         string `                           json:"approver"`
	Comments         string `                           json:"comments"`
}
