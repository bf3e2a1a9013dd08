package store

import "time"

type ExecutionStatus string

const (
	ExecutionPending            ExecutionStatus = "pending"
	ExecutionRunning            ExecutionStatus = "running"
	ExecutionSucceeded          ExecutionStatus = "succeeded"
	ExecutionFailed             ExecutionStatus = "failed"
	ExecutionCancelled          ExecutionStatus = "cancelled"
	ExecutionPartiallySucceeded ExecutionStatus = "partially_succeeded"
)

func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionCancelled, ExecutionPartiallySucceeded:
		return true
	}
	return false
}

type StageStatus string

const (
	StagePending          StageStatus = "pending"
	StageAwaitingApproval StageStatus = "awaiting_approval"
	StageInProgress       StageStatus = "in_progress"
	StageSucceeded        StageStatus = "succeeded"
	StageFailed           StageStatus = "failed"
	StageCancelled        StageStatus = "cancelled"
	StageSkipped          StageStatus = "skipped"
)

func (s StageStatus) Terminal() bool {
	switch s {
	case StageSucceeded, StageFailed, StageCancelled, StageSkipped:
		return true
	}
	return false
}

type ApprovalStatus string

const (
	ApprovalNotRequired ApprovalStatus = "not_required"
	ApprovalPending     ApprovalStatus = "pending"
	ApprovalApproved    ApprovalStatus = "approved"
	ApprovalRejected    ApprovalStatus = "rejected"
)

type PipelineExecution struct {
	PipelineExecutionID int64           `json:"pipeline_execution_id"`
	PipelineID          int64           `json:"pipeline_id"`
	Status              ExecutionStatus `json:"status"`
	StartedAt           time.Time       `json:"started_at"`
	CompletedAt         *time.Time      `json:"completed_at"`
	DurationSeconds     *int64          `json:"duration_seconds"`
	TriggeredBy         string          `json:"triggered_by"`
	Revision            int64           `json:"revision"`

	Parameters map[string]string `json:"parameters" db:"-"`
}

type ReleaseExecution struct {
	ReleaseExecutionID int64           `json:"release_execution_id"`
	ReleaseID          int64           `json:"release_id"`
	AgentID            *int64          `json:"agent_id"`
	Status             ExecutionStatus `json:"status"`
	Priority           int64           `json:"priority"`
	StartedAt          time.Time       `json:"started_at"`
	CompletedAt        *time.Time      `json:"completed_at"`
	DurationSeconds    *int64          `json:"duration_seconds"`
	TriggeredBy        string          `json:"triggered_by"`
	Revision           int64           `json:"revision"`

	Parameters map[string]string `json:"parameters" db:"-"`
	Stages     []*StageExecution `json:"stages" db:"-"`
}

type StageExecution struct {
	StageExecutionID   int64          `json:"stage_execution_id"`
	ReleaseExecutionID int64          `json:"release_execution_id"`
	StageID            int64          `json:"stage_id"`
	EnvironmentID      int64          `json:"environment_id"`
	AgentID            *int64         `json:"agent_id"`
	Name               string         `json:"name"`
	OrderIndex         int64          `json:"order_index"`
	Status             StageStatus    `json:"status"`
	ApprovalStatus     ApprovalStatus `json:"approval_status"`
	ApprovedBy         *string        `json:"approved_by"`
	ApprovedAt         *time.Time     `json:"approved_at"`
	ApprovalComments   *string        `json:"approval_comments"`
	StartedAt          *time.Time     `json:"started_at"`
	CompletedAt        *time.Time     `json:"completed_at"`
	DurationSeconds    *int64         `json:"duration_seconds"`
	ErrorMessage       *string        `json:"error_message"`
}

type ExecutionParam struct {
	Name  string
	Value string
}

// DurationSeconds returns the whole seconds elapsed between start and end.
func DurationSeconds(start, end time.Time) int64 {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
