package store

import (
	"context"
	"time"
)

type DispatchReader interface {
	ReadPipelineByID(context.Context, int64) (*Pipeline, error)
	ReadPipelineExecutionByID(context.Context, int64) (*PipelineExecution, error)
	ListPipelineExecutions(ctx context.Context, pipelineID, limit int64) ([]*PipelineExecution, error)
	ReadReleaseExecutionByID(context.Context, int64) (*ReleaseExecution, error)
	ReadStageExecutionByID(context.Context, int64) (*StageExecution, error)
	ListStageExecutions(context.Context, int64) ([]*StageExecution, error)
	ReadPipelinePickupByID(context.Context, int64) (*PipelinePickup, error)
	ReadReleasePickupByID(context.Context, int64) (*ReleasePickup, error)
	ListPendingPipelinePickups(context.Context, string, int64) ([]*PipelinePickup, error)
	ListPendingReleasePickups(context.Context, string, int64) ([]*ReleasePickup, error)
}

// DispatchTx is the set of reads and writes available inside a dispatch
// transaction. Every conditional write reports whether a row matched.
type DispatchTx interface {
	DispatchReader

	ReadAgentByID(context.Context, int64) (*Agent, error)
	ListPipelineParameters(context.Context, int64) ([]*PipelineParameter, error)
	ReadReleaseByID(context.Context, int64) (*Release, error)
	ReadReleaseStageByID(context.Context, int64) (*ReleaseStage, error)
	ListReleaseStages(context.Context, int64) ([]*ReleaseStage, error)

	CreatePipelineExecution(context.Context, *PipelineExecution) error
	CreateReleaseExecution(context.Context, *ReleaseExecution) error
	CreateStageExecution(context.Context, *StageExecution) error
	CreatePipelinePickup(context.Context, *PipelinePickup) error
	CreateReleasePickup(context.Context, *ReleasePickup) error

	TransitionPickup(
		ctx context.Context,
		kind PickupKind,
		pickupID int64,
		to PickupStatus,
		at time.Time,
		errorMessage *string,
	) (bool, error)
	CompletePipelineExecution(
		ctx context.Context,
		id int64,
		status ExecutionStatus,
		at time.Time,
		durationSeconds int64,
	) (bool, error)
	StartStageExecution(ctx context.Context, id, agentID int64, at time.Time) (bool, error)
	CompleteStageExecution(
		ctx context.Context,
		id int64,
		status StageStatus,
		at time.Time,
		durationSeconds *int64,
		errorMessage *string,
	) (bool, error)
	ApproveStageExecution(
		ctx context.Context,
		id int64,
		approver string,
		comments *string,
		agentID int64,
		at time.Time,
	) (bool, error)
	RejectStageExecution(
		ctx context.Context,
		id int64,
		approver string,
		comments *string,
		at time.Time,
	) (bool, error)
	LockReleaseExecution(context.Context, int64) error
	CompleteReleaseExecution(
		ctx context.Context,
		id int64,
		status ExecutionStatus,
		at time.Time,
		durationSeconds int64,
	) (bool, error)
}

type DispatchStore interface {
	DispatchReader
	RunInTx(context.Context, func(DispatchTx) error) error
}
