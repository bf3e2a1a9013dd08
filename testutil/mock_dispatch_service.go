package testutil

import (
	"context"

	"github.com/haatos/simple-dispatch/internal/service"
	"github.com/haatos/simple-dispatch/internal/store"
	"github.com/stretchr/testify/mock"
)

type MockDispatchService struct {
	mock.Mock
}

func (m *MockDispatchService) TriggerPipeline(
	ctx context.Context,
	req service.TriggerPipelineRequest,
) (*store.PipelineExecution, *store.PipelinePickup, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*store.PipelineExecution), args.Get(1).(*store.PipelinePickup), args.Error(2)
}

func (m *MockDispatchService) TriggerRelease(
	ctx context.Context,
	req service.TriggerReleaseRequest,
) (*store.ReleaseExecution, []*store.ReleasePickup, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*store.ReleaseExecution), args.Get(1).([]*store.ReleasePickup), args.Error(2)
}

func (m *MockDispatchService) PollPipelinePickups(
	ctx context.Context,
	agentUUID string,
) ([]*store.PipelinePickup, error) {
	args := m.Called(ctx, agentUUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.PipelinePickup), args.Error(1)
}

func (m *MockDispatchService) PollReleasePickups(
	ctx context.Context,
	agentUUID string,
) ([]*store.ReleasePickup, error) {
	args := m.Called(ctx, agentUUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.ReleasePickup), args.Error(1)
}

func (m *MockDispatchService) pipelinePickup(args mock.Arguments) (*store.PipelinePickup, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.PipelinePickup), args.Error(1)
}

func (m *MockDispatchService) releasePickup(args mock.Arguments) (*store.ReleasePickup, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.ReleasePickup), args.Error(1)
}

func (m *MockDispatchService) AcknowledgePipelinePickup(
	ctx context.Context,
	id int64,
) (*store.PipelinePickup, error) {
	return m.pipelinePickup(m.Called(ctx, id))
}

func (m *MockDispatchService) AcknowledgeReleasePickup(
	ctx context.Context,
	id int64,
) (*store.ReleasePickup, error) {
	return m.releasePickup(m.Called(ctx, id))
}

func (m *MockDispatchService) StartPipelinePickup(
	ctx context.Context,
	id int64,
) (*store.PipelinePickup, error) {
	return m.pipelinePickup(m.Called(ctx, id))
}

func (m *MockDispatchService) StartReleasePickup(
	ctx context.Context,
	id int64,
) (*store.ReleasePickup, error) {
	return m.releasePickup(m.Called(ctx, id))
}

func (m *MockDispatchService) CompletePipelinePickup(
	ctx context.Context,
	id int64,
	success bool,
	errorMessage string,
) (*store.PipelinePickup, error) {
	return m.pipelinePickup(m.Called(ctx, id, success, errorMessage))
}

func (m *MockDispatchService) CompleteReleasePickup(
	ctx context.Context,
	id int64,
	success bool,
	errorMessage string,
) (*store.ReleasePickup, error) {
	return m.releasePickup(m.Called(ctx, id, success, errorMessage))
}

func (m *MockDispatchService) CancelPipelinePickup(
	ctx context.Context,
	id int64,
	reason string,
) (*store.PipelinePickup, error) {
	return m.pipelinePickup(m.Called(ctx, id, reason))
}

func (m *MockDispatchService) CancelReleasePickup(
	ctx context.Context,
	id int64,
	reason string,
) (*store.ReleasePickup, error) {
	return m.releasePickup(m.Called(ctx, id, reason))
}

func (m *MockDispatchService) AppendPickupLog(
	ctx context.Context,
	kind store.PickupKind,
	pickupID int64,
	level store.LogLevel,
	message string,
) (*store.ExecutionLog, error) {
	args := m.Called(ctx, kind, pickupID, level, message)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.ExecutionLog), args.Error(1)
}

func (m *MockDispatchService) GetPipelineExecution(
	ctx context.Context,
	id int64,
) (*store.PipelineExecution, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.PipelineExecution), args.Error(1)
}

func (m *MockDispatchService) GetReleaseExecution(
	ctx context.Context,
	id int64,
) (*store.ReleaseExecution, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.ReleaseExecution), args.Error(1)
}

func (m *MockDispatchService) GetStageExecution(
	ctx context.Context,
	id int64,
) (*store.StageExecution, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.StageExecution), args.Error(1)
}

func (m *MockDispatchService) ApproveStage(
	ctx context.Context,
	stageExecutionID int64,
	approver, comments string,
) (*store.StageExecution, *store.ReleasePickup, error) {
	args := m.Called(ctx, stageExecutionID, approver, comments)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*store.StageExecution), args.Get(1).(*store.ReleasePickup), args.Error(2)
}

func (m *MockDispatchService) RejectStage(
	ctx context.Context,
	stageExecutionID int64,
	approver, comments string,
) (*store.StageExecution, error) {
	args := m.Called(ctx, stageExecutionID, approver, comments)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.StageExecution), args.Error(1)
}

func (m *MockDispatchService) ListPipelineExecutions(
	ctx context.Context,
	pipelineID, limit int64,
) ([]*store.PipelineExecution, error) {
	args := m.Called(ctx, pipelineID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.PipelineExecution), args.Error(1)
}
