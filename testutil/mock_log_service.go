package testutil

import (
	"context"

	"github.com/haatos/simple-dispatch/internal/store"
	"github.com/stretchr/testify/mock"
)

type MockLogService struct {
	mock.Mock
}

func (m *MockLogService) ListPipelineExecutionLogs(
	ctx context.Context,
	id int64,
) ([]*store.ExecutionLog, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.ExecutionLog), args.Error(1)
}

func (m *MockLogService) ListStageExecutionLogs(
	ctx context.Context,
	id int64,
) ([]*store.ExecutionLog, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.ExecutionLog), args.Error(1)
}
