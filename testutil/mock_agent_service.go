package testutil

import (
	"context"

	"github.com/haatos/simple-dispatch/internal/store"
	"github.com/stretchr/testify/mock"
)

type MockAgentService struct {
	mock.Mock
}

func (m *MockAgentService) RegisterAgent(
	ctx context.Context,
	agentUUID, name, location, description string,
) (*store.Agent, error) {
	args := m.Called(ctx, agentUUID, name, location, description)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Agent), args.Error(1)
}

func (m *MockAgentService) HeartbeatAgent(
	ctx context.Context,
	agentUUID string,
	metrics store.AgentMetrics,
) error {
	args := m.Called(ctx, agentUUID, metrics)
	return args.Error(0)
}

func (m *MockAgentService) GetAgentByUUID(
	ctx context.Context,
	agentUUID string,
) (*store.Agent, error) {
	args := m.Called(ctx, agentUUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Agent), args.Error(1)
}

func (m *MockAgentService) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.Agent), args.Error(1)
}
