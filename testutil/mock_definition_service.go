package testutil

import (
	"context"
	"io"

	"github.com/haatos/simple-dispatch/internal/store"
	"github.com/stretchr/testify/mock"
)

type MockDefinitionService struct {
	mock.Mock
}

// ImportDefinitions hands the mock the request body as a string.
func (m *MockDefinitionService) ImportDefinitions(
	ctx context.Context,
	r io.Reader,
) (*store.ImportSummary, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	args := m.Called(ctx, string(b))
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.ImportSummary), args.Error(1)
}

func (m *MockDefinitionService) ListPipelines(ctx context.Context) ([]*store.Pipeline, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.Pipeline), args.Error(1)
}

func (m *MockDefinitionService) ListReleases(ctx context.Context) ([]*store.Release, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.Release), args.Error(1)
}
