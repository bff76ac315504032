package pipeline

import (
	"context"
	"encoding/json"

	"github.com/stretchr/testify/mock"
)

// MockPipeline is a mock implementation of Pipeline for testing.
type MockPipeline struct {
	mock.Mock
}

func (m *MockPipeline) FindAll(ctx context.Context, class string, query, options json.RawMessage) (json.RawMessage, error) {
	args := m.Called(ctx, class, query, options)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(json.RawMessage), args.Error(1)
}

func (m *MockPipeline) Tx(ctx context.Context, tx json.RawMessage) (json.RawMessage, error) {
	args := m.Called(ctx, tx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(json.RawMessage), args.Error(1)
}

func (m *MockPipeline) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
