package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockService is a mock implementation of supervisor.Service that also
// implements the Snapshotter and Restorer capabilities.
type MockService struct {
	mock.Mock
}

func (m *MockService) Name() string {
	args := m.Called()

	return args.String(0)
}

func (m *MockService) Start(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockService) Stop(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockService) SnapshotState(ctx context.Context) (map[string]any, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(map[string]any), args.Error(1)
}

func (m *MockService) RestoreSnapshotState(ctx context.Context, state map[string]any) error {
	args := m.Called(ctx, state)

	return args.Error(0)
}
