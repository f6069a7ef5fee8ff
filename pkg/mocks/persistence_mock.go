package mocks

import (
	"context"

	"github.com/dukex/nexus/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock
}

func (m *MockPersistence) SaveGlobalSnapshot(ctx context.Context, snapshot *models.Snapshot) error {
	args := m.Called(ctx, snapshot)

	return args.Error(0)
}

func (m *MockPersistence) LoadGlobalSnapshot(ctx context.Context) (*models.Snapshot, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Snapshot), args.Error(1)
}

func (m *MockPersistence) Snapshots(ctx context.Context, limit int) ([]*models.Snapshot, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Snapshot), args.Error(1)
}

func (m *MockPersistence) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
