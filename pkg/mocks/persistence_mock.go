package mocks

import (
	"context"

	"github.com/dukex/entropy/pkg/models"
	"github.com/dukex/entropy/pkg/persistence"
	"github.com/stretchr/testify/mock"
)

// MockPersistence is a mock implementation of persistence.Persistence interface.
type MockPersistence struct {
	mock.Mock
}

var _ persistence.Persistence = (*MockPersistence)(nil)

func (m *MockPersistence) Commit(ctx context.Context, commit *models.Commit, dirtyKeys []string) (string, error) {
	args := m.Called(ctx, commit, dirtyKeys)

	return args.String(0), args.Error(1)
}

func (m *MockPersistence) GetCommit(ctx context.Context, id string) (*models.Commit, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Commit), args.Error(1)
}

func (m *MockPersistence) GetCommitByNum(ctx context.Context, num int) (*models.Commit, error) {
	args := m.Called(ctx, num)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Commit), args.Error(1)
}

func (m *MockPersistence) GetLatestCommit(ctx context.Context) (*models.Commit, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Commit), args.Error(1)
}

func (m *MockPersistence) SearchCommits(ctx context.Context, label string, keyPresent string) ([]*models.Commit, error) {
	args := m.Called(ctx, label, keyPresent)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Commit), args.Error(1)
}

func (m *MockPersistence) SaveTemp(ctx context.Context, commit *models.Commit) error {
	args := m.Called(ctx, commit)

	return args.Error(0)
}

func (m *MockPersistence) LoadTemp(ctx context.Context) (*models.Commit, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Commit), args.Error(1)
}

func (m *MockPersistence) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
