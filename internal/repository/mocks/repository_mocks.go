// Package mocks provides hand-written testify mocks for the repository layer.
package mocks

import (
	"context"
	"time"

	"saga-server/internal/models"
	"saga-server/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// TxManagerMock runs the transactional function directly against the DBTX it
// was configured with (usually nil in unit tests).
type TxManagerMock struct {
	mock.Mock
}

func (m *TxManagerMock) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx repository.DBTX) error) error {
	args := m.Called(ctx, fn)
	if args.Error(0) != nil {
		return args.Error(0)
	}
	return fn(ctx, nil)
}

type UserRepositoryMock struct {
	mock.Mock
}

func (m *UserRepositoryMock) Create(ctx context.Context, querier repository.DBTX, user *models.User) error {
	args := m.Called(ctx, querier, user)
	return args.Error(0)
}

func (m *UserRepositoryMock) GetByEmail(ctx context.Context, querier repository.DBTX, email string) (*models.User, error) {
	args := m.Called(ctx, querier, email)
	if user, ok := args.Get(0).(*models.User); ok {
		return user, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *UserRepositoryMock) GetByID(ctx context.Context, querier repository.DBTX, id uuid.UUID) (*models.User, error) {
	args := m.Called(ctx, querier, id)
	if user, ok := args.Get(0).(*models.User); ok {
		return user, args.Error(1)
	}
	return nil, args.Error(1)
}

type SessionRepositoryMock struct {
	mock.Mock
}

func (m *SessionRepositoryMock) Create(ctx context.Context, querier repository.DBTX, session *models.GameSession) error {
	args := m.Called(ctx, querier, session)
	return args.Error(0)
}

func (m *SessionRepositoryMock) GetByID(ctx context.Context, querier repository.DBTX, id int64) (*models.GameSession, error) {
	args := m.Called(ctx, querier, id)
	if session, ok := args.Get(0).(*models.GameSession); ok {
		return session, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *SessionRepositoryMock) ListByUser(ctx context.Context, querier repository.DBTX, userID uuid.UUID) ([]models.GameSession, error) {
	args := m.Called(ctx, querier, userID)
	if sessions, ok := args.Get(0).([]models.GameSession); ok {
		return sessions, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *SessionRepositoryMock) TryLock(ctx context.Context, querier repository.DBTX, id int64) (int64, bool, error) {
	args := m.Called(ctx, querier, id)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func (m *SessionRepositoryMock) Unlock(ctx context.Context, querier repository.DBTX, id int64, epoch int64) error {
	args := m.Called(ctx, querier, id, epoch)
	return args.Error(0)
}

func (m *SessionRepositoryMock) IsLocked(ctx context.Context, querier repository.DBTX, id int64) (bool, error) {
	args := m.Called(ctx, querier, id)
	return args.Bool(0), args.Error(1)
}

func (m *SessionRepositoryMock) SoftDelete(ctx context.Context, querier repository.DBTX, id int64, userID uuid.UUID, at time.Time) error {
	args := m.Called(ctx, querier, id, userID, at)
	return args.Error(0)
}

func (m *SessionRepositoryMock) UpdateCoverImageURL(ctx context.Context, querier repository.DBTX, id int64, url string, expiresAt time.Time) error {
	args := m.Called(ctx, querier, id, url, expiresAt)
	return args.Error(0)
}

type SceneRepositoryMock struct {
	mock.Mock
}

func (m *SceneRepositoryMock) Create(ctx context.Context, querier repository.DBTX, scene *models.Scene) error {
	args := m.Called(ctx, querier, scene)
	return args.Error(0)
}

func (m *SceneRepositoryMock) GetTailForUpdate(ctx context.Context, querier repository.DBTX, sessionID int64) (*models.Scene, error) {
	args := m.Called(ctx, querier, sessionID)
	if scene, ok := args.Get(0).(*models.Scene); ok {
		return scene, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *SceneRepositoryMock) Close(ctx context.Context, querier repository.DBTX, sceneID int64, action string, at time.Time) error {
	args := m.Called(ctx, querier, sceneID, action, at)
	return args.Error(0)
}

func (m *SceneRepositoryMock) ListBySession(ctx context.Context, querier repository.DBTX, sessionID int64) ([]models.Scene, error) {
	args := m.Called(ctx, querier, sessionID)
	if scenes, ok := args.Get(0).([]models.Scene); ok {
		return scenes, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *SceneRepositoryMock) GetByOrder(ctx context.Context, querier repository.DBTX, sessionID int64, order int) (*models.Scene, error) {
	args := m.Called(ctx, querier, sessionID, order)
	if scene, ok := args.Get(0).(*models.Scene); ok {
		return scene, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *SceneRepositoryMock) CountBySession(ctx context.Context, querier repository.DBTX, sessionID int64) (int, error) {
	args := m.Called(ctx, querier, sessionID)
	return args.Int(0), args.Error(1)
}

func (m *SceneRepositoryMock) UpdateImageURL(ctx context.Context, querier repository.DBTX, sceneID int64, url string, expiresAt time.Time) error {
	args := m.Called(ctx, querier, sceneID, url, expiresAt)
	return args.Error(0)
}

type TemplateRepositoryMock struct {
	mock.Mock
}

func (m *TemplateRepositoryMock) GetByID(ctx context.Context, querier repository.DBTX, id int64) (*models.SessionTemplate, error) {
	args := m.Called(ctx, querier, id)
	if template, ok := args.Get(0).(*models.SessionTemplate); ok {
		return template, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *TemplateRepositoryMock) UpdateCoverImageURL(ctx context.Context, querier repository.DBTX, id int64, url string, expiresAt time.Time) error {
	args := m.Called(ctx, querier, id, url, expiresAt)
	return args.Error(0)
}
