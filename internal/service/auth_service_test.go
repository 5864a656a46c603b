package service

import (
	"context"
	"testing"
	"time"

	"saga-server/internal/models"
	"saga-server/internal/repository/mocks"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func newTestAuthService(userRepo *mocks.UserRepositoryMock) *AuthService {
	return NewAuthService(nil, userRepo, "test-secret", time.Hour, zap.NewNop())
}

func TestAuthService_Register(t *testing.T) {
	ctx := context.Background()

	t.Run("creates a user with a hashed password", func(t *testing.T) {
		userRepo := new(mocks.UserRepositoryMock)
		userRepo.On("Create", ctx, nil, mock.MatchedBy(func(u *models.User) bool {
			return u.Email == "player@example.com" &&
				u.PasswordHash != "hunter2secret" &&
				bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte("hunter2secret")) == nil
		})).Return(nil).Once()

		svc := newTestAuthService(userRepo)
		user, err := svc.Register(ctx, "  Player@Example.COM ", "hunter2secret")

		require.NoError(t, err)
		assert.Equal(t, "player@example.com", user.Email)
		userRepo.AssertExpectations(t)
	})

	t.Run("rejects a short password", func(t *testing.T) {
		svc := newTestAuthService(new(mocks.UserRepositoryMock))

		_, err := svc.Register(ctx, "player@example.com", "short")

		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})

	t.Run("rejects a malformed email", func(t *testing.T) {
		svc := newTestAuthService(new(mocks.UserRepositoryMock))

		_, err := svc.Register(ctx, "not-an-email", "hunter2secret")

		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})

	t.Run("propagates duplicate email", func(t *testing.T) {
		userRepo := new(mocks.UserRepositoryMock)
		userRepo.On("Create", ctx, nil, mock.Anything).Return(models.ErrEmailAlreadyExists).Once()

		svc := newTestAuthService(userRepo)
		_, err := svc.Register(ctx, "player@example.com", "hunter2secret")

		assert.ErrorIs(t, err, models.ErrEmailAlreadyExists)
	})
}

func TestAuthService_LoginAndParseToken(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2secret"), bcrypt.MinCost)
	require.NoError(t, err)
	user := &models.User{ID: userID, Email: "player@example.com", PasswordHash: string(hash)}

	t.Run("issues a token that parses back to the user", func(t *testing.T) {
		userRepo := new(mocks.UserRepositoryMock)
		userRepo.On("GetByEmail", ctx, nil, "player@example.com").Return(user, nil).Once()

		svc := newTestAuthService(userRepo)
		token, err := svc.Login(ctx, "player@example.com", "hunter2secret")
		require.NoError(t, err)
		require.NotEmpty(t, token)

		parsed, err := svc.ParseToken(token)
		require.NoError(t, err)
		assert.Equal(t, userID, parsed)
	})

	t.Run("wrong password yields invalid credentials", func(t *testing.T) {
		userRepo := new(mocks.UserRepositoryMock)
		userRepo.On("GetByEmail", ctx, nil, "player@example.com").Return(user, nil).Once()

		svc := newTestAuthService(userRepo)
		_, err := svc.Login(ctx, "player@example.com", "wrong-password")

		assert.ErrorIs(t, err, models.ErrInvalidCredentials)
	})

	t.Run("unknown email yields the same error as a wrong password", func(t *testing.T) {
		userRepo := new(mocks.UserRepositoryMock)
		userRepo.On("GetByEmail", ctx, nil, "ghost@example.com").Return(nil, models.ErrUserNotFound).Once()

		svc := newTestAuthService(userRepo)
		_, err := svc.Login(ctx, "ghost@example.com", "hunter2secret")

		assert.ErrorIs(t, err, models.ErrInvalidCredentials)
	})

	t.Run("rejects a forged token", func(t *testing.T) {
		svc := newTestAuthService(new(mocks.UserRepositoryMock))

		_, err := svc.ParseToken("not.a.token")

		assert.ErrorIs(t, err, models.ErrUnauthorized)
	})

	t.Run("rejects a token signed with another secret", func(t *testing.T) {
		userRepo := new(mocks.UserRepositoryMock)
		userRepo.On("GetByEmail", ctx, nil, "player@example.com").Return(user, nil).Once()

		other := NewAuthService(nil, userRepo, "other-secret", time.Hour, zap.NewNop())
		token, err := other.Login(ctx, "player@example.com", "hunter2secret")
		require.NoError(t, err)

		svc := newTestAuthService(new(mocks.UserRepositoryMock))
		_, err = svc.ParseToken(token)

		assert.ErrorIs(t, err, models.ErrUnauthorized)
	})
}
