package repository

import (
	"context"
	"errors"
	"fmt"

	"saga-server/internal/models"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

var _ UserRepository = (*pgUserRepository)(nil)

type pgUserRepository struct {
	logger *zap.Logger
}

func NewPgUserRepository(logger *zap.Logger) UserRepository {
	return &pgUserRepository{logger: logger.Named("PgUserRepo")}
}

const createUserQuery = `
INSERT INTO users (id, email, password_hash, created_at)
VALUES ($1, $2, $3, $4)`

const getUserByEmailQuery = `
SELECT id, email, password_hash, created_at
FROM users
WHERE email = $1`

const getUserByIDQuery = `
SELECT id, email, password_hash, created_at
FROM users
WHERE id = $1`

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint errors.
const uniqueViolation = "23505"

func (r *pgUserRepository) Create(ctx context.Context, querier DBTX, user *models.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	_, err := querier.Exec(ctx, createUserQuery, user.ID, user.Email, user.PasswordHash, user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			r.logger.Warn("Attempt to register duplicate email", zap.String("email", user.Email))
			return models.ErrEmailAlreadyExists
		}
		r.logger.Error("Failed to create user", zap.Error(err))
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *pgUserRepository) GetByEmail(ctx context.Context, querier DBTX, email string) (*models.User, error) {
	var user models.User
	err := pgxscan.Get(ctx, querier, &user, getUserByEmailQuery, email)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, models.ErrUserNotFound
		}
		r.logger.Error("Failed to get user by email", zap.Error(err))
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	return &user, nil
}

func (r *pgUserRepository) GetByID(ctx context.Context, querier DBTX, id uuid.UUID) (*models.User, error) {
	var user models.User
	err := pgxscan.Get(ctx, querier, &user, getUserByIDQuery, id)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, models.ErrUserNotFound
		}
		r.logger.Error("Failed to get user by id", zap.String("userID", id.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return &user, nil
}
