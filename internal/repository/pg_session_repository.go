package repository

import (
	"context"
	"fmt"
	"time"

	"saga-server/internal/models"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var _ SessionRepository = (*pgSessionRepository)(nil)

type pgSessionRepository struct {
	logger *zap.Logger
}

func NewPgSessionRepository(logger *zap.Logger) SessionRepository {
	return &pgSessionRepository{logger: logger.Named("PgSessionRepo")}
}

const createSessionQuery = `
INSERT INTO game_sessions (user_id, name, backstory, description, cover_image_path, parent_template_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
RETURNING id, created_at, updated_at`

const getSessionByIDQuery = `
SELECT id, user_id, name, backstory, description,
       cover_image_path, cover_image_url, cover_image_url_expires_at,
       is_locked, lock_epoch, parent_template_id,
       deleted, deleted_at, created_at, updated_at
FROM game_sessions
WHERE id = $1 AND deleted = FALSE`

const listSessionsByUserQuery = `
SELECT id, user_id, name, backstory, description,
       cover_image_path, cover_image_url, cover_image_url_expires_at,
       is_locked, lock_epoch, parent_template_id,
       deleted, deleted_at, created_at, updated_at
FROM game_sessions
WHERE user_id = $1 AND deleted = FALSE
ORDER BY created_at DESC`

// tryLockQuery is a compare-and-set: it only matches an unlocked live row, so
// concurrent callers can never both see a RETURNING row. The epoch bump fences
// stale queue deliveries from a previous hold of the lock.
const tryLockQuery = `
UPDATE game_sessions
SET is_locked = TRUE, lock_epoch = lock_epoch + 1, updated_at = NOW()
WHERE id = $1 AND is_locked = FALSE AND deleted = FALSE
RETURNING lock_epoch`

const unlockQuery = `
UPDATE game_sessions
SET is_locked = FALSE, updated_at = NOW()
WHERE id = $1 AND is_locked = TRUE AND lock_epoch = $2 AND deleted = FALSE`

const isLockedQuery = `
SELECT is_locked FROM game_sessions WHERE id = $1 AND deleted = FALSE`

const softDeleteSessionQuery = `
UPDATE game_sessions
SET deleted = TRUE, deleted_at = $3, updated_at = $3
WHERE id = $1 AND user_id = $2 AND deleted = FALSE`

const softDeleteScenesQuery = `
UPDATE scenes SET deleted = TRUE WHERE session_id = $1 AND deleted = FALSE`

const updateSessionCoverURLQuery = `
UPDATE game_sessions
SET cover_image_url = $2, cover_image_url_expires_at = $3, updated_at = NOW()
WHERE id = $1 AND deleted = FALSE`

func (r *pgSessionRepository) Create(ctx context.Context, querier DBTX, session *models.GameSession) error {
	err := querier.QueryRow(ctx, createSessionQuery,
		session.UserID, session.Name, session.Backstory, session.Description,
		session.CoverImagePath, session.ParentTemplateID,
	).Scan(&session.ID, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		r.logger.Error("Failed to create game session", zap.String("userID", session.UserID.String()), zap.Error(err))
		return fmt.Errorf("failed to create game session: %w", err)
	}
	return nil
}

func (r *pgSessionRepository) GetByID(ctx context.Context, querier DBTX, id int64) (*models.GameSession, error) {
	var session models.GameSession
	err := pgxscan.Get(ctx, querier, &session, getSessionByIDQuery, id)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get game session", zap.Int64("sessionID", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get game session %d: %w", id, err)
	}
	return &session, nil
}

func (r *pgSessionRepository) ListByUser(ctx context.Context, querier DBTX, userID uuid.UUID) ([]models.GameSession, error) {
	var sessions []models.GameSession
	err := pgxscan.Select(ctx, querier, &sessions, listSessionsByUserQuery, userID)
	if err != nil {
		r.logger.Error("Failed to list game sessions", zap.String("userID", userID.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to list game sessions: %w", err)
	}
	return sessions, nil
}

func (r *pgSessionRepository) TryLock(ctx context.Context, querier DBTX, id int64) (int64, bool, error) {
	var epoch int64
	err := querier.QueryRow(ctx, tryLockQuery, id).Scan(&epoch)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, false, nil
		}
		r.logger.Error("Failed to acquire session lock", zap.Int64("sessionID", id), zap.Error(err))
		return 0, false, fmt.Errorf("failed to acquire lock on session %d: %w", id, err)
	}
	return epoch, true, nil
}

func (r *pgSessionRepository) Unlock(ctx context.Context, querier DBTX, id int64, epoch int64) error {
	tag, err := querier.Exec(ctx, unlockQuery, id, epoch)
	if err != nil {
		r.logger.Error("Failed to release session lock", zap.Int64("sessionID", id), zap.Error(err))
		return fmt.Errorf("failed to release lock on session %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.Warn("Unlock matched no row",
			zap.Int64("sessionID", id),
			zap.Int64("lockEpoch", epoch))
		return models.ErrBadRequest
	}
	return nil
}

func (r *pgSessionRepository) IsLocked(ctx context.Context, querier DBTX, id int64) (bool, error) {
	var locked bool
	err := querier.QueryRow(ctx, isLockedQuery, id).Scan(&locked)
	if err != nil {
		if err == pgx.ErrNoRows {
			return false, models.ErrNotFound
		}
		r.logger.Error("Failed to read session lock state", zap.Int64("sessionID", id), zap.Error(err))
		return false, fmt.Errorf("failed to read lock state of session %d: %w", id, err)
	}
	return locked, nil
}

func (r *pgSessionRepository) SoftDelete(ctx context.Context, querier DBTX, id int64, userID uuid.UUID, at time.Time) error {
	tag, err := querier.Exec(ctx, softDeleteSessionQuery, id, userID, at)
	if err != nil {
		r.logger.Error("Failed to delete game session", zap.Int64("sessionID", id), zap.Error(err))
		return fmt.Errorf("failed to delete game session %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	if _, err := querier.Exec(ctx, softDeleteScenesQuery, id); err != nil {
		r.logger.Error("Failed to delete scenes of session", zap.Int64("sessionID", id), zap.Error(err))
		return fmt.Errorf("failed to delete scenes of session %d: %w", id, err)
	}
	return nil
}

func (r *pgSessionRepository) UpdateCoverImageURL(ctx context.Context, querier DBTX, id int64, url string, expiresAt time.Time) error {
	tag, err := querier.Exec(ctx, updateSessionCoverURLQuery, id, url, expiresAt)
	if err != nil {
		r.logger.Error("Failed to update session cover URL", zap.Int64("sessionID", id), zap.Error(err))
		return fmt.Errorf("failed to update cover url of session %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
