package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"saga-server/internal/models"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var _ SceneRepository = (*pgSceneRepository)(nil)

type pgSceneRepository struct {
	logger *zap.Logger
}

func NewPgSceneRepository(logger *zap.Logger) SceneRepository {
	return &pgSceneRepository{logger: logger.Named("PgSceneRepo")}
}

const sceneColumns = `
id, session_id, order_in_session, narration, event,
image_path, image_url, image_url_expires_at,
proposed_actions, action, action_at, deleted, created_at`

const createSceneQuery = `
INSERT INTO scenes (session_id, order_in_session, narration, event, image_path, proposed_actions, created_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
RETURNING id, created_at`

const getTailSceneQuery = `
SELECT ` + sceneColumns + `
FROM scenes
WHERE session_id = $1 AND deleted = FALSE
ORDER BY order_in_session DESC
LIMIT 1
FOR UPDATE`

const closeSceneQuery = `
UPDATE scenes
SET action = $2, action_at = $3
WHERE id = $1 AND deleted = FALSE AND action IS NULL`

const listScenesBySessionQuery = `
SELECT ` + sceneColumns + `
FROM scenes
WHERE session_id = $1 AND deleted = FALSE
ORDER BY order_in_session ASC`

const getSceneByOrderQuery = `
SELECT ` + sceneColumns + `
FROM scenes
WHERE session_id = $1 AND order_in_session = $2 AND deleted = FALSE`

const countScenesBySessionQuery = `
SELECT COUNT(*) FROM scenes WHERE session_id = $1 AND deleted = FALSE`

const updateSceneImageURLQuery = `
UPDATE scenes
SET image_url = $2, image_url_expires_at = $3
WHERE id = $1 AND deleted = FALSE`

// scanScene reads one scene row, decoding the proposed_actions jsonb column.
// Scenes are scanned by hand because of that column; scany handles the rest of
// the schema.
func scanScene(row pgx.Row) (*models.Scene, error) {
	var scene models.Scene
	var proposedActions []byte
	err := row.Scan(
		&scene.ID, &scene.SessionID, &scene.OrderInSession, &scene.Narration, &scene.Event,
		&scene.ImagePath, &scene.ImageURL, &scene.ImageURLExpiresAt,
		&proposedActions, &scene.Action, &scene.ActionAt, &scene.Deleted, &scene.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(proposedActions, &scene.ProposedActions); err != nil {
		return nil, fmt.Errorf("failed to decode proposed_actions of scene %d: %w", scene.ID, err)
	}
	return &scene, nil
}

func (r *pgSceneRepository) Create(ctx context.Context, querier DBTX, scene *models.Scene) error {
	actionsJSON, err := json.Marshal(scene.ProposedActions)
	if err != nil {
		return fmt.Errorf("failed to encode proposed_actions: %w", err)
	}
	err = querier.QueryRow(ctx, createSceneQuery,
		scene.SessionID, scene.OrderInSession, scene.Narration, scene.Event,
		scene.ImagePath, actionsJSON,
	).Scan(&scene.ID, &scene.CreatedAt)
	if err != nil {
		r.logger.Error("Failed to create scene",
			zap.Int64("sessionID", scene.SessionID),
			zap.Int("order", scene.OrderInSession),
			zap.Error(err))
		return fmt.Errorf("failed to create scene: %w", err)
	}
	return nil
}

func (r *pgSceneRepository) GetTailForUpdate(ctx context.Context, querier DBTX, sessionID int64) (*models.Scene, error) {
	scene, err := scanScene(querier.QueryRow(ctx, getTailSceneQuery, sessionID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, models.ErrSceneNotFound
		}
		r.logger.Error("Failed to get tail scene", zap.Int64("sessionID", sessionID), zap.Error(err))
		return nil, fmt.Errorf("failed to get tail scene of session %d: %w", sessionID, err)
	}
	return scene, nil
}

func (r *pgSceneRepository) Close(ctx context.Context, querier DBTX, sceneID int64, action string, at time.Time) error {
	tag, err := querier.Exec(ctx, closeSceneQuery, sceneID, action, at)
	if err != nil {
		r.logger.Error("Failed to close scene", zap.Int64("sceneID", sceneID), zap.Error(err))
		return fmt.Errorf("failed to close scene %d: %w", sceneID, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrSceneNotFound
	}
	return nil
}

func (r *pgSceneRepository) ListBySession(ctx context.Context, querier DBTX, sessionID int64) ([]models.Scene, error) {
	rows, err := querier.Query(ctx, listScenesBySessionQuery, sessionID)
	if err != nil {
		r.logger.Error("Failed to list scenes", zap.Int64("sessionID", sessionID), zap.Error(err))
		return nil, fmt.Errorf("failed to list scenes of session %d: %w", sessionID, err)
	}
	defer rows.Close()

	var scenes []models.Scene
	for rows.Next() {
		scene, err := scanScene(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan scene row: %w", err)
		}
		scenes = append(scenes, *scene)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate scene rows: %w", err)
	}
	return scenes, nil
}

func (r *pgSceneRepository) GetByOrder(ctx context.Context, querier DBTX, sessionID int64, order int) (*models.Scene, error) {
	scene, err := scanScene(querier.QueryRow(ctx, getSceneByOrderQuery, sessionID, order))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, models.ErrSceneNotFound
		}
		r.logger.Error("Failed to get scene by order",
			zap.Int64("sessionID", sessionID),
			zap.Int("order", order),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get scene %d of session %d: %w", order, sessionID, err)
	}
	return scene, nil
}

func (r *pgSceneRepository) CountBySession(ctx context.Context, querier DBTX, sessionID int64) (int, error) {
	var count int
	if err := querier.QueryRow(ctx, countScenesBySessionQuery, sessionID).Scan(&count); err != nil {
		r.logger.Error("Failed to count scenes", zap.Int64("sessionID", sessionID), zap.Error(err))
		return 0, fmt.Errorf("failed to count scenes of session %d: %w", sessionID, err)
	}
	return count, nil
}

func (r *pgSceneRepository) UpdateImageURL(ctx context.Context, querier DBTX, sceneID int64, url string, expiresAt time.Time) error {
	tag, err := querier.Exec(ctx, updateSceneImageURLQuery, sceneID, url, expiresAt)
	if err != nil {
		r.logger.Error("Failed to update scene image URL", zap.Int64("sceneID", sceneID), zap.Error(err))
		return fmt.Errorf("failed to update image url of scene %d: %w", sceneID, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrSceneNotFound
	}
	return nil
}
