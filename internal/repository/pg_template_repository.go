package repository

import (
	"context"
	"fmt"
	"time"

	"saga-server/internal/models"

	"github.com/georgysavva/scany/v2/pgxscan"
	"go.uber.org/zap"
)

var _ TemplateRepository = (*pgTemplateRepository)(nil)

type pgTemplateRepository struct {
	logger *zap.Logger
}

func NewPgTemplateRepository(logger *zap.Logger) TemplateRepository {
	return &pgTemplateRepository{logger: logger.Named("PgTemplateRepo")}
}

const getTemplateByIDQuery = `
SELECT id, name, backstory, description,
       cover_image_path, cover_image_url, cover_image_url_expires_at, created_at
FROM session_templates
WHERE id = $1`

const updateTemplateCoverURLQuery = `
UPDATE session_templates
SET cover_image_url = $2, cover_image_url_expires_at = $3
WHERE id = $1`

func (r *pgTemplateRepository) GetByID(ctx context.Context, querier DBTX, id int64) (*models.SessionTemplate, error) {
	var template models.SessionTemplate
	err := pgxscan.Get(ctx, querier, &template, getTemplateByIDQuery, id)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, models.ErrNotFound
		}
		r.logger.Error("Failed to get session template", zap.Int64("templateID", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get session template %d: %w", id, err)
	}
	return &template, nil
}

func (r *pgTemplateRepository) UpdateCoverImageURL(ctx context.Context, querier DBTX, id int64, url string, expiresAt time.Time) error {
	tag, err := querier.Exec(ctx, updateTemplateCoverURLQuery, id, url, expiresAt)
	if err != nil {
		r.logger.Error("Failed to update template cover URL", zap.Int64("templateID", id), zap.Error(err))
		return fmt.Errorf("failed to update cover url of template %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}
