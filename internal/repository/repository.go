package repository

import (
	"context"
	"time"

	"saga-server/internal/models"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX abstracts over a pgx pool or transaction so repositories can run
// inside or outside an enclosing transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TxManager runs a function inside a database transaction.
type TxManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context, tx DBTX) error) error
}

// UserRepository persists account identities.
type UserRepository interface {
	Create(ctx context.Context, querier DBTX, user *models.User) error
	GetByEmail(ctx context.Context, querier DBTX, email string) (*models.User, error)
	GetByID(ctx context.Context, querier DBTX, id uuid.UUID) (*models.User, error)
}

// SessionRepository persists game sessions and owns the lock primitive.
// All lock transitions are single conditional UPDATEs (compare-and-set), never
// read-then-write, so they stay correct under concurrent callers across
// processes.
type SessionRepository interface {
	Create(ctx context.Context, querier DBTX, session *models.GameSession) error
	GetByID(ctx context.Context, querier DBTX, id int64) (*models.GameSession, error)
	ListByUser(ctx context.Context, querier DBTX, userID uuid.UUID) ([]models.GameSession, error)

	// TryLock atomically flips is_locked false -> true for a live session and
	// bumps the fencing epoch. acquired is false when the session is missing,
	// deleted, or already locked.
	TryLock(ctx context.Context, querier DBTX, id int64) (epoch int64, acquired bool, err error)
	// Unlock flips is_locked true -> false iff the supplied epoch matches the
	// current holder. Returns models.ErrBadRequest when no matching locked row
	// exists (already unlocked, stale epoch, missing, or deleted).
	Unlock(ctx context.Context, querier DBTX, id int64, epoch int64) error
	// IsLocked reads the flag; models.ErrNotFound when missing or deleted.
	IsLocked(ctx context.Context, querier DBTX, id int64) (bool, error)

	// SoftDelete marks the session deleted and cascades to its scenes in the
	// caller's transaction scope.
	SoftDelete(ctx context.Context, querier DBTX, id int64, userID uuid.UUID, at time.Time) error

	UpdateCoverImageURL(ctx context.Context, querier DBTX, id int64, url string, expiresAt time.Time) error
}

// SceneRepository persists the append-only scene chain.
type SceneRepository interface {
	Create(ctx context.Context, querier DBTX, scene *models.Scene) error
	// GetTailForUpdate returns the live scene with the maximum order, locking
	// the row when run inside a transaction. models.ErrSceneNotFound when the
	// session has no live scenes.
	GetTailForUpdate(ctx context.Context, querier DBTX, sessionID int64) (*models.Scene, error)
	// Close stamps the scene's action and action timestamp.
	Close(ctx context.Context, querier DBTX, sceneID int64, action string, at time.Time) error
	ListBySession(ctx context.Context, querier DBTX, sessionID int64) ([]models.Scene, error)
	GetByOrder(ctx context.Context, querier DBTX, sessionID int64, order int) (*models.Scene, error)
	CountBySession(ctx context.Context, querier DBTX, sessionID int64) (int, error)
	UpdateImageURL(ctx context.Context, querier DBTX, sceneID int64, url string, expiresAt time.Time) error
}

// TemplateRepository reads published session templates.
type TemplateRepository interface {
	GetByID(ctx context.Context, querier DBTX, id int64) (*models.SessionTemplate, error)
	UpdateCoverImageURL(ctx context.Context, querier DBTX, id int64, url string, expiresAt time.Time) error
}
