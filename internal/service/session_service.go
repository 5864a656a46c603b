package service

import (
	"context"
	"fmt"
	"time"

	"saga-server/internal/ai"
	"saga-server/internal/models"
	"saga-server/internal/repository"
	"saga-server/internal/storage"
	"saga-server/internal/urlcache"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// openingAction seeds the generation of scene zero. It is never persisted.
const openingAction = "The story begins."

// CreateSessionRequest describes a new session. Either Backstory or
// TemplateID must be set; a template supplies both backstory and a default
// name.
type CreateSessionRequest struct {
	Name       string `json:"name"`
	Backstory  string `json:"backstory"`
	TemplateID *int64 `json:"template_id"`
}

// SessionService manages session lifecycle. A session is created together
// with its opening scene in one transaction, so every live session always has
// a readable chain and an open tail.
type SessionService struct {
	db                repository.DBTX
	txManager         repository.TxManager
	sessionRepo       repository.SessionRepository
	sceneRepo         repository.SceneRepository
	templateRepo      repository.TemplateRepository
	narrator          ai.Narrator
	images            ai.ImageGenerator
	blobs             storage.BlobStore
	urlCache          *urlcache.Cache
	generationTimeout time.Duration
	logger            *zap.Logger
}

func NewSessionService(
	db repository.DBTX,
	txManager repository.TxManager,
	sessionRepo repository.SessionRepository,
	sceneRepo repository.SceneRepository,
	templateRepo repository.TemplateRepository,
	narrator ai.Narrator,
	images ai.ImageGenerator,
	blobs storage.BlobStore,
	urlCache *urlcache.Cache,
	generationTimeout time.Duration,
	logger *zap.Logger,
) *SessionService {
	return &SessionService{
		db:                db,
		txManager:         txManager,
		sessionRepo:       sessionRepo,
		sceneRepo:         sceneRepo,
		templateRepo:      templateRepo,
		narrator:          narrator,
		images:            images,
		blobs:             blobs,
		urlCache:          urlCache,
		generationTimeout: generationTimeout,
		logger:            logger.Named("SessionService"),
	}
}

// CreateSession generates the opening scene and persists the session and
// scene zero atomically. Generation happens before the transaction: a failed
// generation leaves no session behind.
func (s *SessionService) CreateSession(ctx context.Context, userID uuid.UUID, req CreateSessionRequest) (*models.GameSession, error) {
	name := req.Name
	backstory := req.Backstory

	if req.TemplateID != nil {
		template, err := s.templateRepo.GetByID(ctx, s.db, *req.TemplateID)
		if err != nil {
			return nil, err
		}
		backstory = template.Backstory
		if name == "" {
			name = template.Name
		}
	}
	if name == "" || backstory == "" {
		return nil, fmt.Errorf("%w: name and backstory are required", models.ErrInvalidInput)
	}

	opening, err := s.generateOpening(ctx, userID, backstory)
	if err != nil {
		return nil, err
	}

	session := &models.GameSession{
		UserID:           userID,
		Name:             name,
		Backstory:        backstory,
		CoverImagePath:   opening.ImagePath,
		ParentTemplateID: req.TemplateID,
	}
	err = s.txManager.WithTransaction(ctx, func(ctx context.Context, tx repository.DBTX) error {
		querier := s.querier(tx)
		if err := s.sessionRepo.Create(ctx, querier, session); err != nil {
			return err
		}
		return s.sceneRepo.Create(ctx, querier, &models.Scene{
			SessionID:       session.ID,
			OrderInSession:  0,
			Narration:       opening.Narration,
			Event:           opening.Event,
			ImagePath:       opening.ImagePath,
			ProposedActions: opening.ProposedActions,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Session created",
		zap.Int64("sessionID", session.ID),
		zap.String("userID", userID.String()))
	s.refreshCoverURL(ctx, session)
	return session, nil
}

// ListSessions returns the caller's live sessions, newest first.
func (s *SessionService) ListSessions(ctx context.Context, userID uuid.UUID) ([]models.GameSession, error) {
	sessions, err := s.sessionRepo.ListByUser(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		s.refreshCoverURL(ctx, &sessions[i])
	}
	return sessions, nil
}

// GetSession returns one session; non-owners get models.ErrNotFound.
func (s *SessionService) GetSession(ctx context.Context, userID uuid.UUID, sessionID int64) (*models.GameSession, error) {
	session, err := s.sessionRepo.GetByID(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, models.ErrNotFound
	}
	s.refreshCoverURL(ctx, session)
	return session, nil
}

// GetTemplate returns a session template with a fresh signed cover URL, for
// browsing templates before deriving a session from one.
func (s *SessionService) GetTemplate(ctx context.Context, templateID int64) (*models.SessionTemplate, error) {
	template, err := s.templateRepo.GetByID(ctx, s.db, templateID)
	if err != nil {
		return nil, err
	}
	s.refreshTemplateCoverURL(ctx, template)
	return template, nil
}

// DeleteSession soft-deletes the session and its scenes. The rows and blobs
// stay in place; only visibility changes.
func (s *SessionService) DeleteSession(ctx context.Context, userID uuid.UUID, sessionID int64) error {
	return s.txManager.WithTransaction(ctx, func(ctx context.Context, tx repository.DBTX) error {
		return s.sessionRepo.SoftDelete(ctx, s.querier(tx), sessionID, userID, time.Now().UTC())
	})
}

func (s *SessionService) generateOpening(ctx context.Context, userID uuid.UUID, backstory string) (*models.GeneratedScene, error) {
	genCtx, cancel := context.WithTimeout(ctx, s.generationTimeout)
	defer cancel()

	event, err := s.narrator.GenerateEvent(genCtx, userID.String(), backstory, nil, openingAction)
	if err != nil {
		return nil, err
	}

	var narration string
	var proposedActions []string
	var imagePath string

	g, gCtx := errgroup.WithContext(genCtx)
	g.Go(func() error {
		n, err := s.narrator.GenerateNarration(gCtx, userID.String(), backstory, nil, openingAction, event)
		if err != nil {
			return err
		}
		narration = n
		actions, err := s.narrator.GenerateProposedActions(gCtx, userID.String(), event, n)
		if err != nil {
			return err
		}
		proposedActions = actions
		return nil
	})
	g.Go(func() error {
		data, err := s.images.GenerateImage(gCtx, event)
		if err != nil {
			return err
		}
		path, err := s.blobs.Upload(gCtx, "scenes", data)
		if err != nil {
			return err
		}
		imagePath = path
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return &models.GeneratedScene{
		Event:           event,
		Narration:       narration,
		ImagePath:       imagePath,
		ProposedActions: proposedActions,
	}, nil
}

// refreshCoverURL fills in a fresh signed cover URL in place. Failures leave
// the URL empty; listings degrade without covers rather than erroring.
func (s *SessionService) refreshCoverURL(ctx context.Context, session *models.GameSession) {
	if s.urlCache == nil || session.CoverImagePath == "" {
		return
	}
	sessionID := session.ID
	url, err := s.urlCache.Resolve(ctx, session.CoverImagePath, session.CoverImageURL, session.CoverImageURLExpiresAt,
		func(ctx context.Context, url string, expiresAt time.Time) error {
			return s.sessionRepo.UpdateCoverImageURL(ctx, s.db, sessionID, url, expiresAt)
		})
	if err != nil {
		s.logger.Warn("Failed to resolve session cover URL",
			zap.Int64("sessionID", session.ID),
			zap.Error(err))
		return
	}
	session.CoverImageURL = &url
}

func (s *SessionService) refreshTemplateCoverURL(ctx context.Context, template *models.SessionTemplate) {
	if s.urlCache == nil || template.CoverImagePath == "" {
		return
	}
	templateID := template.ID
	url, err := s.urlCache.Resolve(ctx, template.CoverImagePath, template.CoverImageURL, template.CoverImageURLExpiresAt,
		func(ctx context.Context, url string, expiresAt time.Time) error {
			return s.templateRepo.UpdateCoverImageURL(ctx, s.db, templateID, url, expiresAt)
		})
	if err != nil {
		s.logger.Warn("Failed to resolve template cover URL",
			zap.Int64("templateID", template.ID),
			zap.Error(err))
		return
	}
	template.CoverImageURL = &url
}

func (s *SessionService) querier(tx repository.DBTX) repository.DBTX {
	if tx != nil {
		return tx
	}
	return s.db
}
