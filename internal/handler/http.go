// Package handler exposes the HTTP API.
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"saga-server/internal/middleware"
	"saga-server/internal/models"
	"saga-server/internal/service"
	"saga-server/internal/storage"
	"saga-server/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Handler struct {
	auth     *service.AuthService
	sessions *service.SessionService
	chain    *service.SceneChainService
	turns    *service.TurnService
	blobs    storage.BlobServer
	wsHub    *ws.Manager
	logger   *zap.Logger
}

func New(
	auth *service.AuthService,
	sessions *service.SessionService,
	chain *service.SceneChainService,
	turns *service.TurnService,
	blobs storage.BlobServer,
	wsHub *ws.Manager,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		auth:     auth,
		sessions: sessions,
		chain:    chain,
		turns:    turns,
		blobs:    blobs,
		wsHub:    wsHub,
		logger:   logger.Named("HTTPHandler"),
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/blobs/*path", h.serveBlob)

	api := router.Group("/api")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/register", h.register)
			auth.POST("/login", h.login)
		}

		authorized := api.Group("")
		authorized.Use(middleware.AuthMiddleware(h.auth))
		{
			authorized.GET("/templates/:id", h.getTemplate)
			authorized.POST("/sessions", h.createSession)
			authorized.GET("/sessions", h.listSessions)
			authorized.GET("/sessions/:id", h.getSession)
			authorized.DELETE("/sessions/:id", h.deleteSession)
			authorized.GET("/sessions/:id/lock", h.getLockState)
			authorized.GET("/sessions/:id/scenes", h.listScenes)
			authorized.GET("/sessions/:id/scenes/:index", h.getScene)
			authorized.POST("/sessions/:id/turns", h.advanceTurn)
			authorized.GET("/ws", h.websocket)
		}
	}
}

type credentialsRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) register(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}
	user, err := h.auth.Register(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

func (h *Handler) login(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}
	token, err := h.auth.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func (h *Handler) createSession(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var req service.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	session, err := h.sessions.CreateSession(c.Request.Context(), userID, req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *Handler) getTemplate(c *gin.Context) {
	templateID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid template id"})
		return
	}
	template, err := h.sessions.GetTemplate(c.Request.Context(), templateID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, template)
}

func (h *Handler) listSessions(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	sessions, err := h.sessions.ListSessions(c.Request.Context(), userID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *Handler) getSession(c *gin.Context) {
	userID, sessionID, ok := h.sessionScope(c)
	if !ok {
		return
	}
	session, err := h.sessions.GetSession(c.Request.Context(), userID, sessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *Handler) deleteSession(c *gin.Context) {
	userID, sessionID, ok := h.sessionScope(c)
	if !ok {
		return
	}
	if err := h.sessions.DeleteSession(c.Request.Context(), userID, sessionID); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getLockState(c *gin.Context) {
	userID, sessionID, ok := h.sessionScope(c)
	if !ok {
		return
	}
	session, err := h.sessions.GetSession(c.Request.Context(), userID, sessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": session.ID, "is_locked": session.IsLocked})
}

func (h *Handler) listScenes(c *gin.Context) {
	userID, sessionID, ok := h.sessionScope(c)
	if !ok {
		return
	}
	scenes, err := h.chain.ReadAll(c.Request.Context(), userID, sessionID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scenes": scenes})
}

func (h *Handler) getScene(c *gin.Context) {
	userID, sessionID, ok := h.sessionScope(c)
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid scene index"})
		return
	}
	scene, err := h.chain.ReadAt(c.Request.Context(), userID, sessionID, index)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, scene)
}

type turnRequest struct {
	Action string `json:"action" binding:"required"`
}

func (h *Handler) advanceTurn(c *gin.Context) {
	userID, sessionID, ok := h.sessionScope(c)
	if !ok {
		return
	}
	var req turnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "action is required"})
		return
	}
	result, err := h.turns.AdvanceTurn(c.Request.Context(), userID, sessionID, req.Action)
	if err != nil {
		h.respondError(c, err)
		return
	}
	// 202: the scene is generated and scheduled, not yet persisted.
	c.JSON(http.StatusAccepted, result)
}

func (h *Handler) websocket(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	h.wsHub.HandleConnection(c.Writer, c.Request, userID)
}

// serveBlob serves a stored image when the signed URL checks out. The route
// is public: possession of a valid signature is the access right.
func (h *Handler) serveBlob(c *gin.Context) {
	path := c.Param("path")
	if len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	expires, err := strconv.ParseInt(c.Query("expires"), 10, 64)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid signature"})
		return
	}
	if !h.blobs.Verify(path, expires, c.Query("sig")) {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid or expired signature"})
		return
	}
	data, err := h.blobs.Read(c.Request.Context(), path)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "blob not found"})
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

func (h *Handler) sessionScope(c *gin.Context) (userID uuid.UUID, sessionID int64, ok bool) {
	uid, found := middleware.UserIDFromContext(c)
	if !found {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return uid, 0, false
	}
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return uid, 0, false
	}
	return uid, id, true
}

func (h *Handler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrSceneNotFound),
		errors.Is(err, models.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrEmailAlreadyExists),
		errors.Is(err, models.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrLockTimeout):
		c.JSON(http.StatusConflict, gin.H{"error": "session is busy with another turn"})
	case errors.Is(err, models.ErrInvalidCredentials),
		errors.Is(err, models.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrInvalidInput),
		errors.Is(err, models.ErrBadRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Unhandled error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
