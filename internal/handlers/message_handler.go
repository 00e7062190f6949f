package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/models"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/pkg/logger"
)

// MessageOrchestrator is what the HTTP layer needs from the orchestrator.
type MessageOrchestrator interface {
	HandleMessage(ctx context.Context, sessionID, userText string) (*models.MessageResponse, error)
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	ResetSession(ctx context.Context, sessionID string) error
	HealthCheck(ctx context.Context) error
	GetStats() map[string]interface{}
}

type MessageHandler struct {
	orchestrator MessageOrchestrator
	logger       *logger.Logger
}

func NewMessageHandler(orchestrator MessageOrchestrator, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		orchestrator: orchestrator,
		logger:       log,
	}
}

type sendMessageRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text" binding:"required"`
}

// SendMessage handles POST /api/v1/messages. A missing session_id starts a
// new session.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "invalid request body",
			"details":    err.Error(),
			"request_id": models.GenerateRequestID(),
		})
		return
	}

	if strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "text must not be blank",
			"request_id": models.GenerateRequestID(),
		})
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = models.GenerateRequestID()
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 60*time.Second)
	defer cancel()

	response, err := h.orchestrator.HandleMessage(ctx, sessionID, req.Text)
	if err != nil {
		h.logger.WithError(err).Error("message handling failed", "session_id", sessionID)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":      "internal error",
			"request_id": models.GenerateRequestID(),
		})
		return
	}

	c.JSON(http.StatusOK, response)
}

// GetSession handles GET /api/v1/sessions/:id.
func (h *MessageHandler) GetSession(c *gin.Context) {
	sessionID := c.Param("id")

	session, err := h.orchestrator.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		if models.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.logger.WithError(err).Error("session lookup failed", "session_id", sessionID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, session)
}

// DeleteSession handles DELETE /api/v1/sessions/:id.
func (h *MessageHandler) DeleteSession(c *gin.Context) {
	sessionID := c.Param("id")

	if err := h.orchestrator.ResetSession(c.Request.Context(), sessionID); err != nil {
		h.logger.WithError(err).Error("session reset failed", "session_id", sessionID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id": sessionID,
		"status":     "deleted",
	})
}

// Health handles GET /health.
func (h *MessageHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	if err := h.orchestrator.HealthCheck(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

// Stats handles GET /stats.
func (h *MessageHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.orchestrator.GetStats())
}

// RegisterRoutes mounts all handler routes onto the engine.
func (h *MessageHandler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/messages", h.SendMessage)
		api.GET("/sessions/:id", h.GetSession)
		api.DELETE("/sessions/:id", h.DeleteSession)
	}

	router.GET("/health", h.Health)
	router.GET("/stats", h.Stats)
}
