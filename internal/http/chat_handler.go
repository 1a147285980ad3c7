package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-sync/internal/domain"
	"chat-sync/internal/service"
)

// ChatHandler expone la respuesta del asistente generada por el LLM.
type ChatHandler struct {
	logger *zap.Logger
	chat   *service.ChatService
}

// NewChatHandler crea una instancia de ChatHandler.
func NewChatHandler(logger *zap.Logger, chat *service.ChatService) *ChatHandler {
	return &ChatHandler{logger: logger, chat: chat}
}

// Send maneja POST /chat. Los tokens llegan a la UI por /events; la respuesta trae el mensaje final.
func (h *ChatHandler) Send(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid chat request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	reply, err := h.chat.Send(c.Request.Context(), req.Text)
	if err != nil {
		status := statusFor(err)
		if errors.Is(err, service.ErrChatNotConfigured) {
			status = http.StatusServiceUnavailable
		} else if !errors.Is(err, domain.ErrValidation) {
			status = http.StatusBadGateway
		}
		h.logger.Error("chat response failed", zap.Error(err))
		c.JSON(status, gin.H{"error": "could not generate response"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": reply})
}
