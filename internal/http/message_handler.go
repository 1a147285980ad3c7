package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-sync/internal/domain"
	"chat-sync/internal/service"
)

// ConnectivitySwitch permite forzar el estado de red cuando no se sondea el backend.
type ConnectivitySwitch interface {
	Set(online bool)
}

// MessageHandler expone las operaciones del MessageStore a la UI.
type MessageHandler struct {
	logger  *zap.Logger
	store   *service.MessageStore
	network ConnectivitySwitch
}

// NewMessageHandler crea el handler; network es opcional.
func NewMessageHandler(logger *zap.Logger, store *service.MessageStore, network ConnectivitySwitch) *MessageHandler {
	return &MessageHandler{logger: logger, store: store, network: network}
}

// ListMessages maneja GET /messages (más reciente primero).
func (h *MessageHandler) ListMessages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"messages": h.store.GetMessages()})
}

// AddMessage maneja POST /messages.
func (h *MessageHandler) AddMessage(c *gin.Context) {
	var msg domain.Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		h.logger.Warn("invalid add message request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if msg.ID == "" {
		kind := domain.SenderAssistant
		if msg.IsUser {
			kind = domain.SenderUser
		}
		msg.ID = h.store.NewMessageID(kind)
	}
	if err := h.store.AddMessage(msg); err != nil {
		h.fail(c, "add message failed", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": h.find(msg.ID)})
}

// SetMessages maneja PUT /messages: reemplaza la conversación actual.
func (h *MessageHandler) SetMessages(c *gin.Context) {
	var req struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid set messages request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := h.store.SetMessages(req.Messages); err != nil {
		h.fail(c, "set messages failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": h.store.GetMessages()})
}

// ClearMessages maneja DELETE /messages; solo vacía la caché.
func (h *MessageHandler) ClearMessages(c *gin.Context) {
	h.store.ClearMessages()
	c.Status(http.StatusNoContent)
}

type patchRequest struct {
	Text             *string               `json:"text"`
	Timestamp        *domain.Timestamp     `json:"timestamp"`
	Status           *domain.MessageStatus `json:"status"`
	IsTyping         *bool                 `json:"isTyping"`
	AnimateTyping    *bool                 `json:"animateTyping"`
	HasBeenAnimated  *bool                 `json:"hasBeenAnimated"`
	HasBeenDisplayed *bool                 `json:"hasBeenDisplayed"`
	ImageURL         *string               `json:"imageUrl"`
}

func (r patchRequest) toPatch() domain.MessagePatch {
	return domain.MessagePatch{
		Text:             r.Text,
		Timestamp:        r.Timestamp,
		Status:           r.Status,
		IsTyping:         r.IsTyping,
		AnimateTyping:    r.AnimateTyping,
		HasBeenAnimated:  r.HasBeenAnimated,
		HasBeenDisplayed: r.HasBeenDisplayed,
		ImageURL:         r.ImageURL,
	}
}

// UpdateMessage maneja PATCH /messages/:id.
func (h *MessageHandler) UpdateMessage(c *gin.Context) {
	var req patchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid update message request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	id := c.Param("id")
	if err := h.store.UpdateMessage(id, req.toPatch()); err != nil {
		h.fail(c, "update message failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": h.find(id)})
}

// MarkDisplayed maneja POST /messages/:id/displayed.
func (h *MessageHandler) MarkDisplayed(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.MarkDisplayed(id); err != nil {
		h.fail(c, "mark displayed failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": h.find(id)})
}

// MarkAnimated maneja POST /messages/:id/animated.
func (h *MessageHandler) MarkAnimated(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.MarkAnimated(id); err != nil {
		h.fail(c, "mark animated failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": h.find(id)})
}

// StartStream maneja POST /stream. Sin id en el body se genera uno de asistente.
func (h *MessageHandler) StartStream(c *gin.Context) {
	var req struct {
		ID string `json:"id"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.logger.Warn("invalid start stream request", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
	}
	if strings.TrimSpace(req.ID) == "" {
		req.ID = h.store.NewMessageID(domain.SenderAssistant)
	}
	if err := h.store.StartStreamMessage(req.ID); err != nil {
		h.fail(c, "start stream failed", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": req.ID})
}

type tokenRequest struct {
	Token string `json:"token"`
}

// AppendStreamToken maneja POST /stream/:id/token.
func (h *MessageHandler) AppendStreamToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := h.store.AppendStreamToken(c.Param("id"), req.Token); err != nil {
		h.fail(c, "append stream token failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// FinalizeStream maneja POST /stream/:id/finalize.
func (h *MessageHandler) FinalizeStream(c *gin.Context) {
	id := c.Param("id")
	if err := h.store.FinalizeStream(id); err != nil {
		h.fail(c, "finalize stream failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": h.find(id)})
}

// AppendTypingToken maneja POST /typing.
func (h *MessageHandler) AppendTypingToken(c *gin.Context) {
	var req tokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := h.store.AppendTypingToken(req.Token); err != nil {
		h.fail(c, "append typing token failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetPagination maneja GET /pagination.
func (h *MessageHandler) GetPagination(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pagination": h.store.Pagination()})
}

// LoadNextPage maneja POST /pages/next.
func (h *MessageHandler) LoadNextPage(c *gin.Context) {
	loaded, err := h.store.LoadNextPage(c.Request.Context())
	if err != nil {
		h.fail(c, "load next page failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"loaded": loaded, "pagination": h.store.Pagination()})
}

// SetCurrentConversation maneja PUT /conversation.
func (h *MessageHandler) SetCurrentConversation(c *gin.Context) {
	var req struct {
		ID string `json:"id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := h.store.SetCurrentConversation(c.Request.Context(), req.ID); err != nil {
		h.fail(c, "set conversation failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversationId": req.ID, "pagination": h.store.Pagination()})
}

// Reset maneja POST /reset: deja en memoria solo la conversación indicada.
func (h *MessageHandler) Reset(c *gin.Context) {
	var req struct {
		ConversationID string `json:"conversationId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	h.store.Reset(req.ConversationID)
	c.JSON(http.StatusOK, gin.H{"messages": h.store.GetMessages()})
}

// ListConversations maneja GET /conversations.
func (h *MessageHandler) ListConversations(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"conversations": h.store.Conversations(c.Request.Context())})
}

// StartConversation maneja POST /conversations.
func (h *MessageHandler) StartConversation(c *gin.Context) {
	id, err := h.store.StartNewConversation(c.Request.Context())
	if err != nil {
		h.fail(c, "start conversation failed", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// SetCurrentUser maneja PUT /user.
func (h *MessageHandler) SetCurrentUser(c *gin.Context) {
	var req struct {
		ID string `json:"id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if err := h.store.SetCurrentUser(c.Request.Context(), req.ID); err != nil {
		h.fail(c, "set user failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"userId":         h.store.CurrentUser(),
		"conversationId": h.store.CurrentConversation(),
	})
}

// ListPending maneja GET /pending.
func (h *MessageHandler) ListPending(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": h.store.PendingWrites()})
}

// FlushPending maneja POST /pending/flush.
func (h *MessageHandler) FlushPending(c *gin.Context) {
	res, err := h.store.FlushPending(c.Request.Context())
	if errors.Is(err, service.ErrPendingQueueNotConfigured) {
		c.JSON(http.StatusConflict, gin.H{"error": "no remote backend configured"})
		return
	}
	body := gin.H{"result": res, "pending": h.store.PendingCount()}
	if err != nil {
		h.logger.Warn("pending flush finished with errors", zap.Error(err))
		body["error"] = err.Error()
	}
	c.JSON(http.StatusOK, body)
}

// SetConnectivity maneja POST /connectivity.
func (h *MessageHandler) SetConnectivity(c *gin.Context) {
	if h.network == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "connectivity is probed, not manual"})
		return
	}
	var req struct {
		Online *bool `json:"online" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	h.network.Set(*req.Online)
	c.JSON(http.StatusOK, gin.H{"online": h.store.IsOnline()})
}

// Debug maneja GET /debug.
func (h *MessageHandler) Debug(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.DebugInfo())
}

func (h *MessageHandler) find(id string) *domain.Message {
	for _, m := range h.store.GetMessages() {
		if m.ID == id {
			return &m
		}
	}
	return nil
}

func (h *MessageHandler) fail(c *gin.Context, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.Error(err))
	} else {
		h.logger.Warn(msg, zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrDuplicateMessage):
		return http.StatusConflict
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrMessageStoreNotConfigured), errors.Is(err, service.ErrMessageStoreDisposed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
