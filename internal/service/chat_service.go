package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"chat-sync/internal/domain"
	"chat-sync/internal/llm"
)

var ErrChatNotConfigured = errors.New("chat service not configured")

// ChatStore es la parte del MessageStore que usa ChatService.
type ChatStore interface {
	MessageSource
	CurrentUser() string
	CurrentConversation() string
	AddMessage(message domain.Message) error
	UpdateMessage(id string, patch domain.MessagePatch) error
	StartStreamMessage(id string) error
	AppendStreamToken(id, token string) error
	FinalizeStream(id string) error
}

// ChatService orquesta la respuesta del asistente: guarda el mensaje del usuario,
// arma el contexto y vuelca el stream del LLM en el store token a token.
type ChatService struct {
	store          ChatStore
	llmClient      llm.LLMClient
	contextService ContextService
	systemPrompt   string
	logger         *zap.Logger
	now            func() time.Time
}

func NewChatService(store ChatStore, llmClient llm.LLMClient, contextService ContextService, systemPrompt string, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if contextService == nil && store != nil {
		contextService = NewBasicContextService(store, defaultContextTurns)
	}
	return &ChatService{
		store:          store,
		llmClient:      llmClient,
		contextService: contextService,
		systemPrompt:   strings.TrimSpace(systemPrompt),
		logger:         logger,
		now:            time.Now,
	}
}

// Send agrega el mensaje del usuario y transmite la respuesta del asistente.
// Devuelve el mensaje del asistente ya finalizado.
func (s *ChatService) Send(ctx context.Context, text string) (domain.Message, error) {
	if s == nil || s.store == nil || s.llmClient == nil {
		return domain.Message{}, ErrChatNotConfigured
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.Message{}, domain.ErrEmptyMessage
	}
	convID := s.store.CurrentConversation()
	if convID == "" {
		return domain.Message{}, fmt.Errorf("%w: no active conversation", domain.ErrMissingContext)
	}
	userID := s.store.CurrentUser()

	sentAt := s.now()
	userMessage := domain.Message{
		ID:             domain.NewMessageID(domain.SenderUser, userID, sentAt),
		Text:           text,
		IsUser:         true,
		Timestamp:      domain.Timestamp(sentAt.UTC().Format(time.RFC3339)),
		ConversationID: convID,
		Status:         domain.StatusSent,
	}
	if err := s.store.AddMessage(userMessage); err != nil {
		return domain.Message{}, fmt.Errorf("add user message: %w", err)
	}

	history, err := s.contextService.GetContext(ctx, convID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("get context: %w", err)
	}
	if s.systemPrompt != "" {
		history = append([]llm.Turn{{Role: llm.RoleSystem, Content: s.systemPrompt}}, history...)
	}

	// La respuesta debe ordenarse después del mensaje del usuario aunque caiga en el mismo milisegundo.
	replyAt := s.now()
	if replyAt.UnixMilli() <= sentAt.UnixMilli() {
		replyAt = sentAt.Add(time.Millisecond)
	}
	replyID := domain.NewMessageID(domain.SenderAssistant, userID, replyAt)
	if err := s.store.StartStreamMessage(replyID); err != nil {
		return domain.Message{}, fmt.Errorf("start stream: %w", err)
	}

	raw, err := s.llmClient.Stream(ctx, history, func(token string) error {
		return s.store.AppendStreamToken(replyID, token)
	})
	if err != nil {
		status := domain.StatusError
		typing := false
		if uerr := s.store.UpdateMessage(replyID, domain.MessagePatch{Status: &status, AnimateTyping: &typing}); uerr != nil {
			s.logger.Warn("could not flag failed reply", zap.String("message_id", replyID), zap.Error(uerr))
		}
		s.logger.Error("llm stream failed", zap.String("conversation_id", convID), zap.Error(err))
		return domain.Message{}, fmt.Errorf("llm stream: %w", err)
	}

	if cleaned := cleanAssistantReply(raw); cleaned != raw && cleaned != "" {
		if err := s.store.UpdateMessage(replyID, domain.MessagePatch{Text: &cleaned}); err != nil {
			s.logger.Warn("could not clean reply", zap.String("message_id", replyID), zap.Error(err))
		}
	}

	if err := s.store.FinalizeStream(replyID); err != nil {
		return domain.Message{}, fmt.Errorf("finalize stream: %w", err)
	}

	for _, m := range s.store.GetMessages() {
		if m.ID == replyID {
			return m, nil
		}
	}
	return domain.Message{}, domain.ErrMessageNotFound
}
