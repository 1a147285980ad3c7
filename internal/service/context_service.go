package service

import (
	"context"
	"sort"
	"strings"

	"chat-sync/internal/domain"
	"chat-sync/internal/llm"
)

const defaultContextTurns = 10

// ContextService define contrato para recuperar contexto conversacional.
type ContextService interface {
	GetContext(ctx context.Context, conversationID string) ([]llm.Turn, error)
}

// MessageSource expone el snapshot de la caché (más reciente primero).
type MessageSource interface {
	GetMessages() []domain.Message
}

// BasicContextService toma los últimos mensajes de la caché y los convierte en turnos para el LLM.
type BasicContextService struct {
	source MessageSource
	limit  int
}

func NewBasicContextService(source MessageSource, limit int) *BasicContextService {
	if limit <= 0 {
		limit = defaultContextTurns
	}
	return &BasicContextService{source: source, limit: limit}
}

func (s *BasicContextService) GetContext(ctx context.Context, conversationID string) ([]llm.Turn, error) {
	if s == nil || s.source == nil || strings.TrimSpace(conversationID) == "" {
		return nil, nil
	}

	var messages []domain.Message
	for _, m := range s.source.GetMessages() {
		if m.ConversationID != conversationID || strings.TrimSpace(m.Text) == "" {
			continue
		}
		messages = append(messages, m)
	}
	if len(messages) == 0 {
		return nil, nil
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return domain.Less(messages[i], messages[j])
	})

	if len(messages) > s.limit {
		messages = messages[len(messages)-s.limit:]
	}

	turns := make([]llm.Turn, 0, len(messages))
	for _, m := range messages {
		role := llm.RoleAssistant
		if m.IsUser {
			role = llm.RoleUser
		}
		turns = append(turns, llm.Turn{Role: role, Content: m.Text})
	}
	return turns, nil
}
