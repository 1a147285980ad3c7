package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"chat-sync/internal/domain"
)

const (
	defaultWindowSize = 10
	previewLength     = 100
)

// LocalMessageStore define la persistencia durable del cliente por (usuario, conversación).
type LocalMessageStore interface {
	LoadWindow(ctx context.Context, userID, conversationID string, limit, offset int) []domain.Message
	MessageIDs(ctx context.Context, userID, conversationID string) map[string]struct{}
	SaveWindow(ctx context.Context, userID, conversationID string, messages []domain.Message, appendMode bool) error
	UpsertMessages(ctx context.Context, userID, conversationID string, messages []domain.Message) error
	Metadata(ctx context.Context, userID, conversationID string) (domain.ConversationMetadata, bool)
	SetActiveConversation(ctx context.Context, userID, conversationID string) error
	GetActiveConversation(ctx context.Context, userID string) string
	ListConversations(ctx context.Context, userID string) []string
	NewConversation(ctx context.Context, userID string) (string, error)
}

func userPrefix(userID string) string {
	return "user:" + userID
}

func conversationKey(userID, conversationID string) string {
	return userPrefix(userID) + ":conversation:" + conversationID
}

func messagesKey(userID, conversationID string) string {
	return conversationKey(userID, conversationID) + ":messages"
}

func metadataKey(userID, conversationID string) string {
	return conversationKey(userID, conversationID) + ":metadata"
}

func currentConversationKey(userID string) string {
	return userPrefix(userID) + ":current_conversation"
}

// KVMessageStore implementa LocalMessageStore sobre cualquier KVStore.
// Las lecturas nunca fallan: datos ausentes o corruptos equivalen a vacío.
type KVMessageStore struct {
	kv     KVStore
	logger *zap.Logger
	now    func() time.Time

	// mu serializa los read-modify-write sobre la misma clave.
	mu sync.Mutex
}

func NewKVMessageStore(kv KVStore, logger *zap.Logger) *KVMessageStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KVMessageStore{
		kv:     kv,
		logger: logger,
		now:    time.Now,
	}
}

// LoadWindow devuelve hasta limit mensajes contados desde el final del historial, desplazados offset.
func (s *KVMessageStore) LoadWindow(ctx context.Context, userID, conversationID string, limit, offset int) []domain.Message {
	if userID == "" || conversationID == "" {
		s.logger.Warn("load window without user or conversation",
			zap.String("user_id", userID), zap.String("conversation_id", conversationID))
		return []domain.Message{}
	}
	if limit <= 0 {
		limit = defaultWindowSize
	}
	if offset < 0 {
		offset = 0
	}

	all := s.readMessages(ctx, userID, conversationID)
	sortCanonical(all)

	n := len(all)
	start := max(0, n-limit-offset)
	end := max(0, n-offset)
	if start >= end {
		return []domain.Message{}
	}
	out := make([]domain.Message, end-start)
	copy(out, all[start:end])
	return out
}

// MessageIDs devuelve el conjunto de ids guardados de la conversación, sin importar la página.
func (s *KVMessageStore) MessageIDs(ctx context.Context, userID, conversationID string) map[string]struct{} {
	if userID == "" || conversationID == "" {
		return map[string]struct{}{}
	}
	all := s.readMessages(ctx, userID, conversationID)
	ids := make(map[string]struct{}, len(all))
	for _, m := range all {
		ids[m.ID] = struct{}{}
	}
	return ids
}

// SaveWindow agrega (appendMode) o reemplaza el conjunto guardado y recalcula los metadatos.
// En modo agregar los ids existentes ganan.
func (s *KVMessageStore) SaveWindow(ctx context.Context, userID, conversationID string, messages []domain.Message, appendMode bool) error {
	if userID == "" || conversationID == "" {
		return domain.ErrMissingContext
	}
	if len(messages) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	toSave := append([]domain.Message(nil), messages...)
	if appendMode {
		existing := s.readMessages(ctx, userID, conversationID)
		seen := make(map[string]struct{}, len(existing))
		for _, m := range existing {
			seen[m.ID] = struct{}{}
		}
		toSave = existing
		for _, m := range messages {
			if _, ok := seen[m.ID]; ok {
				continue
			}
			seen[m.ID] = struct{}{}
			toSave = append(toSave, m)
		}
	}
	return s.write(ctx, userID, conversationID, toSave)
}

// UpsertMessages reemplaza por id los mensajes recibidos y conserva el resto del historial.
func (s *KVMessageStore) UpsertMessages(ctx context.Context, userID, conversationID string, messages []domain.Message) error {
	if userID == "" || conversationID == "" {
		return domain.ErrMissingContext
	}
	if len(messages) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	incoming := make(map[string]domain.Message, len(messages))
	order := make([]string, 0, len(messages))
	for _, m := range messages {
		if _, ok := incoming[m.ID]; !ok {
			order = append(order, m.ID)
		}
		incoming[m.ID] = m
	}

	existing := s.readMessages(ctx, userID, conversationID)
	toSave := make([]domain.Message, 0, len(existing)+len(messages))
	for _, m := range existing {
		if updated, ok := incoming[m.ID]; ok {
			toSave = append(toSave, updated)
			delete(incoming, m.ID)
			continue
		}
		toSave = append(toSave, m)
	}
	for _, id := range order {
		if m, ok := incoming[id]; ok {
			toSave = append(toSave, m)
		}
	}
	return s.write(ctx, userID, conversationID, toSave)
}

// Metadata devuelve los metadatos guardados; ok=false si no existen o están corruptos.
func (s *KVMessageStore) Metadata(ctx context.Context, userID, conversationID string) (domain.ConversationMetadata, bool) {
	raw, ok, err := s.kv.Get(ctx, metadataKey(userID, conversationID))
	if err != nil {
		s.logger.Warn("read conversation metadata failed", zap.Error(err), zap.String("conversation_id", conversationID))
		return domain.ConversationMetadata{}, false
	}
	if !ok {
		return domain.ConversationMetadata{}, false
	}
	var meta domain.ConversationMetadata
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		s.logger.Warn("corrupt conversation metadata", zap.Error(err), zap.String("conversation_id", conversationID))
		return domain.ConversationMetadata{}, false
	}
	return meta, true
}

func (s *KVMessageStore) SetActiveConversation(ctx context.Context, userID, conversationID string) error {
	if userID == "" || conversationID == "" {
		return domain.ErrMissingContext
	}
	if err := s.kv.Set(ctx, currentConversationKey(userID), conversationID); err != nil {
		return fmt.Errorf("%w: set active conversation: %w", domain.ErrPersistence, err)
	}
	return nil
}

func (s *KVMessageStore) GetActiveConversation(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	v, ok, err := s.kv.Get(ctx, currentConversationKey(userID))
	if err != nil {
		s.logger.Warn("read active conversation failed", zap.Error(err), zap.String("user_id", userID))
		return ""
	}
	if !ok {
		return ""
	}
	return v
}

// ListConversations descubre las conversaciones del usuario a partir de sus claves.
func (s *KVMessageStore) ListConversations(ctx context.Context, userID string) []string {
	if userID == "" {
		return []string{}
	}
	prefix := userPrefix(userID) + ":conversation:"
	keys, err := s.kv.Keys(ctx, prefix)
	if err != nil {
		s.logger.Warn("list conversation keys failed", zap.Error(err), zap.String("user_id", userID))
		return []string{}
	}

	seen := make(map[string]struct{})
	ids := []string{}
	for _, k := range keys {
		id := strings.TrimPrefix(k, prefix)
		id = strings.TrimSuffix(id, ":messages")
		id = strings.TrimSuffix(id, ":metadata")
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

// NewConversation crea una conversación vacía y la marca como activa.
func (s *KVMessageStore) NewConversation(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", domain.ErrMissingContext
	}
	conversationID := domain.NewConversationID()
	created := s.now().UnixMilli()

	meta, _ := json.Marshal(domain.ConversationMetadata{Timestamp: created})
	if err := s.kv.Set(ctx, metadataKey(userID, conversationID), string(meta)); err != nil {
		return "", fmt.Errorf("%w: init metadata: %w", domain.ErrPersistence, err)
	}
	root, _ := json.Marshal(map[string]int64{"created": created})
	if err := s.kv.Set(ctx, conversationKey(userID, conversationID), string(root)); err != nil {
		return "", fmt.Errorf("%w: init conversation: %w", domain.ErrPersistence, err)
	}
	if err := s.SetActiveConversation(ctx, userID, conversationID); err != nil {
		return "", err
	}
	return conversationID, nil
}

func (s *KVMessageStore) readMessages(ctx context.Context, userID, conversationID string) []domain.Message {
	raw, ok, err := s.kv.Get(ctx, messagesKey(userID, conversationID))
	if err != nil {
		s.logger.Warn("read messages failed", zap.Error(err), zap.String("conversation_id", conversationID))
		return []domain.Message{}
	}
	if !ok || raw == "" {
		return []domain.Message{}
	}
	var msgs []domain.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		s.logger.Warn("corrupt stored messages, treating as empty",
			zap.Error(err), zap.String("conversation_id", conversationID))
		return []domain.Message{}
	}
	if msgs == nil {
		return []domain.Message{}
	}
	return msgs
}

func (s *KVMessageStore) write(ctx context.Context, userID, conversationID string, msgs []domain.Message) error {
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("%w: marshal messages: %w", domain.ErrPersistence, err)
	}
	if err := s.kv.Set(ctx, messagesKey(userID, conversationID), string(data)); err != nil {
		return fmt.Errorf("%w: write messages: %w", domain.ErrPersistence, err)
	}

	meta := s.computeMetadata(msgs)
	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("%w: marshal metadata: %w", domain.ErrPersistence, err)
	}
	if err := s.kv.Set(ctx, metadataKey(userID, conversationID), string(metaData)); err != nil {
		return fmt.Errorf("%w: write metadata: %w", domain.ErrPersistence, err)
	}
	return nil
}

func (s *KVMessageStore) computeMetadata(msgs []domain.Message) domain.ConversationMetadata {
	if len(msgs) == 0 {
		return domain.ConversationMetadata{Timestamp: s.now().UnixMilli()}
	}
	latest := msgs[0]
	for _, m := range msgs[1:] {
		if domain.Less(latest, m) {
			latest = m
		}
	}
	ts := domain.MessageTimestamp(latest.ID)
	if ts == 0 {
		ts = s.now().UnixMilli()
	}
	return domain.ConversationMetadata{
		Timestamp:    ts,
		LastMessage:  domain.Preview(latest.Text, previewLength),
		MessageCount: len(msgs),
	}
}

func sortCanonical(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return domain.Less(msgs[i], msgs[j]) })
}
