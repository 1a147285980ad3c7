package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"chat-sync/internal/domain"
	"chat-sync/internal/metrics"
	"chat-sync/internal/repository"
)

const (
	defaultPageSize          = 10
	defaultRemoteRecentLimit = 20
)

var (
	ErrMessageStoreNotConfigured = errors.New("message store not configured")
	ErrMessageStoreDisposed      = errors.New("message store disposed")
)

// MessageStoreConfig es la configuración inyectada al construir el store.
type MessageStoreConfig struct {
	UserID            string
	PageSize          int
	RemoteRecentLimit int
	// FlushInterval reintenta la cola pendiente mientras hay conexión; 0 lo desactiva.
	FlushInterval time.Duration
	// JobTimeout limita cada escritura en segundo plano.
	JobTimeout time.Duration
}

// ConnectivityStatus es lo que el store necesita del monitor de conectividad.
type ConnectivityStatus interface {
	CurrentStatus() bool
	Subscribe(fn func(online bool)) func()
}

// ConversationSummary describe una conversación guardada localmente.
type ConversationSummary struct {
	ID       string                      `json:"id"`
	Metadata domain.ConversationMetadata `json:"metadata"`
	Active   bool                        `json:"active"`
}

// DebugInfo es la foto de diagnóstico del store.
type DebugInfo struct {
	MessageCount          int                     `json:"messageCount"`
	ListenerCounts        map[string]int          `json:"listenerCounts"`
	CurrentUserID         string                  `json:"currentUserId"`
	CurrentConversationID string                  `json:"currentConversationId"`
	Pagination            domain.PaginationWindow `json:"paginationInfo"`
	PendingMessagesCount  int                     `json:"pendingMessagesCount"`
	IsOnline              bool                    `json:"isOnline"`
	LastUpdateTime        time.Time               `json:"lastUpdateTime"`
}

// MessageStore es la caché en memoria de la conversación activa.
// Las mutaciones se aplican y notifican de forma síncrona; la persistencia local
// y remota corre en segundo plano, en orden de envío.
type MessageStore struct {
	cfg     MessageStoreConfig
	logger  *zap.Logger
	local   repository.LocalMessageStore
	remote  repository.RemoteMessageRepository
	conn    ConnectivityStatus
	pending *PendingQueue
	bus     *NotificationBus
	now     func() time.Time

	localWorker  *serialWorker
	remoteWorker *serialWorker

	mu             sync.Mutex
	messages       []domain.Message
	userID         string
	conversationID string
	pagination     domain.PaginationWindow
	lastUpdate     time.Time
	loadSeq        uint64
	loadingPage    bool
	initialized    bool
	disposed       bool
	unsubConn      func()
	stopCh         chan struct{}
	loopDone       chan struct{}

	// publishMu ordena las notificaciones: cada una lleva el snapshot vigente al publicarse.
	publishMu sync.Mutex
	// publisher es la goroutine que publica; detecta listeners que mutan el store.
	publisher atomic.Uint64
}

// NewMessageStore arma el store. remote, conn y pending son opcionales:
// sin remote el store trabaja solo con el almacenamiento local.
func NewMessageStore(
	cfg MessageStoreConfig,
	local repository.LocalMessageStore,
	remote repository.RemoteMessageRepository,
	conn ConnectivityStatus,
	pending *PendingQueue,
	logger *zap.Logger,
) (*MessageStore, error) {
	if local == nil {
		return nil, ErrMessageStoreNotConfigured
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.RemoteRecentLimit <= 0 {
		cfg.RemoteRecentLimit = defaultRemoteRecentLimit
	}
	if remote != nil && pending == nil {
		pending = NewPendingQueue(remote, defaultPendingMaxRetries, logger)
	}

	s := &MessageStore{
		cfg:          cfg,
		logger:       logger,
		local:        local,
		remote:       remote,
		conn:         conn,
		pending:      pending,
		bus:          NewNotificationBus(logger),
		now:          time.Now,
		localWorker:  newSerialWorker("local", cfg.JobTimeout, logger),
		remoteWorker: newSerialWorker("remote", cfg.JobTimeout, logger),
		userID:       cfg.UserID,
		pagination:   domain.PaginationWindow{PageSize: cfg.PageSize},
		stopCh:       make(chan struct{}),
	}
	if pending != nil {
		pending.OnDropped(s.handleDropped)
	}
	return s, nil
}

// Initialize engancha la conectividad, arranca el flush periódico y carga la conversación activa.
func (s *MessageStore) Initialize(ctx context.Context) error {
	if s == nil {
		return ErrMessageStoreNotConfigured
	}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return ErrMessageStoreDisposed
	}
	if s.initialized {
		s.mu.Unlock()
		s.logger.Debug("message store already initialized")
		return nil
	}
	s.initialized = true
	userID := s.userID
	if s.conn != nil {
		s.unsubConn = s.conn.Subscribe(s.onConnectivityChange)
	}
	if s.cfg.FlushInterval > 0 && s.pending != nil {
		s.loopDone = make(chan struct{})
		go s.flushLoop(s.cfg.FlushInterval)
	}
	s.mu.Unlock()

	s.logger.Info("message store initialized",
		zap.String("user_id", userID), zap.Bool("online", s.IsOnline()))

	if userID == "" {
		return nil
	}
	return s.loadPage(ctx, 0)
}

// Dispose detiene el trabajo periódico, espera la persistencia en curso y suelta los suscriptores.
func (s *MessageStore) Dispose() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	unsub := s.unsubConn
	loopDone := s.loopDone
	close(s.stopCh)
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if loopDone != nil {
		<-loopDone
	}
	s.localWorker.Close()
	s.remoteWorker.Close()
	s.bus.Clear()
	s.logger.Info("message store disposed")
}

// Drain espera a que se apliquen todas las escrituras en segundo plano ya enviadas.
func (s *MessageStore) Drain() {
	s.localWorker.Drain()
	s.remoteWorker.Drain()
}

// Subscribe registra fn en el canal; devuelve la función para cancelar.
func (s *MessageStore) Subscribe(ch Channel, fn Listener) func() {
	return s.bus.Subscribe(ch, fn)
}

// NewMessageID genera un id para el usuario actual.
func (s *MessageStore) NewMessageID(kind domain.SenderKind) string {
	s.mu.Lock()
	userID := s.userID
	s.mu.Unlock()
	return domain.NewMessageID(kind, userID, s.now())
}

// AddMessage agrega un mensaje nuevo. Los duplicados y los vacíos se descartan con log.
func (s *MessageStore) AddMessage(message domain.Message) error {
	if s == nil {
		return ErrMessageStoreNotConfigured
	}
	if strings.TrimSpace(message.Text) == "" {
		return s.reject(message, domain.ErrEmptyMessage, "empty")
	}

	s.mu.Lock()
	if message.ID == "" {
		kind := domain.SenderAssistant
		if message.IsUser {
			kind = domain.SenderUser
		}
		message.ID = domain.NewMessageID(kind, s.userID, s.now())
	}
	if message.ConversationID == "" {
		message.ConversationID = s.conversationID
	}
	if s.indexOf(message.ID) >= 0 {
		s.mu.Unlock()
		metrics.MessagesRejected.WithLabelValues("duplicate").Inc()
		s.logger.Warn("duplicate message dropped", zap.String("message_id", message.ID))
		return domain.ErrDuplicateMessage
	}
	if message.Timestamp == "" {
		message.Timestamp = domain.Timestamp(s.now().UTC().Format(time.RFC3339))
	}
	s.insertLocked(message)
	userID := s.userID
	s.mu.Unlock()

	sender := "assistant"
	if message.IsUser {
		sender = "user"
	}
	metrics.MessagesAdded.WithLabelValues(sender).Inc()

	s.persistLocal(userID, message.ConversationID, []domain.Message{message}, false)
	s.persistRemote(userID, message)
	s.notifyUpdate()
	return nil
}

// SetMessages reemplaza la caché y el historial guardado de la conversación actual.
// Los mensajes sin id o sin texto se filtran.
func (s *MessageStore) SetMessages(messages []domain.Message) error {
	if s == nil {
		return ErrMessageStoreNotConfigured
	}
	valid := make([]domain.Message, 0, len(messages))
	seen := make(map[string]struct{}, len(messages))
	for _, m := range messages {
		if m.ID == "" || m.Text == "" {
			continue
		}
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		valid = append(valid, m)
	}
	if dropped := len(messages) - len(valid); dropped > 0 {
		s.logger.Warn("invalid messages filtered", zap.Int("dropped", dropped))
	}
	sortMessages(valid)

	s.mu.Lock()
	s.messages = valid
	s.touchLocked()
	userID, convID := s.userID, s.conversationID
	snapshot := s.conversationSnapshotLocked(convID)
	s.mu.Unlock()

	if userID != "" && convID != "" {
		s.localWorker.Submit(func(ctx context.Context) {
			err := s.local.SaveWindow(ctx, userID, convID, snapshot, false)
			s.recordLocalWrite(err, "replace conversation")
		})
	}
	s.notifyUpdate()
	return nil
}

// UpdateMessage aplica patch sobre el mensaje; no persiste.
// El orden no cambia: la clave de orden es el id, que es inmutable.
func (s *MessageStore) UpdateMessage(id string, patch domain.MessagePatch) error {
	if s == nil {
		return ErrMessageStoreNotConfigured
	}
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		s.logger.Warn("update of unknown message", zap.String("message_id", id))
		return domain.ErrMessageNotFound
	}
	if patch.IsEmpty() {
		s.mu.Unlock()
		return nil
	}
	s.messages[idx] = patch.Apply(s.messages[idx])
	s.touchLocked()
	s.mu.Unlock()

	s.notifyUpdate()
	return nil
}

// StartStreamMessage crea el contenedor vacío del asistente; es idempotente.
func (s *MessageStore) StartStreamMessage(id string) error {
	if s == nil {
		return ErrMessageStoreNotConfigured
	}
	if id == "" {
		return fmt.Errorf("%w: stream message id is empty", domain.ErrValidation)
	}
	s.mu.Lock()
	if s.indexOf(id) >= 0 {
		s.mu.Unlock()
		return nil
	}
	s.insertLocked(s.assistantShellLocked(id, ""))
	s.mu.Unlock()

	s.notifyUpdate()
	return nil
}

// AppendStreamToken concatena token al texto del mensaje. Nunca escribe a disco.
func (s *MessageStore) AppendStreamToken(id, token string) error {
	if s == nil {
		return ErrMessageStoreNotConfigured
	}
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		s.logger.Warn("stream token for unknown message", zap.String("message_id", id))
		return domain.ErrMessageNotFound
	}
	m := s.messages[idx]
	m.Text += token
	s.messages[idx] = m
	s.touchLocked()
	s.mu.Unlock()

	metrics.StreamTokens.Inc()
	s.notifyUpdate()
	return nil
}

// AppendTypingToken agrega token al último mensaje del asistente de la conversación actual,
// creándolo si no existe.
func (s *MessageStore) AppendTypingToken(token string) error {
	if s == nil {
		return ErrMessageStoreNotConfigured
	}
	s.mu.Lock()
	idx := -1
	for i := len(s.messages) - 1; i >= 0; i-- {
		if !s.messages[i].IsUser && s.messages[i].ConversationID == s.conversationID {
			idx = i
			break
		}
	}
	if idx < 0 {
		id := domain.NewMessageID(domain.SenderAssistant, s.userID, s.now())
		s.insertLocked(s.assistantShellLocked(id, token))
	} else {
		m := s.messages[idx]
		m.Text += token
		s.messages[idx] = m
	}
	s.touchLocked()
	s.mu.Unlock()

	metrics.StreamTokens.Inc()
	s.notifyUpdate()
	return nil
}

// FinalizeStream cierra el stream y persiste solo ese mensaje.
func (s *MessageStore) FinalizeStream(id string) error {
	if s == nil {
		return ErrMessageStoreNotConfigured
	}
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		s.logger.Warn("finalize of unknown stream", zap.String("message_id", id))
		return domain.ErrMessageNotFound
	}
	m := s.messages[idx]
	m.AnimateTyping = false
	m.HasBeenAnimated = true
	m.IsTyping = false
	s.messages[idx] = m
	s.touchLocked()
	userID := s.userID
	s.mu.Unlock()

	s.persistLocal(userID, m.ConversationID, []domain.Message{m}, true)
	if strings.TrimSpace(m.Text) != "" {
		s.persistRemote(userID, m)
	}
	s.notifyUpdate()
	s.logger.Debug("stream finalized", zap.String("message_id", id), zap.Int("length", len(m.Text)))
	return nil
}

// MarkDisplayed marca el mensaje como mostrado y persiste la conversación en caché.
func (s *MessageStore) MarkDisplayed(id string) error {
	return s.markFlag(id, "displayed", func(m *domain.Message) bool {
		if m.HasBeenDisplayed {
			return false
		}
		m.HasBeenDisplayed = true
		return true
	})
}

// MarkAnimated marca la animación de tipeo como completada y persiste la conversación en caché.
func (s *MessageStore) MarkAnimated(id string) error {
	return s.markFlag(id, "animated", func(m *domain.Message) bool {
		if m.HasBeenAnimated && !m.AnimateTyping {
			return false
		}
		m.AnimateTyping = false
		m.HasBeenAnimated = true
		return true
	})
}

func (s *MessageStore) markFlag(id, flag string, mutate func(m *domain.Message) bool) error {
	if s == nil {
		return ErrMessageStoreNotConfigured
	}
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		s.logger.Warn("mark of unknown message", zap.String("message_id", id), zap.String("flag", flag))
		return domain.ErrMessageNotFound
	}
	m := s.messages[idx]
	if !mutate(&m) {
		s.mu.Unlock()
		return nil
	}
	s.messages[idx] = m
	s.touchLocked()
	userID := s.userID
	snapshot := s.conversationSnapshotLocked(m.ConversationID)
	s.mu.Unlock()

	s.persistLocal(userID, m.ConversationID, snapshot, true)
	s.notifyUpdate()
	return nil
}

// GetMessages devuelve una copia ordenada del más reciente al más antiguo.
func (s *MessageStore) GetMessages() []domain.Message {
	if s == nil {
		return []domain.Message{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.messages))
	for i, m := range s.messages {
		out[len(s.messages)-1-i] = m
	}
	return out
}

// Reset descarta de memoria los mensajes que no pertenecen a conversationID.
// La persistencia pendiente de otras conversaciones no se cancela.
func (s *MessageStore) Reset(conversationID string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	kept := s.messages[:0:0]
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	s.touchLocked()
	s.mu.Unlock()

	s.notifyUpdate()
}

// ClearMessages vacía la caché en memoria.
func (s *MessageStore) ClearMessages() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.messages = nil
	s.touchLocked()
	s.mu.Unlock()

	s.notifyUpdate()
}

// LoadNextPage materializa la siguiente página de historial más antiguo.
// Devuelve false si no hay más o ya hay una carga en curso.
func (s *MessageStore) LoadNextPage(ctx context.Context) (bool, error) {
	if s == nil {
		return false, ErrMessageStoreNotConfigured
	}
	s.mu.Lock()
	if !s.pagination.HasMore || s.loadingPage {
		s.mu.Unlock()
		return false, nil
	}
	s.loadingPage = true
	next := s.pagination.CurrentPage + 1
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.loadingPage = false
		s.mu.Unlock()
	}()

	if err := s.loadPage(ctx, next); err != nil {
		return false, err
	}
	return true, nil
}

// SetCurrentConversation cambia la conversación activa y carga su primera página.
func (s *MessageStore) SetCurrentConversation(ctx context.Context, conversationID string) error {
	if s == nil {
		return ErrMessageStoreNotConfigured
	}
	s.mu.Lock()
	if conversationID == s.conversationID {
		s.mu.Unlock()
		return nil
	}
	s.conversationID = conversationID
	s.loadSeq++
	s.pagination = domain.PaginationWindow{PageSize: s.cfg.PageSize}
	kept := s.messages[:0:0]
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			kept = append(kept, m)
		}
	}
	s.messages = kept
	s.touchLocked()
	userID := s.userID
	s.mu.Unlock()

	s.logger.Info("conversation changed", zap.String("conversation_id", conversationID))
	if userID != "" && conversationID != "" {
		s.localWorker.Submit(func(ctx context.Context) {
			err := s.local.SetActiveConversation(ctx, userID, conversationID)
			s.recordLocalWrite(err, "set active conversation")
		})
	}
	s.notifyUpdate()

	if conversationID == "" || userID == "" {
		s.notifyPagination()
		return nil
	}
	return s.loadPage(ctx, 0)
}

// SetCurrentUser cambia de usuario y recarga su conversación activa. "" equivale a cerrar sesión.
func (s *MessageStore) SetCurrentUser(ctx context.Context, userID string) error {
	if s == nil {
		return ErrMessageStoreNotConfigured
	}
	s.mu.Lock()
	if userID == s.userID {
		s.mu.Unlock()
		return nil
	}
	s.userID = userID
	s.conversationID = ""
	s.loadSeq++
	s.pagination = domain.PaginationWindow{PageSize: s.cfg.PageSize}
	s.messages = nil
	s.touchLocked()
	s.mu.Unlock()

	s.logger.Info("current user changed", zap.String("user_id", userID))
	s.notifyUpdate()
	if userID == "" {
		s.notifyPagination()
		return nil
	}
	return s.loadPage(ctx, 0)
}

// StartNewConversation crea una conversación vacía y la activa.
func (s *MessageStore) StartNewConversation(ctx context.Context) (string, error) {
	if s == nil {
		return "", ErrMessageStoreNotConfigured
	}
	userID := s.CurrentUser()
	if userID == "" {
		return "", domain.ErrMissingContext
	}
	id, err := s.local.NewConversation(ctx, userID)
	if err != nil {
		s.logger.Error("create conversation failed", zap.Error(err))
		return "", err
	}
	if err := s.SetCurrentConversation(ctx, id); err != nil {
		return id, err
	}
	return id, nil
}

// Conversations lista las conversaciones guardadas del usuario, la más reciente primero.
func (s *MessageStore) Conversations(ctx context.Context) []ConversationSummary {
	if s == nil {
		return []ConversationSummary{}
	}
	userID, active := s.CurrentUser(), s.CurrentConversation()
	if userID == "" {
		return []ConversationSummary{}
	}
	ids := s.local.ListConversations(ctx, userID)
	out := make([]ConversationSummary, 0, len(ids))
	for _, id := range ids {
		meta, _ := s.local.Metadata(ctx, userID, id)
		out = append(out, ConversationSummary{ID: id, Metadata: meta, Active: id == active})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Metadata.Timestamp > out[j].Metadata.Timestamp
	})
	return out
}

// FlushPending reintenta la cola pendiente si hay conexión.
func (s *MessageStore) FlushPending(ctx context.Context) (FlushResult, error) {
	if s == nil || s.pending == nil {
		return FlushResult{}, ErrPendingQueueNotConfigured
	}
	if !s.IsOnline() {
		return FlushResult{Skipped: true}, nil
	}
	return s.pending.Flush(ctx)
}

func (s *MessageStore) Pagination() domain.PaginationWindow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pagination
}

func (s *MessageStore) CurrentUser() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *MessageStore) CurrentConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

func (s *MessageStore) PendingCount() int {
	return s.pending.Len()
}

func (s *MessageStore) PendingWrites() []domain.PendingWrite {
	return s.pending.Items()
}

// IsOnline consulta el monitor; sin monitor, se asume online si hay backend remoto.
func (s *MessageStore) IsOnline() bool {
	if s.conn == nil {
		return s.remote != nil
	}
	return s.conn.CurrentStatus()
}

func (s *MessageStore) DebugInfo() DebugInfo {
	counts := make(map[string]int, 3)
	for _, c := range Channels() {
		counts[c.String()] = s.bus.ListenerCount(c)
	}
	online := s.IsOnline()
	pending := s.PendingCount()

	s.mu.Lock()
	defer s.mu.Unlock()
	return DebugInfo{
		MessageCount:          len(s.messages),
		ListenerCounts:        counts,
		CurrentUserID:         s.userID,
		CurrentConversationID: s.conversationID,
		Pagination:            s.pagination,
		PendingMessagesCount:  pending,
		IsOnline:              online,
		LastUpdateTime:        s.lastUpdate,
	}
}

// loadPage carga la página indicada. La página 0 con conexión une la ventana remota reciente
// con la local; las demás páginas salen solo del almacenamiento local.
func (s *MessageStore) loadPage(ctx context.Context, page int) error {
	s.mu.Lock()
	userID, convID, seq := s.userID, s.conversationID, s.loadSeq
	pageSize := s.cfg.PageSize
	s.mu.Unlock()

	if userID == "" {
		s.logger.Warn("page load without current user")
		return domain.ErrMissingContext
	}

	if convID == "" {
		convID = s.local.GetActiveConversation(ctx, userID)
		if convID == "" {
			s.logger.Info("no active conversation to load", zap.String("user_id", userID))
			s.mu.Lock()
			if seq != s.loadSeq {
				s.mu.Unlock()
				return nil
			}
			s.messages = nil
			s.pagination = domain.PaginationWindow{PageSize: pageSize}
			s.touchLocked()
			s.mu.Unlock()
			s.notifyUpdate()
			s.notifyPagination()
			return nil
		}
		s.mu.Lock()
		if seq == s.loadSeq && s.conversationID == "" {
			s.conversationID = convID
		}
		s.mu.Unlock()
	}

	offset := page * pageSize
	localPage := s.local.LoadWindow(ctx, userID, convID, pageSize, offset)

	var remoteOnly []domain.Message
	if page == 0 && s.remote != nil && s.IsOnline() {
		// Una fila remota solo entra si no existe en todo el historial local:
		// la copia local conserva estado y flags de presentación.
		remote := s.loadRemote(ctx, userID, convID)
		var stored map[string]struct{}
		if len(remote) > 0 {
			stored = s.local.MessageIDs(ctx, userID, convID)
		}
		for _, m := range remote {
			if _, ok := stored[m.ID]; !ok {
				remoteOnly = append(remoteOnly, m)
			}
		}
	}

	loaded := append(append([]domain.Message(nil), localPage...), remoteOnly...)
	meta, hasMeta := s.local.Metadata(ctx, userID, convID)

	s.mu.Lock()
	if seq != s.loadSeq || s.conversationID != convID {
		s.mu.Unlock()
		s.logger.Debug("stale page load discarded", zap.String("conversation_id", convID), zap.Int("page", page))
		return nil
	}
	base := s.messages
	if page == 0 {
		base = base[:0:0]
		for _, m := range s.messages {
			if m.ConversationID == convID {
				base = append(base, m)
			}
		}
	}
	s.messages = mergeMessages(base, loaded)
	total := len(s.messages)
	if hasMeta && meta.MessageCount > total {
		total = meta.MessageCount
	}
	s.pagination = domain.PaginationWindow{
		CurrentPage:   page,
		PageSize:      pageSize,
		HasMore:       len(localPage) == pageSize && len(localPage) > 0,
		TotalMessages: total,
	}
	s.touchLocked()
	s.mu.Unlock()

	s.logger.Info("page loaded",
		zap.String("conversation_id", convID),
		zap.Int("page", page),
		zap.Int("local", len(localPage)),
		zap.Int("remote_only", len(remoteOnly)))

	if len(remoteOnly) > 0 {
		s.localWorker.Submit(func(ctx context.Context) {
			err := s.local.SaveWindow(ctx, userID, convID, remoteOnly, true)
			s.recordLocalWrite(err, "backfill remote window")
		})
	}

	s.notifyUpdate()
	s.notifyPagination()
	return nil
}

// loadRemote nunca falla hacia la caché: un error se registra y equivale a sin filas.
func (s *MessageStore) loadRemote(ctx context.Context, userID, convID string) []domain.Message {
	start := time.Now()
	msgs, err := s.remote.LoadRecent(ctx, userID, convID, s.cfg.RemoteRecentLimit)
	metrics.RemoteLatency.Observe(time.Since(start).Seconds())
	metrics.RemoteReads.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		if !errors.Is(err, domain.ErrRemoteRead) {
			err = fmt.Errorf("%w: %w", domain.ErrRemoteRead, err)
		}
		s.logger.Warn("remote window unavailable, using local only",
			zap.String("conversation_id", convID), zap.Error(err))
		return nil
	}
	return msgs
}

func (s *MessageStore) persistLocal(userID, convID string, msgs []domain.Message, upsert bool) {
	if userID == "" || convID == "" {
		s.logger.Warn("local persistence skipped: missing user or conversation",
			zap.String("user_id", userID), zap.String("conversation_id", convID))
		return
	}
	s.localWorker.Submit(func(ctx context.Context) {
		var err error
		if upsert {
			err = s.local.UpsertMessages(ctx, userID, convID, msgs)
		} else {
			err = s.local.SaveWindow(ctx, userID, convID, msgs, true)
		}
		s.recordLocalWrite(err, "persist messages")
	})
}

func (s *MessageStore) recordLocalWrite(err error, op string) {
	metrics.LocalWrites.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		s.logger.Error("local write failed", zap.String("op", op), zap.Error(err))
	}
}

// persistRemote envía el mensaje al backend o lo encola si no hay conexión o falla.
func (s *MessageStore) persistRemote(userID string, m domain.Message) {
	if s.remote == nil {
		return
	}
	w := domain.PendingWrite{UserID: userID, Message: m}
	if !s.IsOnline() {
		s.pending.Enqueue(w)
		return
	}
	s.remoteWorker.Submit(func(ctx context.Context) {
		start := time.Now()
		err := s.remote.Insert(ctx, userID, m)
		metrics.RemoteLatency.Observe(time.Since(start).Seconds())
		metrics.RemoteWrites.WithLabelValues(metrics.Result(err)).Inc()
		if err != nil {
			s.logger.Warn("remote write failed, queued for retry",
				zap.String("message_id", m.ID), zap.Error(err))
			s.pending.Enqueue(w)
		}
	})
}

func (s *MessageStore) onConnectivityChange(online bool) {
	if !online {
		return
	}
	// Fuera del callback: el flush suspende.
	go func() {
		if _, err := s.FlushPending(context.Background()); err != nil {
			s.logger.Warn("pending flush after reconnect finished with errors", zap.Error(err))
		}
	}()
}

func (s *MessageStore) flushLoop(interval time.Duration) {
	defer close(s.loopDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if s.pending.Len() == 0 {
				continue
			}
			if _, err := s.FlushPending(context.Background()); err != nil {
				s.logger.Warn("periodic pending flush finished with errors", zap.Error(err))
			}
		}
	}
}

// handleDropped refleja en la caché una escritura remota descartada.
func (s *MessageStore) handleDropped(w domain.PendingWrite, err error) {
	s.mu.Lock()
	idx := s.indexOf(w.Message.ID)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	m := s.messages[idx]
	m.Status = domain.StatusError
	s.messages[idx] = m
	s.touchLocked()
	s.mu.Unlock()

	s.logger.Warn("message marked as failed", zap.String("message_id", w.Message.ID), zap.Error(err))
	s.notifyUpdate()
}

func (s *MessageStore) reject(m domain.Message, err error, reason string) error {
	metrics.MessagesRejected.WithLabelValues(reason).Inc()
	s.logger.Warn("message rejected", zap.String("message_id", m.ID), zap.Error(err))
	if !s.lockPublish(ChannelError) {
		return err
	}
	defer s.unlockPublish()
	s.bus.Publish(Event{Channel: ChannelError, Messages: s.GetMessages(), Err: err})
	return err
}

func (s *MessageStore) notifyUpdate() {
	if !s.lockPublish(ChannelUpdate) {
		return
	}
	defer s.unlockPublish()
	msgs := s.GetMessages()
	metrics.CachedMessages.Set(float64(len(msgs)))
	s.bus.Publish(Event{Channel: ChannelUpdate, Messages: msgs})
}

func (s *MessageStore) notifyPagination() {
	if !s.lockPublish(ChannelPagination) {
		return
	}
	defer s.unlockPublish()
	s.bus.Publish(Event{Channel: ChannelPagination, Pagination: s.Pagination()})
}

// lockPublish toma publishMu. Devuelve false si la llamada viene de un listener
// que está recibiendo una notificación: el cambio ya quedó aplicado y la
// notificación anidada se descarta.
func (s *MessageStore) lockPublish(ch Channel) bool {
	if s.publishMu.TryLock() {
		s.publisher.Store(goroutineID())
		return true
	}
	if gid := goroutineID(); gid != 0 && s.publisher.Load() == gid {
		s.logger.Error("store mutated from inside a listener, nested notification dropped",
			zap.Stringer("channel", ch))
		return false
	}
	s.publishMu.Lock()
	s.publisher.Store(goroutineID())
	return true
}

func (s *MessageStore) unlockPublish() {
	s.publisher.Store(0)
	s.publishMu.Unlock()
}

func (s *MessageStore) assistantShellLocked(id, text string) domain.Message {
	return domain.Message{
		ID:             id,
		Text:           text,
		IsUser:         false,
		Timestamp:      domain.Timestamp(s.now().UTC().Format(time.RFC3339)),
		ConversationID: s.conversationID,
		AnimateTyping:  true,
	}
}

func (s *MessageStore) indexOf(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// insertLocked inserta manteniendo el orden canónico ascendente.
func (s *MessageStore) insertLocked(m domain.Message) {
	i := sort.Search(len(s.messages), func(i int) bool { return domain.Less(m, s.messages[i]) })
	next := make([]domain.Message, 0, len(s.messages)+1)
	next = append(next, s.messages[:i]...)
	next = append(next, m)
	next = append(next, s.messages[i:]...)
	s.messages = next
	s.touchLocked()
}

func (s *MessageStore) conversationSnapshotLocked(convID string) []domain.Message {
	out := make([]domain.Message, 0, len(s.messages))
	for _, m := range s.messages {
		if m.ConversationID == convID {
			out = append(out, m)
		}
	}
	return out
}

func (s *MessageStore) touchLocked() {
	s.lastUpdate = s.now()
}

// mergeMessages une dos conjuntos por id; la versión de base gana.
func mergeMessages(base, loaded []domain.Message) []domain.Message {
	seen := make(map[string]struct{}, len(base)+len(loaded))
	out := make([]domain.Message, 0, len(base)+len(loaded))
	for _, m := range base {
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	for _, m := range loaded {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	sortMessages(out)
	return out
}

func sortMessages(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return domain.Less(msgs[i], msgs[j]) })
}

// goroutineID lee el id de la cabecera "goroutine N [...]" del stack actual.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(string(buf[:n]))
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
