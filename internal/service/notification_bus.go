package service

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"chat-sync/internal/domain"
)

// Channel identifica un canal del bus de notificaciones.
type Channel int

const (
	ChannelUpdate Channel = iota
	ChannelError
	ChannelPagination
)

var channelNames = map[Channel]string{
	ChannelUpdate:     "update",
	ChannelError:      "error",
	ChannelPagination: "pagination",
}

func (c Channel) String() string {
	if name, ok := channelNames[c]; ok {
		return name
	}
	return fmt.Sprintf("channel(%d)", int(c))
}

// ParseChannel traduce el nombre público de un canal.
func ParseChannel(name string) (Channel, bool) {
	for c, n := range channelNames {
		if n == name {
			return c, true
		}
	}
	return 0, false
}

// Channels devuelve los canales en orden estable.
func Channels() []Channel {
	return []Channel{ChannelUpdate, ChannelError, ChannelPagination}
}

// Event es la unión etiquetada que recibe cada suscriptor; solo el campo del canal está poblado.
type Event struct {
	Channel Channel
	// Messages: snapshot más reciente primero (ChannelUpdate, y también en ChannelError).
	Messages   []domain.Message
	Pagination domain.PaginationWindow
	Err        error
}

type Listener func(Event)

// listenerSet mantiene suscriptores en orden de registro.
type listenerSet[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	items  []listenerEntry[T]
}

type listenerEntry[T any] struct {
	id uint64
	fn func(T)
}

func (s *listenerSet[T]) add(fn func(T)) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.items = append(s.items, listenerEntry[T]{id: id, fn: fn})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, it := range s.items {
				if it.id == id {
					s.items = append(s.items[:i:i], s.items[i+1:]...)
					return
				}
			}
		})
	}
}

func (s *listenerSet[T]) snapshot() []func(T) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]func(T), len(s.items))
	for i, it := range s.items {
		out[i] = it.fn
	}
	return out
}

func (s *listenerSet[T]) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

func (s *listenerSet[T]) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
}

// deliver invoca cada callback aislando sus panics.
func deliver[T any](logger *zap.Logger, source string, fns []func(T), v T) {
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("listener panicked", zap.String("source", source), zap.Any("panic", r))
				}
			}()
			fn(v)
		}()
	}
}

// NotificationBus publica eventos de forma síncrona por canal.
// Los callbacks no deben mutar el store que publica.
type NotificationBus struct {
	logger   *zap.Logger
	channels map[Channel]*listenerSet[Event]
}

func NewNotificationBus(logger *zap.Logger) *NotificationBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &NotificationBus{logger: logger, channels: make(map[Channel]*listenerSet[Event])}
	for _, c := range Channels() {
		b.channels[c] = &listenerSet[Event]{}
	}
	return b
}

// Subscribe registra fn en el canal y devuelve la función para cancelar.
func (b *NotificationBus) Subscribe(ch Channel, fn Listener) func() {
	set, ok := b.channels[ch]
	if !ok || fn == nil {
		b.logger.Warn("subscribe to unknown channel", zap.Stringer("channel", ch))
		return func() {}
	}
	return set.add(fn)
}

func (b *NotificationBus) Publish(ev Event) {
	set, ok := b.channels[ev.Channel]
	if !ok {
		return
	}
	deliver(b.logger, "bus:"+ev.Channel.String(), set.snapshot(), ev)
}

func (b *NotificationBus) ListenerCount(ch Channel) int {
	set, ok := b.channels[ch]
	if !ok {
		return 0
	}
	return set.len()
}

// Clear elimina todos los suscriptores.
func (b *NotificationBus) Clear() {
	for _, set := range b.channels {
		set.clear()
	}
}
