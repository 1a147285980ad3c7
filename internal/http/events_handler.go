package http

import (
	"io"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-sync/internal/domain"
	"chat-sync/internal/service"
)

const eventBuffer = 64

// EventSource es el bus de notificaciones visto desde la capa HTTP.
type EventSource interface {
	Subscribe(ch service.Channel, fn service.Listener) func()
	GetMessages() []domain.Message
	Pagination() domain.PaginationWindow
}

// EventsHandler reenvía los canales del bus como server-sent events.
type EventsHandler struct {
	logger *zap.Logger
	source EventSource
}

func NewEventsHandler(logger *zap.Logger, source EventSource) *EventsHandler {
	return &EventsHandler{logger: logger, source: source}
}

type eventPayload struct {
	Messages   []domain.Message         `json:"messages,omitempty"`
	Pagination *domain.PaginationWindow `json:"pagination,omitempty"`
	Error      string                   `json:"error,omitempty"`
}

// Stream maneja GET /events. Al conectar envía el snapshot actual como "update".
func (h *EventsHandler) Stream(c *gin.Context) {
	events := make(chan service.Event, eventBuffer)
	forward := func(ev service.Event) {
		select {
		case events <- ev:
		default:
			h.logger.Warn("sse client too slow, event dropped", zap.String("channel", ev.Channel.String()))
		}
	}
	var unsubs []func()
	for _, ch := range service.Channels() {
		unsubs = append(unsubs, h.source.Subscribe(ch, forward))
	}
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	initial := service.Event{Channel: service.ChannelUpdate, Messages: h.source.GetMessages()}
	sent := false
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		if !sent {
			sent = true
			c.SSEvent(initial.Channel.String(), toPayload(initial))
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case ev := <-events:
			c.SSEvent(ev.Channel.String(), toPayload(ev))
			return true
		}
	})
	h.logger.Debug("sse client disconnected")
}

func toPayload(ev service.Event) eventPayload {
	p := eventPayload{Messages: ev.Messages}
	switch ev.Channel {
	case service.ChannelPagination:
		pg := ev.Pagination
		p.Pagination = &pg
	case service.ChannelError:
		if ev.Err != nil {
			p.Error = ev.Err.Error()
		}
	}
	return p
}
