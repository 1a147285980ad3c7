package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SenderKind es el primer segmento del id de mensaje.
type SenderKind string

const (
	SenderUser      SenderKind = "user"
	SenderAssistant SenderKind = "ai"
)

// NewMessageID genera {kind}-{sender8}-{unixMillis}-{random8}.
// El prefijo del remitente se limpia de guiones para que el timestamp sea siempre el tercer campo.
func NewMessageID(kind SenderKind, senderID string, now time.Time) string {
	prefix := strings.ReplaceAll(senderID, "-", "")
	if prefix == "" {
		prefix = "anon"
	}
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%s-%d-%s", kind, prefix, now.UnixMilli(), random)
}

// NewConversationID genera un identificador opaco de conversación.
func NewConversationID() string {
	return uuid.NewString()
}
