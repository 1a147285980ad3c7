package domain

import (
	"encoding/json"
	"strconv"
	"strings"
)

// MessageStatus refleja el estado de envío que la UI muestra junto al mensaje.
type MessageStatus string

const (
	StatusSending MessageStatus = "sending"
	StatusSent    MessageStatus = "sent"
	StatusError   MessageStatus = "error"
)

// Timestamp es el sello de visualización del mensaje. Acepta ISO-8601 o epoch numérico.
type Timestamp string

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Timestamp(s)
		return nil
	}
	if string(data) == "null" {
		*t = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*t = Timestamp(n.String())
	return nil
}

// Message es un turno de chat dentro de una conversación.
type Message struct {
	ID               string        `json:"id"`
	Text             string        `json:"text"`
	IsUser           bool          `json:"isUser"`
	Timestamp        Timestamp     `json:"timestamp"`
	ConversationID   string        `json:"conversationId"`
	Status           MessageStatus `json:"status,omitempty"`
	IsTyping         bool          `json:"isTyping,omitempty"`
	AnimateTyping    bool          `json:"animateTyping,omitempty"`
	HasBeenAnimated  bool          `json:"hasBeenAnimated,omitempty"`
	HasBeenDisplayed bool          `json:"hasBeenDisplayed,omitempty"`
	ImageURL         string        `json:"imageUrl,omitempty"`
}

// MessagePatch enumera los campos mutables; id, isUser y conversationId no se tocan.
type MessagePatch struct {
	Text             *string
	Timestamp        *Timestamp
	Status           *MessageStatus
	IsTyping         *bool
	AnimateTyping    *bool
	HasBeenAnimated  *bool
	HasBeenDisplayed *bool
	ImageURL         *string
}

// Apply devuelve una copia del mensaje con el patch aplicado.
func (p MessagePatch) Apply(m Message) Message {
	if p.Text != nil {
		m.Text = *p.Text
	}
	if p.Timestamp != nil {
		m.Timestamp = *p.Timestamp
	}
	if p.Status != nil {
		m.Status = *p.Status
	}
	if p.IsTyping != nil {
		m.IsTyping = *p.IsTyping
	}
	if p.AnimateTyping != nil {
		m.AnimateTyping = *p.AnimateTyping
	}
	if p.HasBeenAnimated != nil {
		m.HasBeenAnimated = *p.HasBeenAnimated
	}
	if p.HasBeenDisplayed != nil {
		m.HasBeenDisplayed = *p.HasBeenDisplayed
	}
	if p.ImageURL != nil {
		m.ImageURL = *p.ImageURL
	}
	return m
}

// IsEmpty indica si el patch no modifica ningún campo.
func (p MessagePatch) IsEmpty() bool {
	return p.Text == nil && p.Timestamp == nil && p.Status == nil && p.IsTyping == nil &&
		p.AnimateTyping == nil && p.HasBeenAnimated == nil && p.HasBeenDisplayed == nil && p.ImageURL == nil
}

// Less define el orden canónico: timestamp embebido en el id ascendente, empate por id.
func Less(a, b Message) bool {
	ta, tb := MessageTimestamp(a.ID), MessageTimestamp(b.ID)
	if ta != tb {
		return ta < tb
	}
	return a.ID < b.ID
}

// Preview recorta el texto a n caracteres para los metadatos de conversación.
func Preview(text string, n int) string {
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n])
}

// MessageTimestamp extrae los milisegundos embebidos en el id, o 0 si no se puede.
func MessageTimestamp(id string) int64 {
	parts := strings.Split(id, "-")
	if len(parts) < 3 {
		return 0
	}
	ts, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0
	}
	return ts
}
