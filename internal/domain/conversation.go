package domain

// ConversationMetadata resume una conversación persistida localmente.
type ConversationMetadata struct {
	Timestamp    int64  `json:"timestamp"`
	LastMessage  string `json:"lastMessage,omitempty"`
	MessageCount int    `json:"messageCount"`
}

// PaginationWindow describe cuánto historial durable está materializado en memoria.
type PaginationWindow struct {
	CurrentPage   int  `json:"currentPage"`
	PageSize      int  `json:"pageSize"`
	HasMore       bool `json:"hasMore"`
	TotalMessages int  `json:"totalMessages"`
}

// PendingWrite es una escritura remota aún no confirmada.
type PendingWrite struct {
	UserID     string  `json:"userId"`
	Message    Message `json:"message"`
	RetryCount int     `json:"retryCount"`
}
