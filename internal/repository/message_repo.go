package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat-sync/internal/domain"
)

// RemoteMessageRepository es el contrato con el backend que solo conserva los últimos N mensajes.
type RemoteMessageRepository interface {
	Insert(ctx context.Context, userID string, message domain.Message) error
	// LoadRecent devuelve los mensajes más recientes en orden ascendente de creación.
	LoadRecent(ctx context.Context, userID, conversationID string, limit int) ([]domain.Message, error)
	Ping(ctx context.Context) error
}

type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Ping(ctx context.Context) error
}

type PgRemoteMessageRepository struct {
	pool pgQuerier
}

func NewPgRemoteMessageRepository(pool *pgxpool.Pool) *PgRemoteMessageRepository {
	return &PgRemoteMessageRepository{pool: pool}
}

func (r *PgRemoteMessageRepository) Insert(ctx context.Context, userID string, message domain.Message) error {
	if userID == "" || message.ConversationID == "" {
		return fmt.Errorf("%w: %w", domain.ErrRemoteWrite, domain.ErrMissingContext)
	}

	// El reintento de una escritura ya aplicada no debe fallar.
	const query = `
		INSERT INTO chat_messages (id, user_id, conversation_id, content, is_user, image_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`

	var imageURL interface{}
	if message.ImageURL != "" {
		imageURL = message.ImageURL
	}

	_, err := r.pool.Exec(ctx, query,
		message.ID,
		userID,
		message.ConversationID,
		message.Text,
		message.IsUser,
		imageURL,
		createdAt(message),
	)
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrRemoteWrite, err)
	}
	return nil
}

func (r *PgRemoteMessageRepository) LoadRecent(ctx context.Context, userID, conversationID string, limit int) ([]domain.Message, error) {
	if userID == "" || conversationID == "" {
		return nil, fmt.Errorf("%w: %w", domain.ErrRemoteRead, domain.ErrMissingContext)
	}
	if limit <= 0 {
		limit = 20
	}

	const query = `
		SELECT id, conversation_id, content, is_user, image_url, created_at
		FROM chat_messages
		WHERE user_id = $1 AND conversation_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`

	rows, err := r.pool.Query(ctx, query, userID, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRemoteRead, err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		var (
			msg       domain.Message
			imageURL  *string
			createdAt time.Time
		)
		err = rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.Text,
			&msg.IsUser,
			&imageURL,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrRemoteRead, err)
		}
		if imageURL != nil {
			msg.ImageURL = *imageURL
		}
		msg.Timestamp = domain.Timestamp(createdAt.UTC().Format(time.RFC3339))
		msg.Status = domain.StatusSent
		messages = append(messages, msg)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrRemoteRead, err)
	}

	reverse(messages)
	return messages, nil
}

func (r *PgRemoteMessageRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// createdAt toma la creación del id; si no es parseable usa el reloj actual.
func createdAt(m domain.Message) time.Time {
	if ts := domain.MessageTimestamp(m.ID); ts > 0 {
		return time.UnixMilli(ts).UTC()
	}
	return time.Now().UTC()
}

func reverse(msgs []domain.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
