package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"chat-sync/internal/config"
)

// chatMessagesSchema crea la tabla remota. La rotación de los últimos N mensajes la hace el backend.
const chatMessagesSchema = `
	CREATE TABLE IF NOT EXISTS chat_messages (
		id              TEXT PRIMARY KEY,
		user_id         TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		content         TEXT NOT NULL,
		is_user         BOOLEAN NOT NULL,
		image_url       TEXT,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_conversation
		ON chat_messages (user_id, conversation_id, created_at DESC);
`

// NewPool construye y devuelve un pool de conexiones configurado.
func NewPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	// Cliente único: pocas conexiones bastan.
	poolCfg.MaxConns = 4
	poolCfg.MinConns = 0
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 30 * time.Second
	poolCfg.ConnConfig.ConnectTimeout = 5 * time.Second

	return pgxpool.NewWithConfig(ctx, poolCfg)
}

// Ping verifica conectividad con la base de datos.
func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	return pool.Ping(ctx)
}

// EnsureSchema crea la tabla chat_messages si no existe.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, chatMessagesSchema)
	return err
}
