package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

const (
	RemoteBackendPostgres = "postgres"
	RemoteBackendDynamoDB = "dynamodb"

	LocalBackendSQLite = "sqlite"
	LocalBackendRedis  = "redis"
	LocalBackendMemory = "memory"

	ConnectivityProbe  = "probe"
	ConnectivityManual = "manual"
)

// Config centraliza la configuración del almacén de sincronización.
type Config struct {
	HTTPPort string `env:"HTTP_PORT" envDefault:"8080"`
	UserID   string `env:"CHAT_USER_ID"`
	PageSize int    `env:"PAGE_SIZE" envDefault:"10"`

	RemoteBackend     string `env:"REMOTE_BACKEND" envDefault:"postgres"`
	DatabaseURL       string `env:"DATABASE_URL"`
	DynamoDBTable     string `env:"DYNAMODB_TABLE" envDefault:"chat_messages"`
	RemoteRecentLimit int    `env:"REMOTE_RECENT_LIMIT" envDefault:"20"`

	LocalBackend  string `env:"LOCAL_BACKEND" envDefault:"sqlite"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"./data/chatsync.db"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	PendingMaxRetries    int           `env:"PENDING_MAX_RETRIES" envDefault:"3"`
	PendingFlushInterval time.Duration `env:"PENDING_FLUSH_INTERVAL" envDefault:"30s"`
	ConnectivityMode     string        `env:"CONNECTIVITY_MODE" envDefault:"probe"`
	ProbeInterval        time.Duration `env:"CONNECTIVITY_PROBE_INTERVAL" envDefault:"5s"`
	ProbeTimeout         time.Duration `env:"CONNECTIVITY_PROBE_TIMEOUT" envDefault:"2s"`

	LLMAPIKey  string `env:"LLM_API_KEY"`
	LLMBaseURL string `env:"LLM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	LLMModel   string `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`

	// LLMSystemPrompt se antepone al historial en cada respuesta del asistente.
	LLMSystemPrompt string `env:"LLM_SYSTEM_PROMPT" envDefault:"You are a helpful assistant."`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate revisa combinaciones que env no puede expresar con tags.
func (c *Config) Validate() error {
	switch c.RemoteBackend {
	case RemoteBackendPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for remote backend %q", c.RemoteBackend)
		}
	case RemoteBackendDynamoDB:
		if c.DynamoDBTable == "" {
			return fmt.Errorf("DYNAMODB_TABLE is required for remote backend %q", c.RemoteBackend)
		}
	default:
		return fmt.Errorf("unknown REMOTE_BACKEND %q", c.RemoteBackend)
	}

	switch c.LocalBackend {
	case LocalBackendSQLite, LocalBackendMemory:
	case LocalBackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for local backend %q", c.LocalBackend)
		}
	default:
		return fmt.Errorf("unknown LOCAL_BACKEND %q", c.LocalBackend)
	}

	switch c.ConnectivityMode {
	case ConnectivityProbe, ConnectivityManual:
	default:
		return fmt.Errorf("unknown CONNECTIVITY_MODE %q", c.ConnectivityMode)
	}

	if c.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be positive, got %d", c.PageSize)
	}
	if c.RemoteRecentLimit <= 0 {
		return fmt.Errorf("REMOTE_RECENT_LIMIT must be positive, got %d", c.RemoteRecentLimit)
	}
	if c.PendingMaxRetries <= 0 {
		return fmt.Errorf("PENDING_MAX_RETRIES must be positive, got %d", c.PendingMaxRetries)
	}
	return nil
}
