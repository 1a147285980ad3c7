package app

import (
	"context"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chat-sync/internal/config"
	"chat-sync/internal/db"
	"chat-sync/internal/repository"
	"chat-sync/internal/service"
)

// App agrupa las piezas armadas a partir de la configuración.
type App struct {
	Config  *config.Config
	Store   *service.MessageStore
	Monitor *service.ConnectivityMonitor
	// Network solo existe con CONNECTIVITY_MODE=manual.
	Network *service.ManualSource
	Remote  repository.RemoteMessageRepository
	Local   repository.LocalMessageStore

	logger  *zap.Logger
	closers []func()
}

// Build arma almacenamiento local, backend remoto, conectividad y store. No llama a Initialize.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, logger: logger}

	kv, err := a.buildLocalKV(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	local := repository.NewKVMessageStore(kv, logger)
	a.Local = local

	remote, err := a.buildRemote(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Remote = remote

	source := a.buildNetworkSource(remote)
	a.Monitor = service.NewConnectivityMonitor(ctx, source, logger)
	a.closers = append(a.closers, a.Monitor.Close)

	pending := service.NewPendingQueue(remote, cfg.PendingMaxRetries, logger)
	store, err := service.NewMessageStore(service.MessageStoreConfig{
		UserID:            cfg.UserID,
		PageSize:          cfg.PageSize,
		RemoteRecentLimit: cfg.RemoteRecentLimit,
		FlushInterval:     cfg.PendingFlushInterval,
	}, local, remote, a.Monitor, pending, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build message store: %w", err)
	}
	a.Store = store
	// El store se cierra antes que los backends de los que depende.
	a.closers = append(a.closers, store.Dispose)

	logger.Info("app built",
		zap.String("local_backend", cfg.LocalBackend),
		zap.String("remote_backend", cfg.RemoteBackend),
		zap.String("connectivity", cfg.ConnectivityMode))
	return a, nil
}

// Close libera los recursos en orden inverso de creación.
func (a *App) Close() {
	if a == nil {
		return
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) buildLocalKV(ctx context.Context) (repository.KVStore, error) {
	cfg := a.Config
	switch cfg.LocalBackend {
	case config.LocalBackendSQLite:
		kv, err := repository.NewSQLiteKV(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open local sqlite store: %w", err)
		}
		a.closers = append(a.closers, func() { _ = kv.Close() })
		return kv, nil
	case config.LocalBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := client.Ping(ctxPing).Err(); err != nil {
			a.logger.Warn("redis ping failed", zap.Error(err))
		}
		cancel()
		a.closers = append(a.closers, func() { _ = client.Close() })
		return repository.NewRedisKV(client), nil
	case config.LocalBackendMemory:
		a.logger.Warn("using in-memory local store, history will not survive restarts")
		return repository.NewMemoryKV(), nil
	default:
		return nil, fmt.Errorf("unknown local backend %q", cfg.LocalBackend)
	}
}

func (a *App) buildRemote(ctx context.Context) (repository.RemoteMessageRepository, error) {
	cfg := a.Config
	switch cfg.RemoteBackend {
	case config.RemoteBackendPostgres:
		pool, err := db.NewPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.closers = append(a.closers, pool.Close)

		// Sin red al arrancar se sigue offline; el esquema se crea en el próximo arranque.
		ctxSchema, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := db.Ping(ctxSchema, pool); err != nil {
			a.logger.Warn("remote database unreachable at startup", zap.Error(err))
		} else if err := db.EnsureSchema(ctxSchema, pool); err != nil {
			a.logger.Warn("ensure remote schema failed", zap.Error(err))
		}
		return repository.NewPgRemoteMessageRepository(pool), nil
	case config.RemoteBackendDynamoDB:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		repo, err := repository.NewDynamoRemoteMessageRepository(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable)
		if err != nil {
			return nil, fmt.Errorf("build dynamodb repository: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown remote backend %q", cfg.RemoteBackend)
	}
}

func (a *App) buildNetworkSource(pinger service.Pinger) service.NetworkSource {
	if a.Config.ConnectivityMode == config.ConnectivityManual {
		a.Network = service.NewManualSource(true)
		return a.Network
	}
	return service.NewPingSource(pinger, a.Config.ProbeInterval, a.Config.ProbeTimeout, a.logger)
}
