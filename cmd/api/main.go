package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-sync/internal/app"
	"chat-sync/internal/config"
	apihttp "chat-sync/internal/http"
	"chat-sync/internal/llm"
	"chat-sync/internal/service"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("build app", zap.Error(err))
	}
	defer a.Close()

	if err := a.Store.Initialize(ctx); err != nil {
		logger.Warn("initial load failed", zap.Error(err))
	}

	var network apihttp.ConnectivitySwitch
	if a.Network != nil {
		network = a.Network
	}
	messageHandler := apihttp.NewMessageHandler(logger, a.Store, network)
	eventsHandler := apihttp.NewEventsHandler(logger, a.Store)

	var chatHandler *apihttp.ChatHandler
	if cfg.LLMAPIKey != "" {
		llmClient := llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, logger)
		chatSvc := service.NewChatService(a.Store, llmClient, nil, cfg.LLMSystemPrompt, logger)
		chatHandler = apihttp.NewChatHandler(logger, chatSvc)
	} else {
		logger.Warn("llm api key not configured, /chat disabled")
	}
	router := apihttp.NewRouter(logger, messageHandler, eventsHandler, chatHandler)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting server", zap.String("port", cfg.HTTPPort))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("server stopped")
}
