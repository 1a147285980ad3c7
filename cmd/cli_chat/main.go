package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chat-sync/internal/app"
	"chat-sync/internal/config"
	"chat-sync/internal/domain"
)

var (
	flagUser         string
	flagConversation string
	flagManual       bool
	flagVerbose      bool
)

var rootCmd = &cobra.Command{
	Use:   "cli_chat",
	Short: "Offline-first chat client",
	Long:  "Interactive chat client backed by the local message store, synced with the remote backend when online.",
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagUser, "user", "u", "", "user id (overrides CHAT_USER_ID)")
	rootCmd.PersistentFlags().StringVarP(&flagConversation, "conversation", "c", "", "conversation id to open")
	rootCmd.PersistentFlags().BoolVar(&flagManual, "manual", false, "manual connectivity (enables /offline and /online)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "log to stdout")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// bootstrap carga configuración, arma la app e inicializa el store con el usuario pedido.
func bootstrap(ctx context.Context) (*app.App, *config.Config, *zap.Logger, error) {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	if flagUser != "" {
		cfg.UserID = flagUser
	}
	if cfg.UserID == "" {
		return nil, nil, nil, fmt.Errorf("no user: set CHAT_USER_ID or pass --user")
	}
	if flagManual {
		cfg.ConnectivityMode = config.ConnectivityManual
	}

	logger := zap.NewNop()
	if flagVerbose {
		logger = zap.NewExample()
	}

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := a.Store.Initialize(ctx); err != nil {
		logger.Warn("initial load failed", zap.Error(err))
	}
	if flagConversation != "" {
		if err := a.Store.SetCurrentConversation(ctx, flagConversation); err != nil {
			a.Close()
			return nil, nil, nil, fmt.Errorf("open conversation: %w", err)
		}
	}
	return a, cfg, logger, nil
}

func printMessage(m domain.Message) {
	who := "Asistente"
	if m.IsUser {
		who = "Tu"
	}
	at := time.UnixMilli(domain.MessageTimestamp(m.ID)).Format("2006-01-02 15:04")
	status := ""
	if m.Status == domain.StatusError {
		status = " [no enviado]"
	}
	fmt.Printf("[%s] %s > %s%s\n", at, who, strings.TrimSpace(m.Text), status)
}
