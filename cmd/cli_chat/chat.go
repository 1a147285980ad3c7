package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chat-sync/internal/app"
	"chat-sync/internal/llm"
	"chat-sync/internal/service"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat with streamed assistant replies",
	Long: `Interactive chat. Commands:
  /more            load an older page
  /history         print cached messages
  /offline /online toggle connectivity (requires --manual)
  /pending         list writes waiting for the remote backend
  /flush           retry pending writes now
  /switch <id>     open another conversation
  /new             start a new conversation
  /debug           show store state
  /salir           exit`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, cfg, logger, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.Store.CurrentConversation() == "" {
			id, err := a.Store.StartNewConversation(ctx)
			if err != nil {
				return fmt.Errorf("start conversation: %w", err)
			}
			fmt.Printf("Nueva conversación %s\n", id)
		}

		unsub := a.Store.Subscribe(service.ChannelError, func(ev service.Event) {
			fmt.Printf("\n! %v\n", ev.Err)
		})
		defer unsub()

		var client llm.LLMClient = &llm.MockClient{Response: "LLM_API_KEY no configurada; tu mensaje quedó guardado."}
		if cfg.LLMAPIKey != "" {
			client = llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, logger)
		}
		chat := service.NewChatService(a.Store, echoClient{LLMClient: client, out: os.Stdout}, nil, cfg.LLMSystemPrompt, logger)

		printCached(a)
		return repl(ctx, a, chat, logger)
	},
}

// echoClient imprime cada token a medida que llega del modelo.
type echoClient struct {
	llm.LLMClient
	out io.Writer
}

func (e echoClient) Stream(ctx context.Context, history []llm.Turn, onToken func(string) error) (string, error) {
	return e.LLMClient.Stream(ctx, history, func(tok string) error {
		fmt.Fprint(e.out, tok)
		return onToken(tok)
	})
}

func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}

func repl(ctx context.Context, a *app.App, chat *service.ChatService, logger *zap.Logger) error {
	fmt.Println("---- Modo Chat (escribe /salir para terminar) ----")
	lines := readLines(os.Stdin)
	for {
		fmt.Print("Tu > ")
		var text string
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			text = strings.TrimSpace(line)
		}
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "/") {
			if quit := runCommand(ctx, a, text); quit {
				return nil
			}
			continue
		}

		fmt.Print("Asistente > ")
		if _, err := chat.Send(ctx, text); err != nil {
			logger.Warn("chat send failed", zap.Error(err))
			fmt.Printf("\nerror generando respuesta: %v\n", err)
			continue
		}
		fmt.Println()
	}
}

func runCommand(ctx context.Context, a *app.App, text string) bool {
	fields := strings.Fields(text)
	switch fields[0] {
	case "/salir", "/exit", "/quit":
		fmt.Println("Saliendo del chat...")
		return true
	case "/more":
		loaded, err := a.Store.LoadNextPage(ctx)
		if err != nil {
			fmt.Printf("error cargando página: %v\n", err)
			return false
		}
		pg := a.Store.Pagination()
		if !loaded {
			fmt.Println("No hay mensajes más antiguos.")
			return false
		}
		fmt.Printf("Página %d cargada (%d de %d mensajes)\n", pg.CurrentPage, len(a.Store.GetMessages()), pg.TotalMessages)
		printCached(a)
	case "/history":
		printCached(a)
	case "/offline", "/online":
		if a.Network == nil {
			fmt.Println("La conectividad se sondea contra el backend; reiniciá con --manual.")
			return false
		}
		a.Network.Set(fields[0] == "/online")
		fmt.Printf("online=%v\n", a.Store.IsOnline())
	case "/pending":
		pending := a.Store.PendingWrites()
		fmt.Printf("%d escrituras pendientes\n", len(pending))
		for _, w := range pending {
			fmt.Printf("  %s (reintentos %d) %q\n", w.Message.ID, w.RetryCount, w.Message.Text)
		}
	case "/flush":
		res, err := a.Store.FlushPending(ctx)
		fmt.Printf("entregadas=%d reintentadas=%d descartadas=%d omitido=%v\n", res.Delivered, res.Retried, res.Dropped, res.Skipped)
		if err != nil {
			fmt.Printf("error: %v\n", err)
		}
	case "/switch":
		if len(fields) < 2 {
			fmt.Println("uso: /switch <conversation-id>")
			return false
		}
		if err := a.Store.SetCurrentConversation(ctx, fields[1]); err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		printCached(a)
	case "/new":
		id, err := a.Store.StartNewConversation(ctx)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			return false
		}
		fmt.Printf("Nueva conversación %s\n", id)
	case "/debug":
		info := a.Store.DebugInfo()
		fmt.Printf("user=%s conv=%s mensajes=%d pendientes=%d online=%v página=%+v\n",
			info.CurrentUserID, info.CurrentConversationID, info.MessageCount,
			info.PendingMessagesCount, info.IsOnline, info.Pagination)
	default:
		fmt.Printf("comando desconocido %s\n", fields[0])
	}
	return false
}

// printCached imprime la caché en orden cronológico.
func printCached(a *app.App) {
	msgs := a.Store.GetMessages()
	for i := len(msgs) - 1; i >= 0; i-- {
		printMessage(msgs[i])
	}
}
