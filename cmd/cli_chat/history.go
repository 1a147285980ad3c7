package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	historyLimit  int
	historyOffset int
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "messages to print")
	historyCmd.Flags().IntVar(&historyOffset, "offset", 0, "messages to skip from the most recent")
	rootCmd.AddCommand(historyCmd)
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print a window of the active conversation from local storage",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, _, _, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		convID := a.Store.CurrentConversation()
		if convID == "" {
			fmt.Println("No hay conversación activa.")
			return nil
		}
		window := a.Local.LoadWindow(ctx, a.Store.CurrentUser(), convID, historyLimit, historyOffset)
		fmt.Printf("Conversación %s (%d mensajes, offset %d)\n", convID, len(window), historyOffset)
		for _, m := range window {
			printMessage(m)
		}
		return nil
	},
}
