package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List stored conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, _, err := bootstrap(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		list := a.Store.Conversations(cmd.Context())
		if len(list) == 0 {
			fmt.Println("No hay conversaciones guardadas.")
			return nil
		}
		for _, c := range list {
			marker := " "
			if c.Active {
				marker = "*"
			}
			updated := "-"
			if c.Metadata.Timestamp > 0 {
				updated = time.UnixMilli(c.Metadata.Timestamp).Format("2006-01-02 15:04")
			}
			fmt.Printf("%s %s  %3d msgs  %s  %q\n", marker, c.ID, c.Metadata.MessageCount, updated, c.Metadata.LastMessage)
		}
		return nil
	},
}
