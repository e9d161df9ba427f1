package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "how long to wait for delivery")
}

var sendTimeout time.Duration

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message...>",
	Short: "Send a message to a conversation",
	Long:  "Send a message over the live connection. If the server is unreachable\nthe message is stored in the offline queue and delivered the next time\na connection is established (e.g. by 'orbit watch').",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		conversationID := args[0]
		content := strings.Join(args[1:], " ")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		client, err := newSyncClient(cfg, false)
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		if err := client.Connect(ctx, cfg.Auth.UserID, cfg.Auth.Token); err != nil {
			fmt.Printf("Server unreachable (%v); message queued for later delivery.\n", err)
		}

		if err := client.SendMessage(ctx, conversationID, content); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if client.IsConnected() {
			fmt.Println("Message sent.")
		} else if n := len(client.PendingActions()); n > 0 {
			fmt.Printf("Message queued (%d pending action(s)).\n", n)
		}
		return nil
	},
}
