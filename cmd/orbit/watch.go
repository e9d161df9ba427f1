package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/orbitchat/orbit-go"
)

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().BoolVar(&watchVerbose, "verbose", false, "log transport activity")
}

var watchVerbose bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Connect and stream live events to stdout",
	Long:  "Open a live connection and print messages, typing indicators, and\npresence changes as they arrive. Queued offline actions are replayed\non connect. Press Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		client, err := newSyncClient(cfg, watchVerbose)
		if err != nil {
			return err
		}
		defer client.Close()

		client.OnMessage(func(msg orbit.MessagePayload) {
			fmt.Printf("[%s] %s %s: %s\n",
				time.Now().Format(time.TimeOnly), msg.ConversationID, msg.SenderID, msg.Content)
		})
		client.OnTyping(func(p orbit.TypingPayload) {
			if p.IsTyping {
				fmt.Printf("[%s] %s: %s is typing...\n",
					time.Now().Format(time.TimeOnly), p.ConversationID, p.UserID)
			}
		})
		client.OnPresence(func(p orbit.PresencePayload) {
			fmt.Printf("[%s] presence: %s is now %s\n",
				time.Now().Format(time.TimeOnly), p.UserID, p.Status)
		})
		client.OnConnect(func() {
			fmt.Println("connected")
		})
		client.OnDisconnect(func(info orbit.DisconnectInfo) {
			fmt.Printf("disconnected (code %d): %s\n", info.Code, info.Reason)
		})
		client.OnError(func(err error) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := client.Connect(ctx, cfg.Auth.UserID, cfg.Auth.Token); err != nil {
			return fmt.Errorf("connect failed: %w", err)
		}

		<-ctx.Done()
		fmt.Println("\nshutting down")
		return nil
	},
}

// newSyncClient builds an orbit.Client from the CLI configuration, backed by
// the durable queue at ~/.orbit/outbox.db.
func newSyncClient(cfg *Config, verbose bool) (*orbit.Client, error) {
	if cfg.Server.BaseURL == "" {
		return nil, fmt.Errorf("no server configured; run 'orbit config set server.base_url <url>'")
	}
	if cfg.Auth.UserID == "" || cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no credentials configured; run 'orbit init <user-id> <token>'")
	}

	path, err := queuePath()
	if err != nil {
		return nil, err
	}

	log := zap.NewNop()
	if verbose {
		log, err = zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
	}

	return orbit.New(&orbit.Config{
		BaseURL:       strings.TrimRight(cfg.Server.BaseURL, "/"),
		AutoReconnect: true,
	},
		orbit.WithStore(orbit.NewBoltStore(path)),
		orbit.WithLogger(log),
	)
}
