package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/orbitchat/orbit-go"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and offline queue state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		fmt.Println("Orbit configuration:")
		fmt.Printf("  Server:  %s\n", valueOrDefault(cfg.Server.BaseURL, "(not set)"))
		fmt.Printf("  User:    %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		fmt.Printf("  Token:   %s\n", maskToken(cfg.Auth.Token))

		path, err := queuePath()
		if err != nil {
			return err
		}
		fmt.Println("\nOffline queue:")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			fmt.Println("  empty (no queue database)")
			return nil
		}

		store := orbit.NewBoltStore(path)
		if err := store.Init(); err != nil {
			// Likely held by a running 'orbit watch'.
			fmt.Printf("  unavailable: %v\n", err)
			return nil
		}
		defer store.Close()

		actions, err := store.List()
		if err != nil {
			return fmt.Errorf("cannot read queue: %w", err)
		}
		if len(actions) == 0 {
			fmt.Println("  empty")
			return nil
		}
		fmt.Printf("  %d pending action(s):\n", len(actions))
		for _, a := range actions {
			fmt.Printf("  - %s  %s %s  (queued %s)\n",
				shortID(a.ID), a.Method, a.Endpoint, a.EnqueuedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

// shortID abbreviates a queue entry id for display. Caller-supplied ids may
// be shorter than the uuid default.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// maskToken hides all but the last 4 characters of a credential.
func maskToken(token string) string {
	if token == "" {
		return "(not set)"
	}
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", len(token)-4) + token[len(token)-4:]
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
