package main

import (
	"context"
	"fmt"
	"time"

	pathfinder "github.com/pathfinder-corp/pathfinder/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the effective configuration, check if the token is expired, and fetch live conversation and mentorship counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:      %s\n", valueOrDefault(cfg.Default.BaseURL, pathfinder.DefaultBaseURL))
		fmt.Printf("  Poll interval: %s\n", valueOrDefault(cfg.Sync.PollInterval, pathfinder.DefaultPollInterval.String()))
		if cfg.Sync.PageSize > 0 {
			fmt.Printf("  Page size:     %d\n", cfg.Sync.PageSize)
		} else {
			fmt.Printf("  Page size:     %d\n", pathfinder.DefaultPageSize)
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  User ID:       %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))

		tokenStatus := "none"
		if cfg.Auth.Token != "" {
			tokenStatus = "present " + maskKey(cfg.Auth.Token)
			if cfg.Auth.TokenExpires != "" {
				expires, err := time.Parse(time.RFC3339, cfg.Auth.TokenExpires)
				switch {
				case err != nil:
					tokenStatus += fmt.Sprintf(" (unparseable expiry: %s)", cfg.Auth.TokenExpires)
				case time.Now().Before(expires):
					tokenStatus += fmt.Sprintf(" (expires %s)", expires.Format(time.RFC3339))
				default:
					tokenStatus += fmt.Sprintf(" EXPIRED (expired %s)", expires.Format(time.RFC3339))
				}
			}
		}
		fmt.Printf("  Token:         %s\n", tokenStatus)

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.Chat.GetConversations(ctx)
		if err != nil {
			fmt.Printf("  Error fetching conversations: %v\n", err)
			return nil
		}
		unread, ended := 0, 0
		for _, c := range convs {
			unread += c.UnreadCount
			if c.MentorshipStatus == pathfinder.MentorshipEnded {
				ended++
			}
		}
		fmt.Printf("  Conversations: %d (%d read-only)\n", len(convs), ended)
		fmt.Printf("  Unread:        %d\n", unread)

		active, err := client.Mentorships.GetMentorships(ctx, pathfinder.MentorshipQuery{Status: pathfinder.MentorshipActive})
		if err != nil {
			fmt.Printf("  Error fetching mentorships: %v\n", err)
			return nil
		}
		fmt.Printf("  Mentorships:   %d active\n", len(active))
		return nil
	},
}

// maskKey shows the first 4 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
