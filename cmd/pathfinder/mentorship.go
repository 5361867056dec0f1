package main

import (
	"context"
	"fmt"
	"time"

	pathfinder "github.com/pathfinder-corp/pathfinder/sdk/golang"
	"github.com/spf13/cobra"
)

var (
	mentorshipListStatus string
	mentorshipListJSON   bool

	mentorshipEndReason string
)

var mentorshipCmd = &cobra.Command{
	Use:   "mentorship",
	Short: "Mentorship commands",
}

var mentorshipListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your mentorships",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		list, err := client.Mentorships.GetMentorships(ctx, pathfinder.MentorshipQuery{
			Status: pathfinder.MentorshipStatus(mentorshipListStatus),
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if mentorshipListJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No mentorships.")
			return nil
		}
		for _, m := range list {
			role, other := "mentee", m.MentorID
			if m.MentorID == cfg.Auth.UserID {
				role, other = "mentor", m.MenteeID
			}
			fmt.Printf("%-24s %-9s %s with %s", m.ID, m.Status, role, other)
			if m.ConversationID != "" {
				fmt.Printf("  conversation %s", m.ConversationID)
			}
			if m.Status == pathfinder.MentorshipEnded && m.EndReason != "" {
				fmt.Printf("  (%s)", m.EndReason)
			}
			fmt.Println()
		}
		return nil
	},
}

var mentorshipEndCmd = &cobra.Command{
	Use:   "end <conversation-id>",
	Short: "End the mentorship behind a conversation",
	Long:  "End the mentorship behind a conversation. The conversation becomes read-only for both participants.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		sess, err := openSession(ctx, args[0])
		if err != nil {
			return err
		}
		defer sess.Close()

		if err := sess.EndMentorship(ctx, mentorshipEndReason); err != nil {
			return describeWriteError(err)
		}
		fmt.Printf("Mentorship for conversation %s ended.\n", args[0])
		return nil
	},
}

func init() {
	mentorshipListCmd.Flags().StringVar(&mentorshipListStatus, "status", "", "Filter by status (active, ended, cancelled)")
	mentorshipListCmd.Flags().BoolVar(&mentorshipListJSON, "json", false, "Output raw JSON")
	mentorshipEndCmd.Flags().StringVar(&mentorshipEndReason, "reason", "", "Reason shown to the other participant")

	mentorshipCmd.AddCommand(mentorshipListCmd)
	mentorshipCmd.AddCommand(mentorshipEndCmd)
	rootCmd.AddCommand(mentorshipCmd)
}
