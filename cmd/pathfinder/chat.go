package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	pathfinder "github.com/pathfinder-corp/pathfinder/sdk/golang"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// chat conversations
	chatConversationsUnread bool
	chatConversationsJSON   bool

	// chat messages
	chatMessagesLimit  int
	chatMessagesBefore string
	chatMessagesJSON   bool

	// chat send
	chatSendReplyTo string
	chatSendJSON    bool

	// chat upload
	chatUploadCaption string
	chatUploadMime    string
)

// ============================================================================
// Root chat command
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Mentorship chat commands",
	Long:  "List conversations, read history, send, edit and delete messages, upload files, and watch a conversation live.",
}

// ============================================================================
// chat conversations
// ============================================================================

var chatConversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.Chat.GetConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		store := pathfinder.NewConversationStore(cfg.Auth.UserID)
		store.Replace(convs)
		list := store.List()
		if chatConversationsUnread {
			filtered := list[:0]
			for _, c := range list {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			list = filtered
		}

		if chatConversationsJSON {
			return printJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range list {
			fmt.Println(formatConversation(c, cfg.Auth.UserID))
		}
		return nil
	},
}

// ============================================================================
// chat messages
// ============================================================================

var chatMessagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a page of message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		page, err := client.Chat.GetMessages(ctx, args[0], pathfinder.MessageQuery{
			Limit:  chatMessagesLimit,
			Before: chatMessagesBefore,
		})
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if chatMessagesJSON {
			return printJSON(page)
		}
		if len(page.Messages) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range page.Messages {
			fmt.Println(formatMessage(m, cfg.Auth.UserID))
		}
		if page.HasMore {
			cursor := page.NextCursor
			if cursor == "" {
				cursor = page.Messages[0].ID
			}
			fmt.Printf("\nOlder messages available: --before %s\n", cursor)
		}
		if page.MentorshipStatus == pathfinder.MentorshipEnded {
			fmt.Println("\nThis mentorship has ended; the conversation is read-only.")
		}
		return nil
	},
}

// ============================================================================
// chat send / edit / delete / upload
// ============================================================================

var chatSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		sess, err := openSession(ctx, args[0])
		if err != nil {
			return err
		}
		defer sess.Close()

		m, err := sess.Send(ctx, args[1], chatSendReplyTo)
		if err != nil {
			return describeWriteError(err)
		}
		if chatSendJSON {
			return printJSON(m)
		}
		fmt.Printf("Message sent to conversation %s\n", args[0])
		fmt.Printf("  Message ID: %s\n", m.ID)
		fmt.Printf("  Content:    %s\n", m.Content)
		return nil
	},
}

var chatEditCmd = &cobra.Command{
	Use:   "edit <conversation-id> <message-id> <content>",
	Short: "Edit one of the loaded messages",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		sess, err := openSession(ctx, args[0])
		if err != nil {
			return err
		}
		defer sess.Close()

		m, err := sess.Edit(ctx, args[1], args[2])
		if err != nil {
			return describeWriteError(err)
		}
		fmt.Printf("Edited %s: %s\n", m.ID, m.Content)
		return nil
	},
}

var chatDeleteCmd = &cobra.Command{
	Use:   "delete <conversation-id> <message-id>",
	Short: "Delete one of the loaded messages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		sess, err := openSession(ctx, args[0])
		if err != nil {
			return err
		}
		defer sess.Close()

		if err := sess.Delete(ctx, args[1]); err != nil {
			return describeWriteError(err)
		}
		fmt.Printf("Deleted %s\n", args[1])
		return nil
	},
}

var chatUploadCmd = &cobra.Command{
	Use:   "upload <conversation-id> <file-path>",
	Short: "Upload a file into a conversation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[1])
		if err != nil {
			return fmt.Errorf("cannot read file: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		sess, err := openSession(ctx, args[0])
		if err != nil {
			return err
		}
		defer sess.Close()

		m, err := sess.Upload(ctx, pathfinder.Upload{
			FileName: filepath.Base(args[1]),
			MimeType: chatUploadMime,
			Data:     data,
		}, chatUploadCaption)
		if err != nil {
			return describeWriteError(err)
		}
		fmt.Printf("Uploaded %s (%d bytes)\n", filepath.Base(args[1]), len(data))
		fmt.Printf("  Message ID: %s\n", m.ID)
		if m.Attachment != nil {
			fmt.Printf("  URL:        %s\n", m.Attachment.URL)
		}
		return nil
	},
}

// describeWriteError turns gate and rollback errors into something a
// person can act on.
func describeWriteError(err error) error {
	var gate *pathfinder.GateError
	if errors.As(err, &gate) {
		msg := "this mentorship has ended; the conversation is read-only"
		if gate.Notice.Reason != "" {
			msg += " (" + gate.Notice.Reason + ")"
		}
		return fmt.Errorf("%s. Request a new mentorship at %s", msg, gate.Notice.ReconnectPath)
	}
	var sendErr *pathfinder.SendError
	if errors.As(err, &sendErr) {
		return fmt.Errorf("message not sent, draft kept: %q: %w", sendErr.Draft, sendErr.Err)
	}
	return err
}

// ============================================================================
// chat watch
// ============================================================================

var chatWatchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Follow a conversation live; lines typed on stdin are sent",
	Long: "Follow a conversation live. Each line typed on stdin is sent as a message.\n" +
		"Commands: /reply <message-id> <text>, /edit <message-id> <text>, /delete <message-id>, /end <reason>, /quit",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		sess, err := openSession(ctx, args[0])
		if err != nil {
			return err
		}
		defer sess.Close()

		_, cfg := getClient()
		p := &transcript{selfID: cfg.Auth.UserID, printed: make(map[string]string)}

		sess.On(pathfinder.EventMessagesChanged, func(string, any) { p.sync(sess.Messages()) })
		sess.On(pathfinder.EventTypingChanged, func(_ string, payload any) {
			if ch, ok := payload.(pathfinder.TypingChange); ok && ch.Someone {
				p.status("typing…")
			}
		})
		sess.On(pathfinder.EventConnectionChanged, func(_ string, payload any) {
			if ch, ok := payload.(pathfinder.ConnectionChange); ok {
				logger.Info().Bool("connected", ch.Connected).Int("code", ch.Code).Str("reason", ch.Reason).Msg("push connection")
			}
		})
		sess.On(pathfinder.EventMentorshipEnded, func(_ string, payload any) {
			if ch, ok := payload.(pathfinder.MentorshipEndedChange); ok {
				p.status("mentorship ended: " + valueOrDefault(ch.Notice.Reason, "no reason given") + "; conversation is read-only")
			}
		})
		sess.On(pathfinder.EventNotice, func(_ string, payload any) {
			if n, ok := payload.(pathfinder.Notice); ok && n.Err != nil {
				p.status(fmt.Sprintf("%s: %v", n.Kind, n.Err))
			}
		})
		p.sync(sess.Messages())
		if notice, ended := sess.EndNotice(); ended {
			p.status("read-only: " + valueOrDefault(notice.Reason, "mentorship ended"))
		}

		lines := make(chan string)
		go func() {
			defer close(lines)
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				lines <- sc.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := runWatchLine(ctx, sess, line, p); quit {
					return nil
				}
			}
		}
	},
}

func runWatchLine(ctx context.Context, sess *chatSession, line string, p *transcript) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	var err error
	switch fields := strings.SplitN(line, " ", 3); fields[0] {
	case "/quit":
		return true
	case "/reply":
		if len(fields) < 3 {
			p.status("usage: /reply <message-id> <text>")
			return false
		}
		_, err = sess.Send(ctx, fields[2], fields[1])
	case "/edit":
		if len(fields) < 3 {
			p.status("usage: /edit <message-id> <text>")
			return false
		}
		_, err = sess.Edit(ctx, fields[1], fields[2])
	case "/delete":
		if len(fields) < 2 {
			p.status("usage: /delete <message-id>")
			return false
		}
		err = sess.Delete(ctx, fields[1])
	case "/end":
		err = sess.EndMentorship(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/end")))
	default:
		_, err = sess.Send(ctx, line, "")
	}
	if err != nil {
		p.status(describeWriteError(err).Error())
	}
	return false
}

// transcript prints each message once, and again when its rendering
// changes.
type transcript struct {
	mu      sync.Mutex
	selfID  string
	printed map[string]string
}

func (t *transcript) sync(msgs []*pathfinder.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range msgs {
		if m.Pending {
			continue
		}
		line := formatMessage(m, t.selfID)
		if prev, ok := t.printed[m.ID]; ok && prev == line {
			continue
		}
		t.printed[m.ID] = line
		fmt.Println(line)
	}
}

func (t *transcript) status(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(os.Stderr, "-- %s\n", s)
}

func init() {
	chatConversationsCmd.Flags().BoolVar(&chatConversationsUnread, "unread", false, "Only show conversations with unread messages")
	chatConversationsCmd.Flags().BoolVar(&chatConversationsJSON, "json", false, "Output raw JSON")

	chatMessagesCmd.Flags().IntVarP(&chatMessagesLimit, "limit", "n", pathfinder.DefaultPageSize, "Maximum number of messages")
	chatMessagesCmd.Flags().StringVar(&chatMessagesBefore, "before", "", "Cursor: only messages older than this")
	chatMessagesCmd.Flags().BoolVar(&chatMessagesJSON, "json", false, "Output raw JSON")

	chatSendCmd.Flags().StringVar(&chatSendReplyTo, "reply-to", "", "Message ID to reply to")
	chatSendCmd.Flags().BoolVar(&chatSendJSON, "json", false, "Output raw JSON")

	chatUploadCmd.Flags().StringVar(&chatUploadCaption, "caption", "", "Caption sent with the file")
	chatUploadCmd.Flags().StringVar(&chatUploadMime, "mime", "", "MIME type (guessed from the file name when empty)")

	chatCmd.AddCommand(chatConversationsCmd)
	chatCmd.AddCommand(chatMessagesCmd)
	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatEditCmd)
	chatCmd.AddCommand(chatDeleteCmd)
	chatCmd.AddCommand(chatUploadCmd)
	chatCmd.AddCommand(chatWatchCmd)
	rootCmd.AddCommand(chatCmd)
}
