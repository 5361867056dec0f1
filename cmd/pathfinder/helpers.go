package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	pathfinder "github.com/pathfinder-corp/pathfinder/sdk/golang"
)

// getClient creates a Pathfinder client from the effective config.
func getClient() (*pathfinder.Client, *Config) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No token. Run 'pathfinder init <token> <user-id>' or set PATHFINDER_TOKEN.")
		os.Exit(1)
	}

	var opts []pathfinder.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, pathfinder.WithBaseURL(cfg.Default.BaseURL))
	}
	if d, err := time.ParseDuration(cfg.Default.Timeout); err == nil && d > 0 {
		opts = append(opts, pathfinder.WithTimeout(d))
	}
	return pathfinder.NewClient(cfg.Auth.Token, opts...), cfg
}

// chatSession is a started session plus the push connection behind it.
type chatSession struct {
	*pathfinder.Session
	ws *pathfinder.RealtimeWSClient
}

func (c *chatSession) Close() {
	c.Session.Close()
	_ = c.ws.Disconnect()
}

// openSession connects the push transport, starts a session and selects
// conversationID. A failed push connection is logged and, with
// auto_reconnect, retried in the background; polling and REST writes work
// without it.
func openSession(ctx context.Context, conversationID string) (*chatSession, error) {
	client, cfg := getClient()
	if cfg.Auth.UserID == "" {
		return nil, fmt.Errorf("no user id configured; run 'pathfinder config set auth.user_id <id>'")
	}

	ws := client.Realtime(&pathfinder.RealtimeConfig{
		UserID:        cfg.Auth.UserID,
		AutoReconnect: cfg.Sync.AutoReconnect,
	})
	if err := ws.Connect(ctx); err != nil {
		ev := logger.Warn().Err(err).Str("url", client.BaseURL())
		if cfg.Sync.AutoReconnect {
			ev.Msg("push connection unavailable, polling while it retries")
		} else {
			ev.Msg("push connection unavailable, polling only for this run")
		}
	}

	opts := []pathfinder.SessionOption{
		pathfinder.WithSelfID(cfg.Auth.UserID),
		pathfinder.WithLogger(logger),
	}
	if d, err := time.ParseDuration(cfg.Sync.PollInterval); err == nil && d > 0 {
		opts = append(opts, pathfinder.WithPollInterval(d))
	}
	if cfg.Sync.PageSize > 0 {
		opts = append(opts, pathfinder.WithPageSize(cfg.Sync.PageSize))
	}

	sess := &chatSession{
		Session: pathfinder.NewSession(client.Chat, client.Mentorships, ws, opts...),
		ws:      ws,
	}
	if err := sess.Start(ctx); err != nil {
		sess.Close()
		return nil, fmt.Errorf("start session: %w", err)
	}
	if err := sess.Select(ctx, conversationID); err != nil {
		sess.Close()
		return nil, fmt.Errorf("open conversation: %w", err)
	}
	return sess, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func formatMessage(m *pathfinder.Message, selfID string) string {
	var b strings.Builder
	b.WriteString(m.CreatedAt.Local().Format("2006-01-02 15:04"))
	b.WriteString("  ")
	if m.SenderID == selfID {
		b.WriteString("you")
	} else {
		b.WriteString(m.SenderID)
	}
	b.WriteString(": ")
	if m.ParentMessage != nil {
		fmt.Fprintf(&b, "[re %s] ", truncate(m.ParentMessage.Content, 24))
	}
	b.WriteString(m.Content)
	if m.Attachment != nil {
		fmt.Fprintf(&b, " <%s>", valueOrDefault(m.Attachment.FileName, m.Attachment.URL))
	}
	if m.IsEdited && !m.IsDeleted {
		b.WriteString(" (edited)")
	}
	if m.Pending {
		b.WriteString(" (sending)")
	} else if m.SenderID == selfID && m.ReadAt != nil {
		b.WriteString(" ✓✓")
	}
	fmt.Fprintf(&b, "  [%s]", m.ID)
	return b.String()
}

func formatConversation(c *pathfinder.Conversation, selfID string) string {
	name := c.ID
	online := ""
	if p := c.Peer(selfID); p != nil {
		name = valueOrDefault(p.Name, p.ID)
		if p.IsOnline != nil && *p.IsOnline {
			online = " ●"
		}
	}
	preview := ""
	if c.LastMessage != nil {
		preview = truncate(c.LastMessage.Content, 40)
	}
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
	}
	status := ""
	if c.MentorshipStatus == pathfinder.MentorshipEnded {
		status = " [ended]"
	}
	return fmt.Sprintf("%-24s %s%s%s%s  %s", c.ID, name, online, unread, status, preview)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
