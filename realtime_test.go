package pathfinder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	gws "github.com/gorilla/websocket"
)

// ============================================================================
// Test Server
// ============================================================================

const waitTimeout = 2 * time.Second

type wireCommand struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId"`
}

type wsTestServer struct {
	srv      *httptest.Server
	upgrader gws.Upgrader
	commands chan wireCommand
	accepted chan struct{}

	mu   sync.Mutex
	conn *gws.Conn
	// refuse rejects that many upgrade attempts before accepting.
	refuse int
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	s := &wsTestServer{
		commands: make(chan wireCommand, 32),
		accepted: make(chan struct{}, 8),
	}
	r := chi.NewRouter()
	r.Get("/ws", s.handle)
	s.srv = httptest.NewServer(r)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsTestServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != testToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	if s.refuse > 0 {
		s.refuse--
		s.mu.Unlock()
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	s.push(wireAuthenticated, AuthenticatedPayload{UserID: r.URL.Query().Get("userId")})
	s.accepted <- struct{}{}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd wireCommand
		if json.Unmarshal(data, &cmd) != nil {
			continue
		}
		if cmd.Type == "ping" {
			s.push(wirePong, PongPayload{RequestID: cmd.RequestID})
			continue
		}
		s.commands <- cmd
	}
}

func (s *wsTestServer) pushRaw(data string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.WriteMessage(gws.TextMessage, []byte(data))
	}
}

func (s *wsTestServer) push(typ string, payload any) {
	b, _ := json.Marshal(payload)
	env, _ := json.Marshal(map[string]any{"type": typ, "payload": json.RawMessage(b)})
	s.pushRaw(string(env))
}

// drop closes the server side without a close handshake.
func (s *wsTestServer) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.UnderlyingConn().Close()
		s.conn = nil
	}
}

func (s *wsTestServer) nextCommand(t *testing.T) wireCommand {
	t.Helper()
	select {
	case cmd := <-s.commands:
		return cmd
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for command")
		return wireCommand{}
	}
}

func connectTestClient(t *testing.T, s *wsTestServer, cfg *RealtimeConfig, setup func(*RealtimeWSClient)) *RealtimeWSClient {
	t.Helper()
	if cfg == nil {
		cfg = &RealtimeConfig{}
	}
	cfg.Token = testToken
	cfg.UserID = "me"
	ws := NewRealtimeWSClient(s.srv.URL, cfg)
	if setup != nil {
		setup(ws)
	}
	if err := ws.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = ws.Disconnect() })
	return ws
}

func receive[T any](t *testing.T, ch chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		var zero T
		t.Fatal("timed out waiting for event")
		return zero
	}
}

func expectNone[T any](t *testing.T, ch chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected event: %+v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

// ============================================================================
// Tests
// ============================================================================

func TestRealtimeURL(t *testing.T) {
	ws := NewRealtimeWSClient("https://api.pathfinder.dev/", &RealtimeConfig{Token: "a b", UserID: "u1"})
	if got, want := ws.URL(), "wss://api.pathfinder.dev/ws?token=a+b&userId=u1"; got != want {
		t.Fatalf("URL = %s, want %s", got, want)
	}
	if got := NewRealtimeWSClient("http://localhost:8080", nil).URL(); got != "ws://localhost:8080/ws" {
		t.Fatalf("URL = %s", got)
	}
}

func TestRealtimeConnect(t *testing.T) {
	s := newWSTestServer(t)

	t.Run("authenticates", func(t *testing.T) {
		auth := make(chan AuthenticatedPayload, 1)
		connected := make(chan struct{}, 1)
		ws := connectTestClient(t, s, nil, func(ws *RealtimeWSClient) {
			ws.OnAuthenticated(func(p AuthenticatedPayload) { auth <- p })
			ws.OnConnected(func() { connected <- struct{}{} })
		})
		if ws.State() != StateConnected {
			t.Fatalf("state = %s", ws.State())
		}
		if got := receive(t, auth); got.UserID != "me" {
			t.Fatalf("auth = %+v", got)
		}
		receive(t, connected)
	})

	t.Run("rejects bad token", func(t *testing.T) {
		ws := NewRealtimeWSClient(s.srv.URL, &RealtimeConfig{Token: "wrong"})
		if err := ws.Connect(context.Background()); err == nil {
			t.Fatal("expected dial error")
		}
		if ws.State() != StateDisconnected {
			t.Fatalf("state = %s", ws.State())
		}
	})

	t.Run("send before connect", func(t *testing.T) {
		ws := NewRealtimeWSClient(s.srv.URL, nil)
		if err := ws.JoinConversation(context.Background(), "c1"); !errors.Is(err, ErrNotConnected) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestRealtimeMessageFanout(t *testing.T) {
	s := newWSTestServer(t)
	scoped := make(chan MessageEvent, 8)
	wild := make(chan MessageEvent, 8)
	var unsub func()
	connectTestClient(t, s, nil, func(ws *RealtimeWSClient) {
		unsub = ws.OnMessage("c1", func(ev MessageEvent) { scoped <- ev })
		ws.OnMessage(AllConversations, func(ev MessageEvent) { wild <- ev })
	})

	s.push(wireMessageNew, map[string]any{"id": "m1", "conversationId": "c1", "senderId": "bob", "content": "hi"})
	a, b := receive(t, scoped), receive(t, wild)
	if a.Kind != MessageCreated || a.Message.ID != "m1" || b.Message.ID != "m1" {
		t.Fatalf("events = %+v / %+v", a, b)
	}
	if a.Message == b.Message {
		t.Fatal("handlers share one message value")
	}

	s.push(wireMessageEdited, map[string]any{"id": "m9", "conversationId": "c2", "content": "x", "isEdited": true})
	if ev := receive(t, wild); ev.Kind != MessageEdited || ev.Message.ConversationID != "c2" {
		t.Fatalf("wildcard event = %+v", ev)
	}
	expectNone(t, scoped)

	s.pushRaw(`{"type":"message.new","payload":{not json}`)
	s.pushRaw(`garbage`)
	s.push(wireMessageNew, map[string]any{"conversationId": "c1", "content": "no id"})
	s.push(wireMessageDeleted, map[string]any{"id": "sentinel", "conversationId": "c2"})
	if ev := receive(t, wild); ev.Message.ID != "sentinel" || ev.Kind != MessageDeleted {
		t.Fatalf("malformed frame dispatched: %+v", ev)
	}
	expectNone(t, scoped)

	unsub()
	unsub()
	s.push(wireMessageNew, map[string]any{"id": "m2", "conversationId": "c1"})
	receive(t, wild)
	expectNone(t, scoped)
}

func TestRealtimeMessageOrder(t *testing.T) {
	s := newWSTestServer(t)
	const pairs = 300
	order := make(chan string, 2*pairs+1)
	connectTestClient(t, s, nil, func(ws *RealtimeWSClient) {
		ws.OnMessage(AllConversations, func(ev MessageEvent) {
			order <- string(ev.Kind) + ":" + ev.Message.ID
		})
		ws.OnRead(func(p ReadPayload) { order <- "read:" + p.MessageIDs[0] })
	})

	for i := 0; i < pairs; i++ {
		id := fmt.Sprintf("m%d", i)
		s.push(wireMessageNew, map[string]any{"id": id, "conversationId": "c1", "senderId": "bob", "content": "orig"})
		s.push(wireMessageEdited, map[string]any{"id": id, "conversationId": "c1", "content": "edited", "isEdited": true})
	}
	s.push(wireMessageRead, ReadPayload{ConversationID: "c1", MessageIDs: []string{"m299"}, ReaderID: "bob", ReadAt: time.Now()})

	for i := 0; i < pairs; i++ {
		id := fmt.Sprintf("m%d", i)
		for _, want := range []string{string(MessageCreated) + ":" + id, string(MessageEdited) + ":" + id} {
			if got := receive(t, order); got != want {
				t.Fatalf("event = %q, want %q", got, want)
			}
		}
	}
	if got := receive(t, order); got != "read:m299" {
		t.Fatalf("event = %q, want read:m299", got)
	}
}

func TestRealtimeEvents(t *testing.T) {
	s := newWSTestServer(t)
	typing := make(chan TypingPayload, 1)
	reads := make(chan ReadPayload, 1)
	status := make(chan UserStatusPayload, 1)
	ended := make(chan MentorshipEndedPayload, 1)
	started := make(chan MentorshipStartedPayload, 1)
	convMs := make(chan ConversationMentorshipPayload, 1)
	srvErr := make(chan RealtimeErrorPayload, 1)
	connectTestClient(t, s, nil, func(ws *RealtimeWSClient) {
		ws.OnTyping(func(p TypingPayload) { typing <- p })
		ws.OnRead(func(p ReadPayload) { reads <- p })
		ws.OnUserStatus(func(p UserStatusPayload) { status <- p })
		ws.OnMentorshipEnded(func(p MentorshipEndedPayload) { ended <- p })
		ws.OnMentorshipStarted(func(p MentorshipStartedPayload) { started <- p })
		ws.OnConversationMentorship(func(p ConversationMentorshipPayload) { convMs <- p })
		ws.OnError(func(p RealtimeErrorPayload) { srvErr <- p })
	})

	s.push(wireTyping, TypingPayload{ConversationID: "c1", UserID: "bob", IsTyping: true})
	if p := receive(t, typing); !p.IsTyping || p.UserID != "bob" {
		t.Fatalf("typing = %+v", p)
	}

	readAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.push(wireMessageRead, ReadPayload{ConversationID: "c1", MessageIDs: []string{"m1", "m2"}, ReaderID: "bob", ReadAt: readAt})
	if p := receive(t, reads); len(p.MessageIDs) != 2 || !p.ReadAt.Equal(readAt) {
		t.Fatalf("read = %+v", p)
	}

	s.push(wireUserStatus, UserStatusPayload{UserID: "bob", IsOnline: true})
	if p := receive(t, status); !p.IsOnline {
		t.Fatalf("status = %+v", p)
	}

	s.push(wireMentorshipEnded, MentorshipEndedPayload{MentorshipID: "ms-1", Reason: "done"})
	if p := receive(t, ended); p.MentorshipID != "ms-1" || p.Reason != "done" {
		t.Fatalf("ended = %+v", p)
	}

	s.push(wireMentorshipStarted, MentorshipStartedPayload{MentorshipID: "ms-2", ConversationID: "c1"})
	if p := receive(t, started); p.MentorshipID != "ms-2" {
		t.Fatalf("started = %+v", p)
	}

	s.push(wireConversationMentorship, ConversationMentorshipPayload{ConversationID: "c1", MentorshipStatus: MentorshipEnded})
	if p := receive(t, convMs); p.MentorshipStatus != MentorshipEnded {
		t.Fatalf("conversation mentorship = %+v", p)
	}

	s.push(wireError, RealtimeErrorPayload{Message: "rate limited"})
	if p := receive(t, srvErr); p.Message != "rate limited" {
		t.Fatalf("error = %+v", p)
	}

	// Typing without a conversation id is dropped.
	s.push(wireTyping, TypingPayload{UserID: "bob", IsTyping: true})
	expectNone(t, typing)
}

func TestRealtimeCommands(t *testing.T) {
	s := newWSTestServer(t)
	ws := connectTestClient(t, s, nil, nil)
	ctx := context.Background()

	if err := ws.JoinConversation(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	cmd := s.nextCommand(t)
	if cmd.Type != "conversation.join" || !strings.Contains(string(cmd.Payload), `"conversationId":"c1"`) {
		t.Fatalf("join = %s %s", cmd.Type, cmd.Payload)
	}

	if err := ws.SendTyping(ctx, "c1", true); err != nil {
		t.Fatal(err)
	}
	cmd = s.nextCommand(t)
	var typing struct {
		ConversationID string `json:"conversationId"`
		IsTyping       bool   `json:"isTyping"`
	}
	if err := json.Unmarshal(cmd.Payload, &typing); err != nil || cmd.Type != wireTyping || !typing.IsTyping {
		t.Fatalf("typing = %s %s", cmd.Type, cmd.Payload)
	}

	if err := ws.MarkAsRead(ctx, "c1", []string{"m1", "m2"}); err != nil {
		t.Fatal(err)
	}
	cmd = s.nextCommand(t)
	var read struct {
		ConversationID string   `json:"conversationId"`
		MessageIDs     []string `json:"messageIds"`
	}
	if err := json.Unmarshal(cmd.Payload, &read); err != nil || cmd.Type != wireMessageRead || len(read.MessageIDs) != 2 {
		t.Fatalf("read = %s %s", cmd.Type, cmd.Payload)
	}

	pong, err := ws.Ping(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(pong.RequestID, "ping-") {
		t.Fatalf("pong = %+v", pong)
	}
}

func TestRealtimeReconnect(t *testing.T) {
	s := newWSTestServer(t)
	disconnected := make(chan int, 4)
	reconnecting := make(chan int, 4)
	connected := make(chan struct{}, 4)
	ws := connectTestClient(t, s, &RealtimeConfig{
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	}, func(ws *RealtimeWSClient) {
		ws.OnDisconnected(func(code int, _ string) { disconnected <- code })
		ws.OnReconnecting(func(attempt int, _ time.Duration) { reconnecting <- attempt })
		ws.OnConnected(func() { connected <- struct{}{} })
	})
	receive(t, connected)
	receive(t, s.accepted)

	s.drop()
	receive(t, disconnected)
	if attempt := receive(t, reconnecting); attempt != 1 {
		t.Fatalf("attempt = %d", attempt)
	}
	receive(t, connected)
	receive(t, s.accepted)

	deadline := time.Now().Add(waitTimeout)
	for ws.State() != StateConnected && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ws.State() != StateConnected {
		t.Fatalf("state = %s", ws.State())
	}

	if err := ws.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if err := ws.JoinConversation(context.Background(), "c1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v", err)
	}
	expectNone(t, reconnecting)
}

func TestRealtimeRetriesFailedFirstDial(t *testing.T) {
	s := newWSTestServer(t)
	s.refuse = 2
	connected := make(chan struct{}, 4)
	reconnecting := make(chan int, 4)
	ws := NewRealtimeWSClient(s.srv.URL, &RealtimeConfig{
		Token:              testToken,
		UserID:             "me",
		AutoReconnect:      true,
		ReconnectBaseDelay: 10 * time.Millisecond,
		ReconnectMaxDelay:  50 * time.Millisecond,
	})
	ws.OnConnected(func() { connected <- struct{}{} })
	ws.OnReconnecting(func(attempt int, _ time.Duration) { reconnecting <- attempt })
	t.Cleanup(func() { _ = ws.Disconnect() })

	if err := ws.Connect(context.Background()); err == nil {
		t.Fatal("expected first dial to fail")
	}
	receive(t, reconnecting)
	receive(t, connected)
	receive(t, s.accepted)
	if ws.State() != StateConnected {
		t.Fatalf("state = %s", ws.State())
	}

	t.Run("disconnect stops retries", func(t *testing.T) {
		s2 := newWSTestServer(t)
		s2.refuse = 1000
		ws := NewRealtimeWSClient(s2.srv.URL, &RealtimeConfig{
			Token:              testToken,
			AutoReconnect:      true,
			ReconnectBaseDelay: 20 * time.Millisecond,
			ReconnectMaxDelay:  20 * time.Millisecond,
		})
		attempts := make(chan int, 16)
		ws.OnReconnecting(func(attempt int, _ time.Duration) { attempts <- attempt })
		if err := ws.Connect(context.Background()); err == nil {
			t.Fatal("expected dial error")
		}
		receive(t, attempts)
		_ = ws.Disconnect()
		time.Sleep(60 * time.Millisecond)
		for len(attempts) > 0 {
			<-attempts
		}
		expectNone(t, attempts)
		if ws.State() != StateDisconnected {
			t.Fatalf("state = %s", ws.State())
		}
	})
}
