package pathfinder

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// AllConversations subscribes a message handler to every joined
// conversation.
const AllConversations = "*"

// ============================================================================
// Transport contract
// ============================================================================

// Transport is the push side of the chat: a duplex connection that delivers
// events and accepts a few client commands. RealtimeWSClient implements it.
type Transport interface {
	OnConnected(h func())
	OnDisconnected(h func(code int, reason string))
	OnUserStatus(h func(UserStatusPayload))
	// OnMessage subscribes to message events of one conversation, or of all
	// conversations with AllConversations. The returned func unsubscribes.
	OnMessage(conversationID string, h func(MessageEvent)) (unsubscribe func())
	OnTyping(h func(TypingPayload))
	OnRead(h func(ReadPayload))
	OnConversationMentorship(h func(ConversationMentorshipPayload))
	OnMentorshipEnded(h func(MentorshipEndedPayload))
	OnMentorshipStarted(h func(MentorshipStartedPayload))

	JoinConversation(ctx context.Context, conversationID string) error
	SendTyping(ctx context.Context, conversationID string, typing bool) error
	MarkAsRead(ctx context.Context, conversationID string, messageIDs []string) error
}

// ============================================================================
// Event Payload Types
// ============================================================================

// AuthenticatedPayload is the first frame after a successful connect.
type AuthenticatedPayload struct {
	UserID string `json:"userId"`
}

// UserStatusPayload is a live presence update.
type UserStatusPayload struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// TypingPayload is a remote typing signal.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// ReadPayload is a read receipt for one or more messages.
type ReadPayload struct {
	ConversationID string    `json:"conversationId"`
	MessageIDs     []string  `json:"messageIds"`
	ReaderID       string    `json:"readerId"`
	ReadAt         time.Time `json:"readAt"`
}

// ConversationMentorshipPayload carries the mentorship state of a
// conversation, sent on the conversation's own channel.
type ConversationMentorshipPayload struct {
	ConversationID      string           `json:"conversationId"`
	MentorshipID        string           `json:"mentorshipId"`
	MentorshipStatus    MentorshipStatus `json:"mentorshipStatus"`
	MentorshipEndReason string           `json:"mentorshipEndReason,omitempty"`
	MentorshipEndedBy   string           `json:"mentorshipEndedBy,omitempty"`
	MentorshipEndedAt   *time.Time       `json:"mentorshipEndedAt,omitempty"`
}

// MentorshipEndedPayload is broadcast on the user channel when a mentorship
// ends.
type MentorshipEndedPayload struct {
	MentorshipID   string     `json:"mentorshipId"`
	ConversationID string     `json:"conversationId,omitempty"`
	Reason         string     `json:"reason,omitempty"`
	EndedBy        string     `json:"endedBy,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
}

// MentorshipStartedPayload is broadcast when a mentorship (re)starts.
type MentorshipStartedPayload struct {
	MentorshipID   string `json:"mentorshipId"`
	ConversationID string `json:"conversationId,omitempty"`
}

// PongPayload is the response to a ping command.
type PongPayload struct {
	RequestID string `json:"requestId"`
}

// RealtimeErrorPayload is sent when a server-side error occurs.
type RealtimeErrorPayload struct {
	Message string `json:"message"`
}

// RealtimeEnvelope is the wire format for all real-time events.
type RealtimeEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"requestId,omitempty"`
}

// Wire event types.
const (
	wireAuthenticated          = "authenticated"
	wireUserStatus             = "user.status"
	wireMessageNew             = "message.new"
	wireMessageEdited          = "message.edited"
	wireMessageDeleted         = "message.deleted"
	wireTyping                 = "typing"
	wireMessageRead            = "message.read"
	wireConversationMentorship = "conversation.mentorship"
	wireMentorshipEnded        = "mentorship.ended"
	wireMentorshipStarted      = "mentorship.started"
	wirePong                   = "pong"
	wireError                  = "error"
)

var messageKinds = map[string]MessageEventKind{
	wireMessageNew:     MessageCreated,
	wireMessageEdited:  MessageEdited,
	wireMessageDeleted: MessageDeleted,
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the WebSocket client.
type RealtimeConfig struct {
	Token                string
	UserID               string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	PingTimeout          time.Duration
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Event Dispatcher
// ============================================================================

type messageSub struct {
	id int
	h  func(MessageEvent)
}

// serialQueue runs queued funcs one at a time in push order. The drain
// goroutine exits once the queue is empty.
type serialQueue struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

func (q *serialQueue) push(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.drain()
}

func (q *serialQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()
		fn()
	}
}

type eventDispatcher struct {
	// ordered carries message and read events, which must reach handlers in
	// the order the socket delivered them.
	ordered serialQueue

	mu                sync.RWMutex
	nextSub           int
	onMessage         map[string][]messageSub
	onAuthenticated   []func(AuthenticatedPayload)
	onUserStatus      []func(UserStatusPayload)
	onTyping          []func(TypingPayload)
	onRead            []func(ReadPayload)
	onConvMentorship  []func(ConversationMentorshipPayload)
	onMentorshipEnded []func(MentorshipEndedPayload)
	onMentorshipStart []func(MentorshipStartedPayload)
	onError           []func(RealtimeErrorPayload)
	onConnected       []func()
	onDisconnected    []func(int, string)
	onReconnecting    []func(int, time.Duration)
}

func newEventDispatcher() *eventDispatcher {
	return &eventDispatcher{onMessage: make(map[string][]messageSub)}
}

// dispatch decodes env and fans it out. Frames that fail to decode are
// dropped.
func (d *eventDispatcher) dispatch(env RealtimeEnvelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if kind, ok := messageKinds[env.Type]; ok {
		var m Message
		if json.Unmarshal(env.Payload, &m) != nil || m.ID == "" || m.ConversationID == "" {
			return
		}
		targets := append([]messageSub{}, d.onMessage[m.ConversationID]...)
		targets = append(targets, d.onMessage[AllConversations]...)
		if len(targets) == 0 {
			return
		}
		d.ordered.push(func() {
			for _, sub := range targets {
				sub.h(MessageEvent{Kind: kind, Message: m.Clone()})
			}
		})
		return
	}

	switch env.Type {
	case wireAuthenticated:
		var p AuthenticatedPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onAuthenticated {
				go h(p)
			}
		}
	case wireUserStatus:
		var p UserStatusPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.UserID != "" {
			for _, h := range d.onUserStatus {
				go h(p)
			}
		}
	case wireTyping:
		var p TypingPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.ConversationID != "" {
			for _, h := range d.onTyping {
				go h(p)
			}
		}
	case wireMessageRead:
		var p ReadPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.ConversationID != "" && len(d.onRead) > 0 {
			handlers := append([]func(ReadPayload){}, d.onRead...)
			d.ordered.push(func() {
				for _, h := range handlers {
					h(p)
				}
			})
		}
	case wireConversationMentorship:
		var p ConversationMentorshipPayload
		if json.Unmarshal(env.Payload, &p) == nil && p.ConversationID != "" {
			for _, h := range d.onConvMentorship {
				go h(p)
			}
		}
	case wireMentorshipEnded:
		var p MentorshipEndedPayload
		if json.Unmarshal(env.Payload, &p) == nil && (p.MentorshipID != "" || p.ConversationID != "") {
			for _, h := range d.onMentorshipEnded {
				go h(p)
			}
		}
	case wireMentorshipStarted:
		var p MentorshipStartedPayload
		if json.Unmarshal(env.Payload, &p) == nil && (p.MentorshipID != "" || p.ConversationID != "") {
			for _, h := range d.onMentorshipStart {
				go h(p)
			}
		}
	case wireError:
		var p RealtimeErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil {
			for _, h := range d.onError {
				go h(p)
			}
		}
	}
}

func (d *eventDispatcher) subscribeMessages(conversationID string, h func(MessageEvent)) func() {
	d.mu.Lock()
	d.nextSub++
	id := d.nextSub
	d.onMessage[conversationID] = append(d.onMessage[conversationID], messageSub{id: id, h: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			subs := d.onMessage[conversationID]
			for i, s := range subs {
				if s.id == id {
					d.onMessage[conversationID] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(d.onMessage[conversationID]) == 0 {
				delete(d.onMessage, conversationID)
			}
		})
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	handlers := append([]func(int, string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(attempt, delay)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// RealtimeWSClient
// ============================================================================

// RealtimeWSClient is the WebSocket push transport with auto-reconnect and
// heartbeat.
type RealtimeWSClient struct {
	baseURL          string
	config           *RealtimeConfig
	conn             *websocket.Conn
	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	dispatcher       *eventDispatcher
	recon            *reconnector
	cancelFn         context.CancelFunc
	pendingPings     map[string]chan PongPayload
	pendingMu        sync.Mutex
}

// NewRealtimeWSClient creates a client for baseURL (http or https; the
// scheme is rewritten to ws or wss). Call Connect to dial.
func NewRealtimeWSClient(baseURL string, config *RealtimeConfig) *RealtimeWSClient {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeWSClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       &cfg,
		state:        StateDisconnected,
		dispatcher:   newEventDispatcher(),
		recon:        newReconnector(&cfg),
		pendingPings: make(map[string]chan PongPayload),
	}
}

var _ Transport = (*RealtimeWSClient)(nil)

// OnAuthenticated registers a handler for the authenticated event.
func (ws *RealtimeWSClient) OnAuthenticated(h func(AuthenticatedPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onAuthenticated = append(ws.dispatcher.onAuthenticated, h)
	ws.dispatcher.mu.Unlock()
}

// OnUserStatus registers a handler for presence updates.
func (ws *RealtimeWSClient) OnUserStatus(h func(UserStatusPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onUserStatus = append(ws.dispatcher.onUserStatus, h)
	ws.dispatcher.mu.Unlock()
}

// OnMessage registers a handler for message events of conversationID or of
// AllConversations.
func (ws *RealtimeWSClient) OnMessage(conversationID string, h func(MessageEvent)) func() {
	return ws.dispatcher.subscribeMessages(conversationID, h)
}

// OnTyping registers a handler for typing signals.
func (ws *RealtimeWSClient) OnTyping(h func(TypingPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onTyping = append(ws.dispatcher.onTyping, h)
	ws.dispatcher.mu.Unlock()
}

// OnRead registers a handler for read receipts.
func (ws *RealtimeWSClient) OnRead(h func(ReadPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onRead = append(ws.dispatcher.onRead, h)
	ws.dispatcher.mu.Unlock()
}

// OnConversationMentorship registers a handler for conversation-scoped
// mentorship state.
func (ws *RealtimeWSClient) OnConversationMentorship(h func(ConversationMentorshipPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConvMentorship = append(ws.dispatcher.onConvMentorship, h)
	ws.dispatcher.mu.Unlock()
}

// OnMentorshipEnded registers a handler for mentorship.ended broadcasts.
func (ws *RealtimeWSClient) OnMentorshipEnded(h func(MentorshipEndedPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onMentorshipEnded = append(ws.dispatcher.onMentorshipEnded, h)
	ws.dispatcher.mu.Unlock()
}

// OnMentorshipStarted registers a handler for mentorship.started broadcasts.
func (ws *RealtimeWSClient) OnMentorshipStarted(h func(MentorshipStartedPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onMentorshipStart = append(ws.dispatcher.onMentorshipStart, h)
	ws.dispatcher.mu.Unlock()
}

// OnError registers a handler for server errors.
func (ws *RealtimeWSClient) OnError(h func(RealtimeErrorPayload)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onError = append(ws.dispatcher.onError, h)
	ws.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (ws *RealtimeWSClient) OnConnected(h func()) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onConnected = append(ws.dispatcher.onConnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ws *RealtimeWSClient) OnDisconnected(h func(code int, reason string)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onDisconnected = append(ws.dispatcher.onDisconnected, h)
	ws.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ws *RealtimeWSClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ws.dispatcher.mu.Lock()
	ws.dispatcher.onReconnecting = append(ws.dispatcher.onReconnecting, h)
	ws.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ws *RealtimeWSClient) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

// URL returns the dial URL including credentials.
func (ws *RealtimeWSClient) URL() string {
	u := strings.Replace(ws.baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	q := url.Values{}
	if ws.config.Token != "" {
		q.Set("token", ws.config.Token)
	}
	if ws.config.UserID != "" {
		q.Set("userId", ws.config.UserID)
	}
	if len(q) == 0 {
		return u + "/ws"
	}
	return u + "/ws?" + q.Encode()
}

// Connect establishes the WebSocket connection and waits for the
// authenticated frame. With AutoReconnect, a failed first dial is still
// returned but keeps retrying in the background until Disconnect.
func (ws *RealtimeWSClient) Connect(ctx context.Context) error {
	ws.mu.Lock()
	ws.intentionalClose = false
	ws.mu.Unlock()

	err := ws.dial(ctx)
	if err != nil && ws.config.AutoReconnect && ws.recon.shouldReconnect() {
		go ws.scheduleReconnect()
	}
	return err
}

func (ws *RealtimeWSClient) dial(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, ws.URL(), nil)
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("read auth message: %w", err)
	}

	var env RealtimeEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != wireAuthenticated {
		conn.Close(websocket.StatusNormalClosure, "")
		ws.setState(StateDisconnected)
		return fmt.Errorf("expected %q, got %q", wireAuthenticated, env.Type)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ws.mu.Lock()
	ws.conn = conn
	ws.state = StateConnected
	ws.cancelFn = cancel
	ws.mu.Unlock()
	ws.recon.markConnected()

	ws.dispatcher.dispatch(env)
	ws.dispatcher.emitConnected()

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx)

	return nil
}

// Disconnect gracefully closes the connection and disables reconnects.
func (ws *RealtimeWSClient) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.state = StateDisconnected
	ws.mu.Unlock()

	ws.clearPendingPings()
	ws.dispatcher.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// JoinConversation subscribes the connection to a conversation channel.
func (ws *RealtimeWSClient) JoinConversation(ctx context.Context, conversationID string) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type:    "conversation.join",
		Payload: map[string]string{"conversationId": conversationID},
	})
}

// SendTyping sends a typing signal.
func (ws *RealtimeWSClient) SendTyping(ctx context.Context, conversationID string, typing bool) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type: wireTyping,
		Payload: map[string]any{
			"conversationId": conversationID,
			"isTyping":       typing,
		},
	})
}

// MarkAsRead marks messages read on the server.
func (ws *RealtimeWSClient) MarkAsRead(ctx context.Context, conversationID string, messageIDs []string) error {
	return ws.Send(ctx, &RealtimeCommand{
		Type: wireMessageRead,
		Payload: map[string]any{
			"conversationId": conversationID,
			"messageIds":     messageIDs,
		},
	})
}

// Send sends a raw command over the WebSocket.
func (ws *RealtimeWSClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (ws *RealtimeWSClient) Ping(ctx context.Context) (*PongPayload, error) {
	requestID := "ping-" + uuid.NewString()

	ch := make(chan PongPayload, 1)
	ws.pendingMu.Lock()
	ws.pendingPings[requestID] = ch
	ws.pendingMu.Unlock()

	forget := func() {
		ws.pendingMu.Lock()
		delete(ws.pendingPings, requestID)
		ws.pendingMu.Unlock()
	}

	err := ws.Send(ctx, &RealtimeCommand{
		Type:      "ping",
		Payload:   map[string]string{"requestId": requestID},
		RequestID: requestID,
	})
	if err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(ws.config.PingTimeout)
	defer timer.Stop()

	select {
	case pong, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return &pong, nil
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("ping timeout")
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (ws *RealtimeWSClient) setState(s RealtimeState) {
	ws.mu.Lock()
	ws.state = s
	ws.mu.Unlock()
}

func (ws *RealtimeWSClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if !intentional {
				ws.state = StateDisconnected
				ws.conn = nil
				if ws.cancelFn != nil {
					ws.cancelFn()
					ws.cancelFn = nil
				}
			}
			ws.mu.Unlock()
			if intentional {
				return
			}

			ws.clearPendingPings()
			ws.dispatcher.emitDisconnected(int(websocket.CloseStatus(err)), err.Error())

			if ws.config.AutoReconnect && ws.recon.shouldReconnect() {
				ws.scheduleReconnect()
			}
			return
		}

		var env RealtimeEnvelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Type == wirePong {
			var p PongPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.RequestID != "" {
				ws.pendingMu.Lock()
				ch, ok := ws.pendingPings[p.RequestID]
				if ok {
					delete(ws.pendingPings, p.RequestID)
				}
				ws.pendingMu.Unlock()
				if ok {
					ch <- p
				}
			}
			continue
		}

		ws.dispatcher.dispatch(env)
	}
}

func (ws *RealtimeWSClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ws.State() != StateConnected {
				return
			}
			if _, err := ws.Ping(ctx); err != nil {
				ws.mu.Lock()
				conn := ws.conn
				ws.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (ws *RealtimeWSClient) scheduleReconnect() {
	for {
		delay := ws.recon.nextDelay()

		ws.mu.Lock()
		if ws.intentionalClose {
			ws.mu.Unlock()
			return
		}
		ws.state = StateReconnecting
		ws.mu.Unlock()

		ws.dispatcher.emitReconnecting(ws.recon.attempt, delay)
		time.Sleep(delay)

		// dial refuses unless the state is disconnected.
		ws.mu.Lock()
		if ws.intentionalClose {
			ws.mu.Unlock()
			return
		}
		ws.state = StateDisconnected
		ws.mu.Unlock()
		if err := ws.dial(context.Background()); err == nil {
			return
		}
		if !ws.config.AutoReconnect || !ws.recon.shouldReconnect() {
			ws.setState(StateDisconnected)
			return
		}
	}
}

func (ws *RealtimeWSClient) clearPendingPings() {
	ws.pendingMu.Lock()
	for k, ch := range ws.pendingPings {
		close(ch)
		delete(ws.pendingPings, k)
	}
	ws.pendingMu.Unlock()
}
