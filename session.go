package pathfinder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultPollInterval is how often the open conversation is re-fetched.
const DefaultPollInterval = 3 * time.Second

// SessionConfig configures a Session. Use the With* options.
type SessionConfig struct {
	SelfID          string
	PollInterval    time.Duration
	PageSize        int
	TypingHeartbeat time.Duration
	TypingTTL       time.Duration
	Viewport        Viewport
	Logger          zerolog.Logger
	Now             func() time.Time
}

func (c *SessionConfig) defaults() {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.TypingHeartbeat <= 0 {
		c.TypingHeartbeat = DefaultTypingHeartbeat
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = DefaultTypingTTL
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type SessionOption func(*SessionConfig)

// WithSelfID sets the local user id. Unread counting, mark-read and typing
// filtering all depend on it.
func WithSelfID(id string) SessionOption {
	return func(c *SessionConfig) { c.SelfID = id }
}

// WithPollInterval sets the poll period. A negative value disables polling.
func WithPollInterval(d time.Duration) SessionOption {
	return func(c *SessionConfig) { c.PollInterval = d }
}

func WithPageSize(n int) SessionOption {
	return func(c *SessionConfig) { c.PageSize = n }
}

func WithTypingHeartbeat(d time.Duration) SessionOption {
	return func(c *SessionConfig) { c.TypingHeartbeat = d }
}

func WithTypingTTL(d time.Duration) SessionOption {
	return func(c *SessionConfig) { c.TypingTTL = d }
}

// WithViewport attaches the UI scroll container. Without one, scroll
// anchoring and auto-scroll are skipped.
func WithViewport(v Viewport) SessionOption {
	return func(c *SessionConfig) { c.Viewport = v }
}

func WithLogger(l zerolog.Logger) SessionOption {
	return func(c *SessionConfig) { c.Logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) SessionOption {
	return func(c *SessionConfig) { c.Now = now }
}

// ConnectionChange is the payload of EventConnectionChanged.
type ConnectionChange struct {
	Connected bool
	Code      int
	Reason    string
}

// PresenceChange is the payload of EventPresenceChanged for a live update.
// A reseed from the conversation list emits a nil payload.
type PresenceChange struct {
	UserID   string
	IsOnline bool
}

// TypingChange is the payload of EventTypingChanged.
type TypingChange struct {
	ConversationID string
	Someone        bool
}

// MentorshipEndedChange is the payload of EventMentorshipEnded.
type MentorshipEndedChange struct {
	ConversationID string
	MentorshipID   string
	Notice         EndNotice
}

// ============================================================================
// Session
// ============================================================================

// Session keeps the local view of conversations and the open conversation's
// messages consistent across REST fetches, the scoped and wildcard push
// subscriptions, the poll timer and optimistic writes. Every producer ends
// up in applyMessageLocked.
//
// Store mutation happens under mu; network side effects and UI events run
// after it is released, so event handlers may call the read views.
type Session struct {
	*emitter

	chat        ChatAPI
	mentorships MentorshipAPI
	transport   Transport
	cfg         SessionConfig
	log         zerolog.Logger

	convs    *ConversationStore
	presence *PresenceStore
	typing   *TypingTracker
	pager    *Paginator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshing atomic.Bool

	mu          sync.Mutex
	started     bool
	closed      bool
	connected   bool
	activeID    string
	generation  uint64
	messages    *MessageStore
	typingOut   *TypingEmitter
	scopedUnsub func()
	wildUnsub   func()
	joined      map[string]bool
}

// NewSession creates a session. Nothing happens until Start.
func NewSession(chat ChatAPI, mentorships MentorshipAPI, transport Transport, opts ...SessionOption) *Session {
	cfg := SessionConfig{Logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		emitter:     newEmitter(cfg.Logger),
		chat:        chat,
		mentorships: mentorships,
		transport:   transport,
		cfg:         cfg,
		log:         cfg.Logger.With().Str("component", "session").Logger(),
		convs:       NewConversationStore(cfg.SelfID),
		presence:    NewPresenceStore(),
		pager:       NewPaginator(chat, cfg.PageSize),
		ctx:         ctx,
		cancel:      cancel,
		joined:      make(map[string]bool),
	}
	s.typing = NewTypingTracker(cfg.TypingTTL, s.onTypingChanged)
	return s
}

// Start subscribes to the transport, loads conversations, seeds mentorship
// status and starts the poll loop.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	if st, ok := s.transport.(interface{ State() RealtimeState }); ok {
		s.connected = st.State() == StateConnected
	}
	s.wildUnsub = s.transport.OnMessage(AllConversations, s.handleMessage)
	s.mu.Unlock()

	s.transport.OnConnected(s.handleConnected)
	s.transport.OnDisconnected(s.handleDisconnected)
	s.transport.OnUserStatus(s.handleUserStatus)
	s.transport.OnTyping(s.handleTyping)
	s.transport.OnRead(s.handleRead)
	s.transport.OnConversationMentorship(s.handleConversationMentorship)
	s.transport.OnMentorshipEnded(s.handleMentorshipEnded)
	s.transport.OnMentorshipStarted(s.handleMentorshipStarted)

	if s.cfg.PollInterval > 0 {
		s.wg.Add(1)
		go s.pollLoop()
	}

	if err := s.RefreshConversations(ctx); err != nil {
		return err
	}
	s.seedMentorships(ctx)
	return nil
}

// Close stops the poll loop, typing timers and subscriptions. The session
// cannot be restarted.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	out := s.typingOut
	s.typingOut = nil
	unsubs := []func(){s.scopedUnsub, s.wildUnsub}
	s.scopedUnsub, s.wildUnsub = nil, nil
	s.mu.Unlock()

	if out != nil {
		out.Stop()
	}
	for _, u := range unsubs {
		if u != nil {
			u()
		}
	}
	s.cancel()
	s.typing.Stop()
	s.wg.Wait()
	s.removeAll()
}

// ── Read views ────────────────────────────────────────────

// Conversations returns the sorted conversation list.
func (s *Session) Conversations() []*Conversation {
	return s.convs.List()
}

// Messages returns the open conversation's messages in display order.
func (s *Session) Messages() []*Message {
	s.mu.Lock()
	store := s.messages
	s.mu.Unlock()
	if store == nil {
		return nil
	}
	return store.List()
}

// Active returns the open conversation, or nil.
func (s *Session) Active() *Conversation {
	return s.convs.Get(s.ActiveID())
}

func (s *Session) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// SomeoneTyping reports whether a remote user is typing in the open
// conversation.
func (s *Session) SomeoneTyping() bool {
	id := s.ActiveID()
	if id == "" {
		return false
	}
	return s.typing.Someone(id)
}

// Connected reports the push transport state.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Session) IsOnline(userID string) bool {
	return s.presence.IsOnline(userID)
}

// HasMore reports whether older history exists for the open conversation.
func (s *Session) HasMore() bool {
	return s.pager.HasMore()
}

// CanWrite applies the mentorship gate to the open conversation.
func (s *Session) CanWrite() bool {
	return CanWrite(s.Active())
}

// EndNotice returns the end notice of the open conversation when its
// mentorship has ended.
func (s *Session) EndNotice() (EndNotice, bool) {
	c := s.Active()
	if c == nil || CanWrite(c) {
		return EndNotice{}, false
	}
	return NoticeFor(c), true
}

func (s *Session) TotalUnread() int {
	return s.convs.TotalUnread()
}

// ── Conversation list ─────────────────────────────────────

// RefreshConversations reloads the conversation list, reseeds presence and
// joins conversations not joined yet.
func (s *Session) RefreshConversations(ctx context.Context) error {
	list, err := s.chat.GetConversations(ctx)
	if err != nil {
		s.emit(EventNotice, Notice{Kind: NoticeFetchFailed, Err: err})
		return fmt.Errorf("get conversations: %w", err)
	}

	b := &batch{}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.convs.Replace(list)
	if s.activeID != "" {
		s.convs.Select(s.activeID)
	}
	online := presenceFromConversations(list)
	if s.presence.SetMany(online) {
		b.emit(EventPresenceChanged, nil)
	}
	for _, c := range list {
		if !s.joined[c.ID] {
			b.joins = append(b.joins, c.ID)
		}
	}
	b.emit(EventConversationsChanged, nil)
	s.mu.Unlock()

	s.flush(b)
	return nil
}

// seedMentorships fills in active mentorships for conversations whose
// payload carried no status.
func (s *Session) seedMentorships(ctx context.Context) {
	if s.mentorships == nil {
		return
	}
	list, err := s.mentorships.GetMentorships(ctx, MentorshipQuery{Status: MentorshipActive})
	if err != nil {
		s.log.Warn().Err(err).Msg("seed mentorships")
		return
	}
	b := &batch{}
	s.mu.Lock()
	for _, m := range list {
		if m.ConversationID == "" {
			continue
		}
		c := s.convs.Get(m.ConversationID)
		if c == nil || c.MentorshipStatus != MentorshipNone {
			continue
		}
		s.applyMentorshipLocked(MentorshipEvent{
			ConversationID: m.ConversationID,
			MentorshipID:   m.ID,
			Status:         m.Status,
			EndReason:      m.EndReason,
			EndedBy:        m.EndedBy,
			EndedAt:        m.EndedAt,
		}, b)
	}
	s.mu.Unlock()
	s.flush(b)
}

// Select opens a conversation: unread goes to zero, the scoped
// subscription moves over and the newest page is loaded. A response that
// arrives after another Select is discarded.
func (s *Session) Select(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.convs.Get(conversationID) == nil {
		s.mu.Unlock()
		return fmt.Errorf("select %s: %w", conversationID, ErrUnknownConversation)
	}
	prevOut := s.typingOut
	prevUnsub := s.scopedUnsub

	s.generation++
	gen := s.generation
	s.activeID = conversationID
	s.messages = NewMessageStore(conversationID)
	s.convs.Select(conversationID)
	s.scopedUnsub = s.transport.OnMessage(conversationID, s.handleMessage)
	s.typingOut = NewTypingEmitter(s.cfg.TypingHeartbeat, func(typing bool) {
		s.sendTyping(conversationID, typing)
	})
	needJoin := !s.joined[conversationID]
	s.mu.Unlock()

	if prevOut != nil {
		prevOut.Stop()
	}
	if prevUnsub != nil {
		prevUnsub()
	}
	s.emit(EventConversationsChanged, nil)
	s.emit(EventTypingChanged, TypingChange{ConversationID: conversationID, Someone: s.typing.Someone(conversationID)})
	if needJoin {
		s.join(ctx, conversationID)
	}

	page, err := s.pager.LoadInitial(ctx, conversationID)

	b := &batch{}
	s.mu.Lock()
	if s.generation != gen || s.closed {
		s.mu.Unlock()
		s.log.Debug().Str("conversation", conversationID).Msg("dropping stale initial page")
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		s.emit(EventNotice, Notice{Kind: NoticeFetchFailed, ConversationID: conversationID, Err: err})
		return err
	}
	s.messages.Replace(page.Messages)
	s.convs.MarkSeen(conversationID, page.Messages)
	s.applyPageMentorshipLocked(conversationID, page.Raw, b)
	if ids := s.messages.UnreadFrom(s.cfg.SelfID); len(ids) > 0 {
		b.reads = append(b.reads, readRequest{conversationID: conversationID, ids: ids})
	}
	b.emitMessages(MessagesChange{ConversationID: conversationID, Grew: GrewReplaced}, false)
	s.mu.Unlock()

	s.flush(b)
	return nil
}

// ── Message producers ─────────────────────────────────────

// handleMessage serves both the scoped and the wildcard subscription.
func (s *Session) handleMessage(ev MessageEvent) {
	b := &batch{}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.applyMessageLocked(ev, b)
	s.mu.Unlock()
	s.flush(b)
}

// applyMessageLocked routes one message from any producer through the
// conversation store and, for the open conversation, the reconciler.
func (s *Session) applyMessageLocked(ev MessageEvent, b *batch) {
	m := ev.Message
	if m == nil || m.ID == "" || m.ConversationID == "" {
		s.log.Debug().Err(ErrMalformedEvent).Str("kind", string(ev.Kind)).Msg("dropping message event")
		return
	}
	open := s.messages != nil && m.ConversationID == s.activeID

	// Edits and deletes of rows outside the loaded window only touch the
	// preview; inserting them would place old rows at the bottom.
	if open && ev.Kind != MessageCreated && s.messages.Get(m.ID) == nil {
		open = false
	}

	res := s.convs.ApplyMessageEvent(ev, m.ConversationID == s.activeID)
	if res.Unknown {
		s.log.Debug().Str("conversation", m.ConversationID).Msg("message for unknown conversation")
		b.refresh = true
		return
	}
	if res.PreviewChanged || res.UnreadIncremented {
		b.emit(EventConversationsChanged, nil)
	}
	if !open {
		return
	}

	switch s.messages.Apply(m) {
	case Inserted:
		own := m.SenderID == s.cfg.SelfID
		b.emitMessages(MessagesChange{ConversationID: m.ConversationID, Grew: GrewBottom}, own)
		if ev.Kind == MessageCreated && !own && !m.Pending && m.ReadAt == nil {
			b.reads = append(b.reads, readRequest{conversationID: m.ConversationID, ids: []string{m.ID}})
		}
	case Updated:
		b.emitMessages(MessagesChange{ConversationID: m.ConversationID, Grew: GrewNone}, false)
	}
}

func (s *Session) pollLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Poll(s.ctx)
		}
	}
}

// Poll re-fetches the newest page of the open conversation and feeds it
// through the same apply path as push events. The poll loop calls it; it
// runs whether or not the transport is connected.
func (s *Session) Poll(ctx context.Context) {
	s.mu.Lock()
	id, gen := s.activeID, s.generation
	s.mu.Unlock()
	if id == "" {
		return
	}

	page, err := s.chat.GetMessages(ctx, id, MessageQuery{Limit: s.cfg.PageSize})
	if err != nil {
		s.log.Warn().Err(err).Str("conversation", id).Msg("poll")
		return
	}

	b := &batch{}
	s.mu.Lock()
	if s.generation != gen || s.closed {
		s.mu.Unlock()
		return
	}
	for _, m := range page.Messages {
		if m == nil {
			continue
		}
		if m.ConversationID == "" {
			m.ConversationID = id
		}
		s.applyMessageLocked(MessageEvent{Kind: MessageCreated, Message: m}, b)
	}
	s.applyPageMentorshipLocked(id, page, b)
	s.mu.Unlock()
	s.flush(b)
}

// OnScroll loads the next older page when m is within the top threshold.
// Rows are prepended and the viewport is re-anchored; the in-flight guard
// is held until the anchor adjustment is done.
func (s *Session) OnScroll(ctx context.Context, m ScrollMetrics) error {
	s.mu.Lock()
	id, gen, store := s.activeID, s.generation, s.messages
	s.mu.Unlock()
	if id == "" || store == nil {
		return nil
	}
	if !s.pager.Begin(id, m) {
		return nil
	}
	defer s.pager.End(id)

	cursor := s.pager.Cursor()
	if cursor == "" {
		if oldest := store.Oldest(); oldest != nil {
			cursor = oldest.ID
		}
	}

	page, err := s.pager.LoadOlder(ctx, id, cursor)

	b := &batch{}
	s.mu.Lock()
	if s.generation != gen || s.closed {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		s.emit(EventNotice, Notice{Kind: NoticeFetchFailed, ConversationID: id, Err: err})
		return err
	}
	added := s.messages.Prepend(page.Messages)
	s.convs.MarkSeen(id, page.Messages)
	if added > 0 {
		b.emitMessages(MessagesChange{ConversationID: id, Grew: GrewTop}, false)
	}
	s.mu.Unlock()

	s.flush(b)
	return nil
}

// ── Writes ────────────────────────────────────────────────

// guardLocked resolves the open conversation and applies the mentorship
// gate.
func (s *Session) guardLocked() (*Conversation, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.activeID == "" || s.messages == nil {
		return nil, ErrNoActiveConversation
	}
	c := s.convs.Get(s.activeID)
	if err := Guard(c); err != nil {
		return c, err
	}
	return c, nil
}

func (s *Session) rejectWrite(err error) error {
	var gate *GateError
	if errors.As(err, &gate) {
		s.emit(EventNotice, Notice{Kind: NoticeMentorshipEnded, ConversationID: gate.ConversationID, Err: err})
	}
	return err
}

// Send inserts an optimistic row and posts the message. On failure the row
// is rolled back and a *SendError carrying the draft is returned.
func (s *Session) Send(ctx context.Context, content, parentMessageID string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}

	s.mu.Lock()
	c, err := s.guardLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, s.rejectWrite(err)
	}
	store := s.messages
	local := &Message{
		ID:             "local-" + uuid.NewString(),
		ConversationID: c.ID,
		SenderID:       s.cfg.SelfID,
		Type:           MessageText,
		Content:        content,
		CreatedAt:      s.cfg.Now(),
		Pending:        true,
	}
	if parentMessageID != "" {
		if p := store.Get(parentMessageID); p != nil {
			local.ParentMessage = &MessageRef{
				ID:        p.ID,
				SenderID:  p.SenderID,
				Type:      p.Type,
				Content:   p.Content,
				IsDeleted: p.IsDeleted,
			}
		}
	}
	prevLast, prevAt := c.LastMessage, c.LastMessageAt
	out := s.typingOut

	b := &batch{}
	store.Apply(local)
	s.convs.ApplyMessageEvent(MessageEvent{Kind: MessageCreated, Message: local}, true)
	b.emitMessages(MessagesChange{ConversationID: c.ID, Grew: GrewBottom}, true)
	b.emit(EventConversationsChanged, nil)
	s.mu.Unlock()

	if out != nil {
		out.Stop()
	}
	s.flush(b)

	srv, err := s.chat.SendMessage(ctx, c.ID, SendMessageInput{Content: content, ParentMessageID: parentMessageID})
	if err == nil && (srv == nil || srv.ID == "") {
		err = fmt.Errorf("%w: empty send response", ErrMalformedEvent)
	}

	b = &batch{}
	s.mu.Lock()
	if err != nil {
		store.Remove(local.ID)
		s.convs.RestorePreview(c.ID, local.ID, prevLast, prevAt)
		if store == s.messages {
			b.emitMessages(MessagesChange{ConversationID: c.ID, Grew: GrewNone}, false)
		}
		b.emit(EventConversationsChanged, nil)
		b.emit(EventNotice, Notice{Kind: NoticeSendFailed, ConversationID: c.ID, Err: err, Draft: content})
		s.mu.Unlock()
		s.flush(b)
		return nil, &SendError{Draft: content, ParentMessageID: parentMessageID, Err: err}
	}

	if srv.ConversationID == "" {
		srv.ConversationID = c.ID
	}
	store.Confirm(local.ID, srv)
	s.convs.ReplacePreview(c.ID, local.ID, srv)
	if store == s.messages {
		b.emitMessages(MessagesChange{ConversationID: c.ID, Grew: GrewNone}, false)
	}
	b.emit(EventConversationsChanged, nil)
	s.mu.Unlock()

	s.flush(b)
	return srv.Clone(), nil
}

// Edit replaces the content of a confirmed message.
func (s *Session) Edit(ctx context.Context, messageID, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyMessage
	}
	s.mu.Lock()
	c, err := s.guardLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, s.rejectWrite(err)
	}
	existing := s.messages.Get(messageID)
	s.mu.Unlock()
	if existing == nil || existing.Pending {
		return nil, fmt.Errorf("edit %s: %w", messageID, ErrUnknownMessage)
	}

	srv, err := s.chat.EditMessage(ctx, messageID, EditMessageInput{Content: content})
	if err != nil {
		s.emit(EventNotice, Notice{Kind: NoticeEditFailed, ConversationID: c.ID, Err: err})
		return nil, fmt.Errorf("edit %s: %w", messageID, err)
	}
	if srv == nil || srv.ID == "" {
		srv = existing.Clone()
		srv.Content = content
		srv.IsEdited = true
		now := s.cfg.Now()
		srv.EditedAt = &now
	}
	if srv.ConversationID == "" {
		srv.ConversationID = c.ID
	}
	s.applyLocal(MessageEvent{Kind: MessageEdited, Message: srv})
	return srv.Clone(), nil
}

// Delete soft-deletes a confirmed message. The row stays with tombstone
// content.
func (s *Session) Delete(ctx context.Context, messageID string) error {
	s.mu.Lock()
	c, err := s.guardLocked()
	if err != nil {
		s.mu.Unlock()
		return s.rejectWrite(err)
	}
	existing := s.messages.Get(messageID)
	s.mu.Unlock()
	if existing == nil || existing.Pending {
		return fmt.Errorf("delete %s: %w", messageID, ErrUnknownMessage)
	}

	srv, err := s.chat.DeleteMessage(ctx, messageID)
	if err != nil {
		s.emit(EventNotice, Notice{Kind: NoticeDeleteFailed, ConversationID: c.ID, Err: err})
		return fmt.Errorf("delete %s: %w", messageID, err)
	}
	if srv == nil || srv.ID == "" {
		srv = existing.Clone()
		now := s.cfg.Now()
		srv.DeletedAt = &now
	}
	srv.IsDeleted = true
	if srv.ConversationID == "" {
		srv.ConversationID = c.ID
	}
	s.applyLocal(MessageEvent{Kind: MessageDeleted, Message: srv})
	return nil
}

// Upload sends a file to the open conversation.
func (s *Session) Upload(ctx context.Context, file Upload, caption string) (*Message, error) {
	s.mu.Lock()
	c, err := s.guardLocked()
	if err != nil {
		s.mu.Unlock()
		return nil, s.rejectWrite(err)
	}
	s.mu.Unlock()

	srv, err := s.chat.UploadAttachment(ctx, c.ID, file, caption)
	if err == nil && (srv == nil || srv.ID == "") {
		err = fmt.Errorf("%w: empty upload response", ErrMalformedEvent)
	}
	if err != nil {
		s.emit(EventNotice, Notice{Kind: NoticeUploadFailed, ConversationID: c.ID, Err: err})
		return nil, fmt.Errorf("upload %s: %w", file.FileName, err)
	}
	if srv.ConversationID == "" {
		srv.ConversationID = c.ID
	}
	s.applyLocal(MessageEvent{Kind: MessageCreated, Message: srv})
	return srv.Clone(), nil
}

func (s *Session) applyLocal(ev MessageEvent) {
	b := &batch{}
	s.mu.Lock()
	if !s.closed {
		s.applyMessageLocked(ev, b)
	}
	s.mu.Unlock()
	s.flush(b)
}

// Input reports the content of the input bar and drives the outgoing
// typing signal.
func (s *Session) Input(text string) error {
	s.mu.Lock()
	if _, err := s.guardLocked(); err != nil {
		out := s.typingOut
		s.mu.Unlock()
		if out != nil && text == "" {
			out.Stop()
		}
		return err
	}
	out := s.typingOut
	s.mu.Unlock()
	out.Input(text)
	return nil
}

func (s *Session) sendTyping(conversationID string, typing bool) {
	if typing && !CanWrite(s.convs.Get(conversationID)) {
		return
	}
	if err := s.transport.SendTyping(s.ctx, conversationID, typing); err != nil {
		s.log.Warn().Err(err).Str("conversation", conversationID).Bool("typing", typing).Msg("send typing")
	}
}

// EndMentorship ends the open conversation's mentorship.
func (s *Session) EndMentorship(ctx context.Context, reason string) error {
	s.mu.Lock()
	c, err := s.guardLocked()
	if err != nil {
		s.mu.Unlock()
		return s.rejectWrite(err)
	}
	s.mu.Unlock()
	if c.MentorshipID == "" {
		return fmt.Errorf("end mentorship in %s: %w", c.ID, ErrNoMentorship)
	}
	if s.mentorships == nil {
		return fmt.Errorf("end mentorship: %w", ErrNoMentorship)
	}

	if err := s.mentorships.EndMentorship(ctx, c.MentorshipID, EndMentorshipInput{Reason: reason}); err != nil {
		s.emit(EventNotice, Notice{Kind: NoticeEndFailed, ConversationID: c.ID, Err: err})
		return fmt.Errorf("end mentorship %s: %w", c.MentorshipID, err)
	}

	now := s.cfg.Now()
	b := &batch{}
	s.mu.Lock()
	s.applyMentorshipLocked(MentorshipEvent{
		ConversationID: c.ID,
		MentorshipID:   c.MentorshipID,
		Status:         MentorshipEnded,
		EndReason:      reason,
		EndedBy:        s.cfg.SelfID,
		EndedAt:        &now,
	}, b)
	s.mu.Unlock()
	s.flush(b)
	return nil
}

// ── Transport handlers ────────────────────────────────────

func (s *Session) handleConnected() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.connected = true
	// Server-side subscriptions do not survive a reconnect.
	s.joined = make(map[string]bool)
	ids := s.convs.IDs()
	s.mu.Unlock()

	s.emit(EventConnectionChanged, ConnectionChange{Connected: true})
	for _, id := range ids {
		s.join(s.ctx, id)
	}
	s.Poll(s.ctx)
}

func (s *Session) handleDisconnected(code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.mu.Unlock()
	s.emit(EventConnectionChanged, ConnectionChange{Connected: false, Code: code, Reason: reason})
}

func (s *Session) handleUserStatus(p UserStatusPayload) {
	if p.UserID == "" {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := s.presence.SetOne(p.UserID, p.IsOnline)
	s.convs.SetParticipantOnline(p.UserID, p.IsOnline)
	s.mu.Unlock()
	if changed {
		s.emit(EventPresenceChanged, PresenceChange{UserID: p.UserID, IsOnline: p.IsOnline})
	}
}

func (s *Session) handleTyping(p TypingPayload) {
	if p.UserID == "" || p.UserID == s.cfg.SelfID {
		return
	}
	s.typing.Set(p.ConversationID, p.UserID, p.IsTyping)
}

func (s *Session) onTypingChanged(conversationID string) {
	s.emit(EventTypingChanged, TypingChange{ConversationID: conversationID, Someone: s.typing.Someone(conversationID)})
}

func (s *Session) handleRead(p ReadPayload) {
	if p.ConversationID == "" || len(p.MessageIDs) == 0 {
		return
	}
	readAt := p.ReadAt
	if readAt.IsZero() {
		readAt = s.cfg.Now()
	}
	b := &batch{}
	s.mu.Lock()
	if !s.closed && s.messages != nil && s.activeID == p.ConversationID {
		if s.messages.MarkRead(p.MessageIDs, readAt) > 0 {
			b.emitMessages(MessagesChange{ConversationID: p.ConversationID, Grew: GrewNone}, false)
		}
	}
	s.mu.Unlock()
	s.flush(b)
}

func (s *Session) handleConversationMentorship(p ConversationMentorshipPayload) {
	s.applyMentorship(MentorshipEvent{
		ConversationID: p.ConversationID,
		MentorshipID:   p.MentorshipID,
		Status:         p.MentorshipStatus,
		EndReason:      p.MentorshipEndReason,
		EndedBy:        p.MentorshipEndedBy,
		EndedAt:        p.MentorshipEndedAt,
	})
}

func (s *Session) handleMentorshipEnded(p MentorshipEndedPayload) {
	s.applyMentorship(MentorshipEvent{
		ConversationID: p.ConversationID,
		MentorshipID:   p.MentorshipID,
		Status:         MentorshipEnded,
		EndReason:      p.Reason,
		EndedBy:        p.EndedBy,
		EndedAt:        p.EndedAt,
	})
}

func (s *Session) handleMentorshipStarted(p MentorshipStartedPayload) {
	s.applyMentorship(MentorshipEvent{
		ConversationID: p.ConversationID,
		MentorshipID:   p.MentorshipID,
		Status:         MentorshipActive,
	})
}

func (s *Session) applyMentorship(ev MentorshipEvent) {
	b := &batch{}
	s.mu.Lock()
	if !s.closed {
		s.applyMentorshipLocked(ev, b)
	}
	s.mu.Unlock()
	s.flush(b)
}

// applyMentorshipLocked is the single entry point for lifecycle changes from
// push, pages, seeding and local actions.
func (s *Session) applyMentorshipLocked(ev MentorshipEvent, b *batch) {
	before, after := s.convs.ApplyMentorshipEvent(ev)
	if after == nil {
		s.log.Debug().Str("conversation", ev.ConversationID).Str("mentorship", ev.MentorshipID).Msg("mentorship event for unknown conversation")
		b.refresh = true
		return
	}
	if before.MentorshipStatus == after.MentorshipStatus &&
		before.MentorshipID == after.MentorshipID &&
		before.MentorshipEndReason == after.MentorshipEndReason {
		return
	}
	b.emit(EventConversationsChanged, nil)
	if before.MentorshipStatus == MentorshipEnded || after.MentorshipStatus != MentorshipEnded {
		return
	}

	notice := NoticeFor(after)
	b.emit(EventMentorshipEnded, MentorshipEndedChange{
		ConversationID: after.ID,
		MentorshipID:   after.MentorshipID,
		Notice:         notice,
	})
	if after.ID == s.activeID && s.typingOut != nil {
		b.stopTyping = s.typingOut
	}
}

// applyPageMentorshipLocked applies the mentorship fields carried by a
// messages page, when present.
func (s *Session) applyPageMentorshipLocked(conversationID string, page *MessagesPage, b *batch) {
	if page == nil || page.MentorshipStatus == "" {
		return
	}
	s.applyMentorshipLocked(MentorshipEvent{
		ConversationID: conversationID,
		MentorshipID:   page.MentorshipID,
		Status:         page.MentorshipStatus,
		EndReason:      page.MentorshipEndReason,
		EndedBy:        page.MentorshipEndedBy,
		EndedAt:        page.MentorshipEndedAt,
	}, b)
}

func (s *Session) join(ctx context.Context, conversationID string) {
	s.mu.Lock()
	if s.joined[conversationID] {
		s.mu.Unlock()
		return
	}
	s.joined[conversationID] = true
	s.mu.Unlock()

	if err := s.transport.JoinConversation(ctx, conversationID); err != nil {
		s.mu.Lock()
		delete(s.joined, conversationID)
		s.mu.Unlock()
		s.log.Warn().Err(err).Str("conversation", conversationID).Msg("join conversation")
	}
}

// ── Deferred side effects ─────────────────────────────────

type readRequest struct {
	conversationID string
	ids            []string
}

type pendingEvent struct {
	name    string
	payload any
	own     bool
}

// batch collects what a locked section decided to do once mu is released.
type batch struct {
	events     []pendingEvent
	reads      []readRequest
	joins      []string
	refresh    bool
	stopTyping *TypingEmitter
}

func (b *batch) emit(name string, payload any) {
	b.events = append(b.events, pendingEvent{name: name, payload: payload})
}

func (b *batch) emitMessages(ch MessagesChange, own bool) {
	b.events = append(b.events, pendingEvent{name: EventMessagesChanged, payload: ch, own: own})
}

func (s *Session) isActive(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.activeID == conversationID
}

func (s *Session) flush(b *batch) {
	if b.stopTyping != nil {
		b.stopTyping.Stop()
	}
	for _, ev := range b.events {
		if ch, ok := ev.payload.(MessagesChange); ok && ev.name == EventMessagesChanged {
			s.emitMessagesChanged(ch, ev.own)
			continue
		}
		s.emit(ev.name, ev.payload)
	}
	for _, r := range b.reads {
		// A read decided for a conversation that has since been left is
		// not sent.
		if !s.isActive(r.conversationID) {
			continue
		}
		if err := s.transport.MarkAsRead(s.ctx, r.conversationID, r.ids); err != nil {
			s.log.Warn().Err(err).Str("conversation", r.conversationID).Strs("messages", r.ids).Msg("mark as read")
		}
	}
	for _, id := range b.joins {
		s.join(s.ctx, id)
	}
	if b.refresh && s.refreshing.CompareAndSwap(false, true) {
		defer s.refreshing.Store(false)
		if err := s.RefreshConversations(s.ctx); err != nil {
			s.log.Warn().Err(err).Msg("refresh conversations")
		}
	}
}

// emitMessagesChanged notifies the UI and then applies scroll behavior:
// append keeps the user at the bottom only if they were near it or sent
// the message, prepend re-anchors, a fresh load jumps to the bottom.
func (s *Session) emitMessagesChanged(ch MessagesChange, own bool) {
	vp := s.cfg.Viewport
	if vp == nil || !s.isActive(ch.ConversationID) {
		s.emit(EventMessagesChanged, ch)
		return
	}
	before := vp.Metrics()
	s.emit(EventMessagesChanged, ch)
	switch ch.Grew {
	case GrewReplaced:
		vp.ScrollToBottom()
	case GrewTop:
		vp.ScrollTo(AnchorScrollTop(before, vp.Metrics()))
	case GrewBottom:
		if ShouldAutoScroll(before, own) {
			vp.ScrollToBottom()
		}
	}
}
