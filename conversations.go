package pathfinder

import (
	"sort"
	"sync"
	"time"
)

// seenLimit bounds the per-conversation set of message ids already counted.
const seenLimit = 512

// MessageEventKind classifies a message event.
type MessageEventKind string

const (
	MessageCreated MessageEventKind = "created"
	MessageEdited  MessageEventKind = "edited"
	MessageDeleted MessageEventKind = "deleted"
)

// MessageEvent is a message arriving from any producer.
type MessageEvent struct {
	Kind    MessageEventKind
	Message *Message
}

// MentorshipEvent is a lifecycle change for the mentorship behind a
// conversation. Either ConversationID or MentorshipID identifies it.
type MentorshipEvent struct {
	ConversationID string
	MentorshipID   string
	Status         MentorshipStatus
	EndReason      string
	EndedBy        string
	EndedAt        *time.Time
}

// ApplyResult reports what ApplyMessageEvent did.
type ApplyResult struct {
	// Unknown is set when no conversation has the event's conversation id.
	Unknown bool
	// Fresh is set when the message id was not seen before for this
	// conversation and the event is a creation.
	Fresh bool
	// UnreadIncremented is set when the unread counter went up by one.
	UnreadIncremented bool
	// PreviewChanged is set when lastMessage or lastMessageAt changed.
	PreviewChanged bool
}

// ConversationStore is the sorted conversation list. It exclusively owns
// unread counters and sort order.
type ConversationStore struct {
	mu     sync.RWMutex
	selfID string
	convs  []*Conversation
	seen   map[string]*seenSet
}

// NewConversationStore creates an empty store for the local user selfID.
func NewConversationStore(selfID string) *ConversationStore {
	return &ConversationStore{
		selfID: selfID,
		seen:   make(map[string]*seenSet),
	}
}

// Replace loads a fresh list from the server. Seen ids for conversations
// that are still present survive, so a refresh does not re-count messages.
func (s *ConversationStore) Replace(convs []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]*Conversation, 0, len(convs))
	seen := make(map[string]*seenSet, len(convs))
	for i := range convs {
		c := convs[i].Clone()
		c.MentorshipStatus = c.MentorshipStatus.Normalize()
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		set := s.seen[c.ID]
		if set == nil {
			set = newSeenSet(seenLimit)
		}
		if c.LastMessage != nil {
			set.add(c.LastMessage.ID, c.LastMessage.CreatedAt)
		}
		seen[c.ID] = set
		next = append(next, c)
	}
	s.convs = next
	s.seen = seen
	s.sortLocked()
}

// MarkSeen records ids as already counted for conversationID, e.g. after a
// history fetch.
func (s *ConversationStore) MarkSeen(conversationID string, msgs []*Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.seen[conversationID]
	if set == nil {
		return
	}
	for _, m := range msgs {
		if m != nil && m.ID != "" {
			set.add(m.ID, m.CreatedAt)
		}
	}
}

// ApplyMessageEvent updates preview, sort order and unread counter for a
// message event. open is true when the conversation is the one on screen.
func (s *ConversationStore) ApplyMessageEvent(ev MessageEvent, open bool) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res ApplyResult
	m := ev.Message
	if m == nil || m.ID == "" {
		return res
	}
	c := s.findLocked(m.ConversationID)
	if c == nil {
		res.Unknown = true
		return res
	}

	set := s.seen[c.ID]
	if ev.Kind == MessageCreated && !set.has(m.ID, m.CreatedAt) {
		set.add(m.ID, m.CreatedAt)
		res.Fresh = true
	}

	switch {
	case res.Fresh:
		if c.LastMessageAt == nil || !m.CreatedAt.Before(*c.LastMessageAt) {
			c.LastMessage = m.Clone()
			at := m.CreatedAt
			c.LastMessageAt = &at
			res.PreviewChanged = true
		}
		if !open && m.SenderID != s.selfID && !m.Pending {
			c.UnreadCount++
			res.UnreadIncremented = true
		}
	case c.LastMessage != nil && c.LastMessage.ID == m.ID:
		merged := mergeMessage(c.LastMessage, m)
		if !messagesEqual(c.LastMessage, merged) {
			c.LastMessage = merged
			res.PreviewChanged = true
		}
	}

	if res.PreviewChanged {
		s.sortLocked()
	}
	return res
}

// ReplacePreview swaps an optimistic lastMessage for its confirmed copy.
func (s *ConversationStore) ReplacePreview(conversationID, localID string, server *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findLocked(conversationID)
	if c == nil {
		return
	}
	if set := s.seen[c.ID]; set != nil {
		set.add(server.ID, server.CreatedAt)
	}
	if c.LastMessage != nil && c.LastMessage.ID == localID {
		c.LastMessage = server.Clone()
		at := server.CreatedAt
		c.LastMessageAt = &at
		s.sortLocked()
	}
}

// RestorePreview puts back the preview that an optimistic row displaced,
// if that row is still the preview.
func (s *ConversationStore) RestorePreview(conversationID, localID string, prev *Message, prevAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findLocked(conversationID)
	if c == nil || c.LastMessage == nil || c.LastMessage.ID != localID {
		return
	}
	c.LastMessage = prev.Clone()
	c.LastMessageAt = cloneTime(prevAt)
	s.sortLocked()
}

// ApplyMentorshipEvent updates mentorship state and returns copies of the
// matched conversation before and after the change. Both are nil when no
// conversation matched.
func (s *ConversationStore) ApplyMentorshipEvent(ev MentorshipEvent) (before, after *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.findLocked(ev.ConversationID)
	if c == nil && ev.MentorshipID != "" {
		for _, cand := range s.convs {
			if cand.MentorshipID == ev.MentorshipID {
				c = cand
				break
			}
		}
	}
	if c == nil {
		return nil, nil
	}
	before = c.Clone()
	applyMentorship(c, ev)
	return before, c.Clone()
}

// applyMentorship writes a lifecycle event onto a conversation record.
func applyMentorship(c *Conversation, ev MentorshipEvent) {
	if ev.MentorshipID != "" {
		c.MentorshipID = ev.MentorshipID
	}
	c.MentorshipStatus = ev.Status.Normalize()
	if c.MentorshipStatus == MentorshipEnded {
		c.MentorshipEndReason = ev.EndReason
		c.MentorshipEndedBy = ev.EndedBy
		c.MentorshipEndedAt = cloneTime(ev.EndedAt)
		return
	}
	c.MentorshipEndReason = ""
	c.MentorshipEndedBy = ""
	c.MentorshipEndedAt = nil
}

// Select resets the unread counter of id immediately, without waiting for
// the server to acknowledge the read.
func (s *ConversationStore) Select(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.findLocked(id)
	if c == nil {
		return false
	}
	c.UnreadCount = 0
	return true
}

// SetParticipantOnline updates the embedded presence snapshot of userID in
// every conversation.
func (s *ConversationStore) SetParticipantOnline(userID string, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.convs {
		for i := range c.Participants {
			if c.Participants[i].ID == userID {
				v := online
				c.Participants[i].IsOnline = &v
			}
		}
	}
}

// Get returns a copy of the conversation with id, or nil.
func (s *ConversationStore) Get(id string) *Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findLocked(id).Clone()
}

// List returns copies of all conversations in sort order.
func (s *ConversationStore) List() []*Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Conversation, len(s.convs))
	for i, c := range s.convs {
		out[i] = c.Clone()
	}
	return out
}

func (s *ConversationStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, len(s.convs))
	for i, c := range s.convs {
		ids[i] = c.ID
	}
	return ids
}

// TotalUnread sums unread counters across all conversations.
func (s *ConversationStore) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, c := range s.convs {
		total += c.UnreadCount
	}
	return total
}

func (s *ConversationStore) findLocked(id string) *Conversation {
	if id == "" {
		return nil
	}
	for _, c := range s.convs {
		if c.ID == id {
			return c
		}
	}
	return nil
}

// sortLocked orders by lastMessageAt ?? createdAt, newest first.
func (s *ConversationStore) sortLocked() {
	sort.SliceStable(s.convs, func(i, j int) bool {
		a, b := s.convs[i].SortKey(), s.convs[j].SortKey()
		if a.Equal(b) {
			return s.convs[i].ID < s.convs[j].ID
		}
		return a.After(b)
	})
}

// ── seen set ─────────────────────────────────────────────

// seenSet remembers the newest ids of a conversation. floor is the newest
// createdAt among evicted ids; anything at or below it counts as seen.
type seenSet struct {
	limit int
	ids   map[string]time.Time
	order []string
	floor time.Time
}

func newSeenSet(limit int) *seenSet {
	return &seenSet{limit: limit, ids: make(map[string]time.Time)}
}

func (s *seenSet) has(id string, createdAt time.Time) bool {
	if _, ok := s.ids[id]; ok {
		return true
	}
	return !s.floor.IsZero() && !createdAt.IsZero() && !createdAt.After(s.floor)
}

func (s *seenSet) add(id string, createdAt time.Time) {
	if id == "" {
		return
	}
	if _, ok := s.ids[id]; ok {
		return
	}
	s.ids[id] = createdAt
	s.order = append(s.order, id)
	if len(s.order) > s.limit {
		oldest := s.order[0]
		if at := s.ids[oldest]; at.After(s.floor) {
			s.floor = at
		}
		delete(s.ids, oldest)
		s.order = s.order[1:]
	}
}
