package pathfinder

import (
	"sync"
	"time"
)

// MessageStore holds the messages of the currently open conversation in
// display order: initial fetch is chronological, older pages are prepended,
// new rows are appended. Messages are never removed except when an
// optimistic row is confirmed or rolled back.
type MessageStore struct {
	mu             sync.RWMutex
	conversationID string
	messages       []*Message
}

// NewMessageStore creates an empty store bound to conversationID.
func NewMessageStore(conversationID string) *MessageStore {
	return &MessageStore{conversationID: conversationID}
}

func (s *MessageStore) ConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversationID
}

// Replace swaps the whole list, as the initial load does.
func (s *MessageStore) Replace(msgs []*Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = s.messages[:0]
	for _, m := range msgs {
		s.messages, _ = Reconcile(s.messages, m)
	}
}

// Prepend inserts an older page in front of the current list. Rows already
// present are merged in place instead of duplicated. It returns the number
// of rows actually added.
func (s *MessageStore) Prepend(older []*Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var head []*Message
	for _, m := range older {
		if m == nil || m.ID == "" {
			continue
		}
		if i := s.indexLocked(m.ID); i >= 0 {
			s.messages, _ = Reconcile(s.messages, m)
			continue
		}
		head, _ = Reconcile(head, m)
	}
	if len(head) == 0 {
		return 0
	}
	s.messages = append(head, s.messages...)
	return len(head)
}

// Apply reconciles a single incoming copy.
func (s *MessageStore) Apply(m *Message) ReconcileOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	var outcome ReconcileOutcome
	s.messages, outcome = Reconcile(s.messages, m)
	return outcome
}

// MarkRead moves readAt forward on the given ids and returns how many rows
// changed.
func (s *MessageStore) MarkRead(ids []string, readAt time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := 0
	for _, id := range ids {
		if i := s.indexLocked(id); i >= 0 {
			m := s.messages[i].Clone()
			if MergeReadAt(m, &readAt) {
				s.messages[i] = m
				changed++
			}
		}
	}
	return changed
}

// Confirm swaps the optimistic row localID for the server copy. If a push
// echo already inserted the server id, the optimistic row is dropped and
// the server copy is merged into the echo instead.
func (s *MessageStore) Confirm(localID string, server *Message) ReconcileOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	local := s.indexLocked(localID)
	if s.indexLocked(server.ID) >= 0 {
		if local >= 0 {
			s.messages = append(s.messages[:local], s.messages[local+1:]...)
		}
		var outcome ReconcileOutcome
		s.messages, outcome = Reconcile(s.messages, server)
		return outcome
	}
	if local < 0 {
		var outcome ReconcileOutcome
		s.messages, outcome = Reconcile(s.messages, server)
		return outcome
	}
	m := server.Clone()
	m.Pending = false
	normalizeDeleted(m)
	s.messages[local] = m
	return Updated
}

// Remove drops a row by id. Only optimistic rows are ever removed.
func (s *MessageStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return false
	}
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	return true
}

// Get returns a copy of the message with id, or nil.
func (s *MessageStore) Get(id string) *Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.messages[i].Clone()
	}
	return nil
}

// List returns copies of all messages in display order.
func (s *MessageStore) List() []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// Oldest returns the first confirmed message, used as the backward cursor.
func (s *MessageStore) Oldest() *Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if !m.Pending {
			return m.Clone()
		}
	}
	return nil
}

// UnreadFrom returns the ids of messages from other senders that have no
// readAt yet.
func (s *MessageStore) UnreadFrom(selfID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for _, m := range s.messages {
		if m.SenderID != selfID && m.ReadAt == nil && !m.Pending {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *MessageStore) indexLocked(id string) int {
	for i, m := range s.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}
