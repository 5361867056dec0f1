package pathfinder

import (
	"sync"

	"github.com/rs/zerolog"
)

// Session change events.
const (
	EventConversationsChanged = "conversations.changed"
	EventMessagesChanged      = "messages.changed"
	EventTypingChanged        = "typing.changed"
	EventPresenceChanged      = "presence.changed"
	EventConnectionChanged    = "connection.changed"
	EventMentorshipEnded      = "mentorship.ended"
	EventNotice               = "notice"
)

// NoticeKind classifies a non-fatal notification for the UI.
type NoticeKind string

const (
	NoticeSendFailed      NoticeKind = "send_failed"
	NoticeEditFailed      NoticeKind = "edit_failed"
	NoticeDeleteFailed    NoticeKind = "delete_failed"
	NoticeUploadFailed    NoticeKind = "upload_failed"
	NoticeFetchFailed     NoticeKind = "fetch_failed"
	NoticeMentorshipEnded NoticeKind = "mentorship_ended"
	NoticeEndFailed       NoticeKind = "end_mentorship_failed"
)

// Notice is the payload of EventNotice.
type Notice struct {
	Kind           NoticeKind
	ConversationID string
	Err            error
	// Draft is the text to restore into the input after a failed send.
	Draft string
}

// MessagesChange is the payload of EventMessagesChanged. Grew tells the UI
// where rows were added so it can pick prepend anchoring or append
// auto-scroll.
type MessagesChange struct {
	ConversationID string
	Grew           Growth
}

// Growth says at which end the message list grew.
type Growth int

const (
	GrewNone Growth = iota
	GrewTop
	GrewBottom
	GrewReplaced
)

// EventHandler handles session events.
type EventHandler func(event string, payload any)

type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler
	log       zerolog.Logger
}

func newEmitter(log zerolog.Logger) *emitter {
	return &emitter{listeners: make(map[string][]EventHandler), log: log}
}

// On registers a handler for event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.log.Warn().Str("event", event).Interface("panic", r).Msg("event handler panicked")
				}
			}()
			h(event, payload)
		}()
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]EventHandler)
}
