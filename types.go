package pathfinder

import (
	"strconv"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a non-2xx response from the Chat or Mentorship API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return "HTTP " + strconv.Itoa(e.Status) + ": " + e.Message
	}
	return e.Code + ": " + e.Message
}

// Temporary reports whether the request may succeed on retry.
func (e *APIError) Temporary() bool {
	return e.Status == 0 || e.Status == 408 || e.Status == 429 || e.Status >= 500
}

// ============================================================================
// Chat Types
// ============================================================================

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

// DeletedMessageContent replaces the content of soft-deleted messages.
const DeletedMessageContent = "This message was deleted"

// Attachment holds the file fields of image and file messages.
type Attachment struct {
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	FileName     string `json:"fileName,omitempty"`
	Size         int64  `json:"size,omitempty"`
}

// MessageRef is the embedded snapshot of the message being replied to.
type MessageRef struct {
	ID        string      `json:"id"`
	SenderID  string      `json:"senderId"`
	Type      MessageType `json:"type,omitempty"`
	Content   string      `json:"content"`
	IsDeleted bool        `json:"isDeleted,omitempty"`
}

// Message is a single chat message. ID is server-assigned and is the
// reconciliation key; optimistic rows use a "local-" prefixed ID until
// the server copy replaces them.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Type           MessageType `json:"type"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	ParentMessage  *MessageRef `json:"parentMessage,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	IsEdited       bool        `json:"isEdited"`
	EditedAt       *time.Time  `json:"editedAt,omitempty"`
	IsDeleted      bool        `json:"isDeleted"`
	DeletedAt      *time.Time  `json:"deletedAt,omitempty"`
	ReadAt         *time.Time  `json:"readAt,omitempty"`

	// Pending marks an optimistic insert not yet confirmed by the server.
	Pending bool `json:"-"`
}

// Clone returns a deep copy so store internals never leak to callers.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Attachment != nil {
		a := *m.Attachment
		c.Attachment = &a
	}
	if m.ParentMessage != nil {
		p := *m.ParentMessage
		c.ParentMessage = &p
	}
	c.EditedAt = cloneTime(m.EditedAt)
	c.DeletedAt = cloneTime(m.DeletedAt)
	c.ReadAt = cloneTime(m.ReadAt)
	return &c
}

// MentorshipStatus is the lifecycle state of the mentorship behind a
// conversation.
type MentorshipStatus string

const (
	MentorshipActive    MentorshipStatus = "active"
	MentorshipEnded     MentorshipStatus = "ended"
	MentorshipCancelled MentorshipStatus = "cancelled"
	MentorshipNone      MentorshipStatus = "none"
)

// Normalize maps empty and unknown wire values to MentorshipNone.
func (s MentorshipStatus) Normalize() MentorshipStatus {
	switch s {
	case MentorshipActive, MentorshipEnded, MentorshipCancelled:
		return s
	default:
		return MentorshipNone
	}
}

// Participant is one side of a two-party conversation. IsOnline is the
// presence snapshot embedded by the server, absent when unknown.
type Participant struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Role      string `json:"role,omitempty"`
	IsOnline  *bool  `json:"isOnline,omitempty"`
}

// Conversation is a two-party chat bound to a mentorship.
type Conversation struct {
	ID                  string           `json:"id"`
	Participants        []Participant    `json:"participants"`
	LastMessage         *Message         `json:"lastMessage,omitempty"`
	LastMessageAt       *time.Time       `json:"lastMessageAt,omitempty"`
	CreatedAt           time.Time        `json:"createdAt"`
	UnreadCount         int              `json:"unreadCount"`
	MentorshipID        string           `json:"mentorshipId,omitempty"`
	MentorshipStatus    MentorshipStatus `json:"mentorshipStatus,omitempty"`
	MentorshipEndReason string           `json:"mentorshipEndReason,omitempty"`
	MentorshipEndedBy   string           `json:"mentorshipEndedBy,omitempty"`
	MentorshipEndedAt   *time.Time       `json:"mentorshipEndedAt,omitempty"`
}

// SortKey is lastMessageAt, falling back to createdAt.
func (c *Conversation) SortKey() time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// Peer returns the participant that is not selfID.
func (c *Conversation) Peer(selfID string) *Participant {
	for i := range c.Participants {
		if c.Participants[i].ID != selfID {
			return &c.Participants[i]
		}
	}
	return nil
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Participants = make([]Participant, len(c.Participants))
	for i, p := range c.Participants {
		if p.IsOnline != nil {
			v := *p.IsOnline
			p.IsOnline = &v
		}
		cp.Participants[i] = p
	}
	cp.LastMessage = c.LastMessage.Clone()
	cp.LastMessageAt = cloneTime(c.LastMessageAt)
	cp.MentorshipEndedAt = cloneTime(c.MentorshipEndedAt)
	return &cp
}

// MessageQuery selects a page of history. Before is an opaque cursor.
type MessageQuery struct {
	Limit  int
	Before string
}

// MessagesPage is the getMessages response. The mentorship fields describe
// the conversation's current mentorship and may be absent.
type MessagesPage struct {
	Messages            []*Message       `json:"messages"`
	HasMore             bool             `json:"hasMore"`
	NextCursor          string           `json:"nextCursor,omitempty"`
	MentorshipStatus    MentorshipStatus `json:"mentorshipStatus,omitempty"`
	MentorshipID        string           `json:"mentorshipId,omitempty"`
	MentorshipEndReason string           `json:"mentorshipEndReason,omitempty"`
	MentorshipEndedBy   string           `json:"mentorshipEndedBy,omitempty"`
	MentorshipEndedAt   *time.Time       `json:"mentorshipEndedAt,omitempty"`
}

// SendMessageInput is the sendMessage request body.
type SendMessageInput struct {
	Content         string `json:"content"`
	ParentMessageID string `json:"parentMessageId,omitempty"`
}

// EditMessageInput is the editMessage request body.
type EditMessageInput struct {
	Content string `json:"content"`
}

// Upload is a file to attach to a conversation.
type Upload struct {
	FileName string
	MimeType string
	Data     []byte
}

// ============================================================================
// Mentorship Types
// ============================================================================

// Mentorship is a mentor/mentee relationship as returned by getMentorships.
type Mentorship struct {
	ID             string           `json:"id"`
	MentorID       string           `json:"mentorId"`
	MenteeID       string           `json:"menteeId"`
	ConversationID string           `json:"conversationId,omitempty"`
	Status         MentorshipStatus `json:"status"`
	EndReason      string           `json:"endReason,omitempty"`
	EndedBy        string           `json:"endedBy,omitempty"`
	EndedAt        *time.Time       `json:"endedAt,omitempty"`
	StartedAt      *time.Time       `json:"startedAt,omitempty"`
}

// MentorshipQuery filters getMentorships.
type MentorshipQuery struct {
	Status MentorshipStatus
}

// EndMentorshipInput is the endMentorship request body.
type EndMentorshipInput struct {
	Reason string `json:"reason"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
