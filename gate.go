package pathfinder

import "time"

// DefaultReconnectPath is where the UI sends users who want to resume an
// ended mentorship. The request flow itself lives outside this SDK.
const DefaultReconnectPath = "/mentorships/request"

// EndNotice describes why a conversation became read-only.
type EndNotice struct {
	Reason        string
	EndedBy       string
	EndedAt       *time.Time
	ReconnectPath string
}

// CanWrite reports whether the conversation accepts writes. Only an ended
// mentorship blocks writes; cancelled and none stay writable.
func CanWrite(c *Conversation) bool {
	if c == nil {
		return false
	}
	return c.MentorshipStatus != MentorshipEnded
}

// Guard returns a *GateError when c is read-only. Every mutating action
// calls it before touching the network; disabled UI controls are only a
// hint.
func Guard(c *Conversation) error {
	if c == nil {
		return ErrUnknownConversation
	}
	if CanWrite(c) {
		return nil
	}
	return &GateError{ConversationID: c.ID, Notice: NoticeFor(c)}
}

// NoticeFor builds the end notice from the conversation's mentorship fields.
func NoticeFor(c *Conversation) EndNotice {
	return EndNotice{
		Reason:        c.MentorshipEndReason,
		EndedBy:       c.MentorshipEndedBy,
		EndedAt:       cloneTime(c.MentorshipEndedAt),
		ReconnectPath: DefaultReconnectPath,
	}
}
