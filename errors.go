package pathfinder

import (
	"errors"
	"fmt"
)

var (
	// ErrMentorshipEnded is returned by every write on a conversation whose
	// mentorship has ended. No network call is made.
	ErrMentorshipEnded = errors.New("mentorship has ended")

	// ErrSendFailed wraps the cause of a failed optimistic send.
	ErrSendFailed = errors.New("send failed")

	// ErrMalformedEvent marks an incoming payload that lacks required fields.
	ErrMalformedEvent = errors.New("malformed event")

	ErrNotConnected         = errors.New("not connected")
	ErrNoActiveConversation = errors.New("no active conversation")
	ErrUnknownConversation  = errors.New("unknown conversation")
	ErrUnknownMessage       = errors.New("unknown message")
	ErrEmptyMessage         = errors.New("message is empty")
	ErrNoMentorship         = errors.New("conversation has no mentorship")
	ErrSessionClosed        = errors.New("session closed")
)

// GateError carries the end metadata of the mentorship that blocked a write.
type GateError struct {
	ConversationID string
	Notice         EndNotice
}

func (e *GateError) Error() string {
	return fmt.Sprintf("conversation %s: %s", e.ConversationID, ErrMentorshipEnded)
}

func (e *GateError) Unwrap() error { return ErrMentorshipEnded }

// SendError is returned when an optimistic send is rolled back. Draft holds
// the text the UI should put back into the input.
type SendError struct {
	Draft           string
	ParentMessageID string
	Err             error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: %v", ErrSendFailed, e.Err)
}

func (e *SendError) Unwrap() []error { return []error{ErrSendFailed, e.Err} }
