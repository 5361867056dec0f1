package pathfinder

import "time"

// ============================================================================
// Reconciliation
// ============================================================================

// ReconcileOutcome tells the caller what Reconcile did with an incoming copy.
type ReconcileOutcome int

const (
	// Unchanged means the incoming copy was a duplicate or was rejected.
	Unchanged ReconcileOutcome = iota
	// Inserted means the id was not present and the copy was appended.
	Inserted
	// Updated means an existing entry was merged and changed.
	Updated
)

func (o ReconcileOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Reconcile merges incoming into list keyed by message id. It is the only
// merge used for fetch, push, poll and send confirmations.
//
// Absent ids are appended. Present ids keep the later of the two readAt
// values and take content, edit and delete state from incoming. Identity
// fields are never cleared by a partial copy. The list is not re-sorted.
// Applying the same incoming copy twice yields the same list.
func Reconcile(list []*Message, incoming *Message) ([]*Message, ReconcileOutcome) {
	if incoming == nil || incoming.ID == "" {
		return list, Unchanged
	}
	for i, existing := range list {
		if existing.ID != incoming.ID {
			continue
		}
		merged := mergeMessage(existing, incoming)
		if messagesEqual(existing, merged) {
			return list, Unchanged
		}
		list[i] = merged
		return list, Updated
	}
	m := incoming.Clone()
	normalizeDeleted(m)
	return append(list, m), Inserted
}

// mergeMessage returns a new message; neither argument is modified.
func mergeMessage(existing, incoming *Message) *Message {
	m := existing.Clone()

	if incoming.ConversationID != "" {
		m.ConversationID = incoming.ConversationID
	}
	if incoming.SenderID != "" {
		m.SenderID = incoming.SenderID
	}
	if incoming.Type != "" {
		m.Type = incoming.Type
	}
	if !incoming.CreatedAt.IsZero() {
		m.CreatedAt = incoming.CreatedAt
	}
	if incoming.Attachment != nil {
		a := *incoming.Attachment
		m.Attachment = &a
	}
	if incoming.ParentMessage != nil {
		p := *incoming.ParentMessage
		m.ParentMessage = &p
	}

	// Content is required on a live message; an empty copy is partial.
	if incoming.IsDeleted || incoming.Content != "" {
		m.Content = incoming.Content
	}
	m.IsEdited = incoming.IsEdited
	m.EditedAt = cloneTime(incoming.EditedAt)
	m.IsDeleted = incoming.IsDeleted
	m.DeletedAt = cloneTime(incoming.DeletedAt)
	m.ReadAt = laterTime(existing.ReadAt, incoming.ReadAt)
	m.Pending = existing.Pending && incoming.Pending

	// A deleted row stays deleted even if a stale copy arrives afterwards.
	if existing.IsDeleted && !incoming.IsDeleted {
		m.IsDeleted = true
		m.DeletedAt = cloneTime(existing.DeletedAt)
	}
	normalizeDeleted(m)
	return m
}

func normalizeDeleted(m *Message) {
	if m.IsDeleted {
		m.Content = DeletedMessageContent
		m.Attachment = nil
	}
}

// MergeReadAt applies a read receipt to m without touching any other field.
// It reports whether readAt moved forward.
func MergeReadAt(m *Message, readAt *time.Time) bool {
	if m == nil || readAt == nil {
		return false
	}
	next := laterTime(m.ReadAt, readAt)
	if timesEqual(next, m.ReadAt) {
		return false
	}
	m.ReadAt = next
	return true
}

func messagesEqual(a, b *Message) bool {
	if a.ID != b.ID || a.ConversationID != b.ConversationID || a.SenderID != b.SenderID ||
		a.Type != b.Type || a.Content != b.Content || !a.CreatedAt.Equal(b.CreatedAt) ||
		a.IsEdited != b.IsEdited || a.IsDeleted != b.IsDeleted || a.Pending != b.Pending {
		return false
	}
	if !timesEqual(a.EditedAt, b.EditedAt) || !timesEqual(a.DeletedAt, b.DeletedAt) || !timesEqual(a.ReadAt, b.ReadAt) {
		return false
	}
	if (a.Attachment == nil) != (b.Attachment == nil) || (a.Attachment != nil && *a.Attachment != *b.Attachment) {
		return false
	}
	if (a.ParentMessage == nil) != (b.ParentMessage == nil) || (a.ParentMessage != nil && *a.ParentMessage != *b.ParentMessage) {
		return false
	}
	return true
}

// laterTime treats nil as "not yet read".
func laterTime(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return cloneTime(b)
	case b == nil:
		return cloneTime(a)
	case b.After(*a):
		return cloneTime(b)
	default:
		return cloneTime(a)
	}
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
