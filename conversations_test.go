package pathfinder

import (
	"fmt"
	"testing"
	"time"
)

func makeConv(id string, lastSec int, unread int) Conversation {
	c := Conversation{
		ID:           id,
		Participants: []Participant{{ID: "me"}, {ID: "peer-" + id}},
		CreatedAt:    at(0),
		UnreadCount:  unread,
	}
	if lastSec > 0 {
		c.LastMessage = makeMsg(id+"-last", id, "peer-"+id, lastSec)
		c.LastMessageAt = atPtr(lastSec)
	}
	return c
}

func assertSorted(t *testing.T, s *ConversationStore) {
	t.Helper()
	list := s.List()
	for i := 1; i < len(list); i++ {
		if list[i].SortKey().After(list[i-1].SortKey()) {
			t.Fatalf("not sorted at %d: %s (%v) after %s (%v)",
				i, list[i].ID, list[i].SortKey(), list[i-1].ID, list[i-1].SortKey())
		}
	}
}

func TestConversationStoreReplace(t *testing.T) {
	s := NewConversationStore("me")
	s.Replace([]Conversation{makeConv("a", 10, 0), makeConv("b", 30, 2), makeConv("c", 0, 0), makeConv("d", 20, -1)})

	ids := s.IDs()
	want := []string{"b", "d", "a", "c"}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Fatalf("order = %v, want %v", ids, want)
	}
	if got := s.Get("d").UnreadCount; got != 0 {
		t.Fatalf("negative unread not clamped: %d", got)
	}
	if got := s.Get("a").MentorshipStatus; got != MentorshipNone {
		t.Fatalf("status = %q, want none", got)
	}
}

func TestConversationStoreUnread(t *testing.T) {
	t.Run("duplicate delivery counts once", func(t *testing.T) {
		s := NewConversationStore("me")
		s.Replace([]Conversation{makeConv("a", 10, 0)})

		ev := MessageEvent{Kind: MessageCreated, Message: makeMsg("m2", "a", "peer-a", 20)}
		first := s.ApplyMessageEvent(ev, false)
		second := s.ApplyMessageEvent(ev, false)

		if !first.Fresh || !first.UnreadIncremented {
			t.Fatalf("first = %+v", first)
		}
		if second.Fresh || second.UnreadIncremented {
			t.Fatalf("second = %+v", second)
		}
		if got := s.Get("a").UnreadCount; got != 1 {
			t.Fatalf("unread = %d, want 1", got)
		}
	})

	t.Run("late duplicate after eviction counts once", func(t *testing.T) {
		s := NewConversationStore("me")
		s.Replace([]Conversation{makeConv("a", 1, 0)})

		total := seenLimit + 10
		for i := 0; i < total; i++ {
			m := makeMsg(fmt.Sprintf("e%d", i), "a", "peer-a", 10+i)
			s.ApplyMessageEvent(MessageEvent{Kind: MessageCreated, Message: m}, false)
		}
		if got := s.Get("a").UnreadCount; got != total {
			t.Fatalf("unread = %d, want %d", got, total)
		}

		late := s.ApplyMessageEvent(MessageEvent{Kind: MessageCreated, Message: makeMsg("e0", "a", "peer-a", 10)}, false)
		if late.Fresh || late.UnreadIncremented {
			t.Fatalf("evicted duplicate counted again: %+v", late)
		}
		next := s.ApplyMessageEvent(MessageEvent{Kind: MessageCreated, Message: makeMsg("e-next", "a", "peer-a", 10+total)}, false)
		if !next.Fresh {
			t.Fatalf("newer message not fresh: %+v", next)
		}
		if got := s.Get("a").UnreadCount; got != total+1 {
			t.Fatalf("unread = %d, want %d", got, total+1)
		}
	})

	t.Run("open conversation and own messages do not count", func(t *testing.T) {
		s := NewConversationStore("me")
		s.Replace([]Conversation{makeConv("a", 10, 0)})

		s.ApplyMessageEvent(MessageEvent{Kind: MessageCreated, Message: makeMsg("m2", "a", "peer-a", 20)}, true)
		s.ApplyMessageEvent(MessageEvent{Kind: MessageCreated, Message: makeMsg("m3", "a", "me", 30)}, false)
		if got := s.Get("a").UnreadCount; got != 0 {
			t.Fatalf("unread = %d, want 0", got)
		}
	})

	t.Run("edits and deletes never change unread", func(t *testing.T) {
		s := NewConversationStore("me")
		s.Replace([]Conversation{makeConv("a", 10, 3)})

		edit := makeMsg("a-last", "a", "peer-a", 10)
		edit.Content = "edited"
		s.ApplyMessageEvent(MessageEvent{Kind: MessageEdited, Message: edit}, false)
		s.ApplyMessageEvent(MessageEvent{Kind: MessageDeleted, Message: &Message{ID: "old", ConversationID: "a", IsDeleted: true}}, false)
		if got := s.Get("a").UnreadCount; got != 3 {
			t.Fatalf("unread = %d, want 3", got)
		}
	})

	t.Run("select resets to zero", func(t *testing.T) {
		s := NewConversationStore("me")
		s.Replace([]Conversation{makeConv("a", 10, 5)})
		if !s.Select("a") {
			t.Fatal("select failed")
		}
		if got := s.Get("a").UnreadCount; got != 0 {
			t.Fatalf("unread = %d", got)
		}
		if s.Select("missing") {
			t.Fatal("select of unknown id should fail")
		}
	})

	t.Run("refresh keeps seen ids", func(t *testing.T) {
		s := NewConversationStore("me")
		s.Replace([]Conversation{makeConv("a", 10, 0)})
		ev := MessageEvent{Kind: MessageCreated, Message: makeMsg("m2", "a", "peer-a", 20)}
		s.ApplyMessageEvent(ev, false)

		s.Replace([]Conversation{makeConv("a", 10, 1)})
		if res := s.ApplyMessageEvent(ev, false); res.UnreadIncremented {
			t.Fatal("message counted again after refresh")
		}
		if got := s.Get("a").UnreadCount; got != 1 {
			t.Fatalf("unread = %d, want 1", got)
		}
	})

	t.Run("seen set is bounded", func(t *testing.T) {
		set := newSeenSet(3)
		for _, id := range []string{"a", "b", "c", "d"} {
			set.add(id, time.Time{})
		}
		if set.has("a", time.Time{}) {
			t.Fatal("oldest id not evicted")
		}
		if !set.has("d", time.Time{}) || len(set.order) != 3 {
			t.Fatalf("unexpected set state: %v", set.order)
		}
	})
}

func TestConversationStorePreview(t *testing.T) {
	t.Run("new message moves conversation to top", func(t *testing.T) {
		s := NewConversationStore("me")
		s.Replace([]Conversation{makeConv("a", 10, 0), makeConv("b", 20, 0)})

		res := s.ApplyMessageEvent(MessageEvent{Kind: MessageCreated, Message: makeMsg("m", "a", "peer-a", 30)}, false)
		if !res.PreviewChanged {
			t.Fatal("preview not changed")
		}
		if ids := s.IDs(); ids[0] != "a" {
			t.Fatalf("order = %v", ids)
		}
		assertSorted(t, s)
	})

	t.Run("editing an older message does not resurrect it", func(t *testing.T) {
		s := NewConversationStore("me")
		s.Replace([]Conversation{makeConv("a", 50, 0)})

		old := makeMsg("older", "a", "peer-a", 5)
		old.Content = "edited"
		res := s.ApplyMessageEvent(MessageEvent{Kind: MessageEdited, Message: old}, false)
		if res.PreviewChanged {
			t.Fatal("preview changed for older message edit")
		}
		if got := s.Get("a").LastMessage.ID; got != "a-last" {
			t.Fatalf("lastMessage = %s", got)
		}
	})

	t.Run("editing the last message updates the preview", func(t *testing.T) {
		s := NewConversationStore("me")
		s.Replace([]Conversation{makeConv("a", 50, 0)})

		edit := makeMsg("a-last", "a", "peer-a", 50)
		edit.Content = "edited"
		edit.IsEdited = true
		res := s.ApplyMessageEvent(MessageEvent{Kind: MessageEdited, Message: edit}, false)
		if !res.PreviewChanged {
			t.Fatal("preview not changed")
		}
		if got := s.Get("a").LastMessage.Content; got != "edited" {
			t.Fatalf("preview content = %q", got)
		}
	})

	t.Run("out of order older message keeps newer preview", func(t *testing.T) {
		s := NewConversationStore("me")
		s.Replace([]Conversation{makeConv("a", 50, 0)})

		res := s.ApplyMessageEvent(MessageEvent{Kind: MessageCreated, Message: makeMsg("late", "a", "peer-a", 40)}, false)
		if res.PreviewChanged {
			t.Fatal("older message replaced the preview")
		}
		if !res.UnreadIncremented {
			t.Fatal("older message should still count as unread")
		}
	})

	t.Run("unknown conversation is reported", func(t *testing.T) {
		s := NewConversationStore("me")
		res := s.ApplyMessageEvent(MessageEvent{Kind: MessageCreated, Message: makeMsg("m", "zzz", "x", 1)}, false)
		if !res.Unknown {
			t.Fatal("expected unknown")
		}
	})

	t.Run("restore preview after rollback", func(t *testing.T) {
		s := NewConversationStore("me")
		s.Replace([]Conversation{makeConv("a", 10, 0), makeConv("b", 20, 0)})
		before := s.Get("a")

		local := makeMsg("local-1", "a", "me", 30)
		local.Pending = true
		s.ApplyMessageEvent(MessageEvent{Kind: MessageCreated, Message: local}, true)
		s.RestorePreview("a", "local-1", before.LastMessage, before.LastMessageAt)

		got := s.Get("a")
		if got.LastMessage.ID != "a-last" || !got.LastMessageAt.Equal(at(10)) {
			t.Fatalf("preview not restored: %+v", got.LastMessage)
		}
		if ids := s.IDs(); ids[0] != "b" {
			t.Fatalf("order = %v", ids)
		}
	})

	t.Run("sorted after random mutations", func(t *testing.T) {
		s := NewConversationStore("me")
		var convs []Conversation
		for i := 0; i < 8; i++ {
			convs = append(convs, makeConv(fmt.Sprintf("c%d", i), (i*7)%11+1, 0))
		}
		s.Replace(convs)
		assertSorted(t, s)
		for i := 0; i < 40; i++ {
			id := fmt.Sprintf("c%d", (i*5)%8)
			s.ApplyMessageEvent(MessageEvent{Kind: MessageCreated, Message: makeMsg(fmt.Sprintf("n%d", i), id, "peer", 20+(i*13)%17)}, false)
			assertSorted(t, s)
		}
	})
}

func TestConversationStoreMentorship(t *testing.T) {
	s := NewConversationStore("me")
	a := makeConv("a", 10, 0)
	a.MentorshipID = "ms-1"
	a.MentorshipStatus = MentorshipActive
	s.Replace([]Conversation{a})

	before, after := s.ApplyMentorshipEvent(MentorshipEvent{
		MentorshipID: "ms-1",
		Status:       MentorshipEnded,
		EndReason:    "goals met",
		EndedBy:      "peer-a",
		EndedAt:      atPtr(99),
	})
	if before == nil || after == nil {
		t.Fatal("event by mentorship id did not match")
	}
	if before.MentorshipStatus != MentorshipActive || after.MentorshipStatus != MentorshipEnded {
		t.Fatalf("before=%s after=%s", before.MentorshipStatus, after.MentorshipStatus)
	}
	if after.MentorshipEndReason != "goals met" || after.MentorshipEndedAt == nil {
		t.Fatalf("end metadata missing: %+v", after)
	}

	_, after = s.ApplyMentorshipEvent(MentorshipEvent{ConversationID: "a", Status: MentorshipActive})
	if after.MentorshipStatus != MentorshipActive || after.MentorshipEndReason != "" || after.MentorshipEndedAt != nil {
		t.Fatalf("restart did not clear end metadata: %+v", after)
	}

	if b, a := s.ApplyMentorshipEvent(MentorshipEvent{ConversationID: "nope", Status: MentorshipEnded}); b != nil || a != nil {
		t.Fatal("unknown conversation matched")
	}
}
