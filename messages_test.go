package pathfinder

import "testing"

func msgIDs(list []*Message) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.ID
	}
	return out
}

func equalIDs(a []string, b ...string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMessageStorePrepend(t *testing.T) {
	s := NewMessageStore("c1")
	s.Replace([]*Message{makeMsg("m3", "c1", "bob", 30), makeMsg("m4", "c1", "bob", 40)})

	added := s.Prepend([]*Message{makeMsg("m1", "c1", "bob", 10), makeMsg("m2", "c1", "bob", 20), makeMsg("m3", "c1", "bob", 30)})
	if added != 2 {
		t.Fatalf("added = %d, want 2", added)
	}
	if got := msgIDs(s.List()); !equalIDs(got, "m1", "m2", "m3", "m4") {
		t.Fatalf("order = %v", got)
	}
	if s.Prepend(nil) != 0 {
		t.Fatal("empty prepend added rows")
	}
}

func TestMessageStoreConfirm(t *testing.T) {
	local := func() *Message {
		m := makeMsg("local-1", "c1", "me", 50)
		m.Pending = true
		return m
	}

	t.Run("replaces optimistic row in place", func(t *testing.T) {
		s := NewMessageStore("c1")
		s.Replace([]*Message{makeMsg("m1", "c1", "bob", 10)})
		s.Apply(local())
		s.Apply(makeMsg("m2", "c1", "bob", 60))

		s.Confirm("local-1", makeMsg("srv-1", "c1", "me", 51))
		if got := msgIDs(s.List()); !equalIDs(got, "m1", "srv-1", "m2") {
			t.Fatalf("order = %v", got)
		}
		if s.Get("srv-1").Pending {
			t.Fatal("confirmed row still pending")
		}
	})

	t.Run("echo first drops optimistic row", func(t *testing.T) {
		s := NewMessageStore("c1")
		s.Apply(local())
		s.Apply(makeMsg("srv-1", "c1", "me", 51))

		s.Confirm("local-1", makeMsg("srv-1", "c1", "me", 51))
		if got := msgIDs(s.List()); !equalIDs(got, "srv-1") {
			t.Fatalf("rows = %v", got)
		}
	})

	t.Run("missing optimistic row is reconciled", func(t *testing.T) {
		s := NewMessageStore("c1")
		if out := s.Confirm("local-x", makeMsg("srv-1", "c1", "me", 51)); out != Inserted {
			t.Fatalf("outcome = %v", out)
		}
	})
}

func TestMessageStoreReads(t *testing.T) {
	s := NewMessageStore("c1")
	read := makeMsg("m0", "c1", "bob", 5)
	read.ReadAt = atPtr(6)
	pending := makeMsg("local-1", "c1", "bob", 60)
	pending.Pending = true
	s.Replace([]*Message{read, makeMsg("m1", "c1", "bob", 10), makeMsg("m2", "c1", "me", 20), makeMsg("m3", "c1", "bob", 30)})
	s.Apply(pending)

	if got := s.UnreadFrom("me"); !equalIDs(got, "m1", "m3") {
		t.Fatalf("unread = %v", got)
	}

	if n := s.MarkRead([]string{"m1", "m3", "missing"}, at(100)); n != 2 {
		t.Fatalf("marked = %d", n)
	}
	if n := s.MarkRead([]string{"m1"}, at(50)); n != 0 {
		t.Fatal("older receipt moved readAt")
	}
	if got := s.Get("m1").ReadAt; got == nil || !got.Equal(at(100)) {
		t.Fatalf("readAt = %v", got)
	}
	if got := s.UnreadFrom("me"); len(got) != 0 {
		t.Fatalf("still unread: %v", got)
	}
}

func TestMessageStoreOldest(t *testing.T) {
	s := NewMessageStore("c1")
	if s.Oldest() != nil {
		t.Fatal("empty store has an oldest row")
	}
	p := makeMsg("local-1", "c1", "me", 1)
	p.Pending = true
	s.Apply(p)
	s.Apply(makeMsg("m1", "c1", "bob", 10))
	if got := s.Oldest(); got == nil || got.ID != "m1" {
		t.Fatalf("oldest = %v", got)
	}
	if !s.Remove("local-1") || s.Remove("local-1") {
		t.Fatal("remove semantics broken")
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d", s.Len())
	}
}
