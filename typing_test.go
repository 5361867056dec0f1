package pathfinder

import (
	"sync"
	"testing"
	"time"
)

type typingRecorder struct {
	mu     sync.Mutex
	events []bool
}

func (r *typingRecorder) emit(typing bool) {
	r.mu.Lock()
	r.events = append(r.events, typing)
	r.mu.Unlock()
}

func (r *typingRecorder) snapshot() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.events...)
}

func TestTypingEmitter(t *testing.T) {
	t.Run("start once and stop on empty", func(t *testing.T) {
		rec := &typingRecorder{}
		te := NewTypingEmitter(time.Hour, rec.emit)

		te.Input("h")
		te.Input("he")
		te.Input("hel")
		if !te.Active() {
			t.Fatal("not active after input")
		}
		te.Input("")
		te.Input("")

		got := rec.snapshot()
		if len(got) != 2 || got[0] != true || got[1] != false {
			t.Fatalf("events = %v", got)
		}
		if te.Active() {
			t.Fatal("still active")
		}
	})

	t.Run("heartbeat repeats while typing", func(t *testing.T) {
		rec := &typingRecorder{}
		te := NewTypingEmitter(10*time.Millisecond, rec.emit)
		te.Input("x")

		deadline := time.Now().Add(2 * time.Second)
		for len(rec.snapshot()) < 3 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		te.Stop()

		got := rec.snapshot()
		if len(got) < 4 {
			t.Fatalf("expected heartbeats, got %v", got)
		}
		for _, v := range got[:len(got)-1] {
			if !v {
				t.Fatalf("heartbeat emitted false: %v", got)
			}
		}
		if got[len(got)-1] {
			t.Fatal("last event should be false")
		}
	})

	t.Run("stop without start is silent", func(t *testing.T) {
		rec := &typingRecorder{}
		NewTypingEmitter(0, rec.emit).Stop()
		if len(rec.snapshot()) != 0 {
			t.Fatal("unexpected emit")
		}
	})
}

func TestTypingTracker(t *testing.T) {
	t.Run("or over users", func(t *testing.T) {
		tr := NewTypingTracker(time.Hour, nil)
		defer tr.Stop()

		tr.Set("c1", "u1", true)
		tr.Set("c1", "u2", true)
		tr.Set("c1", "u1", false)
		if !tr.Someone("c1") {
			t.Fatal("u2 still typing")
		}
		tr.Set("c1", "u2", false)
		if tr.Someone("c1") {
			t.Fatal("nobody should be typing")
		}
		if tr.Someone("c2") {
			t.Fatal("other conversation affected")
		}
	})

	t.Run("expires without stop signal", func(t *testing.T) {
		changed := make(chan string, 4)
		tr := NewTypingTracker(20*time.Millisecond, func(id string) { changed <- id })
		defer tr.Stop()

		tr.Set("c1", "u1", true)
		<-changed
		select {
		case id := <-changed:
			if id != "c1" {
				t.Fatalf("changed %q", id)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("typing did not expire")
		}
		if tr.Someone("c1") {
			t.Fatal("still typing after ttl")
		}
	})

	t.Run("refresh does not notify", func(t *testing.T) {
		var mu sync.Mutex
		count := 0
		tr := NewTypingTracker(time.Hour, func(string) {
			mu.Lock()
			count++
			mu.Unlock()
		})
		defer tr.Stop()

		tr.Set("c1", "u1", true)
		tr.Set("c1", "u1", true)
		tr.Set("c1", "u1", true)
		mu.Lock()
		defer mu.Unlock()
		if count != 1 {
			t.Fatalf("notified %d times", count)
		}
	})

	t.Run("refresh outruns a fired timer", func(t *testing.T) {
		tr := NewTypingTracker(time.Hour, nil)
		defer tr.Stop()

		tr.Set("c1", "u1", true)
		tr.mu.Lock()
		first := tr.entries["c1"]["u1"].gen
		tr.mu.Unlock()

		tr.Set("c1", "u1", true)
		// The first timer's callback was already waiting on the lock.
		tr.expire("c1", "u1", first)
		if !tr.Someone("c1") {
			t.Fatal("refreshed entry cleared by stale timer")
		}
	})

	t.Run("ignores empty ids", func(t *testing.T) {
		tr := NewTypingTracker(time.Hour, nil)
		defer tr.Stop()
		tr.Set("", "u1", true)
		tr.Set("c1", "", true)
		if tr.Someone("") || tr.Someone("c1") {
			t.Fatal("empty id tracked")
		}
	})
}
