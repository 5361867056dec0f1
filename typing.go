package pathfinder

import (
	"sync"
	"time"
)

const (
	DefaultTypingHeartbeat = 3 * time.Second
	DefaultTypingTTL       = 6 * time.Second
)

// ============================================================================
// Send side
// ============================================================================

// TypingEmitter turns keystrokes into typing signals: true on the first
// non-empty input, repeated every heartbeat while the input stays non-empty,
// false on empty input or send.
type TypingEmitter struct {
	emit     func(typing bool)
	interval time.Duration

	// emitMu orders emits so a heartbeat never lands after the final false.
	emitMu sync.Mutex

	mu     sync.Mutex
	active bool
	stopCh chan struct{}
}

// NewTypingEmitter creates an emitter. emit is never called concurrently
// with itself.
func NewTypingEmitter(interval time.Duration, emit func(typing bool)) *TypingEmitter {
	if interval <= 0 {
		interval = DefaultTypingHeartbeat
	}
	return &TypingEmitter{emit: emit, interval: interval}
}

// Input reports the current content of the input bar.
func (t *TypingEmitter) Input(text string) {
	if text == "" {
		t.Stop()
		return
	}
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	if t.active {
		t.mu.Unlock()
		return
	}
	t.active = true
	stop := make(chan struct{})
	t.stopCh = stop
	t.mu.Unlock()

	t.emit(true)
	go t.heartbeat(stop)
}

// Stop emits typing=false if a typing run is active and cancels the
// heartbeat. Sending a message calls Stop.
func (t *TypingEmitter) Stop() {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return
	}
	t.active = false
	close(t.stopCh)
	t.stopCh = nil
	t.mu.Unlock()

	t.emit(false)
}

// Active reports whether a typing run is in progress.
func (t *TypingEmitter) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *TypingEmitter) heartbeat(stop chan struct{}) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !t.beat(stop) {
				return
			}
		}
	}
}

func (t *TypingEmitter) beat(stop chan struct{}) bool {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()
	t.mu.Lock()
	current := t.stopCh == stop
	t.mu.Unlock()
	if !current {
		return false
	}
	t.emit(true)
	return true
}

// ============================================================================
// Receive side
// ============================================================================

// TypingTracker keeps remote typing state per conversation. Each typing=true
// refreshes an expiry timer, so a lost typing=false clears itself after ttl.
type TypingTracker struct {
	ttl      time.Duration
	onChange func(conversationID string)

	mu      sync.Mutex
	entries map[string]map[string]*typingEntry
	gen     uint64
	stopped bool
}

// typingEntry is one remote user's expiry. gen identifies the timer that
// may clear it; a callback from an older timer is ignored.
type typingEntry struct {
	timer *time.Timer
	gen   uint64
}

// NewTypingTracker creates a tracker. onChange may be nil; it is called
// outside the tracker's lock whenever a conversation's state changes.
func NewTypingTracker(ttl time.Duration, onChange func(conversationID string)) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{
		ttl:      ttl,
		onChange: onChange,
		entries:  make(map[string]map[string]*typingEntry),
	}
}

// Set records userID's typing state in conversationID.
func (t *TypingTracker) Set(conversationID, userID string, typing bool) {
	if conversationID == "" || userID == "" {
		return
	}
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	users := t.entries[conversationID]
	entry, was := users[userID]

	changed := false
	switch {
	case typing:
		if was {
			entry.timer.Stop()
		} else {
			if users == nil {
				users = make(map[string]*typingEntry)
				t.entries[conversationID] = users
			}
			entry = &typingEntry{}
			users[userID] = entry
			changed = true
		}
		t.gen++
		gen := t.gen
		entry.gen = gen
		entry.timer = time.AfterFunc(t.ttl, func() { t.expire(conversationID, userID, gen) })
	case was:
		entry.timer.Stop()
		t.removeLocked(conversationID, userID)
		changed = true
	}
	t.mu.Unlock()

	if changed {
		t.notify(conversationID)
	}
}

// Someone is the OR over all tracked users of conversationID.
func (t *TypingTracker) Someone(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries[conversationID]) > 0
}

// Users returns who is typing in conversationID.
func (t *TypingTracker) Users(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id := range t.entries[conversationID] {
		ids = append(ids, id)
	}
	return ids
}

// Stop cancels all expiry timers.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for _, users := range t.entries {
		for _, entry := range users {
			entry.timer.Stop()
		}
	}
	t.entries = make(map[string]map[string]*typingEntry)
}

func (t *TypingTracker) expire(conversationID, userID string, gen uint64) {
	t.mu.Lock()
	if entry, ok := t.entries[conversationID][userID]; !ok || entry.gen != gen {
		t.mu.Unlock()
		return
	}
	t.removeLocked(conversationID, userID)
	t.mu.Unlock()
	t.notify(conversationID)
}

func (t *TypingTracker) removeLocked(conversationID, userID string) {
	users := t.entries[conversationID]
	delete(users, userID)
	if len(users) == 0 {
		delete(t.entries, conversationID)
	}
}

func (t *TypingTracker) notify(conversationID string) {
	if t.onChange != nil {
		t.onChange(conversationID)
	}
}
