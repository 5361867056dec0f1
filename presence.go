package pathfinder

import "sync"

// PresenceStore is the process-wide userId → online map. Sources are
// conversation snapshots and live user.status events; the last write wins.
type PresenceStore struct {
	mu     sync.RWMutex
	online map[string]bool
}

// NewPresenceStore creates an empty presence map.
func NewPresenceStore() *PresenceStore {
	return &PresenceStore{online: make(map[string]bool)}
}

// SetOne records a single user's status and reports whether it changed.
func (p *PresenceStore) SetOne(userID string, isOnline bool) bool {
	if userID == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	prev, ok := p.online[userID]
	p.online[userID] = isOnline
	return !ok || prev != isOnline
}

// SetMany overwrites the status of every user in m.
func (p *PresenceStore) SetMany(m map[string]bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := false
	for id, v := range m {
		if id == "" {
			continue
		}
		if prev, ok := p.online[id]; !ok || prev != v {
			changed = true
		}
		p.online[id] = v
	}
	return changed
}

// IsOnline returns false for unknown users.
func (p *PresenceStore) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.online[userID]
}

// Snapshot returns a copy of the map.
func (p *PresenceStore) Snapshot() map[string]bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]bool, len(p.online))
	for k, v := range p.online {
		out[k] = v
	}
	return out
}

// presenceFromConversations extracts the embedded snapshots.
func presenceFromConversations(convs []Conversation) map[string]bool {
	m := make(map[string]bool)
	for _, c := range convs {
		for _, p := range c.Participants {
			if p.IsOnline != nil {
				m[p.ID] = *p.IsOnline
			}
		}
	}
	return m
}
