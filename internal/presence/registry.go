// Package presence tracks which users currently have a live delivery channel.
// The registry is entirely volatile: after a restart every user appears
// offline until they identify again.
package presence

import "sync"

// Channel is a live outbound path to a connected client. Implementations
// must be safe for concurrent use; Send must not block indefinitely.
type Channel interface {
	Send(event string, data interface{}) error
}

// Registry maps user ids to their single active channel. Last writer wins:
// a second identify for the same user replaces the previous channel.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Channel
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Channel)}
}

// Register unconditionally binds ch as the active channel for userID,
// replacing any existing entry.
func (r *Registry) Register(userID string, ch Channel) {
	r.mu.Lock()
	r.entries[userID] = ch
	r.mu.Unlock()
}

// Lookup returns the active channel for userID, if any.
func (r *Registry) Lookup(userID string) (Channel, bool) {
	r.mu.RLock()
	ch, ok := r.entries[userID]
	r.mu.RUnlock()
	return ch, ok
}

// Unregister removes the entry for userID only if ch is still the registered
// channel. A stale disconnect for a channel that has since been replaced
// leaves the newer entry untouched. Reports whether an entry was removed.
func (r *Registry) Unregister(userID string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.entries[userID]
	if !ok || current != ch {
		return false
	}

	delete(r.entries, userID)
	return true
}

// Snapshot returns a copy of all current entries. Used for broadcast
// fan-out; the copy may be stale by the time it is iterated, which is
// acceptable for fire-and-forget delivery.
func (r *Registry) Snapshot() map[string]Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make(map[string]Channel, len(r.entries))
	for userID, ch := range r.entries {
		snapshot[userID] = ch
	}

	return snapshot
}

// Len returns the number of users currently online.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
