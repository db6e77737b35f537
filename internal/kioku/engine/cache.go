package engine

import (
	"sync"

	"github.com/bdobrica/kioku/internal/kioku/provider"
)

// WorkingMemory is the in-process cache of each session's recent turns.
// It is bounded per session: pushing past the cap evicts the oldest entry.
// The durable store remains the source of truth; the cache only saves a
// read on the hot path and is rebuilt from the store after a restart.
type WorkingMemory struct {
	cap int

	mu       sync.Mutex
	sessions map[string][]provider.Message
}

// NewWorkingMemory creates a cache holding up to cap messages per session.
func NewWorkingMemory(cap int) *WorkingMemory {
	if cap <= 0 {
		cap = 20
	}
	return &WorkingMemory{
		cap:      cap,
		sessions: make(map[string][]provider.Message),
	}
}

// Push appends a message to the session's window, evicting the oldest
// entry when the window is full.
func (w *WorkingMemory) Push(sessionID string, msg provider.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()

	window := append(w.sessions[sessionID], msg)
	if len(window) > w.cap {
		window = window[len(window)-w.cap:]
	}
	w.sessions[sessionID] = window
}

// Recent returns up to limit of the session's newest entries, oldest
// first. The boolean reports whether the cache alone could satisfy the
// request; when false, callers should read through to the durable store,
// which stays authoritative.
func (w *WorkingMemory) Recent(sessionID string, limit int) ([]provider.Message, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	window := w.sessions[sessionID]
	if len(window) >= limit {
		out := make([]provider.Message, limit)
		copy(out, window[len(window)-limit:])
		return out, true
	}

	out := make([]provider.Message, len(window))
	copy(out, window)
	return out, false
}

// Replace swaps the session's window wholesale, trimming to the cap. Used
// to warm the cache from the durable store.
func (w *WorkingMemory) Replace(sessionID string, msgs []provider.Message) {
	if len(msgs) > w.cap {
		msgs = msgs[len(msgs)-w.cap:]
	}
	window := make([]provider.Message, len(msgs))
	copy(window, msgs)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.sessions[sessionID] = window
}

// Len returns the number of cached messages for the session.
func (w *WorkingMemory) Len(sessionID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sessions[sessionID])
}

// DropSession discards the session's window.
func (w *WorkingMemory) DropSession(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.sessions, sessionID)
}
