package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// sessionIDPattern restricts session ids to filesystem-safe names.
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// Registry hands out Session handles keyed by session id, opening the
// backing SQLite file lazily on first access and tracking last use so idle
// handles can be reclaimed.
type Registry struct {
	dataDir string

	mu       sync.Mutex
	sessions map[string]*handle
}

type handle struct {
	session  *Session
	lastUsed time.Time
}

// NewRegistry creates a registry storing session files under dataDir.
func NewRegistry(dataDir string) (*Registry, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}
	return &Registry{
		dataDir:  dataDir,
		sessions: make(map[string]*handle),
	}, nil
}

// Get returns the Session for id, opening it if needed.
func (r *Registry) Get(id string) (*Session, error) {
	if !sessionIDPattern.MatchString(id) {
		return nil, fmt.Errorf("store: invalid session id %q", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.sessions[id]; ok {
		h.lastUsed = time.Now()
		return h.session, nil
	}

	path := filepath.Join(r.dataDir, id+".db")
	session, err := OpenSession(path)
	if err != nil {
		return nil, err
	}
	r.sessions[id] = &handle{session: session, lastUsed: time.Now()}
	slog.Debug("opened session store", "session_id", id, "path", path)
	return session, nil
}

// ActiveSessions returns the ids of all currently open sessions.
func (r *Registry) ActiveSessions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// CloseSession closes and forgets the handle for id. Closing an unknown
// id is a no-op. The session file stays on disk and reopens on next Get.
func (r *Registry) CloseSession(id string) error {
	r.mu.Lock()
	h, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if err := h.session.Close(); err != nil {
		return fmt.Errorf("store: close session %s: %w", id, err)
	}
	return nil
}

// CloseIdle closes every handle unused for longer than ttl and returns the
// ids it closed.
func (r *Registry) CloseIdle(ttl time.Duration) []string {
	cutoff := time.Now().Add(-ttl)

	r.mu.Lock()
	var idle []string
	for id, h := range r.sessions {
		if h.lastUsed.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	var toClose []*handle
	for _, id := range idle {
		toClose = append(toClose, r.sessions[id])
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for i, h := range toClose {
		if err := h.session.Close(); err != nil {
			slog.Warn("closing idle session failed", "session_id", idle[i], "error", err)
		}
	}
	return idle
}

// CloseAll closes every open handle. The registry remains usable; closed
// sessions reopen lazily.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	handles := r.sessions
	r.sessions = make(map[string]*handle)
	r.mu.Unlock()

	var firstErr error
	for id, h := range handles {
		if err := h.session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("store: close session %s: %w", id, err)
		}
	}
	return firstErr
}
