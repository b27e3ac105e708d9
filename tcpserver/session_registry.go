package tcpserver

import (
	"fmt"
	"sync"

	"github.com/cyberinferno/go-framedtcp/idgenerator"
)

// SessionRegistry maps session ids to sessions. Mutations take the write lock;
// lookups share the read lock and never overlap a mutation in progress.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[int64]*Session
	ids      *idgenerator.SessionIdGenerator
	sealed   bool
}

// NewSessionRegistry returns an empty registry with its own id generator.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[int64]*Session),
		ids:      idgenerator.NewSessionIdGenerator(),
	}
}

// GenerateId returns a new session id, unique for the lifetime of the process.
func (r *SessionRegistry) GenerateId() int64 {
	return r.ids.Next()
}

// Add registers session under its id.
//
// Returns:
//   - ErrServiceClosed once the registry has been sealed for shutdown
//   - ErrDuplicateSession (wrapped) if the id is already present
func (r *SessionRegistry) Add(session *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrServiceClosed
	}

	if _, ok := r.sessions[session.ID()]; ok {
		return fmt.Errorf("session %d: %w", session.ID(), ErrDuplicateSession)
	}

	r.sessions[session.ID()] = session
	return nil
}

// Remove deletes the session with the given id. It reports false when the id
// is not present, so a second removal is a no-op.
func (r *SessionRegistry) Remove(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false
	}

	delete(r.sessions, id)
	return true
}

// Lookup returns the session registered under id.
func (r *SessionRegistry) Lookup(id int64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of registered sessions.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.sessions)
}

// Range calls f for every registered session until f returns false. It holds
// the read lock, so f must not add or remove sessions nor close them.
func (r *SessionRegistry) Range(f func(session *Session) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		if !f(s) {
			return
		}
	}
}

// Sessions returns a snapshot of the registered sessions.
func (r *SessionRegistry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.snapshotLocked()
}

// seal rejects every later Add. It returns the sessions registered at that
// moment.
func (r *SessionRegistry) seal() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sealed = true
	return r.snapshotLocked()
}

func (r *SessionRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	clear(r.sessions)
}

func (r *SessionRegistry) snapshotLocked() []*Session {
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}

	return out
}
