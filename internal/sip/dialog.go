package sip

import (
	"log/slog"
	"sync"

	"github.com/flowpbx/ussdgw/internal/ussd"
)

// SessionStore tracks the session record of every live SIP dialog in
// memory, keyed by Call-ID. It is safe for concurrent use.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*ussd.Session
	logger   *slog.Logger
}

// NewSessionStore creates an empty store.
func NewSessionStore(logger *slog.Logger) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*ussd.Session),
		logger:   logger.With("subsystem", "sessions"),
	}
}

// Open returns the session for callID, creating it if needed.
func (s *SessionStore) Open(callID string) *ussd.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[callID]; ok {
		return sess
	}
	sess := ussd.NewSession(callID)
	s.sessions[callID] = sess
	s.logger.Debug("session opened", "call_id", callID)
	return sess
}

// Lookup returns the session for callID, or nil.
func (s *SessionStore) Lookup(callID string) *ussd.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[callID]
}

// End invalidates and removes the session for callID. It reports whether a
// session was found.
func (s *SessionStore) End(callID string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[callID]
	delete(s.sessions, callID)
	s.mu.Unlock()

	if !ok {
		return false
	}
	sess.Invalidate()
	s.logger.Debug("session ended", "call_id", callID, "kind", sess.Kind())
	return true
}

// RemoveUnbound drops the session for callID if nothing was bound to it.
// Used after an initial INVITE was rejected.
func (s *SessionStore) RemoveUnbound(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[callID]; ok && sess.Kind() == ussd.SessionNone {
		delete(s.sessions, callID)
		sess.Invalidate()
	}
}

// ActiveCount returns the number of live sessions per kind. Unbound
// sessions are not counted.
func (s *SessionStore) ActiveCount() map[ussd.SessionKind]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[ussd.SessionKind]int)
	for _, sess := range s.sessions {
		if kind := sess.Kind(); kind != ussd.SessionNone {
			counts[kind]++
		}
	}
	return counts
}
