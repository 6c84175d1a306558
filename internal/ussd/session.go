package ussd

import (
	"errors"
	"sync"
)

// ErrSessionBound is returned when handles are bound twice to one dialog.
var ErrSessionBound = errors.New("session already bound")

// SessionKind tags what a dialog session carries.
type SessionKind string

const (
	SessionNone         SessionKind = ""
	SessionUSSD         SessionKind = "ussd"
	SessionUSSDOutbound SessionKind = "ussd-outbound"
)

// Session is the per-dialog record owned by the transport's session store.
// The router writes it once when a session starts and reads it for every
// later in-dialog message. Handles never change after Bind.
type Session struct {
	id string

	mu          sync.RWMutex
	kind        SessionKind
	interpreter Handle
	call        Handle
	invalid     bool
}

// NewSession creates an empty, valid session for a dialog.
func NewSession(id string) *Session {
	return &Session{id: id}
}

// ID returns the dialog identifier (the SIP Call-ID).
func (s *Session) ID() string {
	return s.id
}

// Bind stores the session kind and both handles.
func (s *Session) Bind(kind SessionKind, interpreter, call Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kind != SessionNone || s.interpreter != nil || s.call != nil {
		return ErrSessionBound
	}
	s.kind = kind
	s.interpreter = interpreter
	s.call = call
	return nil
}

// Kind returns the bound session kind.
func (s *Session) Kind() SessionKind {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kind
}

// Interpreter returns the bound interpreter, or nil.
func (s *Session) Interpreter() Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.interpreter
}

// Call returns the bound call actor, or nil.
func (s *Session) Call() Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.call
}

// Valid reports whether the dialog is still live.
func (s *Session) Valid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.invalid
}

// Invalidate marks the dialog as ended. Handles stay readable.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.invalid = true
	s.mu.Unlock()
}
