// Package session turns "open a terminal" into a live, monitored Session
// and manages the set of all open ones.
package session

import (
	"sync"

	ptyh "github.com/termbridge/termbridge/internal/pty"
)

// State tracks a session's lifecycle. Exited/errored sessions stay
// addressable (the UI shows a restart affordance) until explicitly
// destroyed or restarted.
type State string

const (
	StateCreated   State = "created"
	StateActive    State = "active"
	StateExited    State = "exited"
	StateErrored   State = "errored"
	StateDestroyed State = "destroyed"
)

// Session is one logical, user-visible terminal and its PTY handle.
type Session struct {
	ID string

	mu     sync.Mutex
	handle ptyh.Handle
	state  State
	active bool
	view   any // UI back-reference, non-owning, opaque to the core
}

func newSession(id string, handle ptyh.Handle) *Session {
	return &Session{ID: id, handle: handle, state: StateActive, active: true}
}

// Handle returns the session's current PTY handle.
func (s *Session) Handle() ptyh.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetView attaches the UI's own view object; the core never inspects it.
func (s *Session) SetView(view any) {
	s.mu.Lock()
	s.view = view
	s.mu.Unlock()
}

func (s *Session) View() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

func (s *Session) markExited() {
	s.mu.Lock()
	s.state = StateExited
	s.active = false
	s.mu.Unlock()
}

func (s *Session) markErrored() {
	s.mu.Lock()
	s.state = StateErrored
	s.active = false
	s.mu.Unlock()
}

func (s *Session) markDestroyed() {
	s.mu.Lock()
	s.state = StateDestroyed
	s.active = false
	s.mu.Unlock()
}
