package service

import (
	"sync"

	"github.com/alexmorozenko/leapp/internal/session"
)

// Notifier is the in-memory active session registry the UI layer observes.
// Session services mutate it as they create, update and delete sessions.
type Notifier interface {
	AddSession(s session.Session)
	UpdateSession(s session.Session)
	DeleteSession(id string)
	SetSessions(sessions []session.Session)
	GetSession(id string) (session.Session, bool)
	ListSessions() []session.Session
	ListByType(typ session.Type) []session.Session
	ListActive() []session.Session
}

type InMemoryNotifier struct {
	mu       sync.RWMutex
	sessions []session.Session
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) AddSession(s session.Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sessions = append(n.sessions, s)
}

func (n *InMemoryNotifier) UpdateSession(s session.Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.sessions {
		if n.sessions[i].Id == s.Id {
			n.sessions[i] = s
			return
		}
	}
	n.sessions = append(n.sessions, s)
}

func (n *InMemoryNotifier) DeleteSession(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.sessions {
		if n.sessions[i].Id == id {
			n.sessions = append(n.sessions[:i], n.sessions[i+1:]...)
			return
		}
	}
}

func (n *InMemoryNotifier) SetSessions(sessions []session.Session) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sessions = append([]session.Session{}, sessions...)
}

func (n *InMemoryNotifier) GetSession(id string) (session.Session, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, s := range n.sessions {
		if s.Id == id {
			return s, true
		}
	}
	return session.Session{}, false
}

func (n *InMemoryNotifier) ListSessions() []session.Session {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]session.Session{}, n.sessions...)
}

func (n *InMemoryNotifier) ListByType(typ session.Type) []session.Session {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := []session.Session{}
	for _, s := range n.sessions {
		if s.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

func (n *InMemoryNotifier) ListActive() []session.Session {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := []session.Session{}
	for _, s := range n.sessions {
		if s.Status == session.StatusActive {
			out = append(out, s)
		}
	}
	return out
}
