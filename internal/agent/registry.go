package agent

import (
	"sync"
	"time"
)

// Registry maps call IDs to live sessions.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	cfg      Config
}

func NewRegistry(cfg Config) *Registry {
	cfg.withDefaults()
	return &Registry{sessions: make(map[string]*Session), cfg: cfg}
}

// Create starts tracking a new session for the call.
func (r *Registry) Create(callID, room, callerPhone string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[callID]; ok {
		return nil, ErrSessionExists
	}
	s := newSession(callID, room, callerPhone, r.cfg)
	r.sessions[callID] = s
	return s, nil
}

func (r *Registry) Get(callID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callID)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep removes sessions idle for longer than idle and returns them.
func (r *Registry) Sweep(now time.Time, idle time.Duration) []*Session {
	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	var removed []*Session
	for _, s := range candidates {
		if now.Sub(s.idleSince()) <= idle {
			continue
		}
		r.mu.Lock()
		if r.sessions[s.id] == s {
			delete(r.sessions, s.id)
			removed = append(removed, s)
		}
		r.mu.Unlock()
	}
	return removed
}
