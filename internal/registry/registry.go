// Package registry tracks the set of live sessions a relay is serving,
// the one piece of global mutable state spec.md §5 allows: "no global
// mutable state other than the set of live sessions (keyed map with
// per-entry locking)".
package registry

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/zsiec/moqrelay/session"
)

// Registry is a keyed table of live sessions, guarded by one RWMutex —
// the same shape as the teacher's stream.Manager, with the domain type
// changed from stream pipelines to *session.Session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session.Session
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*session.Session)}
}

// Add registers s under its own ID. It is a programming error to add the
// same session twice; Add overwrites silently since session IDs are
// generated by xid and collisions are not a real failure mode.
func (r *Registry) Add(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
	log.Debug().Str("session", s.ID()).Int("total", len(r.sessions)).Msg("session registered")
}

// Remove drops a session from the registry.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		delete(r.sessions, id)
		log.Debug().Str("session", id).Int("total", len(r.sessions)).Msg("session unregistered")
	}
}

// Get looks up a session by ID.
func (r *Registry) Get(id string) (*session.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// List returns a snapshot of every currently registered session.
func (r *Registry) List() []*session.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
