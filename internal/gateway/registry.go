package gateway

import (
	"sync"

	"github.com/parley-chat/parley/internal/snowflake"
)

// Registry indexes live sessions by owning user. Locking is per user: the
// outer RWMutex only guards the user map, so registration traffic for one
// user never contends with dispatch fan-out to another. The two mutexes
// are never held at the same time; entries emptied by Deregister are
// tombstoned before being pruned so a racing Register can detect them.
type Registry struct {
	mu    sync.RWMutex
	users map[snowflake.ID]*userSessions
}

type userSessions struct {
	mu       sync.Mutex
	sessions map[string]*Session
	dead     bool
}

func NewRegistry() *Registry {
	return &Registry{
		users: make(map[snowflake.ID]*userSessions),
	}
}

func (r *Registry) entryFor(userID snowflake.ID) *userSessions {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.users[userID]
	if !ok {
		entry = &userSessions{sessions: make(map[string]*Session)}
		r.users[userID] = entry
	}
	return entry
}

// Register adds a session under userID and stamps the session with its
// owner. Reports true when this is the user's first live session, i.e. the
// user just came online.
func (r *Registry) Register(userID snowflake.ID, s *Session) (first bool) {
	s.UserID = userID

	for {
		entry := r.entryFor(userID)

		entry.mu.Lock()
		if entry.dead {
			// Lost the race against a concurrent Deregister pruning this
			// entry; grab a fresh one.
			entry.mu.Unlock()
			continue
		}
		first = len(entry.sessions) == 0
		entry.sessions[s.ID.String()] = s
		entry.mu.Unlock()
		return first
	}
}

// Deregister removes a session. Removing a session that was never
// registered, or was already removed, is a no-op: socket teardown and
// server-side invalidation may race. Reports true when this was the user's
// last session, i.e. the user just went offline.
func (r *Registry) Deregister(s *Session) (last bool) {
	r.mu.RLock()
	entry, ok := r.users[s.UserID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	entry.mu.Lock()
	key := s.ID.String()
	if _, present := entry.sessions[key]; !present {
		entry.mu.Unlock()
		return false
	}
	delete(entry.sessions, key)
	last = len(entry.sessions) == 0
	if last {
		entry.dead = true
	}
	entry.mu.Unlock()

	if last {
		r.mu.Lock()
		if r.users[s.UserID] == entry {
			delete(r.users, s.UserID)
		}
		r.mu.Unlock()
	}
	return last
}

// SessionsForUser returns a snapshot of the user's live sessions. A user
// with no sessions yields an empty slice.
func (r *Registry) SessionsForUser(userID snowflake.ID) []*Session {
	r.mu.RLock()
	entry, ok := r.users[userID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	out := make([]*Session, 0, len(entry.sessions))
	for _, s := range entry.sessions {
		out = append(out, s)
	}
	return out
}

// IsOnline reports whether the user has at least one live session.
func (r *Registry) IsOnline(userID snowflake.ID) bool {
	return len(r.SessionsForUser(userID)) > 0
}

// All returns a snapshot of every live session, used for shutdown.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	entries := make([]*userSessions, 0, len(r.users))
	for _, entry := range r.users {
		entries = append(entries, entry)
	}
	r.mu.RUnlock()

	var out []*Session
	for _, entry := range entries {
		entry.mu.Lock()
		for _, s := range entry.sessions {
			out = append(out, s)
		}
		entry.mu.Unlock()
	}
	return out
}
