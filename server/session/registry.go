// Package session keeps the authoritative in-memory directory of active
// client sessions, indexed by session id and by owning user.
package session

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrEmptySessionID is returned when a session is created without an id.
var ErrEmptySessionID = errors.New("session id must not be empty")

// Statistics is a point-in-time snapshot of the Registry. It is not
// transactionally consistent with concurrent mutation.
type Statistics struct {
	TotalSessions     int            `json:"totalSessions"`
	UsersWithSessions int            `json:"usersWithSessions"`
	SessionsPerUser   map[string]int `json:"sessionsPerUser"`
}

// Registry maps session ids to sessions and user ids to the ids of their
// sessions. The two maps are only ever changed together, under one lock.
// Anonymous sessions (empty user id) are not indexed by user.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	users    map[string]map[string]struct{}
	locks    map[string]*sync.Mutex

	now func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock replaces time.Now for creation and activity timestamps.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		r.now = now
	}
}

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sessions: make(map[string]*Session),
		users:    make(map[string]map[string]struct{}),
		locks:    make(map[string]*sync.Mutex),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateSession registers a new session. If id is already registered the
// existing session is returned untouched and created is false; sessions are
// never overwritten.
func (r *Registry) CreateSession(id, userID string) (sess *Session, created bool, err error) {
	if id == "" {
		return nil, false, ErrEmptySessionID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[id]; ok {
		return existing, false, nil
	}
	sess = newSession(id, userID, r.now())
	r.sessions[id] = sess
	r.locks[id] = &sync.Mutex{}
	if userID != "" {
		ids, ok := r.users[userID]
		if !ok {
			ids = make(map[string]struct{})
			r.users[userID] = ids
		}
		ids[id] = struct{}{}
	}
	return sess, true, nil
}

// CloseSession removes the session and its user index entry and drops its
// lock. Any attached sink is released. It reports whether the session
// existed.
func (r *Registry) CloseSession(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		delete(r.locks, id)
		if ids, indexed := r.users[sess.userID]; indexed {
			delete(ids, id)
			if len(ids) == 0 {
				delete(r.users, sess.userID)
			}
		}
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	sess.close().Release()
	return true
}

// GetSession returns the session for id.
func (r *Registry) GetSession(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// HasSession reports whether id is registered.
func (r *Registry) HasSession(id string) bool {
	_, ok := r.GetSession(id)
	return ok
}

// GetSessionsForUser returns the ids of userID's sessions, sorted. The
// result is empty, never nil, when the user has none.
func (r *Registry) GetSessionsForUser(userID string) []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.users[userID]))
	for id := range r.users[userID] {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// SessionIDs returns every registered session id, sorted.
func (r *Registry) SessionIDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Sessions returns a snapshot of every registered session.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// GetSessionLock returns the lock that serializes writes to the session's
// sink and queue. Locks live and die with their session, in a map keyed by
// session id so distinct sessions never share one. An unknown id gets a
// fresh lock that is not kept, so callers racing CloseSession cannot
// resurrect an entry.
func (r *Registry) GetSessionLock(id string) *sync.Mutex {
	r.mu.RLock()
	lock, ok := r.locks[id]
	r.mu.RUnlock()
	if !ok {
		return &sync.Mutex{}
	}
	return lock
}

// SetSessionState updates the session's lifecycle state. Unknown ids are
// ignored; the return value reports whether the session was found.
func (r *Registry) SetSessionState(id string, state State) bool {
	sess, ok := r.GetSession(id)
	if !ok {
		return false
	}
	sess.setState(state)
	return true
}

// TouchSession records activity on the session. Unknown ids are ignored.
func (r *Registry) TouchSession(id string) bool {
	sess, ok := r.GetSession(id)
	if !ok {
		return false
	}
	sess.touch(r.now())
	return true
}

// GetStatistics returns a snapshot of session counts.
func (r *Registry) GetStatistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stats := Statistics{
		TotalSessions:     len(r.sessions),
		UsersWithSessions: len(r.users),
		SessionsPerUser:   make(map[string]int, len(r.users)),
	}
	for user, ids := range r.users {
		stats.SessionsPerUser[user] = len(ids)
	}
	return stats
}
