package session

import (
	"io"
	"sort"
	"sync"
	"time"
)

// State is the protocol lifecycle state of a session. A closed session has
// no state: it is simply gone from the Registry.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateInitialized
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateInitialized:
		return "initialized"
	default:
		return "unknown"
	}
}

// Sink is the live output handle of a session's notification stream.
// Flush must push everything written so far to the peer and report any
// error the underlying connection has accumulated.
type Sink interface {
	io.Writer
	Flush() error
}

// Attachment is one occupancy of a session's sink slot. It stays valid
// until it is detached, replaced by a newer attachment, or the session is
// closed; Done is closed at that point so the owner of the connection can
// stop serving it.
type Attachment struct {
	sink   Sink
	broken bool
	done   chan struct{}
	once   sync.Once
}

// Sink returns the attached sink.
func (a *Attachment) Sink() Sink {
	return a.sink
}

// Done is closed once the attachment is no longer the session's sink.
func (a *Attachment) Done() <-chan struct{} {
	return a.done
}

// Session is one connected or recently connected client.
type Session struct {
	id        string
	userID    string
	createdAt time.Time

	mu           sync.RWMutex
	state        State
	lastActivity time.Time
	attachment   *Attachment
	topics       map[string]struct{}
	closed       bool
}

func newSession(id, userID string, now time.Time) *Session {
	return &Session{
		id:           id,
		userID:       userID,
		createdAt:    now,
		lastActivity: now,
		topics:       make(map[string]struct{}),
	}
}

func (s *Session) SessionID() string {
	return s.id
}

// UserID returns the owning user, or "" for anonymous and system sessions.
func (s *Session) UserID() string {
	return s.userID
}

func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Closed reports whether the session has been removed from its Registry.
// Holders of a stale *Session use it to notice the invalidation.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// AttachSink makes sink the session's output and returns the new
// attachment. Any previous attachment is invalidated.
func (s *Session) AttachSink(sink Sink) *Attachment {
	a := &Attachment{sink: sink, done: make(chan struct{})}
	s.mu.Lock()
	prev := s.attachment
	s.attachment = a
	s.mu.Unlock()
	if prev != nil {
		prev.Release()
	}
	return a
}

// DetachSink clears the sink slot if it still holds a. A nil a detaches
// whatever is attached. It reports whether anything was detached.
func (s *Session) DetachSink(a *Attachment) bool {
	s.mu.Lock()
	cur := s.attachment
	if cur == nil || (a != nil && cur != a) {
		s.mu.Unlock()
		return false
	}
	s.attachment = nil
	s.mu.Unlock()
	cur.Release()
	return true
}

// LiveSink returns the attached sink if it has not reported a write error.
func (s *Session) LiveSink() (*Attachment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.attachment == nil || s.attachment.broken {
		return nil, false
	}
	return s.attachment, true
}

// HasLiveSink reports whether a writable sink is attached.
func (s *Session) HasLiveSink() bool {
	_, ok := s.LiveSink()
	return ok
}

// MarkBroken records a write failure on a. The sink stays attached until
// the connection owner detaches it, but it is no longer considered live.
func (s *Session) MarkBroken(a *Attachment) {
	s.mu.Lock()
	if s.attachment == a && a != nil {
		a.broken = true
	}
	s.mu.Unlock()
}

// Subscribe adds topic to the session's subscriptions.
func (s *Session) Subscribe(topic string) {
	s.mu.Lock()
	s.topics[topic] = struct{}{}
	s.mu.Unlock()
}

// Unsubscribe removes topic from the session's subscriptions.
func (s *Session) Unsubscribe(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

// IsSubscribed reports whether the session subscribed to topic.
func (s *Session) IsSubscribed(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.topics[topic]
	return ok
}

// Topics returns the subscribed topics in sorted order.
func (s *Session) Topics() []string {
	s.mu.RLock()
	topics := make([]string, 0, len(s.topics))
	for t := range s.topics {
		topics = append(topics, t)
	}
	s.mu.RUnlock()
	sort.Strings(topics)
	return topics
}

// close invalidates the session and returns the attachment that was live,
// if any, so the caller can say goodbye on it before it is released.
func (s *Session) close() *Attachment {
	s.mu.Lock()
	s.closed = true
	a := s.attachment
	s.attachment = nil
	s.mu.Unlock()
	return a
}

// Release closes the Done channel. It is safe to call more than once.
func (a *Attachment) Release() {
	if a == nil {
		return
	}
	a.once.Do(func() { close(a.done) })
}
