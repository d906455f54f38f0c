package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/schue/moqui-mcp-sub002/logger"
	"github.com/schue/moqui-mcp-sub002/mcp"
	"github.com/schue/moqui-mcp-sub002/metric"
	"github.com/schue/moqui-mcp-sub002/server/queues"
	"github.com/schue/moqui-mcp-sub002/server/session"
)

// Stream event types.
const (
	EventMessage = "message"
	EventPing    = "ping"
	EventClose   = "close"
)

// ErrSessionNotFound is returned for operations naming an unknown session.
var ErrSessionNotFound = errors.New("session not found")

// Outbound is one unit waiting for, or being written to, a session stream.
// Its frame id is assigned at write time, so queued units get ids in the
// order they are finally delivered.
type Outbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewOutbound marshals v as the data line of an event.
func NewOutbound(event string, v any) (Outbound, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Outbound{}, fmt.Errorf("marshal %s frame: %w", event, err)
	}
	return Outbound{Event: event, Data: data}, nil
}

// Transport delivers messages to session streams. A message for a session
// without a live sink, or whose write fails, is queued and delivered when a
// sink is next registered. Frame ids come from one counter shared by every
// session on the transport, so they increase across all streams and a
// client cannot use them to detect gaps in its own stream.
type Transport struct {
	registry *session.Registry
	queue    queues.Queue[Outbound]
	logger   *logger.Logger
	metrics  *metric.Metrics
	now      func() time.Time

	nextID atomic.Uint64
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithQueue sets the pending-message backend. The default keeps queues in memory.
func WithQueue(q queues.Queue[Outbound]) TransportOption {
	return func(t *Transport) {
		t.queue = q
	}
}

// WithTransportLogger sets the transport's logger.
func WithTransportLogger(l *logger.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = l
	}
}

// WithMetrics records transport activity on m.
func WithMetrics(m *metric.Metrics) TransportOption {
	return func(t *Transport) {
		t.metrics = m
	}
}

// WithTransportClock replaces time.Now for ping timestamps and idle checks.
func WithTransportClock(now func() time.Time) TransportOption {
	return func(t *Transport) {
		t.now = now
	}
}

// NewTransport creates a transport over registry.
func NewTransport(registry *session.Registry, opts ...TransportOption) *Transport {
	t := &Transport{
		registry: registry,
		queue:    queues.NewLocalQueue[Outbound](),
		logger:   logger.DefaultLogger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.Component("transport")
	return t
}

// Registry returns the session registry the transport delivers to.
func (t *Transport) Registry() *session.Registry {
	return t.registry
}

// OpenSession registers a session. An already registered id is kept as is.
func (t *Transport) OpenSession(id, userID string) (*session.Session, error) {
	sess, created, err := t.registry.CreateSession(id, userID)
	if err != nil {
		return nil, err
	}
	if !created {
		t.logger.Info("session already open", "session_id", id, "user_id", sess.UserID())
		return sess, nil
	}
	t.metrics.SetSessions(t.registry.GetStatistics().TotalSessions)
	t.logger.Debug("session opened", "session_id", id, "user_id", userID)
	return sess, nil
}

// CloseSession writes a best-effort close frame to the session's sink,
// then removes the session and its pending queue. It reports whether the
// session existed.
func (t *Transport) CloseSession(ctx context.Context, id string) bool {
	sess, ok := t.registry.GetSession(id)
	if !ok {
		t.logger.Debug("close of unknown session", "session_id", id)
		return false
	}

	lock := t.registry.GetSessionLock(id)
	lock.Lock()
	if att, live := sess.LiveSink(); live {
		out, err := NewOutbound(EventClose, map[string]any{"reason": "session closed"})
		if err == nil {
			if err := t.writeFrame(att.Sink(), out); err != nil {
				t.logger.Debug("close frame not delivered", "session_id", id, "error", err)
			}
		}
	}
	t.registry.CloseSession(id)
	lock.Unlock()

	if err := t.queue.Delete(ctx, id); err != nil {
		t.logger.Warn("failed to drop pending queue", "session_id", id, "error", err)
	}
	t.metrics.SetSessions(t.registry.GetStatistics().TotalSessions)
	t.logger.Debug("session closed", "session_id", id)
	return true
}

// IsSessionActive reports whether the session is initialized and has a
// sink that has not failed a write.
func (t *Transport) IsSessionActive(id string) bool {
	sess, ok := t.registry.GetSession(id)
	if !ok {
		return false
	}
	return sess.State() == session.StateInitialized && sess.HasLiveSink()
}

// SendMessage delivers message to the session as a "message" event.
func (t *Transport) SendMessage(ctx context.Context, id string, message any) error {
	out, err := NewOutbound(EventMessage, message)
	if err != nil {
		return err
	}
	return t.send(ctx, id, out)
}

// SendNotification delivers a notification to one session.
func (t *Transport) SendNotification(ctx context.Context, id string, n mcp.JSONRPCNotification) error {
	return t.SendMessage(ctx, id, n)
}

// SendNotificationToUser delivers n to every session the user owns. A user
// without sessions is not an error.
func (t *Transport) SendNotificationToUser(ctx context.Context, userID string, n mcp.JSONRPCNotification) error {
	out, err := NewOutbound(EventMessage, n)
	if err != nil {
		return err
	}
	ids := t.registry.GetSessionsForUser(userID)
	if len(ids) == 0 {
		t.logger.Debug("no sessions for user", "user_id", userID, "method", n.Method)
		return nil
	}
	var errs []error
	for _, id := range ids {
		if err := t.send(ctx, id, out); err != nil && !errors.Is(err, ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BroadcastNotification delivers n to every registered session.
func (t *Transport) BroadcastNotification(ctx context.Context, n mcp.JSONRPCNotification) error {
	out, err := NewOutbound(EventMessage, n)
	if err != nil {
		return err
	}
	var errs []error
	for _, sess := range t.registry.Sessions() {
		if err := t.sendTo(ctx, sess, out); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SendNotificationToTopic delivers n to every session subscribed to topic.
func (t *Transport) SendNotificationToTopic(ctx context.Context, topic string, n mcp.JSONRPCNotification) error {
	out, err := NewOutbound(EventMessage, n)
	if err != nil {
		return err
	}
	var errs []error
	for _, sess := range t.registry.Sessions() {
		if !sess.IsSubscribed(topic) {
			continue
		}
		if err := t.sendTo(ctx, sess, out); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RegisterSseWriter attaches sink to the session and delivers everything
// queued for it, in order, before returning. The previous sink, if any, is
// abandoned. If a queued write fails the rest stays queued and the sink is
// marked not live.
func (t *Transport) RegisterSseWriter(ctx context.Context, id string, sink session.Sink) (*session.Attachment, error) {
	sess, ok := t.registry.GetSession(id)
	if !ok {
		t.logger.Warn("sink registered for unknown session", "session_id", id)
		return nil, ErrSessionNotFound
	}

	lock := t.registry.GetSessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	att := sess.AttachSink(sink)
	drained, err := t.drainLocked(ctx, sess, att)
	if err != nil {
		t.logger.Warn("pending delivery interrupted", "session_id", id, "delivered", drained, "error", err)
	} else if drained > 0 {
		t.logger.Debug("pending messages delivered", "session_id", id, "count", drained)
	}
	t.registry.TouchSession(id)
	return att, nil
}

// UnregisterSseWriter detaches whatever sink the session has. The session
// and its queue stay, so a reconnect resumes delivery.
func (t *Transport) UnregisterSseWriter(id string) {
	t.ReleaseSink(id, nil)
}

// ReleaseSink detaches att if it is still the session's sink. Connection
// handlers use it so a superseded stream cannot detach its replacement.
func (t *Transport) ReleaseSink(id string, att *session.Attachment) {
	sess, ok := t.registry.GetSession(id)
	if !ok {
		att.Release()
		return
	}
	lock := t.registry.GetSessionLock(id)
	lock.Lock()
	detached := sess.DetachSink(att)
	lock.Unlock()
	if detached {
		t.logger.Debug("sink detached", "session_id", id)
	}
}

// SendPing writes a keep-alive frame if the session has a live sink. Pings
// are never queued.
func (t *Transport) SendPing(id string) bool {
	sess, ok := t.registry.GetSession(id)
	if !ok {
		return false
	}
	lock := t.registry.GetSessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	att, live := sess.LiveSink()
	if !live {
		return false
	}
	out, err := NewOutbound(EventPing, map[string]any{"timestamp": t.now().UnixMilli()})
	if err != nil {
		return false
	}
	if err := t.writeFrame(att.Sink(), out); err != nil {
		sess.MarkBroken(att)
		t.metrics.WriteFailed(EventPing)
		t.logger.Debug("ping failed", "session_id", id, "error", err)
		return false
	}
	return true
}

// QueueLength returns the number of messages waiting for the session.
func (t *Transport) QueueLength(ctx context.Context, id string) int {
	n, err := t.queue.Len(ctx, id)
	if err != nil {
		t.logger.Warn("failed to read queue length", "session_id", id, "error", err)
		return 0
	}
	return n
}

// ActiveSessionIDs returns the ids of sessions with a live sink.
func (t *Transport) ActiveSessionIDs() []string {
	var ids []string
	for _, sess := range t.registry.Sessions() {
		if sess.HasLiveSink() {
			ids = append(ids, sess.SessionID())
		}
	}
	return ids
}

// CloseIdleSessions closes sessions without a sink whose last activity is
// older than maxIdle. It returns how many were closed.
func (t *Transport) CloseIdleSessions(ctx context.Context, maxIdle time.Duration) int {
	cutoff := t.now().Add(-maxIdle)
	closed := 0
	for _, sess := range t.registry.Sessions() {
		if sess.HasLiveSink() || sess.LastActivity().After(cutoff) {
			continue
		}
		if t.CloseSession(ctx, sess.SessionID()) {
			closed++
		}
	}
	if closed > 0 {
		t.logger.Info("idle sessions closed", "count", closed, "max_idle", maxIdle)
	}
	return closed
}

// CloseAll closes every session, writing close frames where possible.
func (t *Transport) CloseAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range t.registry.SessionIDs() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			t.CloseSession(ctx, id)
		}(id)
	}
	wg.Wait()
}

func (t *Transport) send(ctx context.Context, id string, out Outbound) error {
	sess, ok := t.registry.GetSession(id)
	if !ok {
		t.logger.Warn("message for unknown session dropped", "session_id", id)
		t.metrics.Notification("dropped")
		return ErrSessionNotFound
	}
	return t.sendTo(ctx, sess, out)
}

func (t *Transport) sendTo(ctx context.Context, sess *session.Session, out Outbound) error {
	id := sess.SessionID()
	lock := t.registry.GetSessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	if sess.Closed() {
		t.metrics.Notification("dropped")
		return ErrSessionNotFound
	}

	if att, live := sess.LiveSink(); live && t.deliverLocked(ctx, sess, att, out) {
		t.registry.TouchSession(id)
		t.metrics.Notification("delivered")
		return nil
	}

	if err := t.queue.Push(ctx, id, out); err != nil {
		t.metrics.Notification("dropped")
		return fmt.Errorf("queue message for session %s: %w", id, err)
	}
	t.metrics.Notification("queued")
	return nil
}

// deliverLocked writes out after anything still queued, so the stream
// stays FIFO. It must be called with the session lock held.
func (t *Transport) deliverLocked(ctx context.Context, sess *session.Session, att *session.Attachment, out Outbound) bool {
	if _, err := t.drainLocked(ctx, sess, att); err != nil {
		t.logger.Debug("pending delivery failed, queuing", "session_id", sess.SessionID(), "error", err)
		return false
	}
	if err := t.writeFrame(att.Sink(), out); err != nil {
		sess.MarkBroken(att)
		t.metrics.WriteFailed(out.Event)
		t.logger.Debug("write failed, queuing", "session_id", sess.SessionID(), "error", err)
		return false
	}
	return true
}

// drainLocked must be called with the session lock held.
func (t *Transport) drainLocked(ctx context.Context, sess *session.Session, att *session.Attachment) (int, error) {
	return t.queue.Drain(ctx, sess.SessionID(), func(out Outbound) error {
		if err := t.writeFrame(att.Sink(), out); err != nil {
			sess.MarkBroken(att)
			t.metrics.WriteFailed(out.Event)
			return err
		}
		t.metrics.Notification("delivered")
		return nil
	})
}

func (t *Transport) writeFrame(sink session.Sink, out Outbound) error {
	id := t.nextID.Add(1)
	if _, err := fmt.Fprintf(sink, "id: %d\nevent: %s\ndata: %s\n\n", id, out.Event, out.Data); err != nil {
		return err
	}
	if err := sink.Flush(); err != nil {
		return err
	}
	t.metrics.FrameWritten(out.Event)
	return nil
}
