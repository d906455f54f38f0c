// Package bridge turns backend domain events into session notifications.
//
// A Bridge subscribes to an EventSource once at startup. The transport it
// delivers through is attached separately, since the two come up in no
// particular order; until then every delivery is a silent no-op.
package bridge

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/schue/moqui-mcp-sub002/logger"
	"github.com/schue/moqui-mcp-sub002/mcp"
	"github.com/schue/moqui-mcp-sub002/metric"
)

// Notifier is the part of the transport the bridge delivers through.
// *server.Transport implements it.
type Notifier interface {
	SendNotificationToUser(ctx context.Context, userID string, n mcp.JSONRPCNotification) error
	BroadcastNotification(ctx context.Context, n mcp.JSONRPCNotification) error
	SendNotificationToTopic(ctx context.Context, topic string, n mcp.JSONRPCNotification) error
}

// ErrAlreadyInitialized is returned by Init on a bridge that is already
// subscribed.
var ErrAlreadyInitialized = errors.New("bridge already initialized")

// Bridge converts domain events into notifications/message notifications
// and routes them to their target users.
type Bridge struct {
	prefixes        []string
	deliveryTimeout time.Duration
	logger          *logger.Logger
	metrics         *metric.Metrics
	now             func() time.Time

	mu          sync.RWMutex
	notifier    Notifier
	unsubscribe func()
}

type Option func(*Bridge)

// WithTopicPrefixes restricts delivery to events whose topic starts with
// one of prefixes. No prefixes means every topic is allowed.
func WithTopicPrefixes(prefixes ...string) Option {
	return func(b *Bridge) {
		b.prefixes = prefixes
	}
}

// WithDeliveryTimeout bounds how long one event may spend in the transport.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.deliveryTimeout = d
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

func WithMetrics(m *metric.Metrics) Option {
	return func(b *Bridge) {
		b.metrics = m
	}
}

// WithClock sets the source of notification timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Bridge) {
		b.now = now
	}
}

// New returns an unbound Bridge.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		deliveryTimeout: 5 * time.Second,
		logger:          logger.DefaultLogger,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Component("bridge")
	return b
}

// Init subscribes the bridge to source.
func (b *Bridge) Init(source EventSource) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unsubscribe != nil {
		return ErrAlreadyInitialized
	}
	unsubscribe, err := source.Subscribe(b)
	if err != nil {
		return err
	}
	b.unsubscribe = unsubscribe
	return nil
}

// SetTransport attaches the notifier events are delivered through. Passing
// nil detaches it.
func (b *Bridge) SetTransport(n Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifier = n
}

// Destroy unsubscribes from the event source and drops the transport.
func (b *Bridge) Destroy() {
	b.mu.Lock()
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	b.notifier = nil
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

func (b *Bridge) transport() Notifier {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.notifier
}

// OnEvent implements Listener.
func (b *Bridge) OnEvent(ctx context.Context, ev DomainEvent) {
	b.HandleEvent(ctx, ev)
}

// HandleEvent delivers ev to each of its target users and reports how many
// deliveries succeeded and failed. A failure for one user does not stop
// delivery to the others.
func (b *Bridge) HandleEvent(ctx context.Context, ev DomainEvent) (delivered, failed int) {
	n := b.transport()
	if n == nil {
		b.logger.Debug("no transport, event dropped", "topic", ev.Topic)
		return 0, 0
	}
	if !b.allowed(ev.Topic) {
		b.logger.Debug("event topic filtered", "topic", ev.Topic)
		b.metrics.Event("filtered")
		return 0, 0
	}
	users := targets(ev.TargetUserIDs)
	if len(users) == 0 {
		b.logger.Debug("event has no target users, dropped", "topic", ev.Topic, "id", ev.ID)
		b.metrics.Event("untargeted")
		return 0, 0
	}

	notification := b.Convert(ev)
	ctx, cancel := b.deliveryContext(ctx)
	defer cancel()

	for _, userID := range users {
		if err := n.SendNotificationToUser(ctx, userID, notification); err != nil {
			failed++
			b.metrics.Event("failed")
			b.logger.Warn("event delivery failed", "topic", ev.Topic, "user_id", userID, "error", err)
			continue
		}
		delivered++
		b.metrics.Event("delivered")
	}
	b.logger.Debug("event delivered", "topic", ev.Topic, "users", len(users), "delivered", delivered, "failed", failed)
	return delivered, failed
}

// Convert builds the notifications/message notification for ev.
func (b *Bridge) Convert(ev DomainEvent) mcp.JSONRPCNotification {
	params := map[string]any{
		"topic":     ev.Topic,
		"subTopic":  ev.SubTopic,
		"title":     ev.Title,
		"type":      ev.Type,
		"payload":   ev.Payload,
		"showAlert": ev.ShowAlert,
		"timestamp": b.now().UnixMilli(),
	}
	if ev.Link != "" {
		params["link"] = ev.Link
	}
	if ev.ID != "" {
		params["id"] = ev.ID
	}
	return mcp.NewNotification(mcp.MethodNotificationMessage, params)
}

// SendToUsers delivers n to each user, counting outcomes per user.
func (b *Bridge) SendToUsers(ctx context.Context, userIDs []string, n mcp.JSONRPCNotification) (delivered, failed int) {
	t := b.transport()
	if t == nil {
		return 0, 0
	}
	ctx, cancel := b.deliveryContext(ctx)
	defer cancel()

	for _, userID := range targets(userIDs) {
		if err := t.SendNotificationToUser(ctx, userID, n); err != nil {
			failed++
			b.logger.Warn("notification delivery failed", "method", n.Method, "user_id", userID, "error", err)
			continue
		}
		delivered++
	}
	return delivered, failed
}

// Broadcast delivers n to every session.
func (b *Bridge) Broadcast(ctx context.Context, n mcp.JSONRPCNotification) error {
	t := b.transport()
	if t == nil {
		return nil
	}
	ctx, cancel := b.deliveryContext(ctx)
	defer cancel()
	return t.BroadcastNotification(ctx, n)
}

func (b *Bridge) NotifyToolsListChanged(ctx context.Context) error {
	return b.Broadcast(ctx, mcp.NewNotification(mcp.MethodNotificationToolsListChanged, nil))
}

func (b *Bridge) NotifyResourcesListChanged(ctx context.Context) error {
	return b.Broadcast(ctx, mcp.NewNotification(mcp.MethodNotificationResourcesListChanged, nil))
}

func (b *Bridge) NotifyPromptsListChanged(ctx context.Context) error {
	return b.Broadcast(ctx, mcp.NewNotification(mcp.MethodNotificationPromptsListChanged, nil))
}

// NotifyProgress broadcasts a progress update for token. A zero total is
// left out; so is an empty message.
func (b *Bridge) NotifyProgress(ctx context.Context, token any, progress, total float64, message string) error {
	params := map[string]any{
		"progressToken": token,
		"progress":      progress,
	}
	if total > 0 {
		params["total"] = total
	}
	if message != "" {
		params["message"] = message
	}
	return b.Broadcast(ctx, mcp.NewNotification(mcp.MethodNotificationProgress, params))
}

// NotifyResourceUpdated tells the sessions subscribed to uri that it changed.
func (b *Bridge) NotifyResourceUpdated(ctx context.Context, uri string) error {
	t := b.transport()
	if t == nil {
		return nil
	}
	ctx, cancel := b.deliveryContext(ctx)
	defer cancel()
	n := mcp.NewNotification(mcp.MethodNotificationResourceUpdated, map[string]any{"uri": uri})
	return t.SendNotificationToTopic(ctx, uri, n)
}

func (b *Bridge) allowed(topic string) bool {
	if len(b.prefixes) == 0 {
		return true
	}
	for _, prefix := range b.prefixes {
		if strings.HasPrefix(topic, prefix) {
			return true
		}
	}
	return false
}

func (b *Bridge) deliveryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.deliveryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.deliveryTimeout)
}

// targets drops blank and repeated user ids, keeping first-seen order.
func targets(userIDs []string) []string {
	seen := make(map[string]struct{}, len(userIDs))
	out := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
