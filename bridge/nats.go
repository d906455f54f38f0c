package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/schue/moqui-mcp-sub002/logger"
)

// DefaultSubject is the NATS subject domain events are read from.
const DefaultSubject = "moqui.notifications"

// ErrNotConnected is returned when subscribing over a closed connection.
var ErrNotConnected = errors.New("nats: not connected")

// NATSSource reads JSON encoded DomainEvents from a NATS subject.
type NATSSource struct {
	conn          *nats.Conn
	subject       string
	handleTimeout time.Duration
	logger        *logger.Logger
}

type NATSOption func(*NATSSource)

// WithSubject sets the subject to subscribe to.
func WithSubject(subject string) NATSOption {
	return func(s *NATSSource) {
		s.subject = subject
	}
}

// WithHandleTimeout bounds the context each listener call receives.
func WithHandleTimeout(d time.Duration) NATSOption {
	return func(s *NATSSource) {
		s.handleTimeout = d
	}
}

func WithNATSLogger(l *logger.Logger) NATSOption {
	return func(s *NATSSource) {
		s.logger = l
	}
}

// NewNATSSource returns a source reading from conn.
func NewNATSSource(conn *nats.Conn, opts ...NATSOption) *NATSSource {
	s := &NATSSource{
		conn:          conn,
		subject:       DefaultSubject,
		handleTimeout: 30 * time.Second,
		logger:        logger.DefaultLogger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Component("nats-source").With("subject", s.subject)
	return s
}

// Subscribe starts delivering events from the subject to l.
func (s *NATSSource) Subscribe(l Listener) (func(), error) {
	if s.conn == nil || !s.conn.IsConnected() {
		return nil, ErrNotConnected
	}
	sub, err := s.conn.Subscribe(s.subject, s.handler(l))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.logger.Info("subscribed to domain events")
	return func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			s.logger.Warn("unsubscribe failed", "error", err)
		}
	}, nil
}

// Publish encodes ev and publishes it on the subject.
func (s *NATSSource) Publish(ev DomainEvent) error {
	if s.conn == nil || !s.conn.IsConnected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.subject, data)
}

func (s *NATSSource) handler(l Listener) nats.MsgHandler {
	return func(msg *nats.Msg) {
		var ev DomainEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			s.logger.Warn("discarding malformed domain event", "error", err, "size", len(msg.Data))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.handleTimeout)
		defer cancel()
		l.OnEvent(ctx, ev)
	}
}

// ConnectNATS dials url with reconnect handling that logs through l.
func ConnectNATS(url, name string, l *logger.Logger) (*nats.Conn, error) {
	l = l.Component("nats")
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				l.Warn("disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			l.Info("reconnected", "url", c.ConnectedUrl())
		}),
	}
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return conn, nil
}
